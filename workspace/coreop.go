// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tmbx/kwm/kas"
	"github.com/tmbx/kwm/lib/secret"
)

type opKind uint8

const (
	opCreate opKind = iota + 1
	opJoin
	opInvite
)

func (k opKind) String() string {
	switch k {
	case opCreate:
		return "create"
	case opJoin:
		return "join"
	case opInvite:
		return "invite"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// CoreOp is a multi-step workflow bound to one session. A session
// holds at most one at a time.
type CoreOp struct {
	id      string
	kind    opKind
	session SessionID
	done    chan struct{}
	err     error
}

func newCoreOp(kind opKind, session SessionID) *CoreOp {
	return &CoreOp{
		id:      uuid.NewString(),
		kind:    kind,
		session: session,
		done:    make(chan struct{}),
	}
}

func (op *CoreOp) ID() string         { return op.id }
func (op *CoreOp) Kind() string       { return op.kind.String() }
func (op *CoreOp) Session() SessionID { return op.session }

// Done is closed when the operation finishes.
func (op *CoreOp) Done() <-chan struct{} { return op.done }

// Err returns the operation's result. Valid once Done is closed.
func (op *CoreOp) Err() error { return op.err }

// bindCoreOp claims the session's operation slot for op.
func (s *Session) bindCoreOp(op *CoreOp) error {
	if s.coreOp != nil {
		return fmt.Errorf("%w: session %d is running %s operation %s", ErrBusy, s.id, s.coreOp.kind, s.coreOp.id)
	}
	s.coreOp = op
	return nil
}

// completeCoreOp finishes the bound operation and frees the slot.
func (s *Session) completeCoreOp(err error) {
	op := s.coreOp
	if op == nil {
		return
	}
	s.coreOp = nil
	op.err = err
	close(op.done)
	if err != nil {
		s.logger.Info("operation failed", "operation", op.kind.String(), "op_id", op.id, "error", err)
	} else {
		s.logger.Info("operation completed", "operation", op.kind.String(), "op_id", op.id)
	}
}

// SpawnRequest describes a workspace to create on a server or join.
type SpawnRequest struct {
	Name   string
	Server kas.ServerID

	// ExternalID is the workspace to join. Zero creates a new
	// workspace on the server.
	ExternalID uint64

	UserID   uint64
	EmailID  uint64
	UserName string
	Email    string
	Secure   bool

	// Credentials is opaque material for the ticket service.
	Credentials []byte

	// Password, when set, is tried before anything is fetched or
	// prompted. The session takes ownership of the buffer.
	Password         *secret.Buffer
	RememberPassword bool

	LoginType LoginType

	// Task is the requested task once the spawn completes.
	Task Task
}

// SpawnWorkspace creates a session and starts its spawn operation. The
// returned operation completes when the first login succeeds; on
// failure the session is deleted.
func (o *Orchestrator) SpawnWorkspace(request SpawnRequest) (*Session, *CoreOp, error) {
	if o.stopping {
		return nil, nil, ErrShuttingDown
	}
	if request.Server == "" {
		return nil, nil, errors.New("workspace: spawn request has no server")
	}
	if !request.Task.userTask() {
		return nil, nil, fmt.Errorf("workspace: %s is not a valid requested task", request.Task)
	}

	o.nextSessionID++
	id := o.nextSessionID
	o.orchestratorDirty = true

	s := o.newSession(id, request.Server)
	s.name = request.Name
	s.externalID = request.ExternalID
	s.userID = request.UserID
	s.emailID = request.EmailID
	s.userName = request.UserName
	s.email = request.Email
	s.secure = request.Secure
	s.credentials = request.Credentials
	s.login.typ = request.LoginType
	if request.Password != nil {
		s.login.setPassword(request.Password, request.RememberPassword)
	}
	s.requestedTask = request.Task

	if request.Name != "" {
		if err := o.config.Store.SetSessionName(o.ctx, uint64(id), request.Name); err != nil {
			return nil, nil, fmt.Errorf("workspace: naming session %d: %w", id, err)
		}
	}

	kind := opCreate
	if request.ExternalID != 0 {
		kind = opJoin
	}
	op := newCoreOp(kind, id)
	s.coreOp = op
	o.sessions[id] = s
	s.markDirty()

	s.logger.Info("spawning workspace", "operation", kind.String(), "external_id", request.ExternalID)
	if !s.RequestTaskSwitch(TaskSpawn) {
		return nil, nil, fmt.Errorf("workspace: session %d refused spawn", id)
	}
	return s, op, nil
}

// advanceSpawn sends the create command once a creating spawn has its
// connection.
func (s *Session) advanceSpawn() {
	if s.currentTask != TaskSpawn || s.spawnStep != spawnConnect || s.createRequest != nil || !s.connected() {
		return
	}
	fields := []any{s.name, s.userName, s.email}
	var request *PendingRequest
	request, err := s.orch.sendRequest(s, kas.CmdCreate, fields, false,
		func(reply kas.Message) { s.createReplied(request, reply) },
		func(err error) { s.createFailed(request, err) })
	if err != nil {
		s.spawnFailed(fmt.Errorf("workspace: sending create: %w", err))
		return
	}
	s.createRequest = request
}

// ReplyCreated: [external ID, user ID, email ID, secure].
func (s *Session) createReplied(request *PendingRequest, reply kas.Message) {
	if s.createRequest != request {
		return
	}
	s.createRequest = nil
	switch reply.Type {
	case kas.ReplyCreated:
	case kas.ReplyFailure:
		reason, _ := reply.Text(0)
		s.spawnFailed(fmt.Errorf("workspace: server refused to create workspace: %s", reason))
		return
	default:
		s.spawnFailed(&kas.ProtocolError{Type: reply.Type, Reason: "unexpected reply to create"})
		return
	}
	externalID, err := reply.Uint(0)
	if err == nil {
		s.userID, err = reply.Uint(1)
	}
	if err == nil {
		s.emailID, err = reply.Uint(2)
	}
	if err == nil {
		s.secure, err = reply.Bool(3)
	}
	if err != nil {
		s.spawnFailed(err)
		return
	}
	s.externalID = externalID
	s.spawnStep = spawnLogin
	s.markDirty()
	s.logger.Info("workspace created on server", "external_id", externalID)
	s.requestRun()
}

func (s *Session) createFailed(request *PendingRequest, err error) {
	if s.createRequest != request {
		return
	}
	s.createRequest = nil
	s.spawnFailed(fmt.Errorf("workspace: create: %w", err))
}

func (s *Session) spawnCompleted() {
	s.mainStatus = MainGood
	s.markDirty()
	s.completeCoreOp(nil)
	s.forceTask(s.requestedTask)
}

func (s *Session) spawnFailed(err error) {
	s.lastError = err
	s.completeCoreOp(err)
	s.forceTask(TaskDelete)
}

// Invite asks the server to invite email into the workspace. The
// session must be logged in and have no other operation bound.
func (o *Orchestrator) Invite(id SessionID, email, message string) (*CoreOp, error) {
	s, ok := o.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSession, id)
	}
	if s.loginStatus != LoggedIn {
		return nil, fmt.Errorf("%w: session %d", ErrNotLoggedIn, id)
	}
	op := newCoreOp(opInvite, id)
	if err := s.bindCoreOp(op); err != nil {
		return nil, err
	}
	finish := func(err error) {
		if s.coreOp == op {
			s.completeCoreOp(err)
		}
	}
	_, err := o.sendRequest(s, kas.CmdInvite, []any{email, message}, true,
		func(reply kas.Message) {
			switch reply.Type {
			case kas.ReplyOK:
				finish(nil)
			case kas.ReplyFailure:
				reason, _ := reply.Text(0)
				finish(fmt.Errorf("workspace: server refused invitation: %s", reason))
			default:
				finish(&kas.ProtocolError{Type: reply.Type, Reason: "unexpected reply to invite"})
			}
		},
		finish)
	if err != nil {
		finish(err)
		return nil, fmt.Errorf("workspace: sending invite: %w", err)
	}
	return op, nil
}
