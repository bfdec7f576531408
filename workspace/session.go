// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/tmbx/kwm/kas"
)

// spawn sub-steps. A spawn that creates the workspace on the server
// starts at spawnConnect; one that joins an existing workspace starts
// at spawnLogin.
const (
	spawnNone = iota
	spawnConnect
	spawnLogin
)

// Member is a workspace user learned from session-control events.
type Member struct {
	UserID uint64
	Name   string
	Email  string
}

// Session is one workspace. Its fields are owned by the control
// goroutine; other goroutines reach it only through the orchestrator.
type Session struct {
	orch   *Orchestrator
	logger *slog.Logger

	id         SessionID
	name       string
	externalID uint64
	server     kas.ServerID

	requestedTask Task
	currentTask   Task
	mainStatus    MainStatus
	loginStatus   LoginStatus
	appStatus     AppStatus
	rebuildFlags  RebuildFlags
	spawnStep     int
	switching     bool

	// Event bookkeeping.
	lastReceivedEventID   uint64
	lastReceivedEventDate int64
	lastProcessedEventID  uint64
	latestEventIDAtLogin  uint64
	unprocessedCount      int
	caughtUp              bool
	rebuilding            bool
	dispatching           bool
	stopAfterDispatch     bool

	// Identity cache.
	userID          uint64
	emailID         uint64
	secure          bool
	serverRouting   string
	userName        string
	email           string
	credentials     []byte
	members         map[uint64]Member
	invitations     map[string]bool
	deletedOnServer bool
	lastError       error

	login         loginState
	apps          []Application
	appsByNS      map[kas.Namespace]Application
	coreOp        *CoreOp
	createRequest *PendingRequest
	refs          int

	attached       bool
	dirty          bool
	deferred       bool
	settled        bool
	observerUpdate bool
	removed        bool
}

func (o *Orchestrator) newSession(id SessionID, server kas.ServerID) *Session {
	s := &Session{
		orch:        o,
		logger:      o.logger.With("session_id", uint64(id), "server", string(server)),
		id:          id,
		server:      server,
		members:     make(map[uint64]Member),
		invitations: make(map[string]bool),
		appsByNS:    make(map[kas.Namespace]Application),
	}
	for _, factory := range o.config.Apps {
		app := factory(id)
		if app == nil {
			continue
		}
		if _, duplicate := s.appsByNS[app.Namespace()]; duplicate {
			o.logger.Warn("duplicate application namespace ignored", "namespace", app.Namespace())
			continue
		}
		s.apps = append(s.apps, app)
		s.appsByNS[app.Namespace()] = app
	}
	return s
}

func (s *Session) ID() SessionID            { return s.id }
func (s *Session) Name() string             { return s.name }
func (s *Session) ExternalID() uint64       { return s.externalID }
func (s *Session) Server() kas.ServerID     { return s.server }
func (s *Session) RequestedTask() Task      { return s.requestedTask }
func (s *Session) CurrentTask() Task        { return s.currentTask }
func (s *Session) MainStatus() MainStatus   { return s.mainStatus }
func (s *Session) LoginStatus() LoginStatus { return s.loginStatus }

// loggedOut reports whether the session is logged out locally. A
// logout still waiting for its reply counts: the reply only confirms.
func (s *Session) loggedOut() bool {
	return s.loginStatus == LoggedOut || s.loginStatus == LoggingOut
}
func (s *Session) AppStatus() AppStatus { return s.appStatus }
func (s *Session) CaughtUp() bool       { return s.caughtUp }
func (s *Session) LastError() error     { return s.lastError }

// Members returns the known workspace users ordered by user ID.
func (s *Session) Members() []Member {
	members := make([]Member, 0, len(s.members))
	for _, member := range s.members {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members
}

// ConnectionWant reports whether the session needs its server
// connection.
func (s *Session) ConnectionWant() bool {
	switch s.currentTask {
	case TaskWorkOnline:
		return true
	case TaskSpawn:
		return s.spawnStep >= spawnConnect
	}
	return false
}

// LoginWant reports whether the session needs to be logged in.
func (s *Session) LoginWant() bool {
	switch s.currentTask {
	case TaskWorkOnline:
		return true
	case TaskSpawn:
		return s.spawnStep >= spawnLogin
	}
	return false
}

// AppWant reports whether the session's applications should run.
func (s *Session) AppWant() bool {
	return s.currentTask == TaskWorkOffline || s.currentTask == TaskWorkOnline
}

// RunLevel derives what the session can do from its application and
// login status.
func (s *Session) RunLevel() RunLevel {
	if s.appStatus != AppStarted {
		return RunStopped
	}
	if s.loginStatus == LoggedIn && s.currentTask == TaskWorkOnline {
		return RunOnline
	}
	return RunOffline
}

// AddRef records an external reference. A session pending deletion
// is kept until every reference is released.
func (s *Session) AddRef() { s.refs++ }

// Release drops a reference taken with AddRef.
func (s *Session) Release() {
	if s.refs == 0 {
		s.logger.Error("release without reference")
		return
	}
	s.refs--
	if s.refs == 0 && s.currentTask == TaskDelete {
		s.requestRun()
	}
}

// connected reports whether the session is attached to an
// established connection.
func (s *Session) connected() bool {
	if !s.attached {
		return false
	}
	conn := s.orch.conns[s.server]
	return conn != nil && conn.status == ConnConnected
}

func (s *Session) requestRun() {
	if s.removed {
		return
	}
	s.orch.sched.schedule(sessionKey(s.id), s.orch.clock.Now())
}

func (s *Session) markDirty() {
	s.dirty = true
	s.orch.scheduleSerialize()
}

// validate checks the invariants every pass starts and ends with.
func (s *Session) validate() error {
	_, pendingDelete := s.orch.deletions[s.id]
	switch {
	case (s.currentTask == TaskDelete) != pendingDelete:
		return fmt.Errorf("%w: session %d task %s, in deletion set %t", ErrInvariant, s.id, s.currentTask, pendingDelete)
	case s.appStatus == AppStarted && !s.AppWant():
		return fmt.Errorf("%w: session %d applications started in task %s", ErrInvariant, s.id, s.currentTask)
	case s.attached && !s.ConnectionWant():
		return fmt.Errorf("%w: session %d attached to connection in task %s", ErrInvariant, s.id, s.currentTask)
	case s.loginStatus == LoggedIn && !s.connected():
		return fmt.Errorf("%w: session %d logged in without connection", ErrInvariant, s.id)
	case !s.LoginWant() && s.loginStatus != LoggedOut && s.loginStatus != LoggingOut:
		return fmt.Errorf("%w: session %d %s in task %s", ErrInvariant, s.id, s.loginStatus, s.currentTask)
	}
	return nil
}

// Status is a point-in-time summary of a session.
type Status struct {
	ID                  SessionID
	Name                string
	ExternalID          uint64
	Server              kas.ServerID
	RequestedTask       Task
	CurrentTask         Task
	MainStatus          MainStatus
	LoginStatus         LoginStatus
	AppStatus           AppStatus
	RunLevel            RunLevel
	CaughtUp            bool
	Rebuilding          bool
	DeletedOnServer     bool
	UnprocessedCount    int
	LastReceivedEventID uint64
	Members             int
	LastError           string
}

// Status summarizes the session.
func (s *Session) Status() Status {
	status := Status{
		ID:                  s.id,
		Name:                s.name,
		ExternalID:          s.externalID,
		Server:              s.server,
		RequestedTask:       s.requestedTask,
		CurrentTask:         s.currentTask,
		MainStatus:          s.mainStatus,
		LoginStatus:         s.loginStatus,
		AppStatus:           s.appStatus,
		RunLevel:            s.RunLevel(),
		CaughtUp:            s.caughtUp,
		Rebuilding:          s.rebuilding,
		DeletedOnServer:     s.deletedOnServer,
		UnprocessedCount:    s.unprocessedCount,
		LastReceivedEventID: s.lastReceivedEventID,
		Members:             len(s.members),
	}
	if s.lastError != nil {
		status.LastError = s.lastError.Error()
	}
	return status
}
