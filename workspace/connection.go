// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/tmbx/kwm/kas"
)

// serverConn is the orchestrator's view of one server connection.
// Sessions refer to it by server ID; it refers to them by session ID.
type serverConn struct {
	server         kas.ServerID
	status         ConnStatus
	failedAttempts int
	nextAttempt    time.Time
	pending        map[uint64]*PendingRequest
	wanting        map[SessionID]struct{}
}

// PendingRequest correlates a command with its reply.
type PendingRequest struct {
	ID      uint64
	Server  kas.ServerID
	Session SessionID

	// LogoutSensitive requests fail with ErrLoggedOut when their
	// session logs out.
	LogoutSensitive bool

	orch      *Orchestrator
	onReply   func(kas.Message)
	onFailure func(error)
	done      bool
}

// Cancel forgets the request without running either callback. It is
// safe to call more than once and after completion.
func (r *PendingRequest) Cancel() {
	if r.done {
		return
	}
	r.done = true
	r.orch.forgetRequest(r)
}

func (r *PendingRequest) reply(msg kas.Message) {
	if r.done {
		return
	}
	r.done = true
	r.orch.forgetRequest(r)
	if r.onReply != nil {
		r.onReply(msg)
	}
}

func (r *PendingRequest) fail(err error) {
	if r.done {
		return
	}
	r.done = true
	r.orch.forgetRequest(r)
	if r.onFailure != nil {
		r.onFailure(err)
	}
}

func (o *Orchestrator) forgetRequest(r *PendingRequest) {
	if conn := o.conns[r.Server]; conn != nil {
		delete(conn.pending, r.ID)
	}
}

// connection returns the connection to server, creating it on first
// use.
func (o *Orchestrator) connection(server kas.ServerID) *serverConn {
	conn, ok := o.conns[server]
	if !ok {
		conn = &serverConn{
			server:  server,
			pending: make(map[uint64]*PendingRequest),
			wanting: make(map[SessionID]struct{}),
		}
		o.conns[server] = conn
	}
	return conn
}

// sendRequest sends a command on behalf of s and registers the
// callbacks for its outcome.
func (o *Orchestrator) sendRequest(s *Session, typ kas.Type, fields []any, logoutSensitive bool, onReply func(kas.Message), onFailure func(error)) (*PendingRequest, error) {
	conn := o.conns[s.server]
	if conn == nil || conn.status != ConnConnected {
		return nil, kas.ErrNotConnected
	}
	o.nextRequestID++
	msg := kas.Message{
		Kind:      kas.KindCommand,
		Type:      typ,
		ID:        o.nextRequestID,
		Workspace: s.externalID,
		Fields:    fields,
	}
	if err := o.config.Link.SendCommand(s.server, msg); err != nil {
		return nil, err
	}
	request := &PendingRequest{
		ID:              msg.ID,
		Server:          s.server,
		Session:         s.id,
		LogoutSensitive: logoutSensitive,
		orch:            o,
		onReply:         onReply,
		onFailure:       onFailure,
	}
	conn.pending[request.ID] = request
	return request, nil
}

// attach adds the session to the set wanting its server connection.
func (s *Session) attach() {
	conn := s.orch.connection(s.server)
	conn.wanting[s.id] = struct{}{}
	s.attached = true
	if conn.status == ConnConnected {
		s.notify(Notification{Kind: NotifyConnected})
	}
}

func (s *Session) detach() {
	if conn := s.orch.conns[s.server]; conn != nil {
		delete(conn.wanting, s.id)
		if conn.status == ConnConnected {
			s.notify(Notification{Kind: NotifyDisconnecting})
		}
	}
	s.attached = false
}

func (s *Session) cancelLogoutSensitive() {
	conn := s.orch.conns[s.server]
	if conn == nil {
		return
	}
	var doomed []*PendingRequest
	for _, request := range conn.pending {
		if request.Session == s.id && request.LogoutSensitive {
			doomed = append(doomed, request)
		}
	}
	slices.SortFunc(doomed, func(a, b *PendingRequest) int { return cmp.Compare(a.ID, b.ID) })
	for _, request := range doomed {
		request.fail(ErrLoggedOut)
	}
}

// connectionLost resets the login of a session whose connection went
// down.
func (s *Session) connectionLost(err error, wasConnected bool) {
	if s.attached && wasConnected {
		s.notify(Notification{Kind: NotifyDisconnecting, Err: err})
	}
	cause := ErrDisconnected
	if err != nil {
		cause = fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	switch s.loginStatus {
	case LoggingIn:
		s.login.cancelPending(s.orch.config.Prompter)
		s.login.step = StepNone
		s.loginStatus = LoggedOut
		s.notify(Notification{Kind: NotifyLogout, Err: cause})
	case LoggedIn:
		s.cancelLogoutSensitive()
		s.loginStatus = LoggedOut
		s.caughtUp = false
		s.notify(Notification{Kind: NotifyLogout, Err: cause})
	case LoggingOut:
		if s.login.logoutRequest != nil {
			s.login.logoutRequest.Cancel()
			s.login.logoutRequest = nil
		}
		s.loginStatus = LoggedOut
	default:
		return
	}
	s.scheduleDeferred()
	s.requestRun()
}

// backoff returns the reconnect delay after failures consecutive
// failed attempts.
func (o *Orchestrator) backoff(failures int) time.Duration {
	delay := o.config.ReconnectBase
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= o.config.ReconnectMax {
			return o.config.ReconnectMax
		}
	}
	return min(delay, o.config.ReconnectMax)
}

// reconcileConnections connects wanted connections (respecting
// backoff), disconnects unwanted ones and forgets idle ones.
func (o *Orchestrator) reconcileConnections() bool {
	if len(o.conns) == 0 {
		return false
	}
	servers := make([]kas.ServerID, 0, len(o.conns))
	for server := range o.conns {
		servers = append(servers, server)
	}
	slices.Sort(servers)

	now := o.clock.Now()
	progress := false
	for _, server := range servers {
		conn := o.conns[server]
		wanted := len(conn.wanting) > 0
		switch conn.status {
		case ConnDisconnected:
			switch {
			case wanted && conn.failedAttempts > 0 && now.Before(conn.nextAttempt):
				o.sched.schedule(reconnectKey(server), conn.nextAttempt)
			case wanted:
				o.sched.cancel(reconnectKey(server))
				conn.status = ConnConnecting
				o.logger.Info("connecting", "server", string(server), "attempt", conn.failedAttempts+1)
				o.config.Link.RequestConnect(server)
				progress = true
			case len(conn.pending) == 0:
				o.sched.cancel(reconnectKey(server))
				delete(o.conns, server)
				progress = true
			}
		case ConnConnecting, ConnConnected:
			if !wanted {
				conn.status = ConnDisconnecting
				o.logger.Info("disconnecting", "server", string(server))
				o.config.Link.RequestDisconnect(server)
				progress = true
			}
		}
	}
	return progress
}

func (o *Orchestrator) handleNotice(notice kas.Notice) {
	conn := o.conns[notice.Server]
	if conn == nil {
		o.logger.Debug("notice for unknown connection", "server", string(notice.Server), "notice", notice.Kind.String())
		return
	}
	switch notice.Kind {
	case kas.NoticeConnected:
		o.connectionUp(conn)
	case kas.NoticeDisconnected:
		o.connectionDown(conn, notice.Err)
	case kas.NoticeReply:
		request := conn.pending[notice.Message.ID]
		if request == nil {
			o.logger.Debug("reply to unknown request", "server", string(conn.server), "request_id", notice.Message.ID)
			return
		}
		request.reply(notice.Message)
	case kas.NoticeEvent:
		o.routeEvent(conn, notice.Message)
	}
}

func (o *Orchestrator) connectionUp(conn *serverConn) {
	if conn.status != ConnConnecting {
		o.logger.Debug("ignoring connect notice", "server", string(conn.server), "status", conn.status.String())
		return
	}
	conn.status = ConnConnected
	conn.failedAttempts = 0
	o.sched.cancel(reconnectKey(conn.server))
	o.logger.Info("connected", "server", string(conn.server))
	for _, id := range sortedIDs(conn.wanting) {
		if s, ok := o.sessions[id]; ok {
			s.notify(Notification{Kind: NotifyConnected})
			s.requestRun()
		}
	}
}

func (o *Orchestrator) connectionDown(conn *serverConn, err error) {
	previous := conn.status
	if previous == ConnDisconnected {
		return
	}
	conn.status = ConnDisconnected
	if previous == ConnDisconnecting {
		err = nil
	}
	if err != nil {
		conn.failedAttempts++
		delay := o.backoff(conn.failedAttempts)
		conn.nextAttempt = o.clock.Now().Add(delay)
		o.logger.Warn("connection failed", "server", string(conn.server), "error", err,
			"failed_attempts", conn.failedAttempts, "retry_in", delay)
	} else {
		conn.failedAttempts = 0
		o.logger.Info("disconnected", "server", string(conn.server))
	}

	wasConnected := previous == ConnConnected || previous == ConnDisconnecting
	for _, id := range o.sessionIDs() {
		s := o.sessions[id]
		if s.server == conn.server {
			s.connectionLost(err, wasConnected)
		}
	}

	cause := ErrDisconnected
	if err != nil {
		cause = fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	ids := make([]uint64, 0, len(conn.pending))
	for id := range conn.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if request := conn.pending[id]; request != nil {
			request.fail(cause)
		}
	}
}

// routeEvent hands an event to the session it is addressed to.
func (o *Orchestrator) routeEvent(conn *serverConn, msg kas.Message) {
	for _, id := range sortedIDs(conn.wanting) {
		s, ok := o.sessions[id]
		if ok && s.externalID == msg.Workspace {
			s.receiveEvent(msg)
			return
		}
	}
	o.logger.Debug("event for unknown workspace dropped", "server", string(conn.server),
		"external_id", msg.Workspace, "event_id", msg.ID)
}

func sortedIDs(set map[SessionID]struct{}) []SessionID {
	ids := make([]SessionID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
