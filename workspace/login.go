// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tmbx/kwm/kas"
	"github.com/tmbx/kwm/lib/secret"
	"github.com/tmbx/kwm/lib/ticketsvc"
)

// loginState is the handshake state of one session.
type loginState struct {
	typ  LoginType
	step LoginStep

	// Credential material. The ticket and password survive across
	// attempts until the server refuses them.
	ticket         []byte
	password       *secret.Buffer
	remember       bool
	sealedPassword []byte

	// passwordAssigned is the server's hint that a password exists for
	// this identity.
	passwordAssigned bool

	// ticketRefusal is the server's reason for refusing the last
	// ticket, kept for display.
	ticketRefusal string

	// retry is set when the password step is re-entered after the
	// server refused a password.
	retry bool

	// In-flight work. Completions compare against these references
	// and are dropped when they no longer match.
	fetch         *ticketFetch
	prompt        *passwordPrompt
	request       *PendingRequest
	credential    kas.CredentialKind
	logoutRequest *PendingRequest
}

type ticketFetch struct {
	cancel context.CancelFunc
}

type passwordPrompt struct {
	id string
}

func (l *loginState) cancelPending(prompter PasswordPrompter) {
	if l.fetch != nil {
		l.fetch.cancel()
		l.fetch = nil
	}
	if l.prompt != nil {
		if prompter != nil {
			prompter.CancelPrompt(l.prompt.id)
		}
		l.prompt = nil
	}
	if l.request != nil {
		l.request.Cancel()
		l.request = nil
	}
}

func (l *loginState) setPassword(password *secret.Buffer, remember bool) {
	l.clearPassword()
	l.password = password
	l.remember = remember
}

func (l *loginState) clearPassword() {
	if l.password != nil {
		l.password.Close()
		l.password = nil
	}
	l.remember = false
	l.sealedPassword = nil
}

// forget drops the credential material the server just refused.
func (l *loginState) forget(kind kas.CredentialKind) {
	switch kind {
	case kas.CredentialTicket:
		l.ticket = nil
	case kas.CredentialPassword:
		l.clearPassword()
	}
}

// SetLoginType changes which handshake steps later logins may take.
func (s *Session) SetLoginType(typ LoginType) { s.login.typ = typ }

// TicketRefusal returns the server's reason for refusing the last
// ticket, if any.
func (s *Session) TicketRefusal() string { return s.login.ticketRefusal }

// LoginStep returns the current handshake step.
func (s *Session) LoginStep() LoginStep { return s.login.step }

// performLogin starts a login attempt at the cheapest step that can
// work.
func (s *Session) performLogin() {
	s.loginStatus = LoggingIn
	s.login.retry = false
	s.login.step = StepNone

	step := StepTicket
	if s.login.typ == LoginCachedOnly || !s.secure || s.login.ticket != nil ||
		s.login.password != nil || s.orch.config.Tickets == nil {
		step = StepCached
	}
	s.logger.Info("logging in", "step", step.String(), "login_type", s.login.typ.String())
	s.runLoginStep(step)
}

func (s *Session) runLoginStep(step LoginStep) {
	if step < s.login.step {
		s.orch.setFatal(fmt.Errorf("%w: session %d login step %s after %s", ErrInvariant, s.id, step, s.login.step))
		return
	}
	s.login.step = step
	switch step {
	case StepCached:
		switch {
		case s.login.ticket != nil:
			s.sendLogin(kas.CredentialTicket, s.login.ticket)
		case s.login.password != nil:
			s.sendLogin(kas.CredentialPassword, s.login.password.Bytes())
		default:
			s.sendLogin(kas.CredentialNone, nil)
		}
	case StepTicket:
		s.fetchTicket()
	case StepPassword:
		if s.login.password != nil && !s.login.retry {
			s.sendLogin(kas.CredentialPassword, s.login.password.Bytes())
			return
		}
		s.promptPassword()
	}
}

func (s *Session) sendLogin(kind kas.CredentialKind, material []byte) {
	var credential []byte
	if material != nil {
		credential = append([]byte(nil), material...)
	}
	fields := []any{
		s.lastReceivedEventID,
		s.lastReceivedEventDate,
		s.userID,
		s.emailID,
		s.userName,
		uint64(kind),
		credential,
	}
	var request *PendingRequest
	request, err := s.orch.sendRequest(s, kas.CmdLogin, fields, false,
		func(reply kas.Message) { s.loginReplied(request, reply) },
		func(err error) { s.loginRequestFailed(request, err) })
	secret.Zero(credential)
	if err != nil {
		s.loginFailed(&LoginError{Code: LoginMiscServerError, Err: err})
		return
	}
	s.login.request = request
	s.login.credential = kind
}

func (s *Session) loginReplied(request *PendingRequest, reply kas.Message) {
	if s.login.request != request || s.loginStatus != LoggingIn {
		return
	}
	s.login.request = nil
	switch reply.Type {
	case kas.ReplyLoginOK:
		s.loginSucceeded(reply)
	case kas.ReplyLoginError:
		s.loginRefused(reply)
	default:
		s.loginFailed(&LoginError{
			Code: LoginMiscServerError,
			Err:  &kas.ProtocolError{Type: reply.Type, Reason: "unexpected reply to login"},
		})
	}
}

func (s *Session) loginRequestFailed(request *PendingRequest, err error) {
	if s.login.request != request || s.loginStatus != LoggingIn {
		return
	}
	s.login.request = nil
	s.loginFailed(&LoginError{Code: LoginMiscServerError, Err: err})
}

func (s *Session) fetchTicket() {
	tickets := s.orch.config.Tickets
	ctx, cancel := context.WithCancel(s.orch.ctx)
	fetch := &ticketFetch{cancel: cancel}
	s.login.fetch = fetch
	request := ticketsvc.Request{
		Server:      string(s.server),
		ExternalID:  s.externalID,
		UserID:      s.userID,
		EmailID:     s.emailID,
		UserName:    s.userName,
		Credentials: s.credentials,
	}
	orch := s.orch
	orch.config.Go(func() {
		ticket, err := tickets.GetTicket(ctx, request)
		orch.Post(func() { s.ticketFetched(fetch, ticket, err) })
	})
}

func (s *Session) ticketFetched(fetch *ticketFetch, ticket []byte, err error) {
	if s.login.fetch != fetch {
		return
	}
	fetch.cancel()
	s.login.fetch = nil
	switch {
	case ticketsvc.IsServiceError(err, ticketsvc.CodeInvalidConfig):
		s.loginFailed(&LoginError{Code: LoginInvalidConfig, Err: err})
	case err != nil:
		s.loginFailed(&LoginError{Code: LoginCannotObtainTicket, Err: err})
	case len(ticket) == 0:
		s.loginFailed(&LoginError{Code: LoginCannotObtainTicket, Err: errors.New("ticket service returned an empty ticket")})
	default:
		s.login.ticket = ticket
		s.sendLogin(kas.CredentialTicket, ticket)
	}
}

func (s *Session) promptPassword() {
	prompter := s.orch.config.Prompter
	if prompter == nil {
		s.loginFailed(&LoginError{Code: LoginPasswordRequired, Message: "no password prompter configured"})
		return
	}
	prompt := &passwordPrompt{id: uuid.NewString()}
	s.login.prompt = prompt
	prompter.PromptPassword(PasswordPrompt{
		Session:   s.id,
		PromptID:  prompt.id,
		Workspace: s.name,
		Server:    s.server,
		UserName:  s.userName,
		Retry:     s.login.retry,
	})
}

// passwordAnswered resumes the password step. A nil password means the
// user declined.
func (s *Session) passwordAnswered(promptID string, password *secret.Buffer, remember bool) {
	if s.login.prompt == nil || s.login.prompt.id != promptID {
		if password != nil {
			password.Close()
		}
		return
	}
	s.login.prompt = nil
	if password == nil {
		s.loginFailed(&LoginError{Code: LoginPasswordRequired, Message: "password prompt declined"})
		return
	}
	s.login.setPassword(password, remember)
	s.sendLogin(kas.CredentialPassword, password.Bytes())
}

// ReplyLoginOK: [user ID, email ID, secure, server routing, latest event ID].
func (s *Session) loginSucceeded(reply kas.Message) {
	userID, err := reply.Uint(0)
	var emailID, latest uint64
	var secure bool
	var routing string
	if err == nil {
		emailID, err = reply.Uint(1)
	}
	if err == nil {
		secure, err = reply.Bool(2)
	}
	if err == nil {
		routing, err = reply.Text(3)
	}
	if err == nil {
		latest, err = reply.Uint(4)
	}
	if err != nil {
		s.loginFailed(&LoginError{Code: LoginMiscServerError, Err: err})
		return
	}

	changed := false
	if userID != s.userID {
		s.userID, changed = userID, true
	}
	if emailID != s.emailID {
		s.emailID, changed = emailID, true
	}
	if secure != s.secure {
		s.secure, changed = secure, true
	}
	if routing != s.serverRouting {
		s.serverRouting, changed = routing, true
	}
	if s.login.remember && s.login.password != nil && s.login.sealedPassword == nil && s.orch.config.Sealer != nil {
		sealedPassword, err := s.orch.config.Sealer.Seal(s.login.password)
		if err != nil {
			s.logger.Warn("sealing remembered password", "error", err)
		} else {
			s.login.sealedPassword = sealedPassword
			changed = true
		}
	}
	if changed {
		s.markDirty()
	}

	s.latestEventIDAtLogin = latest
	s.login.step = StepNone
	s.login.retry = false
	s.loginStatus = LoggedIn
	s.caughtUp = false
	s.lastError = nil
	s.logger.Info("logged in", "latest_event_id", latest, "last_event_id", s.lastReceivedEventID)
	s.notify(Notification{Kind: NotifyLogin})
	s.scheduleDeferred()
	s.requestRun()

	if s.currentTask == TaskSpawn {
		s.spawnCompleted()
	}
}

// ReplyLoginError: [login code, password assigned, reason].
func (s *Session) loginRefused(reply kas.Message) {
	code, err := reply.Uint32(0)
	var assigned bool
	var reason string
	if err == nil {
		assigned, err = reply.Bool(1)
	}
	if err == nil {
		reason, err = reply.Text(2)
	}
	if err != nil {
		s.loginFailed(&LoginError{Code: LoginMiscServerError, Err: err})
		return
	}
	s.login.passwordAssigned = assigned

	if kas.LoginCode(code) != kas.LoginBadCredentials {
		s.loginFailed(&LoginError{Code: loginErrorCode(kas.LoginCode(code)), Message: reason})
		return
	}

	step := s.login.step
	s.logger.Info("credentials refused", "step", step.String(), "reason", reason)
	switch step {
	case StepCached:
		s.login.ticketRefusal = ""
		s.login.forget(s.login.credential)
		if s.login.typ != LoginCachedOnly && s.orch.config.Tickets != nil {
			s.runLoginStep(StepTicket)
			return
		}
	case StepTicket:
		s.login.ticketRefusal = reason
		s.login.ticket = nil
	case StepPassword:
		s.login.clearPassword()
	}

	if !s.login.passwordAssigned {
		s.loginFailed(&LoginError{Code: LoginBadSecurityCreds, Message: reason})
		return
	}
	if s.login.typ != LoginAll {
		s.loginFailed(&LoginError{Code: LoginPasswordRequired, Message: reason})
		return
	}
	s.login.retry = step == StepPassword
	s.runLoginStep(StepPassword)
}

func loginErrorCode(code kas.LoginCode) LoginErrorCode {
	switch code {
	case kas.LoginBadSessionID:
		return LoginBadSessionID
	case kas.LoginBadIdentityID:
		return LoginBadIdentityID
	case kas.LoginSessionDeleted:
		return LoginSessionDeleted
	case kas.LoginAccountLocked:
		return LoginAccountLocked
	case kas.LoginOutOfSync:
		return LoginOutOfSync
	case kas.LoginBadCredentials:
		return LoginBadSecurityCreds
	default:
		return LoginMiscServerError
	}
}

// loginFailed ends the attempt. Out-of-sync failures rebuild the
// session; other failures move it offline so that it does not retry in
// a loop.
func (s *Session) loginFailed(loginErr *LoginError) {
	s.login.cancelPending(s.orch.config.Prompter)
	s.login.step = StepNone
	s.loginStatus = LoggedOut
	s.lastError = loginErr
	s.logger.Warn("login failed", "code", string(loginErr.Code), "error", loginErr)
	s.notify(Notification{Kind: NotifyLogout, Err: loginErr})
	s.scheduleDeferred()
	s.requestRun()

	switch {
	case s.currentTask == TaskSpawn:
		s.spawnFailed(loginErr)
	case loginErr.Code == LoginOutOfSync:
		s.requireRebuild()
	default:
		if loginErr.Code == LoginSessionDeleted && !s.deletedOnServer {
			s.deletedOnServer = true
			s.markDirty()
		}
		if s.requestedTask == TaskWorkOnline {
			s.requestedTask = TaskWorkOffline
			s.markDirty()
		}
		if s.currentTask == TaskWorkOnline {
			s.forceTask(TaskWorkOffline)
		}
	}
}

// performLogout abandons a login in progress or logs out. The logout
// command is best effort: the session counts as logged out as soon as
// it is sent, and its reply, its failure or the connection going away
// only settle the status. A new login may start before that.
func (s *Session) performLogout() {
	switch s.loginStatus {
	case LoggingIn:
		s.login.cancelPending(s.orch.config.Prompter)
		s.login.step = StepNone
		s.loginStatus = LoggedOut
		s.notify(Notification{Kind: NotifyLogout})
	case LoggedIn:
		s.cancelLogoutSensitive()
		s.loginStatus = LoggingOut
		s.caughtUp = false
		var request *PendingRequest
		request, err := s.orch.sendRequest(s, kas.CmdLogout, nil, false,
			func(kas.Message) { s.logoutCompleted(request) },
			func(error) { s.logoutCompleted(request) })
		s.notify(Notification{Kind: NotifyLogout})
		if err != nil {
			s.logger.Debug("logout not sent", "error", err)
			s.loginStatus = LoggedOut
			return
		}
		s.login.logoutRequest = request
	}
}

func (s *Session) logoutCompleted(request *PendingRequest) {
	if s.login.logoutRequest != request {
		return
	}
	s.login.logoutRequest = nil
	if s.loginStatus == LoggingOut {
		s.loginStatus = LoggedOut
		s.scheduleDeferred()
		s.requestRun()
	}
}
