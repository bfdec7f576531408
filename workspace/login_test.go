// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tmbx/kwm/kas"
	"github.com/tmbx/kwm/lib/eventstore"
	"github.com/tmbx/kwm/lib/sealed"
	"github.com/tmbx/kwm/lib/ticketsvc"
)

// loginServer answers CmdLogin by credential: accepted credentials log
// in, everything else is refused as bad credentials.
type loginServer struct {
	accept           map[string]bool
	passwordAssigned bool
	attempts         []string
}

func (l *loginServer) respond(cmd kas.Message) (kas.Message, bool) {
	if cmd.Type != kas.CmdLogin {
		return defaultRespond(cmd)
	}
	kind, _ := cmd.Uint(5)
	credential, _ := cmd.Bytes(6)
	attempt := fmt.Sprintf("%d:%s", kind, credential)
	l.attempts = append(l.attempts, attempt)
	if l.accept[attempt] {
		return loginOK(0), true
	}
	return loginError(kas.LoginBadCredentials, l.passwordAssigned, "refused "+attempt), true
}

func (l *loginServer) requireAttempts(t *testing.T, want ...string) {
	t.Helper()
	if fmt.Sprint(l.attempts) != fmt.Sprint(want) {
		t.Fatalf("login attempts = %v, want %v", l.attempts, want)
	}
}

// answerWith makes the prompter answer prompts with the given
// passwords in order.
func (h *harness) answerWith(remember bool, passwords ...string) {
	h.prompter.onPrompt = func(prompt PasswordPrompt) {
		if len(passwords) == 0 {
			h.orch.AnswerPasswordPrompt(prompt.Session, prompt.PromptID, nil, false)
			return
		}
		password := newPassword(h.t, passwords[0])
		passwords = passwords[1:]
		h.orch.AnswerPasswordPrompt(prompt.Session, prompt.PromptID, password, remember)
	}
}

func TestLoginEscalatesCachedTicketPassword(t *testing.T) {
	h := newHarness(t)
	server := &loginServer{accept: map[string]bool{"2:right": true}, passwordAssigned: true}
	h.link.respond = server.respond
	h.answerWith(false, "wrong", "right")

	s := h.addSession(1, true)
	s.login.ticket = []byte("cached-ticket")
	if !s.RequestTaskSwitch(TaskWorkOnline) {
		t.Fatal("WorkOnline refused")
	}
	h.run()

	server.requireAttempts(t, "1:cached-ticket", "1:signed-ticket", "2:wrong", "2:right")
	if s.LoginStatus() != LoggedIn {
		t.Fatalf("login status = %s, last error %v", s.LoginStatus(), s.LastError())
	}
	if len(h.prompter.prompts) != 2 {
		t.Fatalf("prompts = %d, want 2", len(h.prompter.prompts))
	}
	if h.prompter.prompts[0].Retry || !h.prompter.prompts[1].Retry {
		t.Errorf("prompt retry flags = %t, %t, want false, true", h.prompter.prompts[0].Retry, h.prompter.prompts[1].Retry)
	}
	if s.TicketRefusal() != "refused 1:signed-ticket" {
		t.Errorf("ticket refusal = %q", s.TicketRefusal())
	}
	if s.LoginStep() != StepNone {
		t.Errorf("login step after success = %s, want none", s.LoginStep())
	}
	if h.tickets.calls != 1 {
		t.Errorf("ticket service calls = %d, want 1", h.tickets.calls)
	}
	if n := h.listener.count(NotifyLogin); n != 1 {
		t.Errorf("login notifications = %d, want 1", n)
	}
}

func TestLoginSecureSessionStartsWithTicket(t *testing.T) {
	h := newHarness(t)
	server := &loginServer{accept: map[string]bool{"1:signed-ticket": true}}
	h.link.respond = server.respond

	s := h.addSession(1, true)
	s.RequestTaskSwitch(TaskWorkOnline)
	h.run()

	server.requireAttempts(t, "1:signed-ticket")
	if s.RunLevel() != RunOnline {
		t.Fatalf("run level = %s, last error %v", s.RunLevel(), s.LastError())
	}

	// The accepted ticket is reused on the next login without asking
	// the ticket service again.
	s.RequestTaskSwitch(TaskWorkOffline)
	h.run()
	s.RequestTaskSwitch(TaskWorkOnline)
	h.run()
	server.requireAttempts(t, "1:signed-ticket", "1:signed-ticket")
	if h.tickets.calls != 1 {
		t.Errorf("ticket service calls = %d, want 1", h.tickets.calls)
	}
}

func TestLoginInsecureSessionSendsNoCredential(t *testing.T) {
	h := newHarness(t)
	server := &loginServer{accept: map[string]bool{"0:": true}}
	h.link.respond = server.respond

	s := h.addSession(1, false)
	s.RequestTaskSwitch(TaskWorkOnline)
	h.run()

	server.requireAttempts(t, "0:")
	if h.tickets.calls != 0 {
		t.Errorf("ticket service calls = %d, want 0", h.tickets.calls)
	}
}

func TestLoginFailures(t *testing.T) {
	tests := []struct {
		name     string
		prepare  func(h *harness, s *Session, server *loginServer)
		wantCode LoginErrorCode
	}{
		{
			name:     "no password on server",
			prepare:  func(h *harness, s *Session, server *loginServer) { server.passwordAssigned = false },
			wantCode: LoginBadSecurityCreds,
		},
		{
			name: "prompting not allowed",
			prepare: func(h *harness, s *Session, server *loginServer) {
				server.passwordAssigned = true
				s.SetLoginType(LoginNoPasswordPrompt)
			},
			wantCode: LoginPasswordRequired,
		},
		{
			name: "prompt declined",
			prepare: func(h *harness, s *Session, server *loginServer) {
				server.passwordAssigned = true
				h.answerWith(false)
			},
			wantCode: LoginPasswordRequired,
		},
		{
			name: "ticket service misconfigured",
			prepare: func(h *harness, s *Session, server *loginServer) {
				h.tickets.err = &ticketsvc.ServiceError{Code: ticketsvc.CodeInvalidConfig, Message: "no such server"}
			},
			wantCode: LoginInvalidConfig,
		},
		{
			name: "ticket service unreachable",
			prepare: func(h *harness, s *Session, server *loginServer) {
				h.tickets.err = errors.New("connection refused")
			},
			wantCode: LoginCannotObtainTicket,
		},
		{
			name: "empty ticket",
			prepare: func(h *harness, s *Session, server *loginServer) {
				h.tickets.ticket = nil
			},
			wantCode: LoginCannotObtainTicket,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h := newHarness(t)
			server := &loginServer{}
			h.link.respond = server.respond
			s := h.addSession(1, true)
			test.prepare(h, s, server)

			s.RequestTaskSwitch(TaskWorkOnline)
			h.run()
			h.requireValid(s)

			requireLoginError(t, s.LastError(), test.wantCode)
			if s.LoginStatus() != LoggedOut {
				t.Errorf("login status = %s, want logged-out", s.LoginStatus())
			}
			if s.CurrentTask() != TaskWorkOffline || s.RequestedTask() != TaskWorkOffline {
				t.Errorf("tasks = %s/%s, want work-offline/work-offline", s.CurrentTask(), s.RequestedTask())
			}
			if s.RunLevel() != RunOffline {
				t.Errorf("run level = %s, want offline", s.RunLevel())
			}
			if len(h.orch.conns) != 0 {
				t.Error("connection kept after login failure")
			}
			var logoutErr error
			for _, notification := range h.listener.notifications {
				if notification.Kind == NotifyLogout {
					logoutErr = notification.Err
				}
			}
			requireLoginError(t, logoutErr, test.wantCode)
		})
	}
}

func TestLoginServerErrorsMapToCodes(t *testing.T) {
	tests := []struct {
		code kas.LoginCode
		want LoginErrorCode
	}{
		{kas.LoginBadSessionID, LoginBadSessionID},
		{kas.LoginBadIdentityID, LoginBadIdentityID},
		{kas.LoginSessionDeleted, LoginSessionDeleted},
		{kas.LoginAccountLocked, LoginAccountLocked},
		{kas.LoginMisc, LoginMiscServerError},
	}
	for _, test := range tests {
		t.Run(string(test.want), func(t *testing.T) {
			h := newHarness(t)
			h.link.respond = func(cmd kas.Message) (kas.Message, bool) {
				if cmd.Type == kas.CmdLogin {
					return loginError(test.code, true, "server says no"), true
				}
				return defaultRespond(cmd)
			}
			s := h.addSession(1, false)
			s.RequestTaskSwitch(TaskWorkOnline)
			h.run()

			requireLoginError(t, s.LastError(), test.want)
			if s.CurrentTask() != TaskWorkOffline {
				t.Errorf("task = %s, want work-offline", s.CurrentTask())
			}
			if deleted := s.Status().DeletedOnServer; deleted != (test.code == kas.LoginSessionDeleted) {
				t.Errorf("deleted on server = %t", deleted)
			}
		})
	}
}

func TestLoginOutOfSyncRebuilds(t *testing.T) {
	h := newHarness(t)
	var lastEventIDs []uint64
	h.link.respond = func(cmd kas.Message) (kas.Message, bool) {
		if cmd.Type != kas.CmdLogin {
			return defaultRespond(cmd)
		}
		lastEventID, _ := cmd.Uint(0)
		lastEventIDs = append(lastEventIDs, lastEventID)
		if len(lastEventIDs) == 1 {
			return loginError(kas.LoginOutOfSync, false, "event log truncated"), true
		}
		return loginOK(0), true
	}

	s := h.addSession(1, false)
	stale := eventstore.Event{
		SessionID: uint64(s.ID()),
		ID:        3,
		Type:      uint32(kas.EvtChatMessage),
		Date:      testEpoch,
		Payload:   []byte{0x80},
	}
	if err := h.store.InsertEvent(context.Background(), stale); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if err := h.store.MarkProcessed(context.Background(), stale.SessionID, stale.ID); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	s.lastReceivedEventID = 3
	s.lastProcessedEventID = 3
	s.members[7] = Member{UserID: 7, Name: "carol"}

	s.RequestTaskSwitch(TaskWorkOnline)
	h.run()
	h.requireValid(s)

	if fmt.Sprint(lastEventIDs) != "[3 0]" {
		t.Fatalf("login last event IDs = %v, want [3 0]", lastEventIDs)
	}
	if s.MainStatus() != MainGood || s.RunLevel() != RunOnline {
		t.Fatalf("after rebuild: main %s, run level %s, last error %v", s.MainStatus(), s.RunLevel(), s.LastError())
	}
	if _, ok, err := h.store.LastEvent(context.Background(), uint64(s.ID())); err != nil || ok {
		t.Errorf("LastEvent after rebuild = ok %t, err %v; want no events", ok, err)
	}
	if len(s.Members()) != 0 {
		t.Errorf("members survived rebuild: %v", s.Members())
	}
	chat := h.chat[s.ID()]
	if len(chat.contexts) != 2 || chat.contexts[0].Rebuilding || !chat.contexts[1].Rebuilding {
		t.Errorf("application start contexts = %+v, want a plain start then a rebuilding one", chat.contexts)
	}
	if s.Status().Rebuilding {
		t.Error("still rebuilding after catching up")
	}
}

func TestStaleTicketCompletionIgnored(t *testing.T) {
	var queued []func()
	h := newHarness(t, func(config *Config) {
		config.Go = func(f func()) { queued = append(queued, f) }
	})
	s := h.addSession(1, true)
	s.RequestTaskSwitch(TaskWorkOnline)
	h.run()
	if s.LoginStatus() != LoggingIn || s.LoginStep() != StepTicket || len(queued) != 1 {
		t.Fatalf("login %s step %s with %d fetches queued", s.LoginStatus(), s.LoginStep(), len(queued))
	}

	s.RequestTaskSwitch(TaskWorkOffline)
	queued[0]()
	h.run()

	if h.tickets.lastCtx.Err() == nil {
		t.Error("ticket fetch context not cancelled by the switch")
	}
	if n := len(h.link.commands(kas.CmdLogin)); n != 0 {
		t.Errorf("login commands sent = %d, want 0", n)
	}
	if s.LoginStatus() != LoggedOut || s.RunLevel() != RunOffline {
		t.Errorf("login %s, run level %s", s.LoginStatus(), s.RunLevel())
	}
}

func TestSupersededPromptAnswerDiscarded(t *testing.T) {
	h := newHarness(t, func(config *Config) { config.Tickets = nil })
	server := &loginServer{passwordAssigned: true}
	h.link.respond = server.respond

	s := h.addSession(1, true)
	s.RequestTaskSwitch(TaskWorkOnline)
	h.run()
	if len(h.prompter.prompts) != 1 {
		t.Fatalf("prompts = %d, want 1", len(h.prompter.prompts))
	}
	prompt := h.prompter.prompts[0]

	s.RequestTaskSwitch(TaskStop)
	h.run()
	if len(h.prompter.cancelled) != 1 || h.prompter.cancelled[0] != prompt.PromptID {
		t.Fatalf("cancelled prompts = %v, want [%s]", h.prompter.cancelled, prompt.PromptID)
	}

	h.orch.AnswerPasswordPrompt(prompt.Session, prompt.PromptID, newPassword(t, "late"), false)
	h.run()
	server.requireAttempts(t, "0:")
}

func TestRememberedPasswordSurvivesRestart(t *testing.T) {
	sealer, err := sealed.LoadOrCreate(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	withSealer := func(config *Config) {
		config.Sealer = sealer
		config.Tickets = nil
	}

	h := newHarness(t, withSealer)
	server := &loginServer{accept: map[string]bool{"2:hunter2": true}, passwordAssigned: true}
	h.link.respond = server.respond
	h.answerWith(true, "hunter2")

	s := h.addSession(1, true)
	s.RequestTaskSwitch(TaskWorkOnline)
	h.run()
	server.requireAttempts(t, "0:", "2:hunter2")

	// The sealed password is written on the next serialization
	// interval.
	h.clock.Advance(5 * time.Second)
	h.run()
	data, ok, err := h.store.GetBlob(context.Background(), snapshotName(s.ID()))
	if err != nil || !ok {
		t.Fatalf("GetBlob: ok %t, err %v", ok, err)
	}
	if bytes.Contains(data, []byte("hunter2")) {
		t.Fatal("snapshot contains the plaintext password")
	}

	restarted := newHarnessWithStore(t, h.clock, h.store, withSealer)
	second := &loginServer{accept: map[string]bool{"2:hunter2": true}, passwordAssigned: true}
	restarted.link.respond = second.respond
	if err := restarted.orch.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	restarted.run()

	second.requireAttempts(t, "2:hunter2")
	restored, ok := restarted.orch.Session(s.ID())
	if !ok {
		t.Fatalf("session %d not restored", s.ID())
	}
	if restored.RunLevel() != RunOnline {
		t.Fatalf("restored run level = %s, last error %v", restored.RunLevel(), restored.LastError())
	}
	if len(restarted.prompter.prompts) != 0 {
		t.Errorf("restored session prompted %d times", len(restarted.prompter.prompts))
	}
}

func TestSwitchOfflineLogsOut(t *testing.T) {
	h := newHarness(t)
	s := h.onlineSession(1)
	h.listener.reset()

	s.RequestTaskSwitch(TaskWorkOffline)
	h.run()

	if n := len(h.link.commands(kas.CmdLogout)); n != 1 {
		t.Fatalf("logout commands = %d, want 1", n)
	}
	if s.LoginStatus() != LoggedOut || s.RunLevel() != RunOffline {
		t.Errorf("login %s, run level %s", s.LoginStatus(), s.RunLevel())
	}
	if n := h.listener.count(NotifyLogout); n != 1 {
		t.Errorf("logout notifications = %d, want 1", n)
	}
	if n := h.listener.count(NotifyDisconnecting); n != 1 {
		t.Errorf("disconnecting notifications = %d, want 1", n)
	}
	if len(h.link.disconnects) != 1 {
		t.Errorf("disconnects = %v, want one", h.link.disconnects)
	}
}

// holdLogouts makes the server sit on logout commands.
func (h *harness) holdLogouts() {
	h.link.respond = func(cmd kas.Message) (kas.Message, bool) {
		if cmd.Type == kas.CmdLogout {
			return kas.Message{}, false
		}
		return defaultRespond(cmd)
	}
}

func TestUnansweredLogoutDoesNotBlockLogin(t *testing.T) {
	h := newHarness(t)
	s := h.onlineSession(1)
	other := h.onlineSession(2)
	h.holdLogouts()

	s.RequestTaskSwitch(TaskWorkOffline)
	h.run()
	if len(h.link.held) != 1 || h.link.held[0].Type != kas.CmdLogout {
		t.Fatalf("held commands = %v, want the logout", h.link.held)
	}
	if !s.loggedOut() || s.RunLevel() != RunOffline {
		t.Fatalf("after WorkOffline: login %s, run level %s", s.LoginStatus(), s.RunLevel())
	}
	if other.RunLevel() != RunOnline {
		t.Fatalf("other session run level = %s", other.RunLevel())
	}

	s.RequestTaskSwitch(TaskWorkOnline)
	h.run()
	if s.LoginStatus() != LoggedIn || s.RunLevel() != RunOnline {
		t.Fatalf("after WorkOnline: login %s, run level %s, last error %v", s.LoginStatus(), s.RunLevel(), s.LastError())
	}
	if n := len(h.link.commands(kas.CmdLogin)); n != 3 {
		t.Errorf("login commands = %d, want 3", n)
	}

	// The late reply to the old logout must not log the new login out.
	h.orch.Notify(kas.Notice{
		Kind:    kas.NoticeReply,
		Server:  testServer,
		Message: kas.Message{Kind: kas.KindReply, Type: kas.ReplyOK, ID: h.link.held[0].ID},
	})
	h.run()
	if s.LoginStatus() != LoggedIn || s.RunLevel() != RunOnline {
		t.Errorf("after late logout reply: login %s, run level %s", s.LoginStatus(), s.RunLevel())
	}
	if s.login.logoutRequest != nil {
		t.Error("answered logout request still tracked")
	}
	h.requireValid(s)
}

func TestUnansweredLogoutDoesNotBlockDeletion(t *testing.T) {
	h := newHarness(t)
	s := h.onlineSession(1)
	h.onlineSession(2)
	h.holdLogouts()

	if !s.RequestTaskSwitch(TaskDelete) {
		t.Fatal("Delete refused")
	}
	h.run()
	if _, ok := h.orch.Session(s.ID()); ok {
		t.Fatalf("session kept while its logout is unanswered (login %s)", s.LoginStatus())
	}
	if len(h.link.disconnects) != 0 {
		t.Error("shared connection dropped")
	}
}
