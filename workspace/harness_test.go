// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tmbx/kwm/kas"
	"github.com/tmbx/kwm/lib/clock"
	"github.com/tmbx/kwm/lib/eventstore"
	"github.com/tmbx/kwm/lib/secret"
	"github.com/tmbx/kwm/lib/testutil"
	"github.com/tmbx/kwm/lib/ticketsvc"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const testServer kas.ServerID = "kas.test:443"

// fakeLink is a ConnectionLayer that answers through the
// orchestrator's Notify, the way kas.Link does, but synchronously.
type fakeLink struct {
	orch *Orchestrator

	// manual disables automatic connect and disconnect notices.
	manual bool

	// respond produces the reply to a command. Returning false holds
	// the command without replying.
	respond func(cmd kas.Message) (kas.Message, bool)

	connects    []kas.ServerID
	disconnects []kas.ServerID
	sent        []kas.Message
	held        []kas.Message
	stopped     bool
	sendErr     error
}

func (l *fakeLink) RequestConnect(server kas.ServerID) {
	l.connects = append(l.connects, server)
	if l.manual {
		return
	}
	if l.stopped {
		l.orch.Notify(kas.Notice{Kind: kas.NoticeDisconnected, Server: server, Err: kas.ErrLinkStopped})
		return
	}
	l.orch.Notify(kas.Notice{Kind: kas.NoticeConnected, Server: server})
}

func (l *fakeLink) RequestDisconnect(server kas.ServerID) {
	l.disconnects = append(l.disconnects, server)
	if l.manual {
		return
	}
	l.orch.Notify(kas.Notice{Kind: kas.NoticeDisconnected, Server: server})
}

func (l *fakeLink) SendCommand(server kas.ServerID, msg kas.Message) error {
	if l.sendErr != nil {
		return l.sendErr
	}
	// Round-trip through the wire encoding so that callers cannot
	// mutate what was "sent".
	data, err := kas.Encode(msg)
	if err != nil {
		return err
	}
	msg, err = kas.Decode(data)
	if err != nil {
		return err
	}
	l.sent = append(l.sent, msg)
	if l.respond == nil {
		return nil
	}
	reply, ok := l.respond(msg)
	if !ok {
		l.held = append(l.held, msg)
		return nil
	}
	reply.Kind = kas.KindReply
	reply.ID = msg.ID
	l.orch.Notify(kas.Notice{Kind: kas.NoticeReply, Server: server, Message: reply})
	return nil
}

func (l *fakeLink) Stop() { l.stopped = true }

// commands returns the sent commands of the given type.
func (l *fakeLink) commands(typ kas.Type) []kas.Message {
	var matched []kas.Message
	for _, msg := range l.sent {
		if msg.Type == typ {
			matched = append(matched, msg)
		}
	}
	return matched
}

// defaultRespond plays a cooperative server.
func defaultRespond(cmd kas.Message) (kas.Message, bool) {
	switch cmd.Type {
	case kas.CmdLogin:
		return loginOK(0), true
	case kas.CmdCreate:
		return kas.Message{Type: kas.ReplyCreated, Fields: []any{uint64(900), uint64(11), uint64(12), false}}, true
	default:
		return kas.Message{Type: kas.ReplyOK}, true
	}
}

func loginOK(latestEventID uint64) kas.Message {
	return kas.Message{Type: kas.ReplyLoginOK, Fields: []any{uint64(11), uint64(12), true, "route-1", latestEventID}}
}

func loginError(code kas.LoginCode, passwordAssigned bool, reason string) kas.Message {
	return kas.Message{Type: kas.ReplyLoginError, Fields: []any{uint64(code), passwordAssigned, reason}}
}

type fakeTickets struct {
	mu      sync.Mutex
	ticket  []byte
	err     error
	calls   int
	lastCtx context.Context
	onCall  func()
}

func (f *fakeTickets) GetTicket(ctx context.Context, request ticketsvc.Request) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastCtx = ctx
	if f.onCall != nil {
		f.onCall()
	}
	if f.err != nil {
		return nil, f.err
	}
	return append([]byte(nil), f.ticket...), nil
}

type fakePrompter struct {
	prompts   []PasswordPrompt
	cancelled []string
	onPrompt  func(PasswordPrompt)
}

func (p *fakePrompter) PromptPassword(prompt PasswordPrompt) {
	p.prompts = append(p.prompts, prompt)
	if p.onPrompt != nil {
		p.onPrompt(prompt)
	}
}

func (p *fakePrompter) CancelPrompt(promptID string) {
	p.cancelled = append(p.cancelled, promptID)
}

type recordingListener struct {
	notifications []Notification
	statuses      []Status
	updated       []SessionID
}

func (l *recordingListener) Notify(notification Notification) {
	l.notifications = append(l.notifications, notification)
}

func (l *recordingListener) StatusChanged(status Status) {
	l.statuses = append(l.statuses, status)
}

func (l *recordingListener) SessionsUpdated(ids []SessionID) {
	l.updated = append(l.updated, ids...)
}

func (l *recordingListener) count(kind NotificationKind) int {
	n := 0
	for _, notification := range l.notifications {
		if notification.Kind == kind {
			n++
		}
	}
	return n
}

func (l *recordingListener) reset() {
	l.notifications = nil
	l.statuses = nil
	l.updated = nil
}

// fakeApp records the events it handles.
type fakeApp struct {
	namespace kas.Namespace
	started   int
	stopped   int
	contexts  []AppContext
	events    []uint64
	startErr  error
	stopErr   error
	handleErr error
	onStop    func()
	onEvent   func(kas.Message)
}

func (a *fakeApp) Namespace() kas.Namespace { return a.namespace }

func (a *fakeApp) Start(ctx AppContext) error {
	if a.startErr != nil {
		return a.startErr
	}
	a.started++
	a.contexts = append(a.contexts, ctx)
	return nil
}

func (a *fakeApp) Stop() error {
	a.stopped++
	if a.onStop != nil {
		a.onStop()
	}
	return a.stopErr
}

func (a *fakeApp) HandleEvent(event kas.Message) error {
	if a.onEvent != nil {
		a.onEvent(event)
	}
	if a.handleErr != nil {
		return a.handleErr
	}
	a.events = append(a.events, event.ID)
	return nil
}

type harness struct {
	t        *testing.T
	clock    *clock.FakeClock
	store    *eventstore.Store
	link     *fakeLink
	tickets  *fakeTickets
	prompter *fakePrompter
	listener *recordingListener
	orch     *Orchestrator

	// chat holds every session's chat application by session ID.
	chat map[SessionID]*fakeApp
}

type harnessOption func(*Config)

func newHarness(t *testing.T, options ...harnessOption) *harness {
	t.Helper()
	fakeClock := clock.Fake(testEpoch)
	store, err := eventstore.OpenStore(eventstore.StoreConfig{
		Path:     filepath.Join(t.TempDir(), "workspace_test.db"),
		PoolSize: 2,
		Clock:    fakeClock,
		Logger:   testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("store.Close: %v", err)
		}
	})
	return newHarnessWithStore(t, fakeClock, store, options...)
}

func newHarnessWithStore(t *testing.T, fakeClock *clock.FakeClock, store *eventstore.Store, options ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		clock:    fakeClock,
		store:    store,
		link:     &fakeLink{respond: defaultRespond},
		tickets:  &fakeTickets{ticket: []byte("signed-ticket")},
		prompter: &fakePrompter{},
		listener: &recordingListener{},
		chat:     make(map[SessionID]*fakeApp),
	}
	config := Config{
		Store:    store,
		Link:     h.link,
		Tickets:  h.tickets,
		Prompter: h.prompter,
		Listener: h.listener,
		Apps: []AppFactory{func(id SessionID) Application {
			app := &fakeApp{namespace: kas.NamespaceChat}
			h.chat[id] = app
			return app
		}},
		ReconnectBase:         time.Second,
		ReconnectMax:          30 * time.Second,
		QuenchBatchSize:       1000,
		QuenchEventBudget:     time.Millisecond,
		SerializationInterval: 5 * time.Second,
		Go:                    func(f func()) { f() },
		Clock:                 fakeClock,
		Logger:                testutil.Logger(t),
	}
	for _, option := range options {
		option(&config)
	}
	orch, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.link.orch = orch
	h.orch = orch
	t.Cleanup(orch.Close)
	return h
}

// run drives the orchestrator to quiescence and fails on a fatal
// error.
func (h *harness) run() {
	h.t.Helper()
	if err := h.orch.RunPasses(); err != nil {
		h.t.Fatalf("RunPasses: %v", err)
	}
}

// addSession registers an already spawned session, bypassing the
// spawn operation.
func (h *harness) addSession(externalID uint64, secure bool) *Session {
	h.t.Helper()
	o := h.orch
	o.nextSessionID++
	s := o.newSession(o.nextSessionID, testServer)
	s.externalID = externalID
	s.secure = secure
	s.userName = "alice"
	s.mainStatus = MainGood
	o.sessions[s.id] = s
	return s
}

// onlineSession returns a logged-in session with running
// applications.
func (h *harness) onlineSession(externalID uint64) *Session {
	h.t.Helper()
	s := h.addSession(externalID, false)
	if !s.RequestTaskSwitch(TaskWorkOnline) {
		h.t.Fatal("WorkOnline refused")
	}
	h.run()
	if s.RunLevel() != RunOnline {
		h.t.Fatalf("session %d run level = %s, login %s, last error %v", s.id, s.RunLevel(), s.loginStatus, s.lastError)
	}
	return s
}

// pushEvent delivers an event from the server.
func (h *harness) pushEvent(s *Session, id uint64, typ kas.Type, fields ...any) {
	h.orch.Notify(kas.Notice{
		Kind:   kas.NoticeEvent,
		Server: s.server,
		Message: kas.Message{
			Kind:      kas.KindEvent,
			Type:      typ,
			ID:        id,
			Workspace: s.externalID,
			Date:      h.clock.Now().Unix(),
			Fields:    fields,
		},
	})
}

func (h *harness) requireValid(s *Session) {
	h.t.Helper()
	if err := s.validate(); err != nil {
		h.t.Fatalf("invariants: %v", err)
	}
}

func newPassword(t *testing.T, value string) *secret.Buffer {
	t.Helper()
	buffer, err := secret.NewFromBytes([]byte(value))
	if err != nil {
		t.Fatalf("secret.NewFromBytes: %v", err)
	}
	return buffer
}

func requireLoginError(t *testing.T, err error, code LoginErrorCode) {
	t.Helper()
	if !IsLoginError(err, code) {
		var loginErr *LoginError
		if errors.As(err, &loginErr) {
			t.Fatalf("login error code = %s, want %s (%v)", loginErr.Code, code, err)
		}
		t.Fatalf("error = %v, want login error %s", err, code)
	}
}
