// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/tmbx/kwm/kas"
)

func (h *harness) unprocessed(s *Session) int {
	h.t.Helper()
	count, err := h.store.CountUnprocessed(context.Background(), uint64(s.ID()))
	if err != nil {
		h.t.Fatalf("CountUnprocessed: %v", err)
	}
	return count
}

func TestEventsDispatchedInOrder(t *testing.T) {
	h := newHarness(t)
	s := h.onlineSession(1)

	for id := uint64(1); id <= 3; id++ {
		h.pushEvent(s, id, kas.EvtChatMessage, uint64(11), fmt.Sprintf("message %d", id))
	}
	h.run()

	chat := h.chat[s.ID()]
	if fmt.Sprint(chat.events) != "[1 2 3]" {
		t.Fatalf("chat events = %v, want [1 2 3]", chat.events)
	}
	if n := h.unprocessed(s); n != 0 {
		t.Errorf("unprocessed events = %d, want 0", n)
	}
	if n := h.listener.count(NotifyRawEvent); n != 3 {
		t.Errorf("raw-event notifications = %d, want 3", n)
	}
	status := s.Status()
	if status.LastReceivedEventID != 3 || status.UnprocessedCount != 0 {
		t.Errorf("status = %+v", status)
	}
}

func TestEventFieldsReachApplication(t *testing.T) {
	h := newHarness(t)
	s := h.onlineSession(1)
	var text string
	h.chat[s.ID()].onEvent = func(event kas.Message) {
		text, _ = event.Text(1)
	}

	h.pushEvent(s, 1, kas.EvtChatMessage, uint64(11), "hello")
	h.run()

	if text != "hello" {
		t.Errorf("chat saw %q, want hello", text)
	}
}

func TestEventOutOfOrderStopsSession(t *testing.T) {
	h := newHarness(t)
	s := h.onlineSession(1)

	h.pushEvent(s, 5, kas.EvtChatMessage, uint64(11), "five")
	h.pushEvent(s, 3, kas.EvtChatMessage, uint64(11), "three")
	h.run()
	h.requireValid(s)

	if s.CurrentTask() != TaskStop || s.RequestedTask() != TaskStop {
		t.Fatalf("tasks = %s/%s, want stop/stop", s.CurrentTask(), s.RequestedTask())
	}
	if !kas.IsProtocolError(s.LastError()) {
		t.Errorf("last error = %v, want a protocol error", s.LastError())
	}
	if fmt.Sprint(h.chat[s.ID()].events) != "[5]" {
		t.Errorf("chat events = %v, want [5]", h.chat[s.ID()].events)
	}
	last, ok, err := h.store.LastEvent(context.Background(), uint64(s.ID()))
	if err != nil || !ok || last.ID != 5 {
		t.Errorf("last stored event = %d (ok %t, err %v), want 5", last.ID, ok, err)
	}
}

func TestEventIDOutOfRangeStopsSession(t *testing.T) {
	h := newHarness(t)
	s := h.onlineSession(1)

	h.pushEvent(s, 2, kas.EvtChatMessage, uint64(11), "two")
	h.pushEvent(s, math.MaxInt64+1, kas.EvtChatMessage, uint64(11), "huge")
	h.run()
	h.requireValid(s)

	if s.CurrentTask() != TaskStop {
		t.Fatalf("task = %s, want stop", s.CurrentTask())
	}
	if !kas.IsProtocolError(s.LastError()) {
		t.Errorf("last error = %v, want a protocol error", s.LastError())
	}
	last, ok, err := h.store.LastEvent(context.Background(), uint64(s.ID()))
	if err != nil || !ok || last.ID != 2 {
		t.Errorf("last stored event = %d (ok %t, err %v), want 2", last.ID, ok, err)
	}
	if s.Status().LastReceivedEventID != 2 {
		t.Errorf("last received event = %d, want 2", s.Status().LastReceivedEventID)
	}
}

func TestEventStoredAsEncodedFields(t *testing.T) {
	h := newHarness(t)
	s := h.onlineSession(1)

	h.pushEvent(s, 1, kas.EvtChatMessage, uint64(11), "hello")
	h.run()

	want, err := kas.EncodeFields([]any{uint64(11), "hello"})
	if err != nil {
		t.Fatalf("EncodeFields: %v", err)
	}
	last, ok, err := h.store.LastEvent(context.Background(), uint64(s.ID()))
	if err != nil || !ok {
		t.Fatalf("LastEvent: ok %t, err %v", ok, err)
	}
	if !bytes.Equal(last.Payload, want) {
		t.Errorf("stored payload = %x, want %x", last.Payload, want)
	}
}

func TestDuplicateEventDropped(t *testing.T) {
	h := newHarness(t)
	s := h.onlineSession(1)

	h.pushEvent(s, 4, kas.EvtChatMessage, uint64(11), "once")
	h.pushEvent(s, 4, kas.EvtChatMessage, uint64(11), "once")
	h.run()

	if fmt.Sprint(h.chat[s.ID()].events) != "[4]" {
		t.Fatalf("chat events = %v, want [4]", h.chat[s.ID()].events)
	}
	if s.RunLevel() != RunOnline {
		t.Errorf("run level = %s, want online", s.RunLevel())
	}
}

func TestUndispatchableEventStaysStored(t *testing.T) {
	tests := []struct {
		name    string
		typ     kas.Type
		prepare func(app *fakeApp)
	}{
		{name: "unknown namespace", typ: kas.EvtBoardPublished},
		{name: "unknown control event", typ: kas.MakeType(kas.NamespaceSessionControl, 299)},
		{
			name:    "handler error",
			typ:     kas.EvtChatMessage,
			prepare: func(app *fakeApp) { app.handleErr = errors.New("corrupt message") },
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h := newHarness(t)
			s := h.onlineSession(1)
			if test.prepare != nil {
				test.prepare(h.chat[s.ID()])
			}

			h.pushEvent(s, 1, test.typ, uint64(11), "payload")
			h.run()
			h.requireValid(s)

			if s.CurrentTask() != TaskStop {
				t.Fatalf("task = %s, want stop", s.CurrentTask())
			}
			if s.LastError() == nil {
				t.Error("no error recorded")
			}
			if n := h.unprocessed(s); n != 1 {
				t.Errorf("unprocessed events = %d, want the failed event kept", n)
			}
		})
	}
}

func TestEventsIgnoredWhenLoggedOut(t *testing.T) {
	h := newHarness(t)
	s := h.onlineSession(1)
	s.RequestTaskSwitch(TaskWorkOffline)
	h.run()

	// The connection is gone, so route the event by hand.
	s.receiveEvent(kas.Message{Kind: kas.KindEvent, Type: kas.EvtChatMessage, ID: 1, Workspace: 1})
	if n := h.unprocessed(s); n != 0 {
		t.Errorf("unprocessed events = %d, want 0", n)
	}
}

func TestCaughtUpAfterLatestEvent(t *testing.T) {
	h := newHarness(t)
	h.link.respond = func(cmd kas.Message) (kas.Message, bool) {
		if cmd.Type == kas.CmdLogin {
			return loginOK(3), true
		}
		return defaultRespond(cmd)
	}
	s := h.addSession(1, false)
	s.RequestTaskSwitch(TaskWorkOnline)
	h.run()
	if s.CaughtUp() {
		t.Fatal("caught up before receiving the backlog")
	}

	h.pushEvent(s, 1, kas.EvtChatMessage, uint64(11), "one")
	h.pushEvent(s, 2, kas.EvtChatMessage, uint64(11), "two")
	h.run()
	if s.CaughtUp() {
		t.Fatal("caught up after event 2 of 3")
	}

	h.listener.reset()
	h.pushEvent(s, 3, kas.EvtChatMessage, uint64(11), "three")
	h.run()
	if !s.CaughtUp() {
		t.Fatal("not caught up after event 3")
	}
	if len(h.listener.statuses) != 1 || !h.listener.statuses[0].CaughtUp {
		t.Errorf("status changes = %+v, want one caught-up status", h.listener.statuses)
	}
}

func TestSessionControlEvents(t *testing.T) {
	h := newHarness(t)
	s := h.onlineSession(1)

	h.pushEvent(s, 1, kas.EvtWorkspaceCreated, uint64(11), "Design review")
	h.pushEvent(s, 2, kas.EvtUserInvited, uint64(11), "bob@example.com")
	h.pushEvent(s, 3, kas.EvtUserInvited, uint64(11), "dana@example.com")
	h.pushEvent(s, 4, kas.EvtUserRegistered, uint64(12), "Bob", "bob@example.com")
	h.run()

	if s.Name() != "Design review" {
		t.Errorf("name = %q", s.Name())
	}
	names, err := h.store.SessionNames(context.Background())
	if err != nil {
		t.Fatalf("SessionNames: %v", err)
	}
	if names[uint64(s.ID())] != "Design review" {
		t.Errorf("stored name = %q", names[uint64(s.ID())])
	}
	members := s.Members()
	if len(members) != 1 || members[0] != (Member{UserID: 12, Name: "Bob", Email: "bob@example.com"}) {
		t.Errorf("members = %+v", members)
	}
	if len(s.invitations) != 1 || !s.invitations["dana@example.com"] {
		t.Errorf("pending invitations = %v, want only dana", s.invitations)
	}
	if len(h.chat[s.ID()].events) != 0 {
		t.Errorf("chat saw session-control events: %v", h.chat[s.ID()].events)
	}
}

func TestWorkspaceDeletedOnServerStopsSession(t *testing.T) {
	h := newHarness(t)
	s := h.onlineSession(1)

	h.pushEvent(s, 1, kas.EvtWorkspaceDeleted, uint64(11))
	h.pushEvent(s, 2, kas.EvtChatMessage, uint64(11), "after deletion")
	h.run()
	h.requireValid(s)

	status := s.Status()
	if !status.DeletedOnServer {
		t.Error("not marked deleted on server")
	}
	if status.CurrentTask != TaskStop || status.RequestedTask != TaskStop {
		t.Errorf("tasks = %s/%s, want stop/stop", status.CurrentTask, status.RequestedTask)
	}
	if s.LastError() != nil {
		t.Errorf("last error = %v, want none", s.LastError())
	}
	if n := h.unprocessed(s); n != 0 {
		t.Errorf("unprocessed events = %d; the deletion event must be processed", n)
	}
}

func TestPendingEventsDispatchOnNextStart(t *testing.T) {
	h := newHarness(t)
	s := h.onlineSession(1)
	h.chat[s.ID()].handleErr = errors.New("disk full")

	h.pushEvent(s, 1, kas.EvtChatMessage, uint64(11), "kept")
	h.run()
	if s.CurrentTask() != TaskStop {
		t.Fatalf("task = %s, want stop", s.CurrentTask())
	}

	h.chat[s.ID()].handleErr = nil
	s.RequestTaskSwitch(TaskWorkOnline)
	h.run()

	if fmt.Sprint(h.chat[s.ID()].events) != "[1]" {
		t.Fatalf("chat events = %v, want [1]", h.chat[s.ID()].events)
	}
	if n := h.unprocessed(s); n != 0 {
		t.Errorf("unprocessed events = %d, want 0", n)
	}
}
