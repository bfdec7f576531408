// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"context"
	"testing"
	"time"

	"github.com/tmbx/kwm/kas"
	"github.com/tmbx/kwm/lib/codec"
	"github.com/tmbx/kwm/lib/eventstore"
)

func TestSavedSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	second := h.addSession(20, false)
	second.name = "Second"
	second.RequestTaskSwitch(TaskWorkOffline)
	first := h.addSession(10, true)
	first.name = "First"
	first.deletedOnServer = true
	first.markDirty()
	h.run()

	for id := uint64(1); id <= 2; id++ {
		event := eventstore.Event{SessionID: uint64(second.ID()), ID: id, Type: uint32(kas.EvtChatMessage), Date: testEpoch, Payload: []byte{0x80}}
		if err := h.store.InsertEvent(ctx, event); err != nil {
			t.Fatalf("InsertEvent: %v", err)
		}
	}

	statuses, err := SavedSessions(ctx, h.store)
	if err != nil {
		t.Fatalf("SavedSessions: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("statuses = %+v, want 2", statuses)
	}
	if statuses[0].ID != second.ID() || statuses[1].ID != first.ID() {
		t.Errorf("order = %d, %d", statuses[0].ID, statuses[1].ID)
	}
	if got := statuses[0]; got.Name != "Second" || got.RequestedTask != TaskWorkOffline ||
		got.UnprocessedCount != 2 || got.LastReceivedEventID != 2 || got.Server != testServer {
		t.Errorf("second = %+v", got)
	}
	if got := statuses[1]; got.Name != "First" || !got.DeletedOnServer || got.ExternalID != 10 {
		t.Errorf("first = %+v", got)
	}
}

func TestSavedSessionsPreferNameIndex(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s := h.addSession(10, false)
	s.name = "Before"
	s.markDirty()
	h.run()
	// A rename reaches the index at once; the snapshot still holds the
	// old name.
	if err := h.store.SetSessionName(ctx, uint64(s.ID()), "After"); err != nil {
		t.Fatalf("SetSessionName: %v", err)
	}

	statuses, err := SavedSessions(ctx, h.store)
	if err != nil {
		t.Fatalf("SavedSessions: %v", err)
	}
	if len(statuses) != 1 || statuses[0].Name != "After" {
		t.Fatalf("statuses = %+v, want one named After", statuses)
	}
}

func TestSavedSessionsRejectsCorruptSnapshot(t *testing.T) {
	h := newHarness(t)
	if err := h.store.PutBlob(context.Background(), snapshotName(1), []byte("not cbor")); err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	if _, err := SavedSessions(context.Background(), h.store); err == nil {
		t.Fatal("corrupt snapshot accepted")
	}
}

func TestRestoreSkipsUnreadableSnapshots(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.store.PutBlob(ctx, snapshotName(1), []byte("not cbor")); err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	mismatched, err := codec.Marshal(sessionSnapshot{ID: 7, Server: string(testServer), MainStatus: MainGood})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := h.store.PutBlob(ctx, snapshotName(2), mismatched); err != nil {
		t.Fatalf("PutBlob: %v", err)
	}

	if err := h.orch.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(h.orch.Sessions()) != 0 {
		t.Errorf("restored %+v", h.orch.Sessions())
	}
}

func TestSnapshotsRespectInterval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.addSession(1, false)
	s.RequestTaskSwitch(TaskWorkOffline)
	h.run()

	s.name = "Renamed"
	s.markDirty()
	h.run()
	data, _, err := h.store.GetBlob(ctx, snapshotName(s.ID()))
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	var snap sessionSnapshot
	if err := codec.Unmarshal(data, &snap); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if snap.Name == "Renamed" {
		t.Fatal("snapshot rewritten before the serialization interval")
	}

	h.clock.Advance(5 * time.Second)
	h.run()
	data, _, err = h.store.GetBlob(ctx, snapshotName(s.ID()))
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if err := codec.Unmarshal(data, &snap); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if snap.Name != "Renamed" {
		t.Errorf("snapshot name = %q after the interval", snap.Name)
	}
}
