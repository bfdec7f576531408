// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tmbx/kwm/kas"
	"github.com/tmbx/kwm/lib/eventstore"
)

// receiveEvent ingests one event pushed by the server. The event is
// stored as unprocessed before anything looks at it.
func (s *Session) receiveEvent(msg kas.Message) {
	if s.loginStatus != LoggedIn {
		s.logger.Warn("event received while not logged in", "event_id", msg.ID, "login_status", s.loginStatus.String())
		return
	}
	if msg.ID > math.MaxInt64 {
		// The store orders event IDs as signed integers.
		s.blameServer(&kas.ProtocolError{
			Type:   msg.Type,
			Reason: fmt.Sprintf("event ID %d out of range", msg.ID),
		})
		return
	}
	if msg.ID < s.lastReceivedEventID {
		s.blameServer(&kas.ProtocolError{
			Type:   msg.Type,
			Reason: fmt.Sprintf("event %d after event %d", msg.ID, s.lastReceivedEventID),
		})
		return
	}
	if msg.ID == s.lastReceivedEventID && msg.ID != 0 {
		s.logger.Warn("duplicate event dropped", "event_id", msg.ID)
		return
	}

	fields, err := kas.EncodeFields(msg.Fields)
	if err != nil {
		s.blameServer(err)
		return
	}
	event := eventstore.Event{
		SessionID: uint64(s.id),
		ID:        msg.ID,
		Type:      uint32(msg.Type),
		Date:      time.Unix(msg.Date, 0).UTC(),
		Payload:   fields,
	}
	if err := s.orch.config.Store.InsertEvent(s.orch.ctx, event); err != nil {
		if errors.Is(err, eventstore.ErrDuplicate) {
			s.logger.Warn("duplicate event dropped", "event_id", msg.ID)
			return
		}
		s.storageFailed(err)
		return
	}
	s.unprocessedCount++
	s.lastReceivedEventID = msg.ID
	s.lastReceivedEventDate = msg.Date
	s.observerUpdate = true

	// Fast path: a lone event is dispatched at once, unless the
	// session cannot process right now.
	if s.unprocessedCount == 1 && s.processingPermitted() {
		s.dispatchEvents()
		s.updateCaughtUp()
		return
	}
	s.requestRun()
}

// processingPermitted reports whether the session may dispatch events
// right now.
func (s *Session) processingPermitted() bool {
	return s.RunLevel() == RunOnline && !s.orch.quench.active
}

// dispatchEvents processes stored events in ID order while permitted.
func (s *Session) dispatchEvents() {
	if s.dispatching {
		return
	}
	s.dispatching = true
	defer func() { s.dispatching = false }()

	ctx := s.orch.ctx
	store := s.orch.config.Store
	for s.unprocessedCount > 0 && s.processingPermitted() && !s.removed {
		event, ok, err := store.FirstUnprocessed(ctx, uint64(s.id))
		if err != nil {
			s.storageFailed(err)
			return
		}
		if !ok {
			s.logger.Warn("unprocessed count out of sync with store", "count", s.unprocessedCount)
			s.unprocessedCount = 0
			break
		}
		msg, err := s.eventMessage(event)
		if err == nil {
			err = s.dispatchEvent(msg)
		}
		if err != nil {
			s.blameServer(fmt.Errorf("workspace: dispatching event %d: %w", event.ID, err))
			return
		}
		if err := store.MarkProcessed(ctx, uint64(s.id), event.ID); err != nil {
			s.storageFailed(err)
			return
		}
		s.unprocessedCount--
		s.lastProcessedEventID = event.ID
		s.orch.eventProcessed()
		s.notify(Notification{Kind: NotifyRawEvent, Event: &msg})

		if s.stopAfterDispatch {
			s.stopAfterDispatch = false
			s.requestedTask = TaskStop
			s.markDirty()
			s.forceTask(TaskStop)
			return
		}
	}
	if s.unprocessedCount > 0 {
		// Blocked by quench or run level; whoever lifts the block
		// reruns the session.
		s.logger.Debug("dispatch paused", "unprocessed", s.unprocessedCount, "quenched", s.orch.quench.active)
	}
	s.updateCaughtUp()
}

func (s *Session) eventMessage(event eventstore.Event) (kas.Message, error) {
	fields, err := kas.DecodeFields(event.Payload)
	if err != nil {
		return kas.Message{}, err
	}
	return kas.Message{
		Kind:      kas.KindEvent,
		Type:      kas.Type(event.Type),
		ID:        event.ID,
		Workspace: s.externalID,
		Date:      event.Date.Unix(),
		Fields:    fields,
	}, nil
}

// dispatchEvent routes one event by namespace.
func (s *Session) dispatchEvent(msg kas.Message) error {
	namespace := msg.Type.Namespace()
	if namespace == kas.NamespaceSessionControl {
		return s.handleControlEvent(msg)
	}
	app, ok := s.appsByNS[namespace]
	if !ok {
		return &kas.ProtocolError{Type: msg.Type, Reason: fmt.Sprintf("no application for namespace %d", namespace)}
	}
	return app.HandleEvent(msg)
}

// blameServer handles server input the session cannot accept. The
// session stops; stopping is what keeps a poisoned event from being
// retried forever.
func (s *Session) blameServer(err error) {
	s.logger.Error("server integrity failure, stopping session", "error", err)
	s.stopForFailure(err)
}

func (s *Session) storageFailed(err error) {
	s.logger.Error("event store failure, stopping session", "error", err)
	s.stopForFailure(fmt.Errorf("workspace: event store: %w", err))
}
