// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"fmt"

	"github.com/tmbx/kwm/kas"
)

// NotificationKind enumerates immediate notifications.
type NotificationKind uint8

const (
	NotifyConnected NotificationKind = iota + 1
	NotifyDisconnecting
	NotifyLogin
	NotifyLogout
	NotifyTaskSwitched
	NotifyAppFailure
	NotifyRawEvent
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyConnected:
		return "connected"
	case NotifyDisconnecting:
		return "disconnecting"
	case NotifyLogin:
		return "login"
	case NotifyLogout:
		return "logout"
	case NotifyTaskSwitched:
		return "task-switched"
	case NotifyAppFailure:
		return "app-failure"
	case NotifyRawEvent:
		return "raw-event"
	default:
		return fmt.Sprintf("notification(%d)", uint8(k))
	}
}

// Notification is an immediate report from a session. It is delivered
// while the session may still be mid-transition.
type Notification struct {
	Kind    NotificationKind
	Session SessionID

	// Task is the new task on NotifyTaskSwitched.
	Task Task

	// Err is set on NotifyLogout when the login failed or the
	// connection dropped, and on NotifyAppFailure.
	Err error

	// Event is set on NotifyRawEvent.
	Event *kas.Message
}

func (s *Session) notify(notification Notification) {
	notification.Session = s.id
	if s.orch.config.Listener != nil {
		s.orch.config.Listener.Notify(notification)
	}
}

// scheduleDeferred records that observers should get a status change.
// Any number of calls before the next flush yield one delivery.
func (s *Session) scheduleDeferred() {
	s.deferred = true
	s.observerUpdate = true
}

// flushDeferred delivers the pending status change once the
// orchestrator has declared the session settled.
func (s *Session) flushDeferred() {
	if !s.deferred || !s.settled {
		return
	}
	s.deferred = false
	s.settled = false
	if s.orch.config.Listener != nil {
		s.orch.config.Listener.StatusChanged(s.Status())
	}
}
