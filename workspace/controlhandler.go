// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"github.com/tmbx/kwm/kas"
)

// handleControlEvent applies a session-control event to the session's
// own state. These events belong to no application.
func (s *Session) handleControlEvent(msg kas.Message) error {
	switch msg.Type {
	case kas.EvtWorkspaceCreated:
		name, err := msg.Text(1)
		if err != nil {
			return err
		}
		if s.name == "" && name != "" {
			s.name = name
			if err := s.orch.config.Store.SetSessionName(s.orch.ctx, uint64(s.id), name); err != nil {
				return err
			}
			s.markDirty()
		}

	case kas.EvtUserInvited:
		email, err := msg.Text(1)
		if err != nil {
			return err
		}
		if !s.invitations[email] {
			s.invitations[email] = true
			s.markDirty()
		}

	case kas.EvtUserRegistered:
		userID, err := msg.Uint(0)
		if err != nil {
			return err
		}
		name, err := msg.Text(1)
		if err != nil {
			return err
		}
		email, err := msg.Text(2)
		if err != nil {
			return err
		}
		delete(s.invitations, email)
		s.members[userID] = Member{UserID: userID, Name: name, Email: email}
		s.markDirty()
		s.scheduleDeferred()

	case kas.EvtWorkspaceDeleted:
		if _, err := msg.Uint(0); err != nil {
			return err
		}
		s.logger.Info("workspace deleted on server")
		s.deletedOnServer = true
		s.stopAfterDispatch = true
		s.markDirty()
		s.scheduleDeferred()

	default:
		return &kas.ProtocolError{Type: msg.Type, Reason: "unknown session-control event"}
	}
	return nil
}
