// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"errors"
	"fmt"
)

func (s *Session) appContext() AppContext {
	return AppContext{
		Session:    s.id,
		ExternalID: s.externalID,
		Server:     s.server,
		Rebuilding: s.rebuilding,
	}
}

// startApps starts every application in registration order. If one
// fails, those already started are stopped again and the session is
// stopped with the failure.
func (s *Session) startApps() {
	s.appStatus = AppStarting
	ctx := s.appContext()
	for i, app := range s.apps {
		if err := app.Start(ctx); err != nil {
			err = fmt.Errorf("workspace: starting application %d of session %d: %w", app.Namespace(), s.id, err)
			s.logger.Error("application failed to start", "namespace", uint16(app.Namespace()), "error", err)
			for _, started := range s.apps[:i] {
				if stopErr := started.Stop(); stopErr != nil {
					s.logger.Error("stopping application after start failure", "namespace", uint16(started.Namespace()), "error", stopErr)
				}
			}
			s.appStatus = AppStopped
			s.appFailed(err)
			return
		}
	}
	s.appStatus = AppStarted
	s.scheduleDeferred()
}

// stopApps stops every application in reverse order. All of them are
// asked to stop even when one fails; the joined errors are returned.
func (s *Session) stopApps() error {
	s.appStatus = AppStopping
	var errs []error
	for i := len(s.apps) - 1; i >= 0; i-- {
		app := s.apps[i]
		if err := app.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("application %d: %w", app.Namespace(), err))
		}
	}
	s.appStatus = AppStopped
	s.scheduleDeferred()
	return errors.Join(errs...)
}

// appFailed reports an application failure outside a task switch.
func (s *Session) appFailed(err error) {
	s.notify(Notification{Kind: NotifyAppFailure, Err: err})
	s.stopForFailure(err)
}
