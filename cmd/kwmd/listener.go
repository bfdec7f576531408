// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"

	"github.com/tmbx/kwm/workspace"
)

// logListener reports session activity in the daemon log.
type logListener struct {
	logger *slog.Logger
}

func (l *logListener) Notify(notification workspace.Notification) {
	attrs := []any{"session_id", uint64(notification.Session), "notification", notification.Kind.String()}
	switch notification.Kind {
	case workspace.NotifyRawEvent:
		// Applications log the events they handle.
		return
	case workspace.NotifyTaskSwitched:
		attrs = append(attrs, "task", notification.Task.String())
	}
	if notification.Err != nil {
		l.logger.Warn("session notification", append(attrs, "error", notification.Err)...)
		return
	}
	l.logger.Info("session notification", attrs...)
}

func (l *logListener) StatusChanged(status workspace.Status) {
	l.logger.Info("session status",
		"session_id", uint64(status.ID),
		"name", status.Name,
		"task", status.CurrentTask.String(),
		"run_level", status.RunLevel.String(),
		"login", status.LoginStatus.String(),
		"caught_up", status.CaughtUp,
		"unprocessed", status.UnprocessedCount,
		"last_error", status.LastError,
	)
}
