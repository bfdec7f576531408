// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"

	"github.com/tmbx/kwm/kas"
	"github.com/tmbx/kwm/workspace"
)

// journalApp is the daemon's stand-in for a workspace application: it
// validates the events of its namespace and logs them.
type journalApp struct {
	namespace kas.Namespace
	name      string
	logger    *slog.Logger

	started bool
	handled uint64
}

var _ workspace.Application = (*journalApp)(nil)

func applicationFactories(logger *slog.Logger) []workspace.AppFactory {
	apps := []struct {
		namespace kas.Namespace
		name      string
	}{
		{kas.NamespaceFileShare, "files"},
		{kas.NamespaceScreenShare, "screen"},
		{kas.NamespaceChat, "chat"},
		{kas.NamespaceBoard, "board"},
	}
	factories := make([]workspace.AppFactory, 0, len(apps))
	for _, app := range apps {
		factories = append(factories, func(id workspace.SessionID) workspace.Application {
			return &journalApp{
				namespace: app.namespace,
				name:      app.name,
				logger:    logger.With("app", app.name, "session_id", uint64(id)),
			}
		})
	}
	return factories
}

func (a *journalApp) Namespace() kas.Namespace { return a.namespace }

func (a *journalApp) Start(ctx workspace.AppContext) error {
	a.started = true
	a.logger.Debug("application started", "external_id", ctx.ExternalID, "rebuilding", ctx.Rebuilding)
	return nil
}

func (a *journalApp) Stop() error {
	a.started = false
	a.logger.Debug("application stopped", "handled", a.handled)
	return nil
}

// HandleEvent rejects events whose fields do not match their type, which
// stops the session and leaves the event in the store.
func (a *journalApp) HandleEvent(event kas.Message) error {
	line, err := describeEvent(event)
	if err != nil {
		return err
	}
	a.handled++
	a.logger.Info(line, "event_id", event.ID)
	return nil
}

func describeEvent(event kas.Message) (string, error) {
	userID, err := event.Uint(0)
	if err != nil {
		return "", err
	}
	switch event.Type {
	case kas.EvtChatMessage:
		text, err := event.Text(1)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("user %d: %s", userID, text), nil
	case kas.EvtFileUploaded:
		path, err := event.Text(1)
		if err != nil {
			return "", err
		}
		size, err := event.Uint(2)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("user %d uploaded %s (%d bytes)", userID, path, size), nil
	case kas.EvtFileDeleted:
		path, err := event.Text(1)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("user %d deleted %s", userID, path), nil
	case kas.EvtScreenStarted:
		title, err := event.Text(1)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("user %d started sharing %q", userID, title), nil
	case kas.EvtScreenStopped:
		return fmt.Sprintf("user %d stopped sharing", userID), nil
	case kas.EvtBoardPublished:
		revision, err := event.Uint(1)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("user %d published board revision %d", userID, revision), nil
	default:
		return "", &kas.ProtocolError{Type: event.Type, Reason: "unknown event"}
	}
}
