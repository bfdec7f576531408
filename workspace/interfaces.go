// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"context"

	"github.com/tmbx/kwm/kas"
	"github.com/tmbx/kwm/lib/eventstore"
	"github.com/tmbx/kwm/lib/sealed"
	"github.com/tmbx/kwm/lib/secret"
	"github.com/tmbx/kwm/lib/ticketsvc"
)

// EventStore is the durable state behind the orchestrator: the
// per-session event log, whole-object snapshots and the session name
// index.
type EventStore interface {
	InsertEvent(ctx context.Context, event eventstore.Event) error
	MarkProcessed(ctx context.Context, sessionID, eventID uint64) error
	FirstUnprocessed(ctx context.Context, sessionID uint64) (eventstore.Event, bool, error)
	LastEvent(ctx context.Context, sessionID uint64) (eventstore.Event, bool, error)
	CountUnprocessed(ctx context.Context, sessionID uint64) (int, error)
	DeleteEvents(ctx context.Context, sessionID uint64) error

	PutBlob(ctx context.Context, name string, data []byte) error
	GetBlob(ctx context.Context, name string) ([]byte, bool, error)
	BlobNames(ctx context.Context, prefix string) ([]string, error)

	SetSessionName(ctx context.Context, sessionID uint64, name string) error
	SessionNames(ctx context.Context) (map[uint64]string, error)
	DeleteSession(ctx context.Context, sessionID uint64, snapshotName string) error
}

// ConnectionLayer carries commands to servers. Results come back
// asynchronously through [Orchestrator.Notify].
type ConnectionLayer interface {
	RequestConnect(server kas.ServerID)
	RequestDisconnect(server kas.ServerID)
	SendCommand(server kas.ServerID, msg kas.Message) error

	// Stop refuses new connects; existing connections stay up.
	Stop()
}

// TicketService issues login tickets. It is called off the control
// goroutine and must honor ctx cancellation.
type TicketService interface {
	GetTicket(ctx context.Context, request ticketsvc.Request) ([]byte, error)
}

// PasswordPrompt asks a user for a workspace password.
type PasswordPrompt struct {
	Session   SessionID
	PromptID  string
	Workspace string
	Server    kas.ServerID
	UserName  string

	// Retry is set when the previous password was refused.
	Retry bool
}

// PasswordPrompter collects passwords from a user. Both methods are
// called on the control goroutine and must return promptly; answers
// go to [Orchestrator.AnswerPasswordPrompt].
type PasswordPrompter interface {
	PromptPassword(prompt PasswordPrompt)
	CancelPrompt(promptID string)
}

// PasswordSealer encrypts remembered passwords for the snapshot.
type PasswordSealer interface {
	Seal(plaintext *secret.Buffer) ([]byte, error)
	Open(ciphertext []byte) (*secret.Buffer, error)
}

// Listener observes sessions. Both methods run on the control
// goroutine. Notify fires inline while a session is mid-transition;
// StatusChanged fires once per settled burst of changes.
type Listener interface {
	Notify(notification Notification)
	StatusChanged(status Status)
}

// UpdateListener is optionally implemented by a Listener that wants a
// cheap "these sessions changed" signal once per orchestrator pass.
type UpdateListener interface {
	SessionsUpdated(ids []SessionID)
}

// AppContext describes the session an application runs in.
type AppContext struct {
	Session    SessionID
	ExternalID uint64
	Server     kas.ServerID

	// Rebuilding is set while the session replays its event log from
	// scratch.
	Rebuilding bool
}

// Application is one sub-application of a workspace, owning one
// namespace of events. Methods run on the control goroutine.
type Application interface {
	Namespace() kas.Namespace
	Start(ctx AppContext) error
	Stop() error
	HandleEvent(event kas.Message) error
}

// AppFactory creates a session's instance of an application.
type AppFactory func(session SessionID) Application

var (
	_ EventStore      = (*eventstore.Store)(nil)
	_ ConnectionLayer = (*kas.Link)(nil)
	_ TicketService   = (*ticketsvc.Client)(nil)
	_ PasswordSealer  = (*sealed.Sealer)(nil)
)
