// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package workspace is the client core that keeps many workspaces
// (sessions) in sync with their KAS coordination servers.
//
// Each [Session] is a state machine. Callers express intent through
// [Session.RequestTaskSwitch]; the session derives from its current
// [Task] whether it wants a connection, a login and running
// applications, and a pass loop drives it toward that: attach to the
// server connection, run the login handshake (cached credentials, then
// a ticket from the ticket service, then a password prompt), ingest the
// server's ordered event stream, and dispatch stored events to the
// session-control handler or the owning [Application].
//
// The [Orchestrator] owns every session and every server connection.
// All state lives on one control goroutine: [Orchestrator.Serve] runs
// passes until nothing is due, then sleeps until the next scheduled
// wake-up or until another goroutine hands it work through
// [Orchestrator.Post] or [Orchestrator.Notify]. Connection I/O, ticket
// fetches and password prompts happen elsewhere and re-enter through
// that queue, so session code never needs locks.
//
// Notifications come in two flavors. Immediate notifications
// ([Listener.Notify]) fire inline the moment something happens.
// Status changes ([Listener.StatusChanged]) are deferred and coalesced:
// a session delivers at most one after the orchestrator has run every
// pending pass to quiescence, so observers never see the transient
// states of a cascade.
//
// Events are written to the [EventStore] as unprocessed before they are
// dispatched, and dispatch is globally rate-limited: when a batch of
// events is processed faster than its time budget, the orchestrator
// quenches dispatch in every session until the budget has elapsed.
package workspace
