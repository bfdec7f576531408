// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventstore is the durable local store behind every
// workspace: an ordered event log per session, a named-blob table for
// session snapshots, and a session-ID to name index.
//
// Events are written with status Unprocessed before the state machine
// dispatches them and flipped to Processed afterwards, so a crash
// between receipt and dispatch replays the event instead of losing it.
// The database runs with synchronous=FULL for the same reason.
//
// Payloads and blobs are stored as lib/blob frames: event payloads with
// LZ4, blobs with zstd. Every read verifies the frame digest.
//
// All methods are safe for concurrent use; each takes a pooled
// connection for its duration.
package eventstore
