// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for kwm packages.
//
// [RequireReceive], [RequireSend], [RequireClosed] and
// [RequireNoReceive] wrap the select-with-timeout pattern so tests that
// cross goroutines (the websocket link, the orchestrator's Serve loop)
// never call time.After directly. They are the only place in the test
// suite that uses the real wall clock; everything else runs on
// clock.Fake.
//
// [UniqueID] hands out monotonically increasing identifiers for
// workspace names and request tags. [Logger] returns a slog.Logger that
// writes through t.Log so log output is attached to the failing test.
//
// All helpers call t.Fatalf on failure rather than returning errors.
package testutil
