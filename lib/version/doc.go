// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for kwmd.
//
// [GitCommit], [GitDirty], [BuildTime] and [Version] are injected with
// -ldflags -X at build time and default to "unknown" / "0.1.0-dev" in
// development builds and tests.
//
//	go build -ldflags "-X github.com/tmbx/kwm/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// [Info] is the --version line, [Full] adds the Go toolchain and
// platform, and [LogAttrs] is logged once at daemon startup.
package version
