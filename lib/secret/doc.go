// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds workspace passwords in memory that never
// reaches the Go heap.
//
// [Buffer] allocates memory via mmap(MAP_ANONYMOUS), locks it into RAM
// with mlock and excludes it from core dumps with
// madvise(MADV_DONTDUMP). Close zeroes, unlocks and unmaps it. After
// Close any read panics; Close itself is idempotent.
//
// A password typed at the prompt travels [ReadFromTerminal] ->
// [Buffer] -> the login command, and is copied with [Buffer.Clone]
// when both the handshake and the remembered-password store need it.
package secret
