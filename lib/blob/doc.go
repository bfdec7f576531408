// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package blob packs byte strings into self-describing, integrity
// checked frames for the event store.
//
// A frame is:
//
//	byte     format version (1)
//	byte     compression tag (none, lz4, zstd)
//	uvarint  uncompressed length
//	[32]byte BLAKE3-256 digest of the uncompressed bytes
//	...      payload
//
// Session snapshots are packed with zstd (text-like CBOR, read rarely)
// and event payloads with LZ4 (small, read on every dispatch). [Pack]
// falls back to no compression when the compressed form is not
// smaller. [Unpack] verifies the digest and fails with [ErrCorrupt] on
// any mismatch, so a torn write never reaches the CBOR decoder.
package blob
