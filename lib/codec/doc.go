// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the single CBOR configuration shared by every kwm
// package that serializes data: KAS wire frames, workspace snapshots
// stored in the event store's blob table, and signed login tickets.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2), so the same
// value always produces the same bytes. That property matters for
// tickets (the signature covers the encoded payload) and lets the
// snapshot writer skip a store write when a snapshot is unchanged.
//
// Decoding into an `any` target produces map[string]any for maps, so
// generic message fields decoded from the wire behave like the JSON
// equivalents callers expect.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
package codec
