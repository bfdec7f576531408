// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package kas is the client side of the KAS coordination-server
// protocol: the message model, the protocol constants, and [Link], the
// connection layer that carries messages over websockets.
//
// A [Message] is an ordered list of typed fields tagged with a [Kind]
// (command, reply or event), a numeric [Type] whose high 16 bits name
// the [Namespace], and an ID. Commands and replies share a request ID;
// events carry the per-workspace event ID, which the server guarantees
// to be non-decreasing. On the wire a message is one CBOR array per
// binary websocket frame.
//
// [Link] keeps at most one websocket per [ServerID]. It never blocks
// the caller: connects happen on their own goroutine, sends go through
// a bounded per-connection queue, and everything the server says comes
// back as a [Notice] passed to the configured sink. The sink is called
// from Link goroutines and must hand the notice off without blocking.
package kas
