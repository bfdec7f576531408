// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ticketsvc talks to the ticket-issuing service that vouches
// for a workspace user before login.
//
// [Client] posts a [Request] describing the user and any locally cached
// credentials and receives an opaque signed ticket, which the login
// handshake forwards to KAS unchanged. Failures come back as
// [*ServiceError] with a [Code]: [CodeInvalidConfig] is definitive (the
// local configuration cannot produce a ticket) while everything else is
// reported as [CodeMisc].
//
// [Issuer], [Verify] and [Handler] are the service side: an Ed25519
// signature over a CBOR-encoded [Ticket]. They back the client's tests
// and local development setups; production tickets come from the real
// service and are never parsed by the client.
package ticketsvc
