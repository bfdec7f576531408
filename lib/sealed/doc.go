// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts remembered workspace passwords with age so
// that session snapshots never hold them in plaintext.
//
// A [Sealer] owns one x25519 identity, loaded from (or created in) the
// daemon's state directory by [LoadOrCreate]. [Sealer.Seal] turns a
// [secret.Buffer] into raw age ciphertext suitable for a CBOR snapshot
// field; [Sealer.Open] reverses it into a fresh [secret.Buffer].
//
// Lower-level helpers ([GenerateKeypair], [Encrypt], [Decrypt]) work on
// age key strings for tests and for sealing to additional recipients.
package sealed
