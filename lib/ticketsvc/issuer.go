// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ticketsvc

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/tmbx/kwm/lib/clock"
	"github.com/tmbx/kwm/lib/codec"
)

const signatureSize = ed25519.SignatureSize

// Ticket is the signed payload of a ticket.
type Ticket struct {
	Server     string `cbor:"1,keyasint"`
	ExternalID uint64 `cbor:"2,keyasint"`
	UserID     uint64 `cbor:"3,keyasint"`
	EmailID    uint64 `cbor:"4,keyasint"`
	UserName   string `cbor:"5,keyasint,omitempty"`
	IssuedAt   int64  `cbor:"6,keyasint"`
	ExpiresAt  int64  `cbor:"7,keyasint"`
}

var (
	ErrTicketTooShort   = errors.New("ticketsvc: ticket too short for signature")
	ErrInvalidSignature = errors.New("ticketsvc: invalid Ed25519 signature")
	ErrTicketExpired    = errors.New("ticketsvc: ticket has expired")
)

// Issuer mints tickets.
type Issuer struct {
	privateKey ed25519.PrivateKey
	clock      clock.Clock
	lifetime   time.Duration
}

// NewIssuer returns an Issuer signing with privateKey. Tickets expire
// after lifetime.
func NewIssuer(privateKey ed25519.PrivateKey, clk clock.Clock, lifetime time.Duration) *Issuer {
	return &Issuer{privateKey: privateKey, clock: clk, lifetime: lifetime}
}

// Issue signs a ticket for the request: CBOR payload followed by the
// 64-byte signature.
func (i *Issuer) Issue(request Request) ([]byte, error) {
	now := i.clock.Now()
	payload, err := codec.Marshal(&Ticket{
		Server:     request.Server,
		ExternalID: request.ExternalID,
		UserID:     request.UserID,
		EmailID:    request.EmailID,
		UserName:   request.UserName,
		IssuedAt:   now.Unix(),
		ExpiresAt:  now.Add(i.lifetime).Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("ticketsvc: encoding ticket: %w", err)
	}

	signature := ed25519.Sign(i.privateKey, payload)
	result := make([]byte, len(payload)+signatureSize)
	copy(result, payload)
	copy(result[len(payload):], signature)
	return result, nil
}

// Verify checks the signature and expiry of a ticket at time now.
func Verify(publicKey ed25519.PublicKey, ticket []byte, now time.Time) (*Ticket, error) {
	if len(ticket) <= signatureSize {
		return nil, ErrTicketTooShort
	}

	split := len(ticket) - signatureSize
	payload, signature := ticket[:split], ticket[split:]
	if !ed25519.Verify(publicKey, payload, signature) {
		return nil, ErrInvalidSignature
	}

	var decoded Ticket
	if err := codec.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("ticketsvc: decoding ticket: %w", err)
	}
	if now.Unix() >= decoded.ExpiresAt {
		return nil, ErrTicketExpired
	}
	return &decoded, nil
}
