// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kas

import (
	"errors"
	"fmt"
)

// ProtocolError reports server input that violates the protocol:
// undecodable frames, missing or mistyped fields, unknown types.
type ProtocolError struct {
	Type   Type
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Type != 0 {
		return fmt.Sprintf("kas: protocol error in %s: %s", e.Type, e.Reason)
	}
	return "kas: protocol error: " + e.Reason
}

// IsProtocolError reports whether err is or wraps a *ProtocolError.
func IsProtocolError(err error) bool {
	var protocolErr *ProtocolError
	return errors.As(err, &protocolErr)
}

var (
	// ErrNotConnected is returned by SendCommand when the server has no
	// established connection.
	ErrNotConnected = errors.New("kas: not connected")

	// ErrSendQueueFull is returned by SendCommand when the outbound
	// queue of the connection is full.
	ErrSendQueueFull = errors.New("kas: send queue full")

	// ErrLinkStopped is reported for connects requested after Stop.
	ErrLinkStopped = errors.New("kas: link stopped")
)
