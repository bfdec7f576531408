// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when a core operation is already bound to
	// the session.
	ErrBusy = errors.New("workspace: session busy with another operation")

	// ErrInvariant is wrapped by fatal errors reporting a broken
	// session invariant.
	ErrInvariant = errors.New("workspace: invariant violated")

	// ErrAppFailureDuringSwitch is wrapped by the fatal error raised
	// when an application fails to stop during a task switch.
	ErrAppFailureDuringSwitch = errors.New("workspace: application failed during task switch")

	// ErrNoSession is returned for unknown session IDs.
	ErrNoSession = errors.New("workspace: no such session")

	// ErrShuttingDown is returned for work refused during shutdown.
	ErrShuttingDown = errors.New("workspace: shutting down")

	// ErrNotLoggedIn is returned when an operation needs the session to
	// be logged in.
	ErrNotLoggedIn = errors.New("workspace: session not logged in")

	// ErrLoggedOut fails logout-sensitive requests cancelled by a
	// logout.
	ErrLoggedOut = errors.New("workspace: logged out")

	// ErrDisconnected fails requests still pending when their
	// connection goes down.
	ErrDisconnected = errors.New("workspace: connection lost")
)

// LoginErrorCode classifies a failed login.
type LoginErrorCode string

const (
	LoginInvalidConfig      LoginErrorCode = "invalid_config"
	LoginBadSecurityCreds   LoginErrorCode = "bad_security_credentials"
	LoginPasswordRequired   LoginErrorCode = "password_required"
	LoginBadSessionID       LoginErrorCode = "bad_session_id"
	LoginBadIdentityID      LoginErrorCode = "bad_identity_id"
	LoginSessionDeleted     LoginErrorCode = "session_deleted"
	LoginAccountLocked      LoginErrorCode = "account_locked"
	LoginOutOfSync          LoginErrorCode = "out_of_sync"
	LoginCannotObtainTicket LoginErrorCode = "cannot_obtain_ticket"
	LoginMiscServerError    LoginErrorCode = "misc_server_error"
)

// LoginError is the terminal result of a failed login attempt.
// Callers can use errors.As to extract it:
//
//	var loginErr *LoginError
//	if errors.As(err, &loginErr) && loginErr.Code == LoginOutOfSync { ... }
type LoginError struct {
	Code LoginErrorCode

	// Message is the server's explanation, when it gave one.
	Message string

	// Err is the underlying cause for locally detected failures.
	Err error
}

func (e *LoginError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("workspace: login failed (%s): %v", e.Code, e.Err)
	case e.Message != "":
		return fmt.Sprintf("workspace: login failed (%s): %s", e.Code, e.Message)
	default:
		return fmt.Sprintf("workspace: login failed (%s)", e.Code)
	}
}

func (e *LoginError) Unwrap() error { return e.Err }

// IsLoginError reports whether err is a *LoginError with the given
// code.
func IsLoginError(err error, code LoginErrorCode) bool {
	var loginErr *LoginError
	if errors.As(err, &loginErr) {
		return loginErr.Code == code
	}
	return false
}
