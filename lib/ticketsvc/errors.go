// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ticketsvc

import (
	"errors"
	"fmt"
)

// Code classifies a ticket service failure.
type Code string

const (
	// CodeInvalidConfig means the request can never succeed with the
	// current local configuration or credentials.
	CodeInvalidConfig Code = "invalid_config"

	// CodeMisc covers transport failures, server errors and malformed
	// responses.
	CodeMisc Code = "misc"
)

// ServiceError is a failure reported by (or while reaching) the ticket
// service.
type ServiceError struct {
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ticketsvc: %s (%d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("ticketsvc: %s: %s", e.Code, e.Message)
}

// IsServiceError reports whether err is a *ServiceError with the given
// code.
func IsServiceError(err error, code Code) bool {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code == code
	}
	return false
}

func miscError(format string, args ...any) *ServiceError {
	return &ServiceError{Code: CodeMisc, Message: fmt.Sprintf(format, args...)}
}
