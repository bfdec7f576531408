// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ticketsvc

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// Authorizer decides whether a ticket may be issued. Returning a
// *ServiceError controls the code the client sees; any other error is
// reported as CodeMisc.
type Authorizer func(Request) error

// Handler serves TicketPath using issuer. A nil authorize accepts every
// request.
func Handler(issuer *Issuer, authorize Authorizer, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+TicketPath, func(w http.ResponseWriter, r *http.Request) {
		var request Request
		body, err := io.ReadAll(io.LimitReader(r.Body, maxResponseSize))
		if err == nil {
			err = json.Unmarshal(body, &request)
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, &ServiceError{Code: CodeInvalidConfig, Message: "malformed request"})
			return
		}

		if authorize != nil {
			if err := authorize(request); err != nil {
				var serviceErr *ServiceError
				if !errors.As(err, &serviceErr) {
					serviceErr = miscError("%v", err)
				}
				status := http.StatusForbidden
				if serviceErr.Code == CodeMisc {
					status = http.StatusInternalServerError
				}
				logger.Info("ticket refused", "server", request.Server, "external_id", request.ExternalID, "error", err)
				writeError(w, status, serviceErr)
				return
			}
		}

		ticket, err := issuer.Issue(request)
		if err != nil {
			writeError(w, http.StatusInternalServerError, miscError("%v", err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ticketResponse{Ticket: ticket})
	})
	return mux
}

func writeError(w http.ResponseWriter, status int, serviceErr *ServiceError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(serviceErr)
}
