// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ticketsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// TicketPath is the endpoint the client posts to, relative to the
// service base URL.
const TicketPath = "/v1/ticket"

// maxResponseSize bounds response body reads.
const maxResponseSize = 1 << 20

// Request identifies the user a ticket is requested for.
type Request struct {
	// Server is the KAS the ticket will be presented to.
	Server string `json:"server"`

	ExternalID uint64 `json:"external_id"`
	UserID     uint64 `json:"user_id"`
	EmailID    uint64 `json:"email_id"`
	UserName   string `json:"user_name"`

	// Credentials is the locally cached credential material, opaque to
	// the client.
	Credentials []byte `json:"credentials,omitempty"`
}

type ticketResponse struct {
	Ticket []byte `json:"ticket"`
}

// ClientConfig holds the parameters for a Client.
type ClientConfig struct {
	// BaseURL is the service root, e.g. "https://tickets.example.com".
	BaseURL string

	// Timeout bounds one request. Defaults to 30s.
	Timeout time.Duration

	// HTTPClient overrides the default http.Client.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Client requests tickets over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, &ServiceError{Code: CodeInvalidConfig, Message: "no ticket service URL configured"}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// GetTicket requests a ticket. Every failure is a *ServiceError.
func (c *Client) GetTicket(ctx context.Context, request Request) ([]byte, error) {
	encoded, err := json.Marshal(request)
	if err != nil {
		return nil, miscError("encoding request: %v", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+TicketPath, bytes.NewReader(encoded))
	if err != nil {
		return nil, &ServiceError{Code: CodeInvalidConfig, Message: fmt.Sprintf("building request: %v", err)}
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, miscError("request to %s failed: %v", c.baseURL, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return nil, miscError("reading response: %v", err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		var serviceErr ServiceError
		if jsonErr := json.Unmarshal(body, &serviceErr); jsonErr != nil || serviceErr.Code == "" {
			return nil, &ServiceError{
				Code:       CodeMisc,
				Message:    fmt.Sprintf("unexpected response: %s", strings.TrimSpace(string(body))),
				StatusCode: response.StatusCode,
			}
		}
		if serviceErr.Code != CodeInvalidConfig {
			serviceErr.Code = CodeMisc
		}
		serviceErr.StatusCode = response.StatusCode
		c.logger.Warn("ticket request refused",
			"server", request.Server,
			"external_id", request.ExternalID,
			"code", string(serviceErr.Code),
			"status", response.StatusCode,
		)
		return nil, &serviceErr
	}

	var decoded ticketResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, miscError("decoding response: %v", err)
	}
	if len(decoded.Ticket) == 0 {
		return nil, miscError("response carries no ticket")
	}
	return decoded.Ticket, nil
}
