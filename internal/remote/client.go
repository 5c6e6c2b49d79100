// Package remote sends queued edits to the server's domain mutation endpoint.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fieldops/fieldsync/internal/record"
)

// ActorHeader carries the device user's identity on every mutation.
const ActorHeader = "X-Fieldsync-Actor"

// MutationRequest is the body of POST /api/records/{id}.
type MutationRequest struct {
	Fields map[string]any `json:"fields"`
	// ModifiedAt is the device-side edit time in unix milliseconds.
	ModifiedAt int64 `json:"modifiedAt"`
}

// Config holds client configuration.
type Config struct {
	// BaseURL of the server, e.g. http://localhost:8787
	BaseURL string

	// Actor is sent in ActorHeader
	Actor string

	// HTTPClient overrides the default client (optional)
	HTTPClient *http.Client
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:    "http://localhost:8787",
		HTTPClient: &http.Client{},
	}
}

// Client talks to the mutation endpoint.
type Client struct {
	base  string
	actor string
	http  *http.Client
}

// New creates a client.
func New(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	hc := config.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		base:  strings.TrimRight(config.BaseURL, "/"),
		actor: config.Actor,
		http:  hc,
	}
}

// Mutate sends one edit and returns the record as the server stored it.
//
// Refusals come back as *record.Rejection: 400, 401, 403, 404, 409 and 422
// are terminal; 408, 425, 429 and 5xx are retryable. Transport failures and
// deadline expiry are returned as plain wrapped errors.
func (c *Client) Mutate(ctx context.Context, recordID string, fields map[string]any, modifiedAt time.Time) (*record.ServerRecord, error) {
	body, err := json.Marshal(MutationRequest{Fields: fields, ModifiedAt: modifiedAt.UnixMilli()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mutation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.recordURL(recordID), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build mutation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.actor != "" {
		req.Header.Set(ActorHeader, c.actor)
	}

	var rec record.ServerRecord
	if err := c.do(req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Fetch returns the server's current copy of a record.
func (c *Client) Fetch(ctx context.Context, recordID string) (*record.ServerRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.recordURL(recordID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch request: %w", err)
	}
	var rec record.ServerRecord
	if err := c.do(req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) recordURL(recordID string) string {
	return c.base + "/api/records/" + url.PathEscape(recordID)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read server response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return rejection(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode server response: %w", err)
	}
	return nil
}

// rejection builds the structured refusal for a non-2xx response.
func rejection(code int, body []byte) *record.Rejection {
	rej := &record.Rejection{Code: code, Terminal: IsTerminalStatus(code)}
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		rej.Message = payload.Error
	} else {
		rej.Message = http.StatusText(code)
	}
	return rej
}

// IsTerminalStatus reports whether a failed response must not be retried.
func IsTerminalStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
		return true
	}
	if code >= 500 {
		return false
	}
	// Remaining 4xx are client errors that a resend cannot fix.
	return code >= 400
}
