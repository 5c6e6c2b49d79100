// Package record defines the wire types exchanged between a device and the
// server's domain mutation endpoint.
package record

import (
	"errors"
	"fmt"
	"time"
)

// Field names the server stamps on every accepted record.
const (
	FieldUpdatedAt = "updatedAt"
	FieldUpdatedBy = "updatedBy"
)

// ServerRecord is the canonical snapshot of a record as last returned by the server.
type ServerRecord struct {
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	UpdatedAt time.Time      `json:"updatedAt"`
	UpdatedBy string         `json:"updatedBy"`
}

// Map flattens the record into a single field map carrying the server's
// update timestamp and last-writer identity under their default names.
func (r ServerRecord) Map() map[string]any {
	out := make(map[string]any, len(r.Fields)+2)
	for k, v := range r.Fields {
		out[k] = v
	}
	if !r.UpdatedAt.IsZero() {
		out[FieldUpdatedAt] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	if r.UpdatedBy != "" {
		out[FieldUpdatedBy] = r.UpdatedBy
	}
	return out
}

// Rejection is a structured refusal returned by the mutation endpoint.
//
// Terminal rejections (validation, authorization) must never be retried.
// Non-terminal ones (overload, transient server failure) may be.
type Rejection struct {
	Code     int    `json:"code"`
	Message  string `json:"error"`
	Terminal bool   `json:"terminal"`
}

func (r *Rejection) Error() string {
	kind := "retryable"
	if r.Terminal {
		kind = "terminal"
	}
	return fmt.Sprintf("mutation rejected (%s, %d): %s", kind, r.Code, r.Message)
}

// IsTerminal reports whether err carries a terminal Rejection.
func IsTerminal(err error) bool {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Terminal
	}
	return false
}
