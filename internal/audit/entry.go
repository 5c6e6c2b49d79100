// Package audit is the append-only history of task state transitions.
//
// Entries are written once per accepted server mutation and never changed or
// deleted; a correction is a new entry. Reads are paginated, most recent
// first, and restricted to privileged roles. The acting user's name and
// contact are joined in at read time, so old entries show the actor's current
// identity.
package audit

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnauthorized is returned when the caller's role is missing or not privileged.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden is ErrUnauthorized for a role that is present but not privileged.
	ErrForbidden = fmt.Errorf("%w: role not permitted", ErrUnauthorized)
	// ErrInternal is reported for storage failures; the cause is logged, not returned.
	ErrInternal = errors.New("internal error")
	// ErrInvalidEntry is returned by Append for entries missing required fields.
	ErrInvalidEntry = errors.New("invalid audit entry")
)

// Action is the kind of mutation an entry records.
type Action string

const (
	ActionCreate       Action = "create"
	ActionUpdate       Action = "update"
	ActionStatusChange Action = "status_change"
)

// Privileged roles.
const (
	RoleAdmin      = "admin"
	RoleDispatcher = "dispatcher"
)

// DefaultRoles are the roles allowed to read the audit trail.
var DefaultRoles = []string{RoleAdmin, RoleDispatcher}

// Actor is the human-readable identity behind an actor id.
type Actor struct {
	ID      string `json:"id" yaml:"id" toml:"id"`
	Name    string `json:"name" yaml:"name" toml:"name"`
	Contact string `json:"contact,omitempty" yaml:"contact,omitempty" toml:"contact,omitempty"`
}

// FieldChange is one field's delta between the before and after snapshots.
// Before is nil for added fields and After is nil for removed ones.
type FieldChange struct {
	Field  string `json:"field" yaml:"field" toml:"field"`
	Before any    `json:"before" yaml:"before" toml:"before,omitempty"`
	After  any    `json:"after" yaml:"after" toml:"after,omitempty"`
}

// Entry is one immutable audit fact.
type Entry struct {
	ID        string         `json:"id" yaml:"id" toml:"id"`
	Seq       int64          `json:"seq" yaml:"seq" toml:"seq"`
	TaskID    string         `json:"taskId" yaml:"taskId" toml:"taskId"`
	ActorID   string         `json:"actorId" yaml:"actorId" toml:"actorId"`
	Action    Action         `json:"action" yaml:"action" toml:"action"`
	ChangedAt time.Time      `json:"changedAt" yaml:"changedAt" toml:"changedAt"`
	Before    map[string]any `json:"before" yaml:"before" toml:"before"`
	After     map[string]any `json:"after" yaml:"after" toml:"after"`
	Diff      []FieldChange  `json:"diff" yaml:"diff" toml:"diff"`
	// Actor is joined at read time; nil when the actor is unknown.
	Actor *Actor `json:"actor,omitempty" yaml:"actor,omitempty" toml:"actor,omitempty"`
}

func (e *Entry) validate() error {
	switch {
	case e.ID == "":
		return errors.Join(ErrInvalidEntry, errors.New("id is required"))
	case e.TaskID == "":
		return errors.Join(ErrInvalidEntry, errors.New("task id is required"))
	case e.ActorID == "":
		return errors.Join(ErrInvalidEntry, errors.New("actor id is required"))
	case e.Action == "":
		return errors.Join(ErrInvalidEntry, errors.New("action is required"))
	case e.ChangedAt.IsZero():
		return errors.Join(ErrInvalidEntry, errors.New("changed time is required"))
	}
	return nil
}

// Query selects a page of the audit trail.
type Query struct {
	// TaskID restricts results to one task (nil = all tasks)
	TaskID *string
	Limit  int
	Offset int
}
