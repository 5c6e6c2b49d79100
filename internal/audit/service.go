package audit

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Pagination bounds.
const (
	MinLimit = 1
	MaxLimit = 500
)

// Config holds service configuration.
type Config struct {
	// Roles allowed to read the audit trail (default: DefaultRoles)
	Roles []string

	// Logger for storage failures
	Logger *log.Logger

	// Now is the clock used to stamp recorded entries (default: time.Now)
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Roles:  DefaultRoles,
		Logger: log.New(os.Stderr, "[audit] ", log.LstdFlags),
		Now:    time.Now,
	}
}

// Request is one audit query.
type Request struct {
	TaskID *string
	Limit  int
	Offset int
	// Role of the caller, supplied by the session.
	Role string
}

// Mutation is an accepted server mutation to record.
type Mutation struct {
	TaskID  string
	ActorID string
	// Action overrides the derived action when set.
	Action Action
	Before map[string]any
	After  map[string]any
	// ChangedAt defaults to the service clock.
	ChangedAt time.Time
}

// Service reads and appends the audit trail.
type Service struct {
	store  Store
	roles  map[string]bool
	config *Config
}

// NewService creates a service over store.
func NewService(store Store, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	if config.Now == nil {
		config.Now = def.Now
	}
	if len(config.Roles) == 0 {
		config.Roles = def.Roles
	}

	roles := make(map[string]bool, len(config.Roles))
	for _, r := range config.Roles {
		roles[strings.ToLower(strings.TrimSpace(r))] = true
	}
	return &Service{store: store, roles: roles, config: config}
}

// Authorize checks that role may read the audit trail. An empty role yields
// ErrUnauthorized, an unrecognized one ErrForbidden.
func (s *Service) Authorize(role string) error {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return ErrUnauthorized
	}
	if !s.roles[role] {
		return ErrForbidden
	}
	return nil
}

// ListAudit returns a page of the audit trail, most recent first.
//
// The role is checked before any data access. Limit is clamped to
// [MinLimit, MaxLimit] and offset to >= 0; an offset past the end yields an
// empty slice. Storage failures are logged and reported as ErrInternal.
func (s *Service) ListAudit(ctx context.Context, req Request) ([]Entry, error) {
	if err := s.Authorize(req.Role); err != nil {
		return nil, err
	}

	q := Query{
		TaskID: req.TaskID,
		Limit:  ClampLimit(req.Limit),
		Offset: ClampOffset(req.Offset),
	}

	entries, err := s.store.List(ctx, q)
	if err != nil {
		s.config.Logger.Printf("Error: failed to list audit entries: %v", err)
		return nil, ErrInternal
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// Record appends the entry for an accepted mutation and returns it.
func (s *Service) Record(ctx context.Context, m Mutation) (*Entry, error) {
	changedAt := m.ChangedAt
	if changedAt.IsZero() {
		changedAt = s.config.Now()
	}
	action := m.Action
	if action == "" {
		action = ActionFor(m.Before, m.After)
	}

	e := &Entry{
		ID:        uuid.NewString(),
		TaskID:    m.TaskID,
		ActorID:   m.ActorID,
		Action:    action,
		ChangedAt: changedAt.UTC(),
		Before:    nonNilMap(m.Before),
		After:     nonNilMap(m.After),
		Diff:      ComputeDiff(m.Before, m.After),
	}
	if err := s.store.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to record audit entry for %s: %w", m.TaskID, err)
	}
	return e, nil
}

// UpsertActor stores the current identity of an actor.
func (s *Service) UpsertActor(ctx context.Context, a Actor) error {
	return s.store.UpsertActor(ctx, a)
}

// ClampLimit bounds a page size to [MinLimit, MaxLimit].
func ClampLimit(limit int) int {
	switch {
	case limit < MinLimit:
		return MinLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// ClampOffset bounds an offset to >= 0.
func ClampOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
