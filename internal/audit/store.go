package audit

import (
	"context"
	"encoding/json"
	"fmt"
)

// Store persists audit entries and actor identities.
//
// Implementations must be append-only for entries: there is no update or
// delete. List returns entries ordered by ChangedAt descending, ties broken by
// insertion order (later first), with Actor joined from the actor table.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, q Query) ([]Entry, error)
	UpsertActor(ctx context.Context, a Actor) error
	Close() error
}

// encodeEntry serializes the snapshot columns shared by every store.
func encodeEntry(e *Entry) (before, after, diff []byte, err error) {
	if before, err = json.Marshal(nonNilMap(e.Before)); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal before snapshot: %w", err)
	}
	if after, err = json.Marshal(nonNilMap(e.After)); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal after snapshot: %w", err)
	}
	changes := e.Diff
	if changes == nil {
		changes = []FieldChange{}
	}
	if diff, err = json.Marshal(changes); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal diff: %w", err)
	}
	return before, after, diff, nil
}

func decodeEntry(e *Entry, before, after, diff []byte) error {
	if err := json.Unmarshal(before, &e.Before); err != nil {
		return fmt.Errorf("failed to unmarshal before snapshot of %s: %w", e.ID, err)
	}
	if err := json.Unmarshal(after, &e.After); err != nil {
		return fmt.Errorf("failed to unmarshal after snapshot of %s: %w", e.ID, err)
	}
	if err := json.Unmarshal(diff, &e.Diff); err != nil {
		return fmt.Errorf("failed to unmarshal diff of %s: %w", e.ID, err)
	}
	return nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
