package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/fieldops/fieldsync/internal/audit"
	"github.com/fieldops/fieldsync/internal/record"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// AcceptFunc runs after the new state is staged and before the record
// transaction commits. Returning an error rolls the write back. Side effects
// of AcceptFunc on other stores are not undone if the commit itself fails.
type AcceptFunc func(ctx context.Context, before map[string]any, after *record.ServerRecord) error

// RecordStore is the server's canonical copy of every record.
type RecordStore struct {
	conn *sql.DB
	path string
}

// OpenRecordStore opens (creating if needed) the record database at path.
func OpenRecordStore(path string) (*RecordStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create record directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open record database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	s := &RecordStore{conn: conn, path: path}
	if _, err := conn.Exec(`
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		fields TEXT NOT NULL,          -- JSON object
		updated_at INTEGER NOT NULL,   -- unix nanoseconds
		updated_by TEXT NOT NULL
	)`); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create records table: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *RecordStore) Close() error {
	return s.conn.Close()
}

// Get returns the current copy of a record.
func (s *RecordStore) Get(ctx context.Context, id string) (*record.ServerRecord, error) {
	return getRecord(ctx, s.conn, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryer, id string) (*record.ServerRecord, error) {
	var (
		raw       []byte
		updatedAt int64
		rec       = record.ServerRecord{ID: id}
	)
	err := q.QueryRowContext(ctx, `SELECT fields, updated_at, updated_by FROM records WHERE id = ?`, id).
		Scan(&raw, &updatedAt, &rec.UpdatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s: %w", id, err)
	}
	if err := json.Unmarshal(raw, &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", id, err)
	}
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &rec, nil
}

// Apply merges fields into the record, stamping at and actor.
//
// The write is last-writer-wins on at: when the stored record was updated
// after at, nothing changes and the stored copy is returned with applied
// false. A write by the record's last writer that changes no field is a
// resend of an edit already applied; it is also answered with the stored
// copy and applied false. Otherwise accept runs before commit.
func (s *RecordStore) Apply(ctx context.Context, id string, fields map[string]any, actor string, at time.Time, accept AcceptFunc) (rec *record.ServerRecord, applied bool, err error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil || !applied {
			_ = tx.Rollback()
		}
	}()

	current, err := getRecord(ctx, tx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		current, err = nil, nil
	case err != nil:
		return nil, false, err
	}

	if current != nil && at.Before(current.UpdatedAt) {
		return current, false, nil
	}

	var before map[string]any
	merged := make(map[string]any, len(fields))
	if current != nil {
		before = current.Fields
		for k, v := range current.Fields {
			merged[k] = v
		}
	}
	for k, v := range fields {
		merged[k] = v
	}
	if current != nil && current.UpdatedBy == actor && len(audit.ComputeDiff(current.Fields, merged)) == 0 {
		return current, false, nil
	}

	after := &record.ServerRecord{ID: id, Fields: merged, UpdatedAt: at.UTC(), UpdatedBy: actor}
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode record %s: %w", id, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (id, fields, updated_at, updated_by) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			fields = excluded.fields,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by
	`, id, string(raw), after.UpdatedAt.UnixNano(), actor)
	if err != nil {
		return nil, false, fmt.Errorf("failed to write record %s: %w", id, err)
	}

	if accept != nil {
		if err = accept(ctx, before, after); err != nil {
			return nil, false, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit record %s: %w", id, err)
	}
	return after, true, nil
}
