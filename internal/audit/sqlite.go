package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteStore keeps the audit trail in an embedded SQLite database.
type SQLiteStore struct {
	conn *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the audit database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
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

	s := &SQLiteStore{conn: conn, path: path}
	if err := s.InitSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// InitSchema creates the audit tables if they don't exist. Idempotent.
func (s *SQLiteStore) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		task_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		changed_at INTEGER NOT NULL, -- unix nanoseconds
		before TEXT NOT NULL,
		after TEXT NOT NULL,
		diff TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_changed ON audit_log(changed_at DESC, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_task ON audit_log(task_id, changed_at DESC, seq DESC);

	CREATE TABLE IF NOT EXISTS actors (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		contact TEXT NOT NULL DEFAULT ''
	);

	-- Append-only
	CREATE TRIGGER IF NOT EXISTS audit_log_no_update BEFORE UPDATE ON audit_log
	BEGIN SELECT RAISE(ABORT, 'audit entries are immutable'); END;
	CREATE TRIGGER IF NOT EXISTS audit_log_no_delete BEFORE DELETE ON audit_log
	BEGIN SELECT RAISE(ABORT, 'audit entries are immutable'); END;
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, e *Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	before, after, diff, err := encodeEntry(e)
	if err != nil {
		return err
	}

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO audit_log (id, task_id, actor_id, action, changed_at, before, after, diff)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TaskID, e.ActorID, string(e.Action), e.ChangedAt.UnixNano(),
		string(before), string(after), string(diff),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	if e.Seq, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read audit sequence: %w", err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, q Query) ([]Entry, error) {
	query := `
		SELECT l.seq, l.id, l.task_id, l.actor_id, l.action, l.changed_at,
		       l.before, l.after, l.diff, a.name, a.contact
		FROM audit_log l
		LEFT JOIN actors a ON a.id = l.actor_id`
	var args []interface{}
	if q.TaskID != nil {
		query += ` WHERE l.task_id = ?`
		args = append(args, *q.TaskID)
	}
	query += ` ORDER BY l.changed_at DESC, l.seq DESC LIMIT ? OFFSET ?`
	args = append(args, q.Limit, q.Offset)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e                   Entry
			action              string
			changedAt           int64
			before, after, diff string
			name, contact       sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.TaskID, &e.ActorID, &action, &changedAt,
			&before, &after, &diff, &name, &contact); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Action = Action(action)
		e.ChangedAt = time.Unix(0, changedAt).UTC()
		if err := decodeEntry(&e, []byte(before), []byte(after), []byte(diff)); err != nil {
			return nil, err
		}
		if name.Valid {
			e.Actor = &Actor{ID: e.ActorID, Name: name.String, Contact: contact.String}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

// UpsertActor implements Store.
func (s *SQLiteStore) UpsertActor(ctx context.Context, a Actor) error {
	if a.ID == "" {
		return fmt.Errorf("actor id is required")
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO actors (id, name, contact) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			contact = excluded.contact`,
		a.ID, a.Name, a.Contact)
	if err != nil {
		return fmt.Errorf("failed to upsert actor %s: %w", a.ID, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close audit database: %w", err)
	}
	return nil
}
