package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps the audit trail in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and ensures the audit schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse audit database url: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to audit database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing pool. The schema must already exist.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// InitSchema creates the audit tables if they don't exist. Idempotent.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS audit_log (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		task_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		changed_at TIMESTAMPTZ NOT NULL,
		before JSONB NOT NULL,
		after JSONB NOT NULL,
		diff JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_changed ON audit_log(changed_at DESC, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_task ON audit_log(task_id, changed_at DESC, seq DESC);
	CREATE TABLE IF NOT EXISTS actors (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		contact TEXT NOT NULL DEFAULT ''
	);`)
	if err != nil {
		return fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return nil
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	before, after, diff, err := encodeEntry(e)
	if err != nil {
		return err
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO audit_log (id, task_id, actor_id, action, changed_at, before, after, diff)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING seq`,
		e.ID, e.TaskID, e.ActorID, string(e.Action), e.ChangedAt,
		string(before), string(after), string(diff),
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, q Query) ([]Entry, error) {
	query := `SELECT l.seq, l.id, l.task_id, l.actor_id, l.action, l.changed_at,
	                 l.before::text, l.after::text, l.diff::text, a.name, a.contact
	          FROM audit_log l
	          LEFT JOIN actors a ON a.id = l.actor_id`
	args := []interface{}{}
	argIdx := 1

	if q.TaskID != nil {
		query += fmt.Sprintf(" WHERE l.task_id = $%d", argIdx)
		args = append(args, *q.TaskID)
		argIdx++
	}
	query += fmt.Sprintf(" ORDER BY l.changed_at DESC, l.seq DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, q.Limit, q.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e                   Entry
			action              string
			changedAt           pgtype.Timestamptz
			before, after, diff string
			name, contact       pgtype.Text
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.TaskID, &e.ActorID, &action, &changedAt,
			&before, &after, &diff, &name, &contact); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Action = Action(action)
		if changedAt.Valid {
			e.ChangedAt = changedAt.Time.UTC()
		}
		if err := decodeEntry(&e, []byte(before), []byte(after), []byte(diff)); err != nil {
			return nil, err
		}
		if name.Valid {
			e.Actor = &Actor{ID: e.ActorID, Name: name.String, Contact: contact.String}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit entries: %w", err)
	}
	return entries, nil
}

// UpsertActor implements Store.
func (s *PostgresStore) UpsertActor(ctx context.Context, a Actor) error {
	if a.ID == "" {
		return fmt.Errorf("actor id is required")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO actors (id, name, contact) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, contact = EXCLUDED.contact`,
		a.ID, a.Name, a.Contact)
	if err != nil {
		return fmt.Errorf("failed to upsert actor %s: %w", a.ID, err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
