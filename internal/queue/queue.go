// Package queue provides the durable on-device record of edits that have not
// yet been confirmed by the server.
//
// The queue is backed by an embedded SQLite database so its contents survive
// process restarts: the rows in the edits table are the source of truth for
// "what has not yet reached the server".
//
// Invariants:
//   - At most one in-flight edit per record.
//   - At most one pending edit per record; later edits coalesce into it.
//   - Edits are handed out FIFO by insertion sequence.
//
// Every mutation runs in a single transaction behind a mutex, so an enqueue
// from the UI can never be lost to a concurrent flush reading the queue.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

var (
	// ErrNotFound is returned when an edit or snapshot does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when an edit is not in the state an operation requires.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Config controls retry pacing and observability.
type Config struct {
	// BackoffMin is the delay before the first retry of a failed edit.
	BackoffMin time.Duration
	// BackoffMax caps the exponential retry delay.
	BackoffMax time.Duration
	// MaxAttempts turns a retryable failure terminal once reached (0 = unlimited).
	MaxAttempts int
	// Logger for queue activity
	Logger *log.Logger
	// Now is the clock used for timestamps and backoff (default: time.Now)
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BackoffMin: 1 * time.Second,
		BackoffMax: 5 * time.Minute,
		Logger:     log.New(os.Stderr, "[queue] ", log.LstdFlags),
		Now:        time.Now,
	}
}

// Backoff returns the delay before retry number attempt (1-based):
// BackoffMin doubled per prior attempt, capped at BackoffMax.
func (c *Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := c.BackoffMin
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.BackoffMax || d <= 0 {
			return c.BackoffMax
		}
	}
	if d > c.BackoffMax {
		return c.BackoffMax
	}
	return d
}

// Queue is the durable local change queue.
type Queue struct {
	conn   *sql.DB
	path   string
	config *Config

	mu sync.Mutex
}

// Open opens (creating if needed) the queue database at path.
//
// Edits left in-flight by a previous process are returned to pending, since
// their outcome was never recorded.
//
// The caller MUST call Close() when done.
func Open(path string, config *Config) (*Queue, error) {
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
	if config.BackoffMin <= 0 {
		config.BackoffMin = def.BackoffMin
	}
	if config.BackoffMax < config.BackoffMin {
		config.BackoffMax = config.BackoffMin
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping queue database: %w", err)
	}

	// Single writer; the mutex serializes everything else.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	q := &Queue{conn: conn, path: path, config: config}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if err := q.InitSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}

	recovered, err := q.recoverInFlight(context.Background())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if recovered > 0 {
		config.Logger.Printf("Recovered %d in-flight edits from previous run", recovered)
	}

	return q, nil
}

// Path returns the database file location.
func (q *Queue) Path() string {
	return q.path
}

// Close checkpoints the WAL and closes the database.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.conn == nil {
		return nil
	}
	if _, err := q.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		q.config.Logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}
	if err := q.conn.Close(); err != nil {
		return fmt.Errorf("failed to close queue database: %w", err)
	}
	q.conn = nil
	return nil
}

// InitSchema creates the queue tables if they don't exist. Idempotent.
func (q *Queue) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS edits (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		record_id TEXT NOT NULL,
		tag TEXT NOT NULL,
		tags TEXT NOT NULL,           -- ",forms,images," after coalescing
		fields TEXT NOT NULL,         -- JSON object
		modified_at INTEGER NOT NULL, -- unix ms, device clock
		attempt INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		last_error TEXT NOT NULL DEFAULT '',
		next_attempt_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_edits_status ON edits(status, seq);
	CREATE INDEX IF NOT EXISTS idx_edits_record ON edits(record_id, status);

	-- Last reconciled view of each record
	CREATE TABLE IF NOT EXISTS snapshots (
		record_id TEXT PRIMARY KEY,
		fields TEXT NOT NULL,
		saved_at INTEGER NOT NULL
	);
	`
	if _, err := q.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	return nil
}

// Enqueue records an edit as pending.
//
// If the record already has a pending edit, the new fields are merged into it
// (new values win per key) and its ModifiedAt advances to the later of the two
// timestamps; no second entry is created. The merged edit keeps every tag it
// absorbed, so draining any of them sends it. An empty Tag defaults to forms and a
// zero ModifiedAt to the queue clock. ModifiedAt is stored with millisecond
// precision.
func (q *Queue) Enqueue(ctx context.Context, e Edit) (*Edit, error) {
	if e.Tag == "" {
		e.Tag = TagForms
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid edit: %w", err)
	}
	if e.ModifiedAt.IsZero() {
		e.ModifiedAt = q.config.Now()
	}
	e.ModifiedAt = time.UnixMilli(e.ModifiedAt.UnixMilli()).UTC()

	var out *Edit
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		merged, err := q.coalesceTx(ctx, tx, e.RecordID, e.Tag, e.Fields, e.ModifiedAt)
		if err != nil {
			return err
		}
		if merged != nil {
			out = merged
			return nil
		}

		e.ID = uuid.NewString()
		e.Tags = []Tag{e.Tag}
		e.Status = StatusPending
		e.Attempt = 0
		e.LastError = ""
		e.NextAttemptAt = time.Time{}

		fieldsJSON, err := json.Marshal(e.Fields)
		if err != nil {
			return fmt.Errorf("failed to marshal fields: %w", err)
		}
		now := q.config.Now().UnixMilli()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO edits (id, record_id, tag, tags, fields, modified_at, attempt, status,
			                   last_error, next_attempt_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, '', 0, ?, ?)`,
			e.ID, e.RecordID, string(e.Tag), encodeTags(e.Tags), string(fieldsJSON), e.ModifiedAt.UnixMilli(),
			string(StatusPending), now, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert edit: %w", err)
		}
		if e.Seq, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read edit sequence: %w", err)
		}
		out = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Coalesce merges fields into the record's pending edit and advances its
// ModifiedAt to the queue clock. It returns (nil, nil) when the record has no
// pending edit; nothing is created in that case.
func (q *Queue) Coalesce(ctx context.Context, recordID string, fields map[string]any) (*Edit, error) {
	if recordID == "" {
		return nil, fmt.Errorf("record id is required")
	}
	now := time.UnixMilli(q.config.Now().UnixMilli()).UTC()

	var out *Edit
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		merged, err := q.coalesceTx(ctx, tx, recordID, "", fields, now)
		out = merged
		return err
	})
	return out, err
}

func (q *Queue) coalesceTx(ctx context.Context, tx *sql.Tx, recordID string, tag Tag, fields map[string]any, modifiedAt time.Time) (*Edit, error) {
	row := tx.QueryRowContext(ctx, selectEdit+`
		WHERE record_id = ? AND status = ?
		ORDER BY seq ASC LIMIT 1`, recordID, string(StatusPending))
	existing, err := scanEdit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up pending edit for %s: %w", recordID, err)
	}

	existing.Fields = mergeFields(existing.Fields, fields)
	existing.ModifiedAt = laterOf(existing.ModifiedAt, modifiedAt)
	existing.Tags = addTags(existing.Tags, tag)
	if err := q.updateContentTx(ctx, tx, existing); err != nil {
		return nil, err
	}
	return existing, nil
}

func (q *Queue) updateContentTx(ctx context.Context, tx *sql.Tx, e *Edit) error {
	fieldsJSON, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE edits SET fields = ?, tags = ?, modified_at = ?, updated_at = ? WHERE id = ?`,
		string(fieldsJSON), encodeTags(e.Tags), e.ModifiedAt.UnixMilli(), q.config.Now().UnixMilli(), e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update edit %s: %w", e.ID, err)
	}
	return nil
}

// PeekNext returns the oldest edit that is ready to send, or nil when none is.
//
// Skipped: edits not pending, edits whose backoff has not elapsed, edits for a
// record that already has an edit in flight, and edits that carry no tag
// matching tag (TagAll matches every edit).
func (q *Queue) PeekNext(ctx context.Context, tag Tag) (*Edit, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if tag == "" {
		tag = TagAll
	}
	row := q.conn.QueryRowContext(ctx, selectEdit+`
		WHERE status = ?
		  AND next_attempt_at <= ?
		  AND (? = 'all' OR instr(tags, ',' || ? || ',') > 0)
		  AND NOT EXISTS (
			SELECT 1 FROM edits f
			WHERE f.record_id = edits.record_id AND f.status = ?
		  )
		ORDER BY seq ASC
		LIMIT 1`,
		string(StatusPending), q.config.Now().UnixMilli(), string(tag), string(tag),
		string(StatusInFlight),
	)
	e, err := scanEdit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to peek next edit: %w", err)
	}
	return e, nil
}

// MarkInFlight moves a pending edit to in-flight.
func (q *Queue) MarkInFlight(ctx context.Context, id string) error {
	return q.withTx(ctx, func(tx *sql.Tx) error {
		e, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if e.Status != StatusPending {
			return fmt.Errorf("edit %s is %s, not pending: %w", id, e.Status, ErrInvalidTransition)
		}

		var busy int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM edits WHERE record_id = ? AND status = ?`,
			e.RecordID, string(StatusInFlight),
		).Scan(&busy)
		if err != nil {
			return fmt.Errorf("failed to check in-flight edits: %w", err)
		}
		if busy > 0 {
			return fmt.Errorf("record %s already has an edit in flight: %w", e.RecordID, ErrInvalidTransition)
		}

		_, err = tx.ExecContext(ctx, `UPDATE edits SET status = ?, updated_at = ? WHERE id = ?`,
			string(StatusInFlight), q.config.Now().UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("failed to mark edit %s in flight: %w", id, err)
		}
		return nil
	})
}

// MarkApplied removes an in-flight edit after the server accepted it.
func (q *Queue) MarkApplied(ctx context.Context, id string) error {
	return q.withTx(ctx, func(tx *sql.Tx) error {
		e, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if e.Status != StatusInFlight {
			return fmt.Errorf("edit %s is %s, not in flight: %w", id, e.Status, ErrInvalidTransition)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM edits WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to remove applied edit %s: %w", id, err)
		}
		return nil
	})
}

// MarkFailed records the failure of an in-flight edit.
//
// A retryable failure increments Attempt and requeues the edit as pending
// after a capped exponential backoff; if the record gained a newer pending
// edit meanwhile, that edit is folded into this one (its values win) so the
// record keeps a single pending entry at its original queue position. Once
// MaxAttempts is reached a retryable failure becomes terminal.
//
// A terminal failure parks the edit as failed; it is reported by Rejected
// until acknowledged and is never retried.
//
// The returned edit reflects the stored state.
func (q *Queue) MarkFailed(ctx context.Context, id string, retryable bool, reason string) (*Edit, error) {
	var out *Edit
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		e, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if e.Status != StatusInFlight {
			return fmt.Errorf("edit %s is %s, not in flight: %w", id, e.Status, ErrInvalidTransition)
		}

		attempt := e.Attempt + 1
		if retryable && q.config.MaxAttempts > 0 && attempt >= q.config.MaxAttempts {
			retryable = false
			reason = fmt.Sprintf("giving up after %d attempts: %s", attempt, reason)
		}

		if !retryable {
			_, err := tx.ExecContext(ctx, `
				UPDATE edits SET status = ?, attempt = ?, last_error = ?, updated_at = ? WHERE id = ?`,
				string(StatusFailed), attempt, reason, q.config.Now().UnixMilli(), id)
			if err != nil {
				return fmt.Errorf("failed to mark edit %s failed: %w", id, err)
			}
			e.Status = StatusFailed
			e.Attempt = attempt
			e.LastError = reason
			out = e
			return nil
		}

		next := q.config.Now().Add(q.config.Backoff(attempt))
		out, err = q.requeueTx(ctx, tx, e, attempt, next, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// requeueTx returns an in-flight edit to pending, absorbing any newer pending
// sibling for the same record.
func (q *Queue) requeueTx(ctx context.Context, tx *sql.Tx, e *Edit, attempt int, next time.Time, reason string) (*Edit, error) {
	row := tx.QueryRowContext(ctx, selectEdit+`
		WHERE record_id = ? AND status = ? AND id != ?
		ORDER BY seq ASC LIMIT 1`, e.RecordID, string(StatusPending), e.ID)
	sibling, err := scanEdit(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to look up pending sibling for %s: %w", e.RecordID, err)
	default:
		e.Fields = mergeFields(e.Fields, sibling.Fields)
		e.ModifiedAt = laterOf(e.ModifiedAt, sibling.ModifiedAt)
		e.Tags = addTags(e.Tags, sibling.Tags...)
		if err := q.updateContentTx(ctx, tx, e); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM edits WHERE id = ?`, sibling.ID); err != nil {
			return nil, fmt.Errorf("failed to fold sibling edit %s: %w", sibling.ID, err)
		}
	}

	var nextMs int64
	if !next.IsZero() {
		nextMs = next.UnixMilli()
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE edits SET status = ?, attempt = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ?`,
		string(StatusPending), attempt, reason, nextMs, q.config.Now().UnixMilli(), e.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to requeue edit %s: %w", e.ID, err)
	}

	e.Status = StatusPending
	e.Attempt = attempt
	e.LastError = reason
	e.NextAttemptAt = time.Time{}
	if nextMs > 0 {
		e.NextAttemptAt = time.UnixMilli(nextMs).UTC()
	}
	return e, nil
}

// recoverInFlight returns edits orphaned in flight by a crash to pending.
// Their attempt count is unchanged because no outcome was observed.
func (q *Queue) recoverInFlight(ctx context.Context) (int, error) {
	var recovered int
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, selectEdit+` WHERE status = ? ORDER BY seq ASC`, string(StatusInFlight))
		if err != nil {
			return fmt.Errorf("failed to query in-flight edits: %w", err)
		}
		stuck, err := scanEdits(rows)
		if err != nil {
			return err
		}
		for _, e := range stuck {
			if _, err := q.requeueTx(ctx, tx, e, e.Attempt, time.Time{}, "interrupted before server response"); err != nil {
				return err
			}
			recovered++
		}
		return nil
	})
	return recovered, err
}

// Get returns a single edit by id.
func (q *Queue) Get(ctx context.Context, id string) (*Edit, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := scanEdit(q.conn.QueryRowContext(ctx, selectEdit+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("edit %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get edit %s: %w", id, err)
	}
	return e, nil
}

// ListFilter configures List.
type ListFilter struct {
	// Status filters by status (empty = all)
	Status Status
	// Tag filters by tag (empty or TagAll = all)
	Tag Tag
	// RecordID filters by record (empty = all)
	RecordID string
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// List returns queued edits in queue order.
func (q *Queue) List(ctx context.Context, filter ListFilter) ([]*Edit, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Tag != "" && filter.Tag != TagAll {
		conditions = append(conditions, "instr(tags, ',' || ? || ',') > 0")
		args = append(args, string(filter.Tag))
	}
	if filter.RecordID != "" {
		conditions = append(conditions, "record_id = ?")
		args = append(args, filter.RecordID)
	}

	query := selectEdit
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := q.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list edits: %w", err)
	}
	return scanEdits(rows)
}

// Rejected returns terminally failed edits awaiting acknowledgement.
func (q *Queue) Rejected(ctx context.Context) ([]*Edit, error) {
	return q.List(ctx, ListFilter{Status: StatusFailed})
}

// Acknowledge discards a terminally failed edit once the user has seen it.
func (q *Queue) Acknowledge(ctx context.Context, id string) error {
	return q.withTx(ctx, func(tx *sql.Tx) error {
		e, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if e.Status != StatusFailed {
			return fmt.Errorf("edit %s is %s, not failed: %w", id, e.Status, ErrInvalidTransition)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM edits WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to discard edit %s: %w", id, err)
		}
		return nil
	})
}

// Stats counts queued edits per status.
type Stats struct {
	Pending  int `json:"pending"`
	InFlight int `json:"inFlight"`
	Failed   int `json:"failed"`
}

// Total returns the number of edits still in the queue.
func (s Stats) Total() int {
	return s.Pending + s.InFlight + s.Failed
}

// Stats returns queue counts per status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM edits GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count edits: %w", err)
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, fmt.Errorf("failed to scan edit count: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			s.Pending = n
		case StatusInFlight:
			s.InFlight = n
		case StatusFailed:
			s.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("error iterating edit counts: %w", err)
	}
	return s, nil
}

// SaveSnapshot stores the reconciled view of a record.
func (q *Queue) SaveSnapshot(ctx context.Context, recordID string, fields map[string]any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return q.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (record_id, fields, saved_at) VALUES (?, ?, ?)
			ON CONFLICT(record_id) DO UPDATE SET
				fields = excluded.fields,
				saved_at = excluded.saved_at`,
			recordID, string(data), q.config.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to save snapshot for %s: %w", recordID, err)
		}
		return nil
	})
}

// Snapshot returns the last reconciled view of a record and when it was saved.
func (q *Queue) Snapshot(ctx context.Context, recordID string) (map[string]any, time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var data string
	var savedAt int64
	err := q.conn.QueryRowContext(ctx,
		`SELECT fields, saved_at FROM snapshots WHERE record_id = ?`, recordID,
	).Scan(&data, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, fmt.Errorf("snapshot %s: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read snapshot %s: %w", recordID, err)
	}

	fields := map[string]any{}
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to unmarshal snapshot %s: %w", recordID, err)
	}
	return fields, time.UnixMilli(savedAt).UTC(), nil
}

// withTx runs fn in a transaction while holding the queue mutex.
func (q *Queue) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const selectEdit = `
	SELECT seq, id, record_id, tag, tags, fields, modified_at, attempt, status,
	       last_error, next_attempt_at
	FROM edits`

type rowScanner interface {
	Scan(dest ...any) error
}

func getTx(ctx context.Context, tx *sql.Tx, id string) (*Edit, error) {
	e, err := scanEdit(tx.QueryRowContext(ctx, selectEdit+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("edit %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get edit %s: %w", id, err)
	}
	return e, nil
}

func scanEdit(row rowScanner) (*Edit, error) {
	var e Edit
	var tag, tags, status, fieldsJSON string
	var modifiedAt, nextAttemptAt int64

	err := row.Scan(&e.Seq, &e.ID, &e.RecordID, &tag, &tags, &fieldsJSON, &modifiedAt,
		&e.Attempt, &status, &e.LastError, &nextAttemptAt)
	if err != nil {
		return nil, err
	}

	e.Tag = Tag(tag)
	e.Tags = addTags(decodeTags(tags), e.Tag)
	e.Status = Status(status)
	e.ModifiedAt = time.UnixMilli(modifiedAt).UTC()
	if nextAttemptAt > 0 {
		e.NextAttemptAt = time.UnixMilli(nextAttemptAt).UTC()
	}
	e.Fields = map[string]any{}
	if err := json.Unmarshal([]byte(fieldsJSON), &e.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields of edit %s: %w", e.ID, err)
	}
	return &e, nil
}

func scanEdits(rows *sql.Rows) ([]*Edit, error) {
	defer rows.Close()

	var edits []*Edit
	for rows.Next() {
		e, err := scanEdit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan edit: %w", err)
		}
		edits = append(edits, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating edits: %w", err)
	}
	return edits, nil
}
