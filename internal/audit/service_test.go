package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spyStore fails every call and counts List invocations.
type spyStore struct {
	lists int
	err   error
}

func (s *spyStore) Append(context.Context, *Entry) error { return s.err }
func (s *spyStore) UpsertActor(context.Context, Actor) error { return s.err }
func (s *spyStore) Close() error { return nil }

func (s *spyStore) List(context.Context, Query) ([]Entry, error) {
	s.lists++
	return nil, s.err
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func setupTestService(t *testing.T) (*Service, *SQLiteStore) {
	t.Helper()
	store := setupTestStore(t)
	return NewService(store, &Config{Logger: quietLogger()}), store
}

func record(t *testing.T, s *Service, taskID, actor string, at time.Time, before, after map[string]any) *Entry {
	t.Helper()
	e, err := s.Record(context.Background(), Mutation{
		TaskID:    taskID,
		ActorID:   actor,
		Before:    before,
		After:     after,
		ChangedAt: at,
	})
	require.NoError(t, err)
	return e
}

func strPtr(s string) *string { return &s }

func TestListAudit_RejectsMissingRoleBeforeDataAccess(t *testing.T) {
	spy := &spyStore{}
	s := NewService(spy, &Config{Logger: quietLogger()})

	for _, req := range []Request{
		{Role: ""},
		{Role: "   ", Limit: 10},
		{Role: "", TaskID: strPtr("t1"), Limit: 500, Offset: 3},
	} {
		entries, err := s.ListAudit(context.Background(), req)
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.NotErrorIs(t, err, ErrForbidden)
		assert.Empty(t, entries)
	}
	assert.Zero(t, spy.lists, "store must not be read without a role")
}

func TestListAudit_RejectsUnprivilegedRole(t *testing.T) {
	spy := &spyStore{}
	s := NewService(spy, &Config{Logger: quietLogger()})

	entries, err := s.ListAudit(context.Background(), Request{Role: "driver", Limit: 10})

	assert.ErrorIs(t, err, ErrForbidden)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Nil(t, entries)
	assert.Zero(t, spy.lists)
}

func TestListAudit_RoleMatchingIsCaseInsensitive(t *testing.T) {
	s, _ := setupTestService(t)

	_, err := s.ListAudit(context.Background(), Request{Role: " Dispatcher ", Limit: 1})
	assert.NoError(t, err)
}

func TestListAudit_CustomRoles(t *testing.T) {
	s := NewService(setupTestStore(t), &Config{Roles: []string{"auditor"}, Logger: quietLogger()})

	_, err := s.ListAudit(context.Background(), Request{Role: "admin"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = s.ListAudit(context.Background(), Request{Role: "auditor"})
	assert.NoError(t, err)
}

func TestListAudit_StorageFailureIsGeneric(t *testing.T) {
	spy := &spyStore{err: errors.New("dial tcp 10.0.0.5:5432: connection refused")}
	s := NewService(spy, &Config{Logger: quietLogger()})

	entries, err := s.ListAudit(context.Background(), Request{Role: RoleAdmin})

	assert.ErrorIs(t, err, ErrInternal)
	assert.NotContains(t, err.Error(), "10.0.0.5")
	assert.Nil(t, entries)
}

func TestListAudit_PaginationBounds(t *testing.T) {
	s, _ := setupTestService(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < MaxLimit+10; i++ {
		record(t, s, fmt.Sprintf("t%d", i%7), "driverA", base.Add(time.Duration(i)*time.Second),
			map[string]any{"n": i}, map[string]any{"n": i + 1})
	}

	entries, err := s.ListAudit(ctx, Request{Role: RoleAdmin, Limit: 10000})
	require.NoError(t, err)
	assert.Len(t, entries, MaxLimit)

	entries, err = s.ListAudit(ctx, Request{Role: RoleAdmin, Limit: 0})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	entries, err = s.ListAudit(ctx, Request{Role: RoleAdmin, Limit: -5, Offset: -5})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	entries, err = s.ListAudit(ctx, Request{Role: RoleAdmin, Limit: 10, Offset: 10000})
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestListAudit_MostRecentFirstWithInsertionTieBreak(t *testing.T) {
	s, _ := setupTestService(t)

	t0 := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	older := record(t, s, "t1", "driverA", t0, nil, map[string]any{"status": "open"})
	tieFirst := record(t, s, "t1", "driverA", t0.Add(time.Minute), map[string]any{"status": "open"}, map[string]any{"status": "en_route"})
	tieSecond := record(t, s, "t1", "dispatcher-7", t0.Add(time.Minute), map[string]any{"status": "en_route"}, map[string]any{"status": "reassigned"})

	entries, err := s.ListAudit(context.Background(), Request{Role: RoleAdmin, Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, tieSecond.ID, entries[0].ID)
	assert.Equal(t, tieFirst.ID, entries[1].ID)
	assert.Equal(t, older.ID, entries[2].ID)

	page, err := s.ListAudit(context.Background(), Request{Role: RoleAdmin, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, tieFirst.ID, page[0].ID)
}

func TestListAudit_FiltersByTask(t *testing.T) {
	s, _ := setupTestService(t)
	now := time.Now()

	record(t, s, "t1", "driverA", now, nil, map[string]any{"status": "open"})
	record(t, s, "t2", "driverA", now, nil, map[string]any{"status": "open"})
	record(t, s, "t1", "driverA", now.Add(time.Second), map[string]any{"status": "open"}, map[string]any{"status": "done"})

	entries, err := s.ListAudit(context.Background(), Request{Role: RoleAdmin, TaskID: strPtr("t1"), Limit: 50})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "t1", e.TaskID)
	}

	all, err := s.ListAudit(context.Background(), Request{Role: RoleAdmin, Limit: 50})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

// Renaming an actor shows up on entries written before the rename.
func TestListAudit_JoinsCurrentActorIdentity(t *testing.T) {
	s, _ := setupTestService(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertActor(ctx, Actor{ID: "driverA", Name: "Ana", Contact: "555-0100"}))
	record(t, s, "t1", "driverA", time.Now(), nil, map[string]any{"status": "open"})
	record(t, s, "t2", "ghost", time.Now(), nil, map[string]any{"status": "open"})
	require.NoError(t, s.UpsertActor(ctx, Actor{ID: "driverA", Name: "Ana Ruiz", Contact: "ana@example.com"}))

	entries, err := s.ListAudit(ctx, Request{Role: RoleAdmin, TaskID: strPtr("t1"), Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].Actor)
	assert.Equal(t, "Ana Ruiz", entries[0].Actor.Name)
	assert.Equal(t, "ana@example.com", entries[0].Actor.Contact)

	unknown, err := s.ListAudit(ctx, Request{Role: RoleAdmin, TaskID: strPtr("t2"), Limit: 10})
	require.NoError(t, err)
	require.Len(t, unknown, 1)
	assert.Nil(t, unknown[0].Actor)
}

func TestRecord_DerivesActionAndDiff(t *testing.T) {
	s, _ := setupTestService(t)

	created := record(t, s, "t1", "dispatcher-1", time.Now(), nil, map[string]any{"status": "open", "driver": "A"})
	assert.Equal(t, ActionCreate, created.Action)
	assert.Len(t, created.Diff, 2)

	moved := record(t, s, "t1", "driverA", time.Now(), map[string]any{"status": "open"}, map[string]any{"status": "done"})
	assert.Equal(t, ActionStatusChange, moved.Action)
	assert.Equal(t, []FieldChange{{Field: "status", Before: "open", After: "done"}}, moved.Diff)

	noted := record(t, s, "t1", "driverA", time.Now(), map[string]any{"status": "done"}, map[string]any{"status": "done", "note": "keys left"})
	assert.Equal(t, ActionUpdate, noted.Action)

	entries, err := s.ListAudit(context.Background(), Request{Role: RoleAdmin, Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.NotEmpty(t, e.ID)
		assert.NotZero(t, e.Seq)
	}
}

func TestRecord_DefaultsChangedAtToClock(t *testing.T) {
	fixed := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	s := NewService(setupTestStore(t), &Config{Logger: quietLogger(), Now: func() time.Time { return fixed }})

	e, err := s.Record(context.Background(), Mutation{TaskID: "t1", ActorID: "a", After: map[string]any{"x": 1}})
	require.NoError(t, err)
	assert.True(t, e.ChangedAt.Equal(fixed))
}

func TestRecord_RejectsIncompleteMutation(t *testing.T) {
	s, _ := setupTestService(t)

	_, err := s.Record(context.Background(), Mutation{TaskID: "t1", After: map[string]any{"x": 1}})
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestSQLiteStore_EntriesAreImmutable(t *testing.T) {
	s, store := setupTestService(t)
	e := record(t, s, "t1", "driverA", time.Now(), nil, map[string]any{"status": "open"})

	_, err := store.conn.Exec(`UPDATE audit_log SET action = 'update' WHERE id = ?`, e.ID)
	assert.Error(t, err)

	_, err = store.conn.Exec(`DELETE FROM audit_log WHERE id = ?`, e.ID)
	assert.Error(t, err)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 1, ClampLimit(0))
	assert.Equal(t, 1, ClampLimit(-3))
	assert.Equal(t, 37, ClampLimit(37))
	assert.Equal(t, 500, ClampLimit(10000))
	assert.Equal(t, 0, ClampOffset(-1))
	assert.Equal(t, 12, ClampOffset(12))
}
