package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldops/fieldsync/internal/queue"
)

func expectFired(t *testing.T, d *SpoolDeferrer, want queue.Tag) {
	t.Helper()
	select {
	case got := <-d.Fired():
		if got != want {
			t.Errorf("fired %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %s to fire", want.SyncName())
	}
}

func TestSpoolDeferrer_Unsupported(t *testing.T) {
	d := NewSpoolDeferrer("", quietLogger())
	defer d.Close()

	if d.SupportsDeferredSync() {
		t.Error("deferrer without a spool directory reports support")
	}
	if err := d.Register(queue.TagForms); err == nil {
		t.Error("Register() on unsupported deferrer succeeded")
	}
	if err := d.Start(context.Background()); err == nil {
		t.Error("Start() on unsupported deferrer succeeded")
	}
}

func TestSpoolDeferrer_RegisterFiresOnce(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool")
	d := NewSpoolDeferrer(dir, quietLogger())
	defer d.Close()

	if !d.SupportsDeferredSync() {
		t.Fatal("SupportsDeferredSync() = false")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if err := d.Register(queue.TagImages); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	expectFired(t, d, queue.TagImages)

	if _, err := os.Stat(filepath.Join(dir, "sync-images")); !os.IsNotExist(err) {
		t.Errorf("marker not consumed: %v", err)
	}

	select {
	case tag := <-d.Fired():
		t.Errorf("registration fired twice (%s)", tag)
	case <-time.After(100 * time.Millisecond):
	}
}

// Markers written while no deferrer was watching fire on start.
func TestSpoolDeferrer_FiresLeftoverMarkers(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool")
	if err := RegisterMarker(dir, queue.TagAll); err != nil {
		t.Fatalf("RegisterMarker() failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	d := NewSpoolDeferrer(dir, quietLogger())
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	expectFired(t, d, queue.TagAll)

	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Errorf("unrelated file touched: %v", err)
	}
}

func TestSpoolDeferrer_UnregisterWithdrawsMarker(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool")
	d := NewSpoolDeferrer(dir, quietLogger())
	defer d.Close()

	if err := d.Register(queue.TagSignatures); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	if err := d.Unregister(queue.TagSignatures); err != nil {
		t.Fatalf("Unregister() failed: %v", err)
	}
	if err := d.Unregister(queue.TagSignatures); err != nil {
		t.Errorf("second Unregister() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	select {
	case tag := <-d.Fired():
		t.Errorf("withdrawn registration fired (%s)", tag)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSpoolDeferrer_CloseClosesFired(t *testing.T) {
	d := NewSpoolDeferrer(filepath.Join(t.TempDir(), "spool"), quietLogger())

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if _, ok := <-d.Fired(); ok {
		t.Error("Fired() still open after Close")
	}
	if err := d.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}

// The scheduler drains on a spool firing end to end.
func TestScheduler_WithSpoolDeferrer(t *testing.T) {
	d := NewSpoolDeferrer(filepath.Join(t.TempDir(), "spool"), quietLogger())
	defer d.Close()

	s, q, events := setupTestScheduler(t, acceptAs("driverA"), d)
	if !s.Deferred() {
		t.Fatal("scheduler did not pick the deferred strategy")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.loopActive
	})

	enqueue(t, q, queue.Edit{RecordID: "t1", Fields: map[string]any{"status": "done"}})
	if err := s.ScheduleSync(ctx, queue.TagForms); err != nil {
		t.Fatalf("ScheduleSync() failed: %v", err)
	}

	waitFor(t, func() bool {
		events.mu.Lock()
		defer events.mu.Unlock()
		return len(events.applied) == 1
	})
}

// A deferrer whose context ended can be started again, as the daemon loop
// does after a restart of the scheduler.
func TestSpoolDeferrer_RestartAfterCancel(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool")
	d := NewSpoolDeferrer(dir, quietLogger())
	defer d.Close()

	first, cancelFirst := context.WithCancel(context.Background())
	if err := d.Start(first); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := d.Start(first); err == nil {
		t.Error("second Start() while running succeeded")
	}
	cancelFirst()

	waitFor(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return !d.running
	})

	second, cancelSecond := context.WithCancel(context.Background())
	defer cancelSecond()
	if err := d.Start(second); err != nil {
		t.Fatalf("Start() after cancel failed: %v", err)
	}

	if err := d.Register(queue.TagSignatures); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	expectFired(t, d, queue.TagSignatures)
}
