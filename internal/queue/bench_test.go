package queue

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
)

func openBenchQueue(b *testing.B) *Queue {
	b.Helper()
	q, err := Open(filepath.Join(b.TempDir(), "queue.db"), &Config{Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		b.Fatalf("Open() failed: %v", err)
	}
	b.Cleanup(func() { _ = q.Close() })
	return q
}

// BenchmarkEnqueue_DistinctRecords measures inserts of new edits.
func BenchmarkEnqueue_DistinctRecords(b *testing.B) {
	q := openBenchQueue(b)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := q.Enqueue(ctx, Edit{RecordID: fmt.Sprintf("t%d", i), Fields: map[string]any{"status": "open"}})
		if err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkEnqueue_Coalescing measures repeated edits to a small set of
// records, which fold into the pending edit instead of inserting.
func BenchmarkEnqueue_Coalescing(b *testing.B) {
	q := openBenchQueue(b)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := q.Enqueue(ctx, Edit{RecordID: fmt.Sprintf("t%d", i%16), Fields: map[string]any{"mileage": i}})
		if err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkDrain_ConcurrentEnqueue drains the queue while other goroutines
// keep adding edits, the pattern of a device editing during a flush.
func BenchmarkDrain_ConcurrentEnqueue(b *testing.B) {
	q := openBenchQueue(b)
	ctx := context.Background()

	const writers = 4
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				_, _ = q.Enqueue(ctx, Edit{RecordID: fmt.Sprintf("w%d-%d", w, i%64), Fields: map[string]any{"n": i}})
			}
		}(w)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e, err := q.PeekNext(ctx, TagAll)
		if err != nil {
			b.Fatal(err)
		}
		if e == nil {
			continue
		}
		if err := q.MarkInFlight(ctx, e.ID); err != nil {
			b.Fatal(err)
		}
		if err := q.MarkApplied(ctx, e.ID); err != nil {
			b.Fatal(err)
		}
	}
	b.StopTimer()

	close(stop)
	wg.Wait()
}
