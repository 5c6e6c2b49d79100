// Package scheduler drains the local change queue to the server.
//
// # Strategies
//
// A Scheduler is built with one of two strategies, chosen once at
// construction from the Deferrer it is given:
//
//   - Deferred: ScheduleSync registers a tag-named request (sync-forms,
//     sync-images, sync-signatures, sync-all) with the Deferrer and the drain
//     runs when the Deferrer fires it back.
//   - Immediate: used when no Deferrer is given or it reports that deferred
//     execution is unsupported. ScheduleSync posts a manual-sync request to the
//     running loop, or flushes inline when no loop is running.
//
// TriggerManualSync always takes the immediate path.
//
// # Flushing
//
// Only one flush runs at a time per Scheduler. A flush requested while another
// is active returns a Report with Coalesced set; the active flush picks up the
// request before it finishes. For each edit the flush:
//
//  1. marks it in flight
//  2. sends it through the Mutator with a per-attempt timeout
//  3. reconciles the returned record against the local snapshot with the
//     edit on top, and stores the result as the new snapshot
//  4. marks it applied
//
// Failures are classified per edit: a terminal record.Rejection parks the edit
// for the user, anything else (timeouts, network errors, overload) is retried
// after backoff. One record's failure never stops the others. A flush stops
// only when the queue itself cannot record an outcome.
//
// Refresh reads a record back from the server when the Mutator also
// implements Fetcher, and folds it into the snapshot the same way.
//
// # Usage
//
//	q, _ := queue.Open(".fieldsync/queue.db", nil)
//	defer q.Close()
//
//	spool := scheduler.NewSpoolDeferrer(".fieldsync/spool", nil)
//	defer spool.Close()
//
//	s := scheduler.New(q, remote.New(remote.DefaultConfig()), spool, nil)
//	go s.Run(ctx)
//
//	_ = s.ScheduleSync(ctx, queue.TagForms)
package scheduler
