package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fieldops/fieldsync/internal/queue"
	"github.com/fieldops/fieldsync/internal/reconcile"
	"github.com/fieldops/fieldsync/internal/record"
)

var (
	// ErrUnknownTag is returned for sync tags other than forms, images, signatures or all.
	ErrUnknownTag = errors.New("unknown sync tag")
	// ErrAlreadyRunning is returned when Run is called on a scheduler whose loop is active.
	ErrAlreadyRunning = errors.New("scheduler loop already running")
	// ErrFetchUnsupported is returned by Refresh when the mutator cannot read records.
	ErrFetchUnsupported = errors.New("mutator cannot fetch records")
)

// Mutator sends one edit to the server's domain mutation endpoint.
//
// On acceptance it returns the record as stored by the server, with UpdatedAt
// and UpdatedBy populated. Refusals are reported as *record.Rejection.
type Mutator interface {
	Mutate(ctx context.Context, recordID string, fields map[string]any, modifiedAt time.Time) (*record.ServerRecord, error)
}

// Fetcher reads the server's current copy of a record. Mutators that also
// implement Fetcher enable Refresh.
type Fetcher interface {
	Fetch(ctx context.Context, recordID string) (*record.ServerRecord, error)
}

// Store is the subset of the local change queue a flush drives.
type Store interface {
	PeekNext(ctx context.Context, tag queue.Tag) (*queue.Edit, error)
	MarkInFlight(ctx context.Context, id string) error
	MarkApplied(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, retryable bool, reason string) (*queue.Edit, error)
	SaveSnapshot(ctx context.Context, recordID string, fields map[string]any) error
	Snapshot(ctx context.Context, recordID string) (map[string]any, time.Time, error)
	List(ctx context.Context, filter queue.ListFilter) ([]*queue.Edit, error)
}

// Events receives flush outcomes. All methods are called from the flushing
// goroutine and must not block for long.
type Events interface {
	OnApplied(e *queue.Edit, rec *record.ServerRecord)
	OnConflict(e *queue.Edit, res reconcile.Result)
	OnRetry(e *queue.Edit, err error)
	OnRejected(e *queue.Edit, err error)
	OnFlushComplete(r Report)
}

// Config holds scheduler configuration.
type Config struct {
	// PollInterval is how often the loop looks for edits whose backoff elapsed
	PollInterval time.Duration

	// AttemptTimeout bounds a single server mutation; expiry is a retryable failure
	AttemptTimeout time.Duration

	// Events receives flush outcomes (optional)
	Events Events

	// Logger for scheduler activity
	Logger *log.Logger

	// Now is the scheduler clock (default: time.Now)
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:   5 * time.Second,
		AttemptTimeout: 30 * time.Second,
		Logger:         log.New(os.Stderr, "[scheduler] ", log.LstdFlags),
		Now:            time.Now,
	}
}

// Report summarizes one flush.
type Report struct {
	Tag       queue.Tag     `json:"tag"`
	Attempted int           `json:"attempted"`
	Applied   int           `json:"applied"`
	Retried   int           `json:"retried"`
	Rejected  int           `json:"rejected"`
	Conflicts int           `json:"conflicts"`
	Coalesced bool          `json:"coalesced"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// Scheduler decides when queued edits are sent and retried.
//
// All scheduling state lives on the value, so independent schedulers never
// interfere.
type Scheduler struct {
	store    Store
	mutator  Mutator
	config   *Config
	deferrer Deferrer
	strategy strategy

	// Manual and immediate-strategy requests for the running loop
	requests chan queue.Tag

	mu          sync.Mutex
	flushing    bool
	rerun       queue.Tag // tag requested while flushing, "" if none
	loopActive  bool
	lastAttempt time.Time
	lastReport  Report
}

// New creates a scheduler draining store through mutator.
//
// When deferrer is nil or does not support deferred execution, the immediate
// strategy is used.
func New(store Store, mutator Mutator, deferrer Deferrer, config *Config) *Scheduler {
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
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = def.AttemptTimeout
	}

	s := &Scheduler{
		store:    store,
		mutator:  mutator,
		config:   config,
		requests: make(chan queue.Tag, 8),
	}

	if deferrer != nil && deferrer.SupportsDeferredSync() {
		s.deferrer = deferrer
		s.strategy = &deferredStrategy{s: s, deferrer: deferrer}
	} else {
		s.strategy = &immediateStrategy{s: s}
	}
	return s
}

// Deferred reports whether the scheduler uses deferred registration.
func (s *Scheduler) Deferred() bool {
	return s.deferrer != nil
}

// ScheduleSync asks for the edits carrying tag to be drained at the next
// opportunity. TagAll drains everything.
func (s *Scheduler) ScheduleSync(ctx context.Context, tag queue.Tag) error {
	tag, err := checkTag(tag)
	if err != nil {
		return err
	}
	return s.strategy.schedule(ctx, tag)
}

// TriggerManualSync requests an immediate drain of the whole queue, whatever
// strategy is in use.
func (s *Scheduler) TriggerManualSync(ctx context.Context) error {
	return s.requestFlush(ctx, queue.TagAll)
}

// Withdraw cancels a deferred registration for tag. Edits already in flight
// are unaffected.
func (s *Scheduler) Withdraw(tag queue.Tag) error {
	tag, err := checkTag(tag)
	if err != nil {
		return err
	}
	return s.strategy.withdraw(tag)
}

// requestFlush hands a drain to the running loop, or flushes inline when no
// loop is running.
func (s *Scheduler) requestFlush(ctx context.Context, tag queue.Tag) error {
	s.mu.Lock()
	active := s.loopActive
	s.mu.Unlock()

	if active {
		select {
		case s.requests <- tag:
		default:
			// The loop has requests backed up; the next one drains this tag as well.
			s.mu.Lock()
			s.rerun = mergeTags(s.rerun, tag)
			s.mu.Unlock()
		}
		return nil
	}

	_, err := s.Flush(ctx, tag)
	return err
}

// Flush drains edits matching tag until none is ready.
//
// If another flush is active, Flush returns immediately with Coalesced set;
// the active flush drains tag before it returns.
func (s *Scheduler) Flush(ctx context.Context, tag queue.Tag) (Report, error) {
	if tag == "" {
		tag = queue.TagAll
	}

	s.mu.Lock()
	if s.flushing {
		s.rerun = mergeTags(s.rerun, tag)
		s.mu.Unlock()
		return Report{Tag: tag, Coalesced: true}, nil
	}
	s.flushing = true
	s.lastAttempt = s.config.Now()
	s.mu.Unlock()

	report := Report{Tag: tag, StartedAt: s.config.Now()}
	var err error
	for {
		err = s.drain(ctx, tag, &report)

		s.mu.Lock()
		if err != nil || s.rerun == "" {
			s.flushing = false
			s.rerun = ""
			report.Duration = s.config.Now().Sub(report.StartedAt)
			s.lastReport = report
			s.mu.Unlock()
			break
		}
		tag = mergeTags(tag, s.rerun)
		report.Tag = tag
		s.rerun = ""
		s.mu.Unlock()
	}

	if report.Attempted > 0 {
		s.config.Logger.Printf("Flush %s: %d attempted, %d applied, %d retried, %d rejected, %d conflicts",
			report.Tag, report.Attempted, report.Applied, report.Retried, report.Rejected, report.Conflicts)
	}
	if s.config.Events != nil {
		s.config.Events.OnFlushComplete(report)
	}
	if err != nil {
		return report, fmt.Errorf("flush %s failed: %w", tag, err)
	}
	return report, nil
}

// drain sends ready edits one at a time until the queue yields none.
func (s *Scheduler) drain(ctx context.Context, tag queue.Tag, report *Report) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		e, err := s.store.PeekNext(ctx, tag)
		if err != nil {
			return fmt.Errorf("failed to read queue: %w", err)
		}
		if e == nil {
			return nil
		}

		if err := s.store.MarkInFlight(ctx, e.ID); err != nil {
			return fmt.Errorf("failed to mark edit %s in flight: %w", e.ID, err)
		}
		report.Attempted++
		if err := s.send(ctx, e, report); err != nil {
			return err
		}
	}
}

// send performs one round-trip for e and records the outcome in the queue.
// Bookkeeping ignores cancellation of ctx so a completed call always updates
// the queue. An error means the outcome could not be recorded and the edit
// may still be in flight; the flush stops there.
func (s *Scheduler) send(ctx context.Context, e *queue.Edit, report *Report) error {
	book := context.WithoutCancel(ctx)

	attemptCtx, cancel := context.WithTimeout(ctx, s.config.AttemptTimeout)
	rec, err := s.mutator.Mutate(attemptCtx, e.RecordID, e.Fields, e.ModifiedAt)
	cancel()

	if err == nil && rec == nil {
		err = fmt.Errorf("server accepted edit %s without returning the record", e.ID)
	}
	if err != nil {
		return s.fail(book, e, err, report)
	}

	local, err := s.localCopy(book, e.RecordID, e)
	if err != nil {
		s.config.Logger.Printf("Warning: %v", err)
		local = e.LocalMap()
	}
	res := reconcile.Reconcile(local, rec.Map(), nil)

	if err := s.store.SaveSnapshot(book, e.RecordID, res.Merged); err != nil {
		s.config.Logger.Printf("Warning: failed to save snapshot for %s: %v", e.RecordID, err)
	}
	if err := s.store.MarkApplied(book, e.ID); err != nil {
		// The server has the edit; resending the same content is harmless.
		reason := fmt.Sprintf("accepted but not recorded locally: %v", err)
		updated, ferr := s.store.MarkFailed(book, e.ID, true, reason)
		if ferr != nil {
			return fmt.Errorf("failed to mark edit %s applied: %w (requeue failed: %v)", e.ID, err, ferr)
		}
		report.Retried++
		s.config.Logger.Printf("Warning: edit %s to %s requeued: %s", e.ID, e.RecordID, reason)
		if s.config.Events != nil {
			s.config.Events.OnRetry(updated, err)
		}
		return nil
	}
	report.Applied++

	e.Status = queue.StatusApplied
	if s.config.Events != nil {
		s.config.Events.OnApplied(e, rec)
	}

	if res.Conflict {
		report.Conflicts++
		if res.WinningSource == reconcile.SourceServer {
			s.config.Logger.Printf("Edit to %s superseded by %s", e.RecordID, res.Ribbon.UpdatedBy)
		} else {
			s.config.Logger.Printf("Server copy of %s is older than the accepted edit; keeping local copy", e.RecordID)
		}
		if s.config.Events != nil {
			s.config.Events.OnConflict(e, res)
		}
	}
	return nil
}

// localCopy returns the device's view of a record: the saved snapshot with
// the fields of edit on top and its modification time under modifiedAt. A
// record with no snapshot yields just the edit.
func (s *Scheduler) localCopy(ctx context.Context, recordID string, edit *queue.Edit) (map[string]any, error) {
	base, _, err := s.store.Snapshot(ctx, recordID)
	if err != nil && !errors.Is(err, queue.ErrNotFound) {
		return nil, fmt.Errorf("failed to read snapshot for %s: %w", recordID, err)
	}
	local := make(map[string]any, len(base)+len(edit.Fields)+1)
	for k, v := range base {
		local[k] = v
	}
	for k, v := range edit.LocalMap() {
		local[k] = v
	}
	return local, nil
}

func (s *Scheduler) fail(ctx context.Context, e *queue.Edit, cause error, report *Report) error {
	retryable := !record.IsTerminal(cause)

	updated, err := s.store.MarkFailed(ctx, e.ID, retryable, cause.Error())
	if err != nil {
		return fmt.Errorf("failed to record failure of edit %s (%v): %w", e.ID, cause, err)
	}

	if updated.Status == queue.StatusFailed {
		report.Rejected++
		s.config.Logger.Printf("Edit %s to %s rejected: %v", e.ID, e.RecordID, cause)
		if s.config.Events != nil {
			s.config.Events.OnRejected(updated, cause)
		}
		return nil
	}

	report.Retried++
	s.config.Logger.Printf("Edit %s to %s will retry (attempt %d): %v", e.ID, e.RecordID, updated.Attempt, cause)
	if s.config.Events != nil {
		s.config.Events.OnRetry(updated, cause)
	}
	return nil
}

// Refresh pulls the server's copy of a record and reconciles it with the
// device's view: the saved snapshot plus any edits not yet applied. With
// nothing unsent the server copy is adopted as is. The result is saved as the
// record's new snapshot.
//
// Refresh only reads the queue; unsent edits stay queued and are sent by the
// next flush.
func (s *Scheduler) Refresh(ctx context.Context, recordID string) (reconcile.Result, error) {
	fetcher, ok := s.mutator.(Fetcher)
	if !ok {
		return reconcile.Result{}, ErrFetchUnsupported
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.config.AttemptTimeout)
	rec, err := fetcher.Fetch(attemptCtx, recordID)
	cancel()
	if err != nil {
		return reconcile.Result{}, fmt.Errorf("failed to fetch %s: %w", recordID, err)
	}

	edits, err := s.store.List(ctx, queue.ListFilter{RecordID: recordID})
	if err != nil {
		return reconcile.Result{}, fmt.Errorf("failed to list edits for %s: %w", recordID, err)
	}
	var unsent *queue.Edit
	for _, e := range edits {
		if e.Status != queue.StatusPending && e.Status != queue.StatusInFlight {
			continue
		}
		if unsent == nil {
			unsent = &queue.Edit{RecordID: recordID, Fields: map[string]any{}}
		}
		for k, v := range e.Fields {
			unsent.Fields[k] = v
		}
		if e.ModifiedAt.After(unsent.ModifiedAt) {
			unsent.ModifiedAt = e.ModifiedAt
		}
	}

	var res reconcile.Result
	if unsent == nil {
		res = reconcile.Result{Merged: rec.Map(), WinningSource: reconcile.SourceServer}
	} else {
		local, err := s.localCopy(ctx, recordID, unsent)
		if err != nil {
			return reconcile.Result{}, err
		}
		res = reconcile.Reconcile(local, rec.Map(), nil)
	}

	if err := s.store.SaveSnapshot(ctx, recordID, res.Merged); err != nil {
		return res, err
	}
	if res.Conflict && res.WinningSource == reconcile.SourceServer {
		s.config.Logger.Printf("Unsent edit to %s superseded by %s", recordID, res.Ribbon.UpdatedBy)
	}
	return res, nil
}

// Run drives the scheduler until ctx is cancelled.
//
// The loop flushes on start, on every PollInterval tick (to pick up edits
// whose backoff elapsed), on every deferred firing and on every manual
// request. The deferrer is started in the background; a failure to start it is
// logged and the loop keeps serving manual requests and polls.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.loopActive {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.loopActive = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.loopActive = false
		s.mu.Unlock()
	}()

	var fired <-chan queue.Tag
	if s.deferrer != nil {
		fired = s.deferrer.Fired()
		go func() {
			if err := s.deferrer.Start(ctx); err != nil {
				s.config.Logger.Printf("Warning: deferred sync registration unavailable: %v", err)
			}
		}()
	}

	s.config.Logger.Printf("Scheduler started (deferred=%v, poll=%s)", s.Deferred(), s.config.PollInterval)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.flushLogged(ctx, queue.TagAll)

	for {
		select {
		case <-ctx.Done():
			s.config.Logger.Println("Scheduler stopped")
			return nil

		case <-ticker.C:
			s.flushLogged(ctx, queue.TagAll)

		case tag := <-s.requests:
			s.flushLogged(ctx, tag)

		case tag, ok := <-fired:
			if !ok {
				fired = nil
				continue
			}
			s.flushLogged(ctx, tag)
		}
	}
}

func (s *Scheduler) flushLogged(ctx context.Context, tag queue.Tag) {
	if _, err := s.Flush(ctx, tag); err != nil && ctx.Err() == nil {
		s.config.Logger.Printf("Error: %v", err)
	}
}

// LastAttempt returns when the most recent flush started (zero if never).
func (s *Scheduler) LastAttempt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAttempt
}

// LastReport returns the summary of the most recent completed flush.
func (s *Scheduler) LastReport() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReport
}

// Flushing reports whether a flush is in progress.
func (s *Scheduler) Flushing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushing
}

// strategy is how ScheduleSync and Withdraw reach the host.
type strategy interface {
	schedule(ctx context.Context, tag queue.Tag) error
	withdraw(tag queue.Tag) error
}

type deferredStrategy struct {
	s        *Scheduler
	deferrer Deferrer
}

func (d *deferredStrategy) schedule(ctx context.Context, tag queue.Tag) error {
	if err := d.deferrer.Register(tag); err != nil {
		d.s.config.Logger.Printf("Warning: failed to register %s, flushing now: %v", tag.SyncName(), err)
		return d.s.requestFlush(ctx, tag)
	}
	return nil
}

func (d *deferredStrategy) withdraw(tag queue.Tag) error {
	if err := d.deferrer.Unregister(tag); err != nil {
		return fmt.Errorf("failed to withdraw %s: %w", tag.SyncName(), err)
	}
	return nil
}

type immediateStrategy struct {
	s *Scheduler
}

func (i *immediateStrategy) schedule(ctx context.Context, tag queue.Tag) error {
	return i.s.requestFlush(ctx, tag)
}

// Nothing is registered, so there is nothing to withdraw.
func (i *immediateStrategy) withdraw(queue.Tag) error {
	return nil
}

func checkTag(tag queue.Tag) (queue.Tag, error) {
	t, err := queue.ParseTag(string(tag))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	return t, nil
}

// mergeTags returns a drain selector covering both a and b.
func mergeTags(a, b queue.Tag) queue.Tag {
	switch {
	case a == "":
		return b
	case b == "", a == b:
		return a
	}
	return queue.TagAll
}
