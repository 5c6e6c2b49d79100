package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/fieldops/fieldsync/internal/queue"
)

// Deferrer is the host's deferred-execution facility.
//
// Register files a tag-named request (see queue.Tag.SyncName); the facility
// later delivers the tag on Fired when it is a good time to drain. Unregister
// withdraws a request that has not fired yet.
type Deferrer interface {
	SupportsDeferredSync() bool
	Start(ctx context.Context) error
	Register(tag queue.Tag) error
	Unregister(tag queue.Tag) error
	Fired() <-chan queue.Tag
}

// SpoolDeferrer implements Deferrer over a spool directory.
//
// A registration is a marker file named after the tag's sync name. Markers
// are consumed (deleted) as they fire, so each registration fires once. Any
// process can register by creating a marker: the CLI does so for
// "fieldsync sync schedule", and a network-up hook can touch sync-all.
// Markers left from a previous run fire when the deferrer starts.
type SpoolDeferrer struct {
	dir     string
	logger  *log.Logger
	watcher *fsnotify.Watcher
	initErr error

	fired chan queue.Tag
	done  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	running bool
	closed  bool
}

// NewSpoolDeferrer creates a deferrer spooling to dir. If the directory or the
// watcher cannot be created, SupportsDeferredSync reports false and the
// scheduler falls back to immediate flushing.
func NewSpoolDeferrer(dir string, logger *log.Logger) *SpoolDeferrer {
	if logger == nil {
		logger = log.New(os.Stderr, "[spool] ", log.LstdFlags)
	}
	d := &SpoolDeferrer{
		dir:    dir,
		logger: logger,
		fired:  make(chan queue.Tag, 16),
		done:   make(chan struct{}),
	}

	if dir == "" {
		d.initErr = fmt.Errorf("no spool directory configured")
		return d
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		d.initErr = fmt.Errorf("failed to create spool directory %s: %w", dir, err)
		return d
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.initErr = fmt.Errorf("failed to create fsnotify watcher: %w", err)
		return d
	}
	d.watcher = watcher
	return d
}

// Dir returns the spool directory.
func (d *SpoolDeferrer) Dir() string {
	return d.dir
}

// SupportsDeferredSync reports whether the spool can be watched.
func (d *SpoolDeferrer) SupportsDeferredSync() bool {
	return d.initErr == nil
}

// Fired delivers the tags of consumed registrations. It is closed by Close.
func (d *SpoolDeferrer) Fired() <-chan queue.Tag {
	return d.fired
}

// Start watches the spool and fires markers already present. It returns once
// the watch is established; events are processed until ctx is done or Close
// is called. A deferrer stopped by its context can be started again.
func (d *SpoolDeferrer) Start(ctx context.Context) error {
	if d.initErr != nil {
		return d.initErr
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("spool deferrer closed")
	}
	if d.running {
		return fmt.Errorf("spool deferrer already running")
	}
	if err := d.watcher.Add(d.dir); err != nil {
		return fmt.Errorf("failed to watch spool directory %s: %w", d.dir, err)
	}

	d.running = true
	d.wg.Add(1)
	go d.processEvents(ctx)

	d.logger.Printf("Watching spool %s", d.dir)
	return nil
}

// Register drops the marker for tag into the spool.
func (d *SpoolDeferrer) Register(tag queue.Tag) error {
	if d.initErr != nil {
		return d.initErr
	}
	return RegisterMarker(d.dir, tag)
}

// RegisterMarker files a deferred sync request for tag in dir without a
// running deferrer, for use by other processes.
func RegisterMarker(dir string, tag queue.Tag) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}
	path := filepath.Join(dir, tag.SyncName())
	if err := os.WriteFile(path, nil, 0644); err != nil {
		return fmt.Errorf("failed to register %s: %w", tag.SyncName(), err)
	}
	return nil
}

// Unregister removes the marker for tag if it has not fired yet.
func (d *SpoolDeferrer) Unregister(tag queue.Tag) error {
	if d.dir == "" {
		return nil
	}
	err := os.Remove(filepath.Join(d.dir, tag.SyncName()))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", tag.SyncName(), err)
	}
	return nil
}

// Close stops watching and closes the Fired channel.
func (d *SpoolDeferrer) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.running = false
	d.mu.Unlock()

	close(d.done)

	var err error
	if d.watcher != nil {
		if cerr := d.watcher.Close(); cerr != nil {
			err = fmt.Errorf("failed to close watcher: %w", cerr)
		}
	}

	d.wg.Wait()
	close(d.fired)
	return err
}

func (d *SpoolDeferrer) processEvents(ctx context.Context) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		d.logger.Printf("Warning: failed to scan spool: %v", err)
	}
	for _, entry := range entries {
		if !d.consume(ctx, filepath.Join(d.dir, entry.Name())) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !d.consume(ctx, event.Name) {
				return
			}

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Printf("Watcher error: %v", err)
		}
	}
}

// consume fires the marker at path if it is one and still present. It
// returns false when the deferrer is shutting down.
func (d *SpoolDeferrer) consume(ctx context.Context, path string) bool {
	name := filepath.Base(path)
	if !strings.HasPrefix(name, "sync-") {
		return true
	}
	tag, err := queue.ParseTag(strings.TrimPrefix(name, "sync-"))
	if err != nil {
		d.logger.Printf("Ignoring unknown spool marker %s", name)
		return true
	}

	// Removal is the claim: a marker withdrawn or already fired is gone.
	if err := os.Remove(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			d.logger.Printf("Warning: failed to consume %s: %v", name, err)
		}
		return true
	}

	select {
	case d.fired <- tag:
		return true
	case <-ctx.Done():
		return false
	case <-d.done:
		return false
	}
}
