// Package logging builds the writer and per-component loggers shared by the
// fieldsync commands.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fieldops/fieldsync/internal/config"
)

// Output is where every component logger writes.
type Output struct {
	w      io.Writer
	closer io.Closer
}

// Open returns stderr, or a size-rotated file when cfg.File is set.
func Open(cfg config.LogConfig) (*Output, error) {
	if cfg.File == "" {
		return &Output{w: os.Stderr}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	return &Output{w: lj, closer: lj}, nil
}

// Logger returns a logger tagged with component, e.g. "[queue] ".
func (o *Output) Logger(component string) *log.Logger {
	return log.New(o.w, "["+component+"] ", log.LstdFlags)
}

// Writer exposes the underlying writer.
func (o *Output) Writer() io.Writer {
	return o.w
}

// Close flushes and closes the log file, if any.
func (o *Output) Close() error {
	if o.closer == nil {
		return nil
	}
	return o.closer.Close()
}
