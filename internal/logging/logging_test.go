package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fieldops/fieldsync/internal/config"
)

func TestOpen_Stderr(t *testing.T) {
	out, err := Open(config.LogConfig{})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if out.Writer() != os.Stderr {
		t.Error("expected stderr writer when no file is configured")
	}
	if err := out.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "fieldsync.log")

	out, err := Open(config.LogConfig{File: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	out.Logger("queue").Printf("recovered %d edits", 2)
	out.Logger("scheduler").Println("flush complete")
	if err := out.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	got := string(data)
	for _, want := range []string{"[queue] ", "recovered 2 edits", "[scheduler] ", "flush complete"} {
		if !strings.Contains(got, want) {
			t.Errorf("log missing %q:\n%s", want, got)
		}
	}
}
