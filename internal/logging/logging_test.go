package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetup_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.log")
	Setup(Options{File: path, MaxSizeMB: 1, Quiet: true})
	defer Close()

	New("store").Printf("created task %s", "t-1")
	if err := Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if !strings.Contains(string(data), "[store] ") || !strings.Contains(string(data), "created task t-1") {
		t.Errorf("log file = %q", data)
	}
}

func TestSetup_QuietWithoutFileDiscards(t *testing.T) {
	Setup(Options{Quiet: true})
	defer Close()

	if Output() == os.Stderr {
		t.Error("Output() should not be stderr when quiet")
	}
	New("x").Print("dropped")
}
