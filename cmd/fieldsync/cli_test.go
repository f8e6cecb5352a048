package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fieldops/fieldsync/internal/schema"
	"github.com/fieldops/fieldsync/internal/ui"
)

func TestResolveID(t *testing.T) {
	tasks := []schema.Task{
		{ID: "a1b2c3d4-0000"},
		{ID: "a1b2ffff-0000"},
		{ID: "9999"},
	}

	tests := []struct {
		prefix  string
		want    string
		wantErr string
	}{
		{prefix: "9999", want: "9999"},
		{prefix: "a1b2c", want: "a1b2c3d4-0000"},
		{prefix: "a1b2", wantErr: "ambiguous"},
		{prefix: "zz", wantErr: "no task"},
	}

	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			got, err := resolveID(tasks, tt.prefix)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("resolveID(%q) error = %v, want %q", tt.prefix, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveID(%q) failed: %v", tt.prefix, err)
			}
			if got != tt.want {
				t.Errorf("resolveID(%q) = %q, want %q", tt.prefix, got, tt.want)
			}
		})
	}
}

func TestPatchFromFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "x"}
	addFieldFlags(cmd)
	if err := cmd.Flags().Parse([]string{"--date", "2024-05-01", "--priority", "high", "--technician", ""}); err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	p, err := patchFromFlags(cmd)
	if err != nil {
		t.Fatalf("patchFromFlags() failed: %v", err)
	}
	if p.Date == nil || *p.Date != "2024-05-01" {
		t.Errorf("Date = %v", p.Date)
	}
	if p.Priority == nil || *p.Priority != schema.PriorityHigh {
		t.Errorf("Priority = %v", p.Priority)
	}
	if p.TechnicianID == nil || *p.TechnicianID != "" {
		t.Error("an explicitly empty flag should clear the field")
	}
	if p.Description != nil || p.Status != nil {
		t.Error("unset flags should stay absent")
	}

	bad := &cobra.Command{Use: "x"}
	addFieldFlags(bad)
	bad.Flags().Parse([]string{"--status", "done"})
	if _, err := patchFromFlags(bad); err == nil {
		t.Error("patchFromFlags() should reject an unknown status")
	}
}

func TestExportConflicts(t *testing.T) {
	records := []schema.ConflictRecord{{
		ID:         "c-1",
		TaskID:     "t-1",
		Local:      schema.Task{ID: "t-1", Title: "old"},
		Remote:     schema.Task{ID: "t-1", Title: "new"},
		Resolved:   schema.Task{ID: "t-1", Title: "new"},
		Winner:     schema.SideRemote,
		Divergent:  true,
		DetectedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}}

	var buf bytes.Buffer
	if err := exportConflicts(&buf, records, "yaml"); err != nil {
		t.Fatalf("exportConflicts() failed: %v", err)
	}
	var decoded []schema.ConflictRecord
	if err := yaml.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("yaml.Unmarshal() failed: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Winner != schema.SideRemote || decoded[0].Resolved.Title != "new" {
		t.Errorf("decoded = %+v", decoded)
	}

	buf.Reset()
	if err := exportConflicts(&buf, records, "json"); err != nil {
		t.Fatalf("exportConflicts(json) failed: %v", err)
	}
	if !strings.Contains(buf.String(), `"winner": "remote"`) {
		t.Errorf("json export = %s", buf.String())
	}

	if err := exportConflicts(&buf, records, "csv"); err == nil {
		t.Error("exportConflicts() should reject unknown formats")
	}
}

func TestRenderTasks(t *testing.T) {
	ui.DisableColor()

	var buf bytes.Buffer
	renderTasks(&buf, []schema.Task{{
		ID:         "0123456789abcdef",
		Title:      "Replace filter",
		Date:       "2024-03-01",
		StartTime:  "09:00",
		EndTime:    "10:30",
		SyncStatus: schema.SyncError,
	}})

	out := buf.String()
	for _, want := range []string{"01234567", "Replace filter", "09:00-10:30", "error"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "0123456789abcdef") {
		t.Error("ids should be shortened in the table")
	}
}
