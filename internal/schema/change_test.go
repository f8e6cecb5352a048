package schema

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseChange(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantKind ChangeKind
		wantID   string
		wantErr  bool
	}{
		{
			name:     "insert upper case",
			payload:  `{"eventType":"INSERT","new":{"id":"a","title":"x"}}`,
			wantKind: KindInsert,
			wantID:   "a",
		},
		{
			name:     "update lower case",
			payload:  `{"eventType":"update","new":{"id":"b","title":"y"},"old":{"id":"b"}}`,
			wantKind: KindUpdate,
			wantID:   "b",
		},
		{
			name:     "delete from old",
			payload:  `{"eventType":"DELETE","old":{"id":"c"}}`,
			wantKind: KindDelete,
			wantID:   "c",
		},
		{
			name:     "delete falls back to new",
			payload:  `{"eventType":"DELETE","new":{"id":"d"}}`,
			wantKind: KindDelete,
			wantID:   "d",
		},
		{name: "update without record", payload: `{"eventType":"UPDATE"}`, wantErr: true},
		{name: "insert without id", payload: `{"eventType":"INSERT","new":{"title":"x"}}`, wantErr: true},
		{name: "unknown type", payload: `{"eventType":"TRUNCATE"}`, wantErr: true},
		{name: "not json", payload: `nope`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseChange([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseChange() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidChange) {
					t.Errorf("error %v is not ErrInvalidChange", err)
				}
				return
			}
			if c.Kind() != tt.wantKind {
				t.Errorf("Kind() = %s, want %s", c.Kind(), tt.wantKind)
			}
			if c.TaskID() != tt.wantID {
				t.Errorf("TaskID() = %s, want %s", c.TaskID(), tt.wantID)
			}
		})
	}
}

func TestToWire_ParsesBack(t *testing.T) {
	task := Task{ID: "t-9", Title: "Check pump", SyncStatus: SyncError}

	for _, c := range []Change{Insert{Record: task}, Update{Record: task}, Delete{Record: task}} {
		data, err := json.Marshal(ToWire(c, nil))
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		got, err := ParseChange(data)
		if err != nil {
			t.Fatalf("ParseChange(%s) error = %v", data, err)
		}
		if got.Kind() != c.Kind() || got.TaskID() != "t-9" {
			t.Errorf("round trip = %s/%s, want %s/t-9", got.Kind(), got.TaskID(), c.Kind())
		}
	}
}

func TestParseChange_RecordsPresentKeys(t *testing.T) {
	c, err := ParseChange([]byte(`{"eventType":"UPDATE","new":{"id":"a","title":"x","description":""}}`))
	if err != nil {
		t.Fatalf("ParseChange() error = %v", err)
	}
	rec := c.(Update).Record
	for _, key := range []string{"id", "title", "description"} {
		if !rec.Fields.Has(key) {
			t.Errorf("Fields missing %q", key)
		}
	}
	if rec.Fields.Has("date") {
		t.Error("Fields should not hold keys the sender left out")
	}

	// A full record marshals every business key, empty or not.
	data, err := json.Marshal(ToWire(Update{Record: Task{ID: "b", Title: "y"}}, nil))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	c, err = ParseChange(data)
	if err != nil {
		t.Fatalf("ParseChange(%s) error = %v", data, err)
	}
	if !c.(Update).Record.Fields.Has("description") {
		t.Errorf("empty description not transmitted: %s", data)
	}
}

func TestSyncStatusNeverTransmitted(t *testing.T) {
	task := Task{ID: "t-1", Title: "x", SyncStatus: SyncSyncing, Origin: OriginLocal}
	data, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	for _, key := range []string{"SyncStatus", "_status", "sync_status", "Origin", "origin"} {
		if _, ok := raw[key]; ok {
			t.Errorf("wire JSON carries local field %q: %s", key, data)
		}
	}
}
