// Package schema provides the task record model shared by the local store,
// the remote service and the change stream.
package schema

import (
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the wire format of a task's scheduled date.
const DateLayout = "2006-01-02"

// TimeLayout is the wire format of the start and end of a task's time window.
const TimeLayout = "15:04"

// Status is the business status of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Priority is the scheduling priority of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// SyncStatus tracks whether the latest local mutation of a record has been
// confirmed by the remote store. It is local-only and never transmitted.
type SyncStatus string

const (
	SyncSynced          SyncStatus = "synced"
	SyncSyncing         SyncStatus = "syncing"
	SyncError           SyncStatus = "error"
	SyncPendingDeletion SyncStatus = "pending_deletion"
)

// Origin records which side performed the last applied write.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Maintenance holds optional preventive-maintenance metadata.
type Maintenance struct {
	Kind            string `json:"kind,omitempty" yaml:"kind,omitempty"`
	IntervalDays    int    `json:"interval_days,omitempty" yaml:"interval_days,omitempty"`
	LastServiceDate string `json:"last_service_date,omitempty" yaml:"last_service_date,omitempty"`
	Notes           string `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// Task is the unit of synchronization.
//
// Business fields are always encoded, empty or not, so a record sent over the
// wire is complete unless its sender left keys out on purpose.
type Task struct {
	ID string `json:"id" yaml:"id"`

	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description,omitempty"`

	// Scheduling
	Date      string `json:"date" yaml:"date"`                                 // YYYY-MM-DD
	StartTime string `json:"start_time" yaml:"start_time,omitempty"` // HH:MM
	EndTime   string `json:"end_time" yaml:"end_time,omitempty"`     // HH:MM

	// References into the rest of the field-service data set
	TechnicianID string `json:"technician_id" yaml:"technician_id,omitempty"`
	ClientID     string `json:"client_id" yaml:"client_id,omitempty"`
	EquipmentID  string `json:"equipment_id" yaml:"equipment_id,omitempty"`

	Status   Status   `json:"status" yaml:"status,omitempty"`
	Priority Priority `json:"priority" yaml:"priority,omitempty"`

	Maintenance *Maintenance `json:"maintenance" yaml:"maintenance,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`

	// Local sync metadata
	SyncStatus SyncStatus `json:"-" yaml:"-"`
	Origin     Origin     `json:"-" yaml:"-"`

	// Fields lists the keys a partial record arrived with. Nil for a
	// complete record.
	Fields FieldSet `json:"-" yaml:"-"`
}

// FieldSet names the JSON keys present in a decoded record.
type FieldSet map[string]bool

// NewFieldSet returns a set holding keys.
func NewFieldSet(keys ...string) FieldSet {
	f := make(FieldSet, len(keys))
	for _, k := range keys {
		f[k] = true
	}
	return f
}

// Has reports whether key is present. A nil set holds every key.
func (f FieldSet) Has(key string) bool {
	return f == nil || f[key]
}

// NewID returns a fresh globally unique task identifier.
func NewID() string {
	return uuid.NewString()
}

// Validate checks that the task has a usable shape. Business rules beyond
// shape (phone formats, client existence) belong to the caller.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTask)
	}
	if t.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidTask)
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("%w: title must be 500 characters or less (got %d)", ErrInvalidTask, len(t.Title))
	}
	if t.Date != "" {
		if _, err := ParseDate(t.Date); err != nil {
			return err
		}
	}
	var start, end time.Time
	if t.StartTime != "" {
		s, err := time.Parse(TimeLayout, t.StartTime)
		if err != nil {
			return fmt.Errorf("%w: start_time %q is not HH:MM", ErrInvalidTask, t.StartTime)
		}
		start = s
	}
	if t.EndTime != "" {
		e, err := time.Parse(TimeLayout, t.EndTime)
		if err != nil {
			return fmt.Errorf("%w: end_time %q is not HH:MM", ErrInvalidTask, t.EndTime)
		}
		end = e
	}
	if t.StartTime != "" && t.EndTime != "" && !end.After(start) {
		return fmt.Errorf("%w: end_time must be after start_time", ErrInvalidTask)
	}
	if t.Status != "" && !t.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTask, t.Status)
	}
	if t.Priority != "" && !t.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, t.Priority)
	}
	return nil
}

// ParseDate parses a scheduled date in DateLayout.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q is not YYYY-MM-DD", ErrInvalidTask, s)
	}
	return d, nil
}

// SetDefaults applies default values for optional fields.
func (t *Task) SetDefaults(now time.Time) {
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	if t.Maintenance != nil {
		m := *t.Maintenance
		t.Maintenance = &m
	}
	return t
}

// Overlay returns top with every field it did not carry filled from base.
// It is the field-level half of the resolver's merge: the winning side is
// top, the losing side only contributes keys missing from top.Fields. An
// empty value that top did carry is kept. The result is a complete record.
func Overlay(base, top Task) Task {
	out := top.Clone()
	missing := func(key string) bool { return !top.Fields.Has(key) }
	fill := func(key string, dst *string, src string) {
		if missing(key) {
			*dst = src
		}
	}
	if out.ID == "" {
		out.ID = base.ID
	}
	fill("title", &out.Title, base.Title)
	fill("description", &out.Description, base.Description)
	fill("date", &out.Date, base.Date)
	fill("start_time", &out.StartTime, base.StartTime)
	fill("end_time", &out.EndTime, base.EndTime)
	fill("technician_id", &out.TechnicianID, base.TechnicianID)
	fill("client_id", &out.ClientID, base.ClientID)
	fill("equipment_id", &out.EquipmentID, base.EquipmentID)
	if missing("status") {
		out.Status = base.Status
	}
	if missing("priority") {
		out.Priority = base.Priority
	}
	if missing("maintenance") {
		out.Maintenance = nil
		if base.Maintenance != nil {
			m := *base.Maintenance
			out.Maintenance = &m
		}
	}
	if missing("created_at") || out.CreatedAt.IsZero() {
		out.CreatedAt = base.CreatedAt
	}
	if missing("updated_at") || out.UpdatedAt.IsZero() {
		out.UpdatedAt = base.UpdatedAt
	}
	if out.SyncStatus == "" {
		out.SyncStatus = base.SyncStatus
	}
	if out.Origin == "" {
		out.Origin = base.Origin
	}
	out.Fields = nil
	return out
}

// SameBusinessFields reports whether a and b agree on every business field.
// Timestamps and local sync metadata are ignored.
func SameBusinessFields(a, b Task) bool {
	return reflect.DeepEqual(businessView(a), businessView(b))
}

func businessView(t Task) Task {
	t = t.Clone()
	t.CreatedAt = time.Time{}
	t.UpdatedAt = time.Time{}
	t.SyncStatus = ""
	t.Origin = ""
	t.Fields = nil
	return t
}
