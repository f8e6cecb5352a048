package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Change is a validated notification from the remote change stream. It is a
// closed union: Insert, Update and Delete are its only implementations.
type Change interface {
	// TaskID returns the identifier of the affected task.
	TaskID() string
	// Kind returns the wire name of the change.
	Kind() ChangeKind
	isChange()
}

// ChangeKind is the wire name of a change notification.
type ChangeKind string

const (
	KindInsert ChangeKind = "INSERT"
	KindUpdate ChangeKind = "UPDATE"
	KindDelete ChangeKind = "DELETE"
)

// Insert announces a task created on the remote store.
type Insert struct{ Record Task }

// Update announces a task modified on the remote store.
type Update struct{ Record Task }

// Delete announces a task removed from the remote store. Record carries the
// last known version, which may only hold the identifier.
type Delete struct{ Record Task }

func (c Insert) TaskID() string { return c.Record.ID }
func (c Update) TaskID() string { return c.Record.ID }
func (c Delete) TaskID() string { return c.Record.ID }

func (Insert) Kind() ChangeKind { return KindInsert }
func (Update) Kind() ChangeKind { return KindUpdate }
func (Delete) Kind() ChangeKind { return KindDelete }

func (Insert) isChange() {}
func (Update) isChange() {}
func (Delete) isChange() {}

// WireChange is the JSON shape pushed by the remote change channel.
type WireChange struct {
	EventType string `json:"eventType"`
	New       *Task  `json:"new,omitempty"`
	Old       *Task  `json:"old,omitempty"`
}

// ParseChange decodes and validates a raw notification. The record of an
// insert or update remembers which keys it arrived with, so a merge can tell
// a field the sender left out from one it cleared.
func ParseChange(data []byte) (Change, error) {
	var w WireChange
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	c, err := w.Change()
	if err != nil {
		return nil, err
	}

	var keys struct {
		New map[string]json.RawMessage `json:"new"`
	}
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	fields := make(FieldSet, len(keys.New))
	for k := range keys.New {
		fields[k] = true
	}

	switch c := c.(type) {
	case Insert:
		c.Record.Fields = fields
		return c, nil
	case Update:
		c.Record.Fields = fields
		return c, nil
	}
	return c, nil
}

// Change converts the wire shape into a typed change.
func (w WireChange) Change() (Change, error) {
	switch ChangeKind(strings.ToUpper(strings.TrimSpace(w.EventType))) {
	case KindInsert:
		if w.New == nil || w.New.ID == "" {
			return nil, fmt.Errorf("%w: insert without new record id", ErrInvalidChange)
		}
		return Insert{Record: *w.New}, nil
	case KindUpdate:
		if w.New == nil || w.New.ID == "" {
			return nil, fmt.Errorf("%w: update without new record id", ErrInvalidChange)
		}
		return Update{Record: *w.New}, nil
	case KindDelete:
		rec := w.Old
		if rec == nil || rec.ID == "" {
			rec = w.New
		}
		if rec == nil || rec.ID == "" {
			return nil, fmt.Errorf("%w: delete without record id", ErrInvalidChange)
		}
		return Delete{Record: *rec}, nil
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidChange, w.EventType)
	}
}

// ToWire converts a typed change into its JSON shape. old is optional and
// only used for updates.
func ToWire(c Change, old *Task) WireChange {
	switch c := c.(type) {
	case Insert:
		rec := c.Record
		return WireChange{EventType: string(KindInsert), New: &rec}
	case Update:
		rec := c.Record
		return WireChange{EventType: string(KindUpdate), New: &rec, Old: old}
	case Delete:
		rec := c.Record
		return WireChange{EventType: string(KindDelete), Old: &rec}
	}
	return WireChange{}
}
