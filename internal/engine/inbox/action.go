package inbox

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fieldops/fieldsync/internal/schema"
)

// ErrInvalidAction is returned for action files that cannot be applied.
var ErrInvalidAction = errors.New("invalid action")

// Verb names a store operation.
type Verb string

const (
	VerbCreate         Verb = "create"
	VerbUpdate         Verb = "update"
	VerbMove           Verb = "move"
	VerbDelete         Verb = "delete"
	VerbResubmit       Verb = "resubmit"
	VerbResubmitFailed Verb = "resubmit_failed"
)

// Action is the content of one action file.
type Action struct {
	Action Verb         `json:"action"`
	ID     string       `json:"id,omitempty"`
	Date   string       `json:"date,omitempty"`
	Fields schema.Patch `json:"fields,omitempty"`
}

// Result is written next to a processed action file.
type Result struct {
	OK    bool         `json:"ok"`
	Task  *schema.Task `json:"task,omitempty"`
	Count int          `json:"count,omitempty"`
	Error string       `json:"error,omitempty"`
}

// Store is the set of store operations an action can invoke.
// *store.Store satisfies it.
type Store interface {
	Create(fields schema.Patch) (schema.Task, error)
	Update(id string, patch schema.Patch) (schema.Task, error)
	Move(id, date string) (schema.Task, error)
	Delete(id string) error
	Resubmit(id string) error
	ResubmitFailed() int
}

// ParseAction decodes and validates an action file.
func ParseAction(data []byte) (Action, error) {
	var a Action
	if err := json.Unmarshal(data, &a); err != nil {
		return Action{}, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	switch a.Action {
	case VerbCreate:
		if a.Fields.IsEmpty() {
			return Action{}, fmt.Errorf("%w: create needs fields", ErrInvalidAction)
		}
	case VerbUpdate:
		if a.ID == "" || a.Fields.IsEmpty() {
			return Action{}, fmt.Errorf("%w: update needs id and fields", ErrInvalidAction)
		}
	case VerbMove:
		if a.ID == "" || a.Date == "" {
			return Action{}, fmt.Errorf("%w: move needs id and date", ErrInvalidAction)
		}
	case VerbDelete, VerbResubmit:
		if a.ID == "" {
			return Action{}, fmt.Errorf("%w: %s needs id", ErrInvalidAction, a.Action)
		}
	case VerbResubmitFailed:
	default:
		return Action{}, fmt.Errorf("%w: unknown action %q", ErrInvalidAction, a.Action)
	}
	return a, nil
}

// Apply runs the action against s.
func (a Action) Apply(s Store) Result {
	var (
		task schema.Task
		err  error
	)
	switch a.Action {
	case VerbCreate:
		task, err = s.Create(a.Fields)
	case VerbUpdate:
		task, err = s.Update(a.ID, a.Fields)
	case VerbMove:
		task, err = s.Move(a.ID, a.Date)
	case VerbDelete:
		err = s.Delete(a.ID)
	case VerbResubmit:
		err = s.Resubmit(a.ID)
	case VerbResubmitFailed:
		return Result{OK: true, Count: s.ResubmitFailed()}
	default:
		err = fmt.Errorf("%w: unknown action %q", ErrInvalidAction, a.Action)
	}

	if err != nil {
		return Result{Error: err.Error()}
	}
	res := Result{OK: true}
	if task.ID != "" {
		res.Task = &task
	}
	return res
}
