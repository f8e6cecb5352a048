package feed

import (
	"encoding/json"
	"log"
	"time"

	"github.com/fieldops/fieldsync/internal/schema"
)

// MessageType defines the type of status feed message
type MessageType string

const (
	// MessageTypeSnapshot carries the full local task list
	MessageTypeSnapshot MessageType = "snapshot"

	// MessageTypeStatus carries the sync status counts
	MessageTypeStatus MessageType = "status"

	// MessageTypeConnection carries the change stream connection state
	MessageTypeConnection MessageType = "connection"

	// MessageTypeConflict carries a merge decision
	MessageTypeConflict MessageType = "conflict"
)

// Message represents a status feed broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SnapshotTask is a task as shown on the status feed, with its local sync
// metadata made visible.
type SnapshotTask struct {
	schema.Task
	SyncStatus schema.SyncStatus `json:"sync_status"`
	Origin     schema.Origin     `json:"origin"`
}

// ConnectionData contains the change stream connection state
type ConnectionData struct {
	State   string `json:"state"`
	Attempt int    `json:"attempt,omitempty"`
}

// StatusData contains sync status counts
type StatusData struct {
	Pending         int `json:"pending"`
	Synced          int `json:"synced"`
	Error           int `json:"error"`
	PendingDeletion int `json:"pending_deletion"`
	Total           int `json:"total"`
}

// NewMessage builds a message with the given payload.
func NewMessage(typ MessageType, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Timestamp: time.Now(), Data: raw}, nil
}

// Publisher formats engine events as status feed messages.
type Publisher struct {
	hub    *Hub
	logger *log.Logger
}

// NewPublisher creates a publisher broadcasting on hub.
func NewPublisher(hub *Hub, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.Default()
	}
	return &Publisher{hub: hub, logger: logger}
}

// Snapshot converts tasks for the status feed.
func Snapshot(tasks []schema.Task) []SnapshotTask {
	out := make([]SnapshotTask, len(tasks))
	for i, t := range tasks {
		out[i] = SnapshotTask{Task: t, SyncStatus: t.SyncStatus, Origin: t.Origin}
	}
	return out
}

// OnSnapshot publishes the full task list.
func (p *Publisher) OnSnapshot(tasks []schema.Task) {
	p.publish(MessageTypeSnapshot, Snapshot(tasks))
}

// OnStatus publishes sync status counts.
func (p *Publisher) OnStatus(data StatusData) {
	p.publish(MessageTypeStatus, data)
}

// OnConnection publishes a change stream state transition.
func (p *Publisher) OnConnection(state string, attempt int) {
	p.publish(MessageTypeConnection, ConnectionData{State: state, Attempt: attempt})
}

// OnConflict publishes a logged merge decision.
func (p *Publisher) OnConflict(rec schema.ConflictRecord) {
	p.publish(MessageTypeConflict, rec)
}

func (p *Publisher) publish(typ MessageType, data any) {
	msg, err := NewMessage(typ, data)
	if err != nil {
		p.logger.Printf("Failed to marshal %s message: %v", typ, err)
		return
	}
	if err := p.hub.BroadcastJSON(msg); err != nil {
		p.logger.Printf("Failed to broadcast %s message: %v", typ, err)
	}
}
