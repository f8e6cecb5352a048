package schema

import "time"

// Side names the version that won a merge.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// ConflictRecord is one entry of the conflict audit trail. Entries are
// append-only and never modified after they are written.
type ConflictRecord struct {
	ID         string    `json:"id" yaml:"id"`
	TaskID     string    `json:"task_id" yaml:"task_id"`
	Local      Task      `json:"local" yaml:"local"`
	Remote     Task      `json:"remote" yaml:"remote"`
	Resolved   Task      `json:"resolved" yaml:"resolved"`
	Winner     Side      `json:"winner" yaml:"winner"`
	Divergent  bool      `json:"divergent" yaml:"divergent"`
	DetectedAt time.Time `json:"detected_at" yaml:"detected_at"`
}
