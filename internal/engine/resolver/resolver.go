// Package resolver merges a local and a remote version of the same task and
// records every merge decision in the conflict log.
//
// The merge is timestamp priority at field level: the side with the strictly
// later UpdatedAt wins whole, and only fields the winner leaves absent are
// taken from the loser. Ties go to the local version. It does not attempt to
// find which individual fields changed.
package resolver

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fieldops/fieldsync/internal/schema"
)

// Policy selects which merges are written to the conflict log.
type Policy string

const (
	// PolicyAlways logs every merge, including merges of identical versions.
	PolicyAlways Policy = "always"
	// PolicyDivergent logs only merges whose versions differ in a business field.
	PolicyDivergent Policy = "divergent"
)

// ParsePolicy validates a policy name from configuration.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyAlways, PolicyDivergent:
		return Policy(s), nil
	case "":
		return PolicyAlways, nil
	}
	return "", fmt.Errorf("unknown conflict log policy %q (want %q or %q)", s, PolicyAlways, PolicyDivergent)
}

// Recorder persists conflict records. *conflictlog.Log satisfies it.
type Recorder interface {
	Append(ctx context.Context, rec schema.ConflictRecord) (schema.ConflictRecord, error)
}

// Config holds configuration for the resolver.
type Config struct {
	Policy Policy
	Logger *log.Logger
	Now    func() time.Time
}

// DefaultConfig returns the reference behaviour: log every merge.
func DefaultConfig() *Config {
	return &Config{
		Policy: PolicyAlways,
		Logger: log.New(os.Stderr, "[resolver] ", log.LstdFlags),
		Now:    time.Now,
	}
}

// Result describes one merge decision.
type Result struct {
	Merged    schema.Task
	Winner    schema.Side
	Divergent bool
	Logged    bool
}

// Resolver merges task versions.
type Resolver struct {
	recorder Recorder
	config   *Config
}

// New creates a resolver writing to recorder.
func New(recorder Recorder, config *Config) *Resolver {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Policy == "" {
		config.Policy = PolicyAlways
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[resolver] ", log.LstdFlags)
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Resolver{recorder: recorder, config: config}
}

// Merge computes the merged version without logging.
func Merge(local, remote schema.Task) (schema.Task, schema.Side) {
	if remote.UpdatedAt.After(local.UpdatedAt) {
		return schema.Overlay(local, remote), schema.SideRemote
	}
	return schema.Overlay(remote, local), schema.SideLocal
}

// Resolve merges local and remote and logs the decision according to the
// configured policy. The merged record is marked as a synced remote write.
//
// A logging failure is returned alongside a valid Result; the merge itself
// never fails.
func (r *Resolver) Resolve(ctx context.Context, local, remote schema.Task) (Result, error) {
	merged, winner := Merge(local, remote)
	merged.Origin = schema.OriginRemote
	merged.SyncStatus = schema.SyncSynced

	res := Result{
		Merged:    merged,
		Winner:    winner,
		Divergent: !schema.SameBusinessFields(local, remote),
	}

	if r.config.Policy == PolicyDivergent && !res.Divergent {
		return res, nil
	}

	_, err := r.recorder.Append(ctx, schema.ConflictRecord{
		TaskID:     local.ID,
		Local:      local.Clone(),
		Remote:     remote.Clone(),
		Resolved:   merged.Clone(),
		Winner:     winner,
		Divergent:  res.Divergent,
		DetectedAt: r.config.Now(),
	})
	if err != nil {
		r.config.Logger.Printf("WARNING: failed to log conflict for %s: %v", local.ID, err)
		return res, err
	}

	res.Logged = true
	return res, nil
}
