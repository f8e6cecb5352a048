// Package loadtest drives a store with many simulated technicians editing
// tasks at once and checks that local and remote state converge.
//
// Each technician creates its own tasks, then edits, reschedules and
// occasionally deletes them as fast as the store accepts calls. The
// confirm latency of an edit is the time from the local call until the
// record is next seen synced (or, for a delete, gone).
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/fieldops/fieldsync/internal/engine/store"
	"github.com/fieldops/fieldsync/internal/schema"
)

// Lister reads the remote task list. *remote.Client satisfies it.
type Lister interface {
	List(ctx context.Context) ([]schema.Task, error)
}

// Options controls the simulated workload.
type Options struct {
	Technicians        int
	TasksPerTechnician int
	EditsPerTechnician int
	// DeleteRatio is the fraction of edits that delete a task.
	DeleteRatio float64
	// Seed makes the edit sequence reproducible.
	Seed int64
}

// DefaultOptions returns a modest workload.
func DefaultOptions() Options {
	return Options{
		Technicians:        10,
		TasksPerTechnician: 5,
		EditsPerTechnician: 20,
		DeleteRatio:        0.05,
		Seed:               42,
	}
}

// LatencyStats captures confirm latency percentiles.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration
	P95       time.Duration
	P99       time.Duration
	Confirmed int
	Durations []time.Duration
}

// Report is the outcome of a run.
type Report struct {
	Created int
	Updated int
	Moved   int
	Deleted int
	// Rejected counts calls the store refused, e.g. edits racing a delete.
	Rejected int
	Failed   int // records left in error status

	Elapsed time.Duration
	Latency *LatencyStats

	Converged  bool
	Mismatches []string
}

// Ops returns the number of accepted store calls.
func (r *Report) Ops() int {
	return r.Created + r.Updated + r.Moved + r.Deleted
}

// confirmTracker timestamps unconfirmed edits and records their latency
// when a snapshot shows them confirmed.
type confirmTracker struct {
	mu        sync.Mutex
	started   map[string]time.Time
	deleted   map[string]bool
	durations []time.Duration
}

func newConfirmTracker() *confirmTracker {
	return &confirmTracker{
		started: make(map[string]time.Time),
		deleted: make(map[string]bool),
	}
}

// begin marks id as having an unconfirmed edit. An earlier unconfirmed
// edit keeps its start time.
func (c *confirmTracker) begin(id string, deleting bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.started[id]; !ok {
		c.started[id] = time.Now()
	}
	if deleting {
		c.deleted[id] = true
	}
}

func (c *confirmTracker) observe(tasks []schema.Task) {
	now := time.Now()
	present := make(map[string]schema.SyncStatus, len(tasks))
	for _, t := range tasks {
		present[t.ID] = t.SyncStatus
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, start := range c.started {
		st, ok := present[id]
		confirmed := (c.deleted[id] && !ok) || (!c.deleted[id] && st == schema.SyncSynced)
		if confirmed {
			c.durations = append(c.durations, now.Sub(start))
			delete(c.started, id)
			delete(c.deleted, id)
		}
	}
}

func (c *confirmTracker) results() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.durations...)
}

// Run executes the workload against s, waits for every mutation to finish,
// then compares the store with the remote list.
func Run(ctx context.Context, s *store.Store, remote Lister, opts Options) (*Report, error) {
	if opts.Technicians <= 0 || opts.TasksPerTechnician <= 0 {
		return nil, fmt.Errorf("technicians and tasks per technician must be positive")
	}

	tracker := newConfirmTracker()
	unsubscribe := s.Subscribe(tracker.observe)
	defer unsubscribe()

	report := &Report{}
	var mu sync.Mutex
	count := func(field *int) {
		mu.Lock()
		*field++
		mu.Unlock()
	}

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < opts.Technicians; i++ {
		wg.Add(1)
		go func(tech int) {
			defer wg.Done()
			technician(ctx, s, tracker, opts, tech, report, count)
		}(i)
	}
	wg.Wait()

	if err := s.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for mutations: %w", err)
	}
	report.Elapsed = time.Since(start)

	// The last completion may not have been observed yet if its snapshot is
	// still being delivered.
	tracker.observe(s.List())
	report.Latency = computeLatencyStats(tracker.results())

	if err := verify(ctx, s, remote, report); err != nil {
		return nil, err
	}
	return report, nil
}

func technician(ctx context.Context, s *store.Store, tracker *confirmTracker, opts Options, tech int, report *Report, count func(*int)) {
	rng := rand.New(rand.NewSource(opts.Seed + int64(tech)))
	techID := fmt.Sprintf("tech-%03d", tech)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var ids []string
	for j := 0; j < opts.TasksPerTechnician; j++ {
		title := fmt.Sprintf("Visit %d for %s", j, techID)
		date := base.AddDate(0, 0, rng.Intn(30)).Format(schema.DateLayout)
		task, err := s.Create(schema.Patch{Title: &title, Date: &date, TechnicianID: &techID})
		if err != nil {
			count(&report.Rejected)
			continue
		}
		tracker.begin(task.ID, false)
		count(&report.Created)
		ids = append(ids, task.ID)
	}

	for j := 0; j < opts.EditsPerTechnician && len(ids) > 0; j++ {
		if ctx.Err() != nil {
			return
		}
		k := rng.Intn(len(ids))
		id := ids[k]

		switch r := rng.Float64(); {
		case r < opts.DeleteRatio:
			tracker.begin(id, true)
			if err := s.Delete(id); err != nil {
				count(&report.Rejected)
				continue
			}
			count(&report.Deleted)
			ids = append(ids[:k], ids[k+1:]...)
		case r < 0.5:
			tracker.begin(id, false)
			date := base.AddDate(0, 0, rng.Intn(30)).Format(schema.DateLayout)
			if _, err := s.Move(id, date); err != nil {
				count(&report.Rejected)
				continue
			}
			count(&report.Moved)
		default:
			tracker.begin(id, false)
			desc := fmt.Sprintf("edit %d by %s", j, techID)
			if _, err := s.Update(id, schema.Patch{Description: &desc}); err != nil {
				count(&report.Rejected)
				continue
			}
			count(&report.Updated)
		}
	}
}

// verify compares business fields of every local record with the remote
// copy. Records left in error status are counted and skipped.
func verify(ctx context.Context, s *store.Store, remote Lister, report *Report) error {
	remoteTasks, err := remote.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list remote tasks: %w", err)
	}
	byID := make(map[string]schema.Task, len(remoteTasks))
	for _, t := range remoteTasks {
		byID[t.ID] = t
	}

	local := s.List()
	seen := make(map[string]bool, len(local))
	for _, t := range local {
		seen[t.ID] = true
		if t.SyncStatus == schema.SyncError {
			report.Failed++
			continue
		}
		rt, ok := byID[t.ID]
		switch {
		case !ok:
			report.Mismatches = append(report.Mismatches, fmt.Sprintf("%s missing on remote", t.ID))
		case !schema.SameBusinessFields(t, rt):
			report.Mismatches = append(report.Mismatches, fmt.Sprintf("%s differs from remote", t.ID))
		}
	}
	for _, t := range remoteTasks {
		if !seen[t.ID] {
			report.Mismatches = append(report.Mismatches, fmt.Sprintf("%s only on remote", t.ID))
		}
	}
	sort.Strings(report.Mismatches)
	report.Converged = len(report.Mismatches) == 0
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Confirmed: len(durations),
		Durations: sorted,
	}
}

// WriteStats formats latency statistics.
func (s *LatencyStats) WriteStats(w io.Writer) {
	fmt.Fprintf(w, "Confirm latency:\n")
	fmt.Fprintf(w, "  Confirmed:     %d\n", s.Confirmed)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
