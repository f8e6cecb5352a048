// Package inbox turns JSON action files dropped into a directory into store
// operations. It is a headless front end: any tool that can write a file
// can create, edit, move or delete tasks.
//
// Each *.json file in the inbox holds one Action. Once a file has been quiet
// for DebounceInterval it is applied and moved to processed/ (or failed/),
// with a <name>.result.json describing the outcome.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// Config holds configuration for the inbox.
type Config struct {
	// DebounceInterval is how long a file must be unchanged before it is
	// read, so half-written files are not picked up.
	DebounceInterval time.Duration

	// Logger for inbox activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[inbox] ", log.LstdFlags),
	}
}

// Inbox applies action files from a directory to a store.
type Inbox struct {
	store  Store
	dir    string
	config *Config

	watcher *Watcher

	changeQueue   map[string]time.Time
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an inbox on dir, creating the directory if needed.
func New(s Store, dir string, config *Config) (*Inbox, error) {
	if s == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if dir == "" {
		return nil, fmt.Errorf("inbox directory cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 100 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[inbox] ", log.LstdFlags)
	}

	for _, sub := range []string{"", processedDir, failedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create inbox directory: %w", err)
		}
	}

	watcher, err := NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		store:       s,
		dir:         dir,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start queues files already in the inbox and begins watching for new ones.
func (in *Inbox) Start() error {
	if err := in.watcher.Start(in.dir); err != nil {
		return err
	}

	existing, err := filepath.Glob(filepath.Join(in.dir, "*.json"))
	if err != nil {
		return fmt.Errorf("failed to scan inbox: %w", err)
	}
	for _, path := range existing {
		abs, _ := filepath.Abs(path)
		in.queueChange(abs)
	}

	in.config.Logger.Printf("Watching inbox %s", in.dir)

	in.wg.Add(2)
	go in.watchEvents()
	go in.processChangeQueue()
	return nil
}

// Stop ends watching. Files still queued are left in the inbox.
func (in *Inbox) Stop() error {
	in.cancel()
	err := in.watcher.Stop()
	in.wg.Wait()
	return err
}

func (in *Inbox) watchEvents() {
	defer in.wg.Done()

	for {
		select {
		case <-in.ctx.Done():
			return

		case path, ok := <-in.watcher.Events():
			if !ok {
				return
			}
			in.queueChange(path)

		case err, ok := <-in.watcher.Errors():
			if !ok {
				return
			}
			in.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (in *Inbox) queueChange(path string) {
	in.changeQueueMu.Lock()
	defer in.changeQueueMu.Unlock()
	in.changeQueue[path] = time.Now()
}

func (in *Inbox) processChangeQueue() {
	defer in.wg.Done()

	ticker := time.NewTicker(in.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-in.ctx.Done():
			return
		case <-ticker.C:
			in.processPendingChanges()
		}
	}
}

// processPendingChanges applies files that have been quiet long enough, in
// name order so that sequenced file names apply in sequence.
func (in *Inbox) processPendingChanges() {
	in.changeQueueMu.Lock()
	now := time.Now()
	var ready []string
	for path, queuedAt := range in.changeQueue {
		if now.Sub(queuedAt) < in.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(in.changeQueue, path)
	}
	in.changeQueueMu.Unlock()

	sort.Strings(ready)
	for _, path := range ready {
		if err := in.ProcessFile(path); err != nil {
			in.config.Logger.Printf("Error processing %s: %v", filepath.Base(path), err)
		}
	}
}

// ProcessFile applies one action file and files it away with its result.
// A file that no longer exists is ignored.
func (in *Inbox) ProcessFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read action file: %w", err)
	}

	var res Result
	action, err := ParseAction(data)
	if err != nil {
		res = Result{Error: err.Error()}
	} else {
		res = action.Apply(in.store)
	}

	dest := processedDir
	if !res.OK {
		dest = failedDir
		in.config.Logger.Printf("Action %s failed: %s", filepath.Base(path), res.Error)
	} else {
		in.config.Logger.Printf("Applied %s from %s", action.Action, filepath.Base(path))
	}

	name := filepath.Base(path)
	target := filepath.Join(in.dir, dest, name)
	if err := os.Rename(path, target); err != nil {
		return fmt.Errorf("failed to move action file: %w", err)
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	resultPath := filepath.Join(in.dir, dest, strings.TrimSuffix(name, ".json")+".result.json")
	if err := os.WriteFile(resultPath, append(out, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}
