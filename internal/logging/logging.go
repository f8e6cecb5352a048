// Package logging sets up the process-wide log destination.
//
// Components keep their own *log.Logger with a bracketed prefix. This
// package only decides where those loggers write: stderr, a rotating file,
// or both.
package logging

import (
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the output destination.
type Options struct {
	// File receives all log output when set. It is rotated by size.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Quiet suppresses stderr output. File output is unaffected.
	Quiet bool
}

var (
	mu     sync.Mutex
	output io.Writer = os.Stderr
	rot    *lumberjack.Logger
)

// Setup points Output at the destination described by opts. Calling it
// again replaces the previous destination and closes any open log file.
func Setup(opts Options) {
	mu.Lock()
	defer mu.Unlock()

	if rot != nil {
		rot.Close()
		rot = nil
	}

	var writers []io.Writer
	if !opts.Quiet {
		writers = append(writers, os.Stderr)
	}
	if opts.File != "" {
		rot = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		writers = append(writers, rot)
	}

	switch len(writers) {
	case 0:
		output = io.Discard
	case 1:
		output = writers[0]
	default:
		output = io.MultiWriter(writers...)
	}
	log.SetOutput(output)
}

// Output returns the current destination.
func Output() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return output
}

// New returns a logger writing to Output with the given component name as
// a bracketed prefix.
func New(component string) *log.Logger {
	return log.New(Output(), "["+component+"] ", log.LstdFlags)
}

// Close flushes and closes the log file, if any, and reverts to stderr.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	output = os.Stderr
	log.SetOutput(os.Stderr)
	if rot == nil {
		return nil
	}
	err := rot.Close()
	rot = nil
	return err
}
