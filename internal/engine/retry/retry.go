// Package retry wraps outbound remote mutations with bounded retry.
//
// Each submitted job runs up to MaxAttempts times. The delay before attempt
// n+1 is n*BaseDelay. Jobs sharing a key run one at a time in submission
// order, so the newest mutation of a task always finishes last. Jobs with
// different keys run concurrently.
//
// A job, once started, is never cancelled; Wait drains outstanding work.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Config holds configuration for the controller.
type Config struct {
	// MaxAttempts is the total number of tries per job, including the first.
	MaxAttempts int

	// BaseDelay is multiplied by the attempt number to get the next delay.
	BaseDelay time.Duration

	// Serialize runs jobs sharing a key one at a time in FIFO order. When
	// false every job runs on its own goroutine and later jobs may finish
	// before earlier ones.
	Serialize bool

	// Retryable reports whether an error is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool

	// Logger for retry activity
	Logger *log.Logger
}

// DefaultConfig returns the reference policy: 3 attempts, 1s linear backoff.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Serialize:   true,
		Logger:      log.New(os.Stderr, "[retry] ", log.LstdFlags),
	}
}

// Op is one attempt at a remote mutation.
type Op func(ctx context.Context) error

// Outcome reports how a job finished.
type Outcome struct {
	// Err is nil on success, otherwise the error of the last attempt.
	Err error
	// Attempts is how many times the op ran.
	Attempts int
	// Exhausted is true when the job failed because it ran out of attempts,
	// as opposed to failing on an error that was not retryable.
	Exhausted bool
}

// Job is a unit of work submitted to the controller.
type Job struct {
	// Name describes the job in logs, e.g. "update t-1".
	Name string
	Op   Op
	// Done is called once with the final outcome. It runs on the
	// controller's goroutine, after which the next job for the key starts.
	Done func(Outcome)
}

type lane struct {
	queue   []Job
	running bool
}

// Controller runs jobs with retry.
type Controller struct {
	config *Config

	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup

	pending int
}

// New creates a controller.
func New(config *Config) *Controller {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[retry] ", log.LstdFlags)
	}
	return &Controller{
		config: config,
		lanes:  make(map[string]*lane),
	}
}

// Submit queues job under key and returns immediately.
func (c *Controller) Submit(key string, job Job) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.wg.Add(1)
	c.pending++

	if !c.config.Serialize {
		go func() {
			c.finish(job, c.Run(context.Background(), job.Name, job.Op))
		}()
		return
	}

	l, ok := c.lanes[key]
	if !ok {
		l = &lane{}
		c.lanes[key] = l
	}
	l.queue = append(l.queue, job)
	if !l.running {
		l.running = true
		go c.drain(key, l)
	}
}

// drain runs the jobs of one lane until it is empty.
func (c *Controller) drain(key string, l *lane) {
	for {
		c.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			delete(c.lanes, key)
			c.mu.Unlock()
			return
		}
		job := l.queue[0]
		l.queue = l.queue[1:]
		c.mu.Unlock()

		c.finish(job, c.Run(context.Background(), job.Name, job.Op))
	}
}

func (c *Controller) finish(job Job, out Outcome) {
	if job.Done != nil {
		job.Done(out)
	}

	c.mu.Lock()
	c.pending--
	c.mu.Unlock()
	c.wg.Done()
}

// Run executes op synchronously with the retry policy.
func (c *Controller) Run(ctx context.Context, name string, op Op) Outcome {
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				c.config.Logger.Printf("%s succeeded on attempt %d", name, attempt)
			}
			return Outcome{Attempts: attempt}
		}

		if c.config.Retryable != nil && !c.config.Retryable(err) {
			c.config.Logger.Printf("%s failed permanently on attempt %d: %v", name, attempt, err)
			return Outcome{Err: err, Attempts: attempt}
		}

		if attempt >= c.config.MaxAttempts {
			c.config.Logger.Printf("%s failed after %d attempts: %v", name, attempt, err)
			return Outcome{Err: err, Attempts: attempt, Exhausted: true}
		}

		delay := time.Duration(attempt) * c.config.BaseDelay
		c.config.Logger.Printf("%s attempt %d failed: %v (retrying in %v)", name, attempt, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Outcome{Err: fmt.Errorf("%s: %w", name, errors.Join(err, ctx.Err())), Attempts: attempt}
		case <-timer.C:
		}
	}
}

// Pending returns the number of submitted jobs that have not finished.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Wait blocks until every submitted job has finished or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
