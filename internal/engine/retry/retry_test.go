package retry

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errPermanent = errors.New("permanent")

func testController(t *testing.T) *Controller {
	t.Helper()
	return New(&Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Serialize:   true,
		Retryable:   func(err error) bool { return !errors.Is(err, errPermanent) },
		Logger:      log.New(io.Discard, "", 0),
	})
}

func waitFor(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}
}

func TestRun(t *testing.T) {
	flaky := errors.New("flaky")

	tests := []struct {
		name          string
		failures      int
		err           error
		wantAttempts  int
		wantErr       bool
		wantExhausted bool
	}{
		{name: "first try", failures: 0, err: flaky, wantAttempts: 1},
		{name: "succeeds on third", failures: 2, err: flaky, wantAttempts: 3},
		{name: "exhausted", failures: 5, err: flaky, wantAttempts: 3, wantErr: true, wantExhausted: true},
		{name: "permanent stops early", failures: 5, err: errPermanent, wantAttempts: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testController(t)
			calls := 0
			out := c.Run(context.Background(), "op", func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			})

			if out.Attempts != tt.wantAttempts || calls != tt.wantAttempts {
				t.Errorf("Attempts = %d (calls %d), want %d", out.Attempts, calls, tt.wantAttempts)
			}
			if (out.Err != nil) != tt.wantErr {
				t.Errorf("Err = %v, wantErr %v", out.Err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(out.Err, tt.err) {
				t.Errorf("Err = %v, want last error %v", out.Err, tt.err)
			}
			if out.Exhausted != tt.wantExhausted {
				t.Errorf("Exhausted = %v, want %v", out.Exhausted, tt.wantExhausted)
			}
		})
	}
}

func TestRun_LinearBackoff(t *testing.T) {
	c := New(&Config{
		MaxAttempts: 3,
		BaseDelay:   20 * time.Millisecond,
		Logger:      log.New(io.Discard, "", 0),
	})

	var stamps []time.Time
	c.Run(context.Background(), "op", func(context.Context) error {
		stamps = append(stamps, time.Now())
		return errors.New("down")
	})

	if len(stamps) != 3 {
		t.Fatalf("attempts = %d, want 3", len(stamps))
	}
	if gap := stamps[1].Sub(stamps[0]); gap < 20*time.Millisecond {
		t.Errorf("first delay = %v, want >= 20ms", gap)
	}
	if gap := stamps[2].Sub(stamps[1]); gap < 40*time.Millisecond {
		t.Errorf("second delay = %v, want >= 40ms", gap)
	}
}

func TestRun_ContextCancelledDuringBackoff(t *testing.T) {
	c := New(&Config{MaxAttempts: 3, BaseDelay: time.Hour, Logger: log.New(io.Discard, "", 0)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := c.Run(ctx, "op", func(context.Context) error { return errors.New("down") })
	if !errors.Is(out.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", out.Err)
	}
	if out.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", out.Attempts)
	}
}

func TestSubmit_SameKeyRunsInOrder(t *testing.T) {
	c := testController(t)

	var mu sync.Mutex
	var order []int
	var running int32

	for i := 0; i < 5; i++ {
		i := i
		c.Submit("t-1", Job{
			Name: "update",
			Op: func(context.Context) error {
				if atomic.AddInt32(&running, 1) > 1 {
					t.Errorf("job %d overlapped with another job for the same key", i)
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			},
			Done: func(Outcome) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			},
		})
	}

	waitFor(t, c)

	for i, got := range order {
		if got != i {
			t.Fatalf("completion order = %v, want submission order", order)
		}
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after Wait", c.Pending())
	}
}

func TestSubmit_DistinctKeysRunConcurrently(t *testing.T) {
	c := testController(t)

	release := make(chan struct{})
	started := make(chan string, 2)

	for _, key := range []string{"a", "b"} {
		key := key
		c.Submit(key, Job{
			Name: key,
			Op: func(context.Context) error {
				started <- key
				<-release
				return nil
			},
		})
	}

	timeout := time.After(2 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-timeout:
			t.Fatal("jobs for distinct keys did not start concurrently")
		}
	}
	if c.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", c.Pending())
	}
	close(release)
	waitFor(t, c)
}

func TestSubmit_DoneReceivesLastError(t *testing.T) {
	c := testController(t)
	boom := errors.New("boom")

	var got Outcome
	c.Submit("t-1", Job{
		Name: "insert",
		Op:   func(context.Context) error { return boom },
		Done: func(out Outcome) { got = out },
	})
	waitFor(t, c)

	if !errors.Is(got.Err, boom) || got.Attempts != 3 || !got.Exhausted {
		t.Errorf("outcome = %+v, want exhausted with boom after 3 attempts", got)
	}
}

func TestWait_ContextDeadline(t *testing.T) {
	c := testController(t)
	release := make(chan struct{})
	defer close(release)

	c.Submit("t-1", Job{Name: "slow", Op: func(context.Context) error { <-release; return nil }})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := c.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() = %v, want deadline exceeded", err)
	}
}

// Without serialization a later job for the same key can finish first,
// which is the ordering race of the unserialized policy. Submit itself
// never waits for the op.
func TestSubmit_UnserializedAllowsReordering(t *testing.T) {
	c := New(&Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Serialize:   false,
		Logger:      log.New(io.Discard, "", 0),
	})

	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	submitted := make(chan struct{})
	go func() {
		defer close(submitted)
		c.Submit("t-1", Job{
			Name: "first",
			Op: func(context.Context) error {
				<-release
				return nil
			},
			Done: func(Outcome) { record("first") },
		})
		c.Submit("t-1", Job{
			Name: "second",
			Op:   func(context.Context) error { return nil },
			Done: func(Outcome) {
				record("second")
				close(release)
			},
		})
	}()

	select {
	case <-submitted:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked on a running op")
	}

	waitFor(t, c)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "second" {
		t.Errorf("completion order = %v, want second before first", order)
	}
}
