// Package stream subscribes to the remote change channel and feeds the
// local store.
//
// The subscriber holds a single websocket connection. Each message is
// decoded into a schema.Change; echoes of the store's own writes are dropped
// and everything else goes to ApplyRemote. Each new connection first lets
// the sink resync with the remote list. When the connection fails the
// subscriber reconnects with linear backoff and gives up, entering the
// disconnected state, after ReconnectAttempts consecutive failures.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/fieldops/fieldsync/internal/schema"
)

// ErrDisconnected is reported once the subscriber has given up reconnecting.
var ErrDisconnected = errors.New("change stream disconnected")

// State is the connection state of the subscriber.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
	StateClosed       State = "closed"
)

// Sink receives validated changes. *store.Store satisfies it.
type Sink interface {
	SuppressEcho(c schema.Change) bool
	ApplyRemote(ctx context.Context, c schema.Change) error
}

// Resyncer is a Sink that can catch up with the remote state. The change
// channel does not replay, so every time a connection is established the
// subscriber asks the sink to re-read what it may have missed while it was
// not connected. *store.Store satisfies it.
type Resyncer interface {
	Resync(ctx context.Context) error
}

// Config holds configuration for the subscriber.
type Config struct {
	// URL of the change channel, e.g. ws://localhost:8080/changes
	URL string

	// ReconnectAttempts is how many consecutive reconnects are tried before
	// the subscriber gives up.
	ReconnectAttempts int

	// ReconnectBaseDelay is multiplied by the attempt number to get the
	// delay before a reconnect, capped at ReconnectMaxDelay.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	// DialTimeout bounds each connection attempt
	DialTimeout time.Duration

	// Logger for stream activity
	Logger *log.Logger
}

// DefaultConfig returns the reference reconnect policy: 3 attempts, delays
// of 1s, 2s and 3s.
func DefaultConfig() *Config {
	return &Config{
		ReconnectAttempts:  3,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  3 * time.Second,
		DialTimeout:        10 * time.Second,
		Logger:             log.New(os.Stderr, "[stream] ", log.LstdFlags),
	}
}

// Backoff returns the delay before reconnect attempt n (1-based).
func Backoff(n int, base, limit time.Duration) time.Duration {
	d := time.Duration(n) * base
	if d > limit {
		return limit
	}
	return d
}

// Stats counts processed messages.
type Stats struct {
	Received   int64
	Applied    int64
	Suppressed int64
	Dropped    int64
	Resyncs    int64
}

// StateListener is called on every state transition. attempt is the
// reconnect attempt number for StateReconnecting and the number of failed
// attempts for StateDisconnected.
type StateListener func(state State, attempt int)

// Subscriber maintains the change stream subscription.
type Subscriber struct {
	sink   Sink
	config *Config

	mu        sync.Mutex
	state     State
	err       error
	listeners []StateListener

	received   atomic.Int64
	applied    atomic.Int64
	suppressed atomic.Int64
	dropped    atomic.Int64
	resyncs    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// New creates a subscriber. Call Start to connect.
func New(sink Sink, config *Config) (*Subscriber, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	if config == nil || config.URL == "" {
		return nil, fmt.Errorf("change stream URL cannot be empty")
	}
	defaults := DefaultConfig()
	if config.ReconnectAttempts < 0 {
		config.ReconnectAttempts = 0
	}
	if config.ReconnectBaseDelay <= 0 {
		config.ReconnectBaseDelay = defaults.ReconnectBaseDelay
	}
	if config.ReconnectMaxDelay <= 0 {
		config.ReconnectMaxDelay = defaults.ReconnectMaxDelay
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaults.DialTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Subscriber{
		sink:   sink,
		config: config,
		state:  StateIdle,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

// OnStateChange registers l for state transitions. Register before Start to
// see every transition.
func (s *Subscriber) OnStateChange(l StateListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// State returns the current connection state.
func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns ErrDisconnected after the subscriber gave up, nil otherwise.
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the subscriber stops, either by Stop or by giving up.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Stats returns message counters.
func (s *Subscriber) Stats() Stats {
	return Stats{
		Received:   s.received.Load(),
		Applied:    s.applied.Load(),
		Suppressed: s.suppressed.Load(),
		Dropped:    s.dropped.Load(),
		Resyncs:    s.resyncs.Load(),
	}
}

// Start connects in the background and returns immediately.
func (s *Subscriber) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop closes the subscription and waits for the background loop.
func (s *Subscriber) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Subscriber) setState(state State, attempt int, err error) {
	s.mu.Lock()
	if s.state == state && state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.state = state
	if err != nil {
		s.err = err
	}
	listeners := append([]StateListener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l(state, attempt)
	}
}

func (s *Subscriber) run() {
	defer s.wg.Done()
	defer close(s.done)

	s.setState(StateConnecting, 0, nil)

	failures := 0
	for {
		connected, err := s.session()
		if s.ctx.Err() != nil {
			s.setState(StateClosed, 0, nil)
			return
		}
		if connected {
			failures = 0
		}
		failures++

		if failures > s.config.ReconnectAttempts {
			s.config.Logger.Printf("Giving up after %d failed attempt(s): %v", failures, err)
			s.setState(StateDisconnected, failures, ErrDisconnected)
			return
		}

		delay := Backoff(failures, s.config.ReconnectBaseDelay, s.config.ReconnectMaxDelay)
		s.config.Logger.Printf("Connection lost: %v (reconnect %d/%d in %v)", err, failures, s.config.ReconnectAttempts, delay)
		s.setState(StateReconnecting, failures, nil)

		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			s.setState(StateClosed, 0, nil)
			return
		case <-timer.C:
		}
	}
}

// session dials once and reads until the connection fails. connected
// reports whether the dial succeeded.
func (s *Subscriber) session() (connected bool, err error) {
	dialCtx, cancel := context.WithTimeout(s.ctx, s.config.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, s.config.URL, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", s.config.URL, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	s.config.Logger.Printf("Subscribed to %s", s.config.URL)

	// Changes published from here on queue on the connection, so a re-read
	// now closes the gap since the last session.
	if r, ok := s.sink.(Resyncer); ok {
		if err := r.Resync(s.ctx); err != nil {
			s.config.Logger.Printf("Warning: resync after connect: %v", err)
		}
		s.resyncs.Add(1)
	}
	s.setState(StateConnected, 0, nil)

	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			return true, err
		}
		s.handle(data)
	}
}

func (s *Subscriber) handle(data []byte) {
	s.received.Add(1)

	change, err := schema.ParseChange(data)
	if err != nil {
		s.dropped.Add(1)
		s.config.Logger.Printf("Dropping invalid change: %v", err)
		return
	}

	if s.sink.SuppressEcho(change) {
		s.suppressed.Add(1)
		return
	}

	if err := s.sink.ApplyRemote(s.ctx, change); err != nil {
		s.config.Logger.Printf("Warning: applying %s %s: %v", change.Kind(), change.TaskID(), err)
	}
	s.applied.Add(1)
}
