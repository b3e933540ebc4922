// Package breaker implements the failure-window circuit breaker that
// fences every fallible downstream call (side cache, object store,
// relational store).
//
// Unlike sony/gobreaker, which counts failures over generational
// intervals, this breaker keeps a trailing window of failure
// timestamps so it can open within failure_window of the Nth failure,
// and it supports manual Trip/Reset for maintenance.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// State is the breaker state machine position.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned (wrapped in *OpenError) when a call is rejected
// because the breaker is open.
var ErrOpen = errors.New("circuit open")

// OpenError carries the remaining time until the next half-open probe.
type OpenError struct {
	Name    string
	RetryIn time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %s open, retry in %s", e.Name, e.RetryIn)
}

func (e *OpenError) Unwrap() error { return ErrOpen }

// IsOpen reports whether err is a breaker rejection.
func IsOpen(err error) bool { return errors.Is(err, ErrOpen) }

// Config defines the breaker thresholds.
type Config struct {
	Name             string        `yaml:"name"`
	FailureThreshold int           `yaml:"failure_threshold"` // failures within the window to open
	FailureWindow    time.Duration `yaml:"failure_window"`    // trailing window for failure counting
	OpenDuration     time.Duration `yaml:"open_duration"`     // how long to stay open
	SuccessThreshold int           `yaml:"success_threshold"` // consecutive successes to close from half-open

	// IsCounted decides whether an error is recorded as a failure.
	// Nil counts every non-nil error. Errors that are not counted pass
	// through without affecting the state machine.
	IsCounted func(error) bool `yaml:"-"`
}

// Stats is a point-in-time snapshot of the breaker counters.
type Stats struct {
	State               State
	TotalCalls          uint64
	SuccessfulCalls     uint64
	FailedCalls         uint64
	RejectedCalls       uint64
	ConsecutiveFailures int
	LastFailure         time.Time
	LastSuccess         time.Time
}

// StateChange notifies subscribers of a transition.
type StateChange struct {
	Name string
	From State
	To   State
	At   time.Time
}

// Breaker is a named circuit breaker. A single lock covers transitions;
// the call counters are atomic so observation never blocks callers.
type Breaker struct {
	cfg Config

	mu           sync.Mutex
	state        State
	failures     []time.Time // trailing window, pruned on record
	openedAt     time.Time
	halfOpenHits int // consecutive successes while half-open
	consecFails  int
	lastFailure  time.Time
	lastSuccess  time.Time
	subscribers  []func(StateChange)

	total    atomic.Uint64
	success  atomic.Uint64
	failed   atomic.Uint64
	rejected atomic.Uint64

	now func() time.Time // test hook
}

// New creates a breaker from cfg, applying defaults for zero values.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 30 * time.Second
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 15 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &Breaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Subscribe registers a state-change callback. Register before the
// breaker goes under load; notifications are best-effort and must not
// block, so they run on their own goroutine.
func (b *Breaker) Subscribe(fn func(StateChange)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

// Execute runs fn through the breaker. If the breaker is open the call
// is rejected immediately with an *OpenError and fn is never invoked.
func (b *Breaker) Execute(fn func() error) error {
	if retryIn, open := b.allow(); open {
		b.rejected.Add(1)
		return &OpenError{Name: b.cfg.Name, RetryIn: retryIn}
	}

	b.total.Add(1)
	err := fn()
	if err != nil && (b.cfg.IsCounted == nil || b.cfg.IsCounted(err)) {
		b.recordFailure()
		return err
	}
	if err == nil {
		b.recordSuccess()
	}
	return err
}

// allow checks admission, lazily moving OPEN -> HALF_OPEN once the
// open duration has elapsed.
func (b *Breaker) allow() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return 0, false
	}
	elapsed := b.now().Sub(b.openedAt)
	if elapsed >= b.cfg.OpenDuration {
		b.transition(StateHalfOpen)
		return 0, false
	}
	return b.cfg.OpenDuration - elapsed, true
}

func (b *Breaker) recordSuccess() {
	b.success.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSuccess = b.now()
	b.consecFails = 0

	if b.state == StateHalfOpen {
		b.halfOpenHits++
		if b.halfOpenHits >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) recordFailure() {
	b.failed.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastFailure = now
	b.consecFails++

	if b.state == StateHalfOpen {
		b.transition(StateOpen)
		return
	}

	b.failures = append(b.failures, now)
	b.pruneLocked(now)
	if b.state == StateClosed && len(b.failures) >= b.cfg.FailureThreshold {
		b.transition(StateOpen)
	}
}

// pruneLocked rolls old failures off the trailing window.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.FailureWindow)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	change := StateChange{Name: b.cfg.Name, From: from, To: to, At: b.now()}

	switch to {
	case StateOpen:
		b.openedAt = change.At
		b.halfOpenHits = 0
		log.Warn().Str("breaker", b.cfg.Name).Str("from", from.String()).Msg("circuit opened")
	case StateHalfOpen:
		b.halfOpenHits = 0
		b.failures = b.failures[:0]
		log.Info().Str("breaker", b.cfg.Name).Msg("circuit half-open")
	case StateClosed:
		b.failures = b.failures[:0]
		log.Info().Str("breaker", b.cfg.Name).Msg("circuit closed")
	}

	for _, fn := range b.subscribers {
		go fn(change)
	}
}

// State returns the current state, applying the lazy OPEN -> HALF_OPEN
// transition if the open duration has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.transition(StateHalfOpen)
	}
	return b.state
}

// Trip forces the breaker open.
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		b.transition(StateOpen)
	} else {
		b.openedAt = b.now()
	}
}

// Reset forces the breaker closed and clears the failure window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecFails = 0
	if b.state != StateClosed {
		b.transition(StateClosed)
	} else {
		b.failures = b.failures[:0]
	}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.cfg.Name }

// Stats returns a snapshot of the counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	state := b.state
	consec := b.consecFails
	lastF := b.lastFailure
	lastS := b.lastSuccess
	b.mu.Unlock()

	return Stats{
		State:               state,
		TotalCalls:          b.total.Load(),
		SuccessfulCalls:     b.success.Load(),
		FailedCalls:         b.failed.Load(),
		RejectedCalls:       b.rejected.Load(),
		ConsecutiveFailures: consec,
		LastFailure:         lastF,
		LastSuccess:         lastS,
	}
}
