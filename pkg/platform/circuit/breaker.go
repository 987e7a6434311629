// Package circuit implements a per-dependency circuit breaker.
//
// A Breaker starts Closed. Failures are counted inside a rolling window;
// reaching the threshold opens the circuit and every caller is rejected
// with ErrOpen until the open duration elapses. The first caller after
// that is admitted as the single HalfOpen trial: its success closes the
// circuit, its failure re-opens it with a fresh timer.
package circuit

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while the circuit rejects calls.
var ErrOpen = errors.New("circuit open")

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Change reports the transition caused by a Record call, if any.
type Change struct {
	Opened bool
	Closed bool
}

// Snapshot is a point-in-time copy of a breaker's state.
type Snapshot struct {
	Name         string
	State        State
	FailureCount int
	OpenedAt     time.Time
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name             string
	failureThreshold int
	successThreshold int
	window           time.Duration
	openDuration     time.Duration
	now              func() time.Time
	onChange         func(name string, from, to State)

	mu            sync.Mutex
	state         State
	failures      []time.Time
	successes     int
	openedAt      time.Time
	trialInFlight bool
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets how many failures inside the window open the circuit.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithSuccessThreshold sets how many HalfOpen trials must succeed before closing.
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

// WithFailureWindow sets the rolling window failures are counted in.
// Zero counts every failure since the last success.
func WithFailureWindow(d time.Duration) Option {
	return func(b *Breaker) {
		if d >= 0 {
			b.window = d
		}
	}
}

// WithOpenDuration sets how long the circuit stays open before a trial.
func WithOpenDuration(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.openDuration = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithOnStateChange registers a hook called after every transition.
// The hook runs outside the breaker lock.
func WithOnStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// New creates a closed breaker with a threshold of 5 failures per minute
// and a 60s open duration unless overridden.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: 5,
		successThreshold: 1,
		window:           time.Minute,
		openDuration:     60 * time.Second,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

// State returns the stored state. An Open breaker whose open duration has
// elapsed stays Open until the next Allow admits the trial.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsOpen reports whether calls are currently rejected or limited to a trial call.
func (b *Breaker) IsOpen() bool {
	return b.State() != StateClosed
}

// Allow reports whether a call may proceed. It returns ErrOpen while the
// circuit is open, and while a HalfOpen trial is already in flight.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil
	case StateOpen:
		if b.now().Before(b.openedAt.Add(b.openDuration)) {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.successes = 0
		b.trialInFlight = true
		b.mu.Unlock()
		b.notify(from, StateHalfOpen)
		return nil
	default:
		if b.trialInFlight {
			b.mu.Unlock()
			return ErrOpen
		}
		b.trialInFlight = true
		b.mu.Unlock()
		return nil
	}
}

// ReleaseTrial gives back an admitted HalfOpen trial whose outcome is
// unknown, for example because the caller was cancelled.
func (b *Breaker) ReleaseTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}
}

// RecordFailure records a failed call. It returns true when the circuit is
// open after the call, and reports whether this failure opened it.
func (b *Breaker) RecordFailure() (bool, Change) {
	b.mu.Lock()
	now := b.now()
	from := b.state

	switch b.state {
	case StateClosed:
		b.failures = append(b.pruneLocked(now), now)
		if len(b.failures) < b.failureThreshold {
			b.mu.Unlock()
			return false, Change{}
		}
		b.openLocked(now)
	case StateHalfOpen:
		b.openLocked(now)
	default:
		// Late result of a call admitted before the circuit opened.
		b.successes = 0
		b.mu.Unlock()
		return true, Change{}
	}
	b.mu.Unlock()
	b.notify(from, StateOpen)
	return true, Change{Opened: true}
}

// RecordSuccess records a successful call. It returns true when the
// circuit is closed after the call, and reports whether this success closed it.
func (b *Breaker) RecordSuccess() (bool, Change) {
	b.mu.Lock()
	switch b.state {
	case StateClosed:
		b.failures = nil
		b.mu.Unlock()
		return true, Change{}
	case StateHalfOpen:
		b.trialInFlight = false
		b.successes++
		if b.successes < b.successThreshold {
			b.mu.Unlock()
			return false, Change{}
		}
		b.state = StateClosed
		b.failures = nil
		b.successes = 0
		b.openedAt = time.Time{}
		b.mu.Unlock()
		b.notify(StateHalfOpen, StateClosed)
		return true, Change{Closed: true}
	default:
		b.mu.Unlock()
		return false, Change{}
	}
}

// Reset manually closes the circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = nil
	b.successes = 0
	b.openedAt = time.Time{}
	b.trialInFlight = false
	b.mu.Unlock()
	if from != StateClosed {
		b.notify(from, StateClosed)
	}
}

// Snapshot returns the current state and the failures counted in the window.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := len(b.failures)
	if b.state == StateClosed {
		count = len(b.pruneLocked(b.now()))
	}
	return Snapshot{
		Name:         b.name,
		State:        b.state,
		FailureCount: count,
		OpenedAt:     b.openedAt,
	}
}

func (b *Breaker) openLocked(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.failures = nil
	b.successes = 0
	b.trialInFlight = false
}

// pruneLocked drops failures that fell out of the rolling window.
func (b *Breaker) pruneLocked(now time.Time) []time.Time {
	if b.window <= 0 {
		return b.failures
	}
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
	return kept
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil && from != to {
		b.onChange(b.name, from, to)
	}
}
