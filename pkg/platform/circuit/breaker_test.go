package circuit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestBreaker_InitialState(t *testing.T) {
	b := New("test")
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, "test", b.Name())
	assert.NoError(t, b.Allow())
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New("test", WithFailureThreshold(3))

	// First two failures don't open
	open, change := b.RecordFailure()
	assert.False(t, open)
	assert.False(t, change.Opened)

	open, change = b.RecordFailure()
	assert.False(t, open)
	assert.False(t, change.Opened)

	// Third failure opens the circuit
	open, change = b.RecordFailure()
	assert.True(t, open)
	assert.True(t, change.Opened)
	assert.True(t, b.IsOpen())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestBreaker_FailuresOutsideWindowDoNotCount(t *testing.T) {
	clock := newFakeClock()
	b := New("test", WithFailureThreshold(3), WithFailureWindow(time.Minute), WithClock(clock.Now))

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(2 * time.Minute)

	open, _ := b.RecordFailure()
	assert.False(t, open)
	assert.Equal(t, 1, b.Snapshot().FailureCount)
}

func TestBreaker_HalfOpenAfterOpenDuration(t *testing.T) {
	clock := newFakeClock()
	b := New("test", WithFailureThreshold(1), WithOpenDuration(30*time.Second), WithClock(clock.Now))

	b.RecordFailure()
	require.ErrorIs(t, b.Allow(), ErrOpen)

	clock.Advance(29 * time.Second)
	require.ErrorIs(t, b.Allow(), ErrOpen)

	clock.Advance(time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	// Only one trial at a time
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestBreaker_HalfOpenTrialSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b := New("test", WithFailureThreshold(2), WithOpenDuration(time.Second), WithClock(clock.Now))

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(time.Second)
	require.NoError(t, b.Allow())

	closed, change := b.RecordSuccess()
	assert.True(t, closed)
	assert.True(t, change.Closed)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Snapshot().FailureCount)
}

func TestBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := New("test", WithFailureThreshold(1), WithOpenDuration(10*time.Second), WithClock(clock.Now))

	b.RecordFailure()
	clock.Advance(10 * time.Second)
	require.NoError(t, b.Allow())

	open, change := b.RecordFailure()
	assert.True(t, open)
	assert.True(t, change.Opened)
	assert.Equal(t, clock.Now(), b.Snapshot().OpenedAt)

	// Timer restarted from the trial failure
	clock.Advance(5 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestBreaker_ClosesAfterSuccessThreshold(t *testing.T) {
	clock := newFakeClock()
	b := New("test", WithFailureThreshold(1), WithSuccessThreshold(2), WithClock(clock.Now))

	b.RecordFailure()
	assert.True(t, b.IsOpen())
	clock.Advance(time.Minute)

	// First trial doesn't close
	require.NoError(t, b.Allow())
	closed, change := b.RecordSuccess()
	assert.False(t, closed)
	assert.False(t, change.Closed)
	assert.True(t, b.IsOpen())

	// Second trial closes
	require.NoError(t, b.Allow())
	closed, change = b.RecordSuccess()
	assert.True(t, closed)
	assert.True(t, change.Closed)
	assert.False(t, b.IsOpen())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("test", WithFailureThreshold(3))

	// Two failures
	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen())

	// Success resets count
	b.RecordSuccess()

	// Two more failures don't open (count was reset)
	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen())

	// Third failure opens
	b.RecordFailure()
	assert.True(t, b.IsOpen())
}

func TestBreaker_ReleaseTrialAdmitsNextCaller(t *testing.T) {
	clock := newFakeClock()
	b := New("test", WithFailureThreshold(1), WithClock(clock.Now))

	b.RecordFailure()
	clock.Advance(time.Hour)
	require.NoError(t, b.Allow())
	require.ErrorIs(t, b.Allow(), ErrOpen)

	b.ReleaseTrial()
	assert.NoError(t, b.Allow())
}

func TestBreaker_Reset(t *testing.T) {
	b := New("test", WithFailureThreshold(1))

	// Open the circuit
	b.RecordFailure()
	assert.True(t, b.IsOpen())

	// Reset closes it
	b.Reset()
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OpenCircuitIgnoresLateFailures(t *testing.T) {
	b := New("test", WithFailureThreshold(1))

	// Open the circuit
	b.RecordFailure()

	// Additional failures report open without state change
	open, change := b.RecordFailure()
	assert.True(t, open)
	assert.False(t, change.Opened) // Already open, no state change
}

func TestBreaker_StateChangeHook(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := New("fec",
		WithFailureThreshold(1),
		WithClock(clock.Now),
		WithOnStateChange(func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		}),
	)

	b.RecordFailure()
	clock.Advance(time.Hour)
	require.NoError(t, b.Allow())
	b.RecordSuccess()

	assert.Equal(t, []string{
		"fec:closed->open",
		"fec:open->half_open",
		"fec:half_open->closed",
	}, transitions)
}

func TestBreaker_ConcurrentCallersFailFastWhenOpen(t *testing.T) {
	b := New("test", WithFailureThreshold(1), WithOpenDuration(time.Hour))
	b.RecordFailure()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() == nil {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(0), allowed.Load())
}

func TestBreaker_ExactlyOneConcurrentTrial(t *testing.T) {
	clock := newFakeClock()
	b := New("test", WithFailureThreshold(1), WithOpenDuration(time.Second), WithClock(clock.Now))
	b.RecordFailure()
	clock.Advance(time.Second)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() == nil {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), allowed.Load())
}

func TestRegistry_SharesBreakersByName(t *testing.T) {
	r := NewRegistry(WithFailureThreshold(2))
	r.Configure("lobbying", WithFailureThreshold(1))

	fec := r.Get("contributions")
	assert.Same(t, fec, r.Get("contributions"))

	lobbying := r.Get("lobbying")
	lobbying.RecordFailure()
	assert.True(t, lobbying.IsOpen())

	fec.RecordFailure()
	assert.False(t, fec.IsOpen())

	snaps := r.Snapshot()
	require.Len(t, snaps, 2)
	assert.Equal(t, "contributions", snaps[0].Name)
	assert.Equal(t, StateOpen, snaps[1].State)
}
