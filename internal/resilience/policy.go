package resilience

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"influence/pkg/platform/circuit"
)

// Policy tunes retries, circuit breaking and rate limiting for one source.
type Policy struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	JitterFraction   float64
	FailureThreshold int
	FailureWindow    time.Duration
	OpenDuration     time.Duration
	// Timeout bounds one attempt; zero leaves it to the HTTP client.
	Timeout time.Duration
	// RequestsPerSecond <= 0 disables rate limiting.
	RequestsPerSecond float64
	Burst             int
}

// DefaultPolicy mirrors the provider defaults: 3 attempts, 1s doubling
// to 60s with 10% jitter, 5 failures per minute open the circuit for 60s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          time.Minute,
		JitterFraction:    0.1,
		FailureThreshold:  5,
		FailureWindow:     time.Minute,
		OpenDuration:      60 * time.Second,
		RequestsPerSecond: 5,
		Burst:             1,
	}
}

// Validate rejects policies the client cannot run with.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return errors.New("max attempts must be at least 1")
	case p.BaseDelay <= 0:
		return errors.New("base delay must be positive")
	case p.MaxDelay < p.BaseDelay:
		return errors.New("max delay must not be below base delay")
	case p.JitterFraction < 0 || p.JitterFraction >= 1:
		return errors.New("jitter fraction must be in [0, 1)")
	case p.FailureThreshold < 1:
		return errors.New("failure threshold must be at least 1")
	case p.OpenDuration <= 0:
		return errors.New("open duration must be positive")
	case p.Timeout < 0:
		return errors.New("timeout must not be negative")
	}
	return nil
}

// BreakerOptions translates the circuit part of the policy.
func (p Policy) BreakerOptions() []circuit.Option {
	return []circuit.Option{
		circuit.WithFailureThreshold(p.FailureThreshold),
		circuit.WithFailureWindow(p.FailureWindow),
		circuit.WithOpenDuration(p.OpenDuration),
	}
}

// newBackOff yields min(maxDelay, baseDelay*2^attempt) with +/- jitter.
func (p Policy) newBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: p.JitterFraction,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}
