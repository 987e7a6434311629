// Package resilience wraps outbound source calls with retry/backoff,
// per-source circuit breaking and rate limiting.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"influence/internal/models"
	"influence/pkg/platform/circuit"
)

const maxBodyBytes = 32 << 20

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// AttemptFunc performs one network attempt.
type AttemptFunc func(ctx context.Context) (*Response, error)

// RequestBuilder builds a fresh request for every attempt.
type RequestBuilder func(ctx context.Context) (*http.Request, error)

// Client is shared by every adapter. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	breakers   *circuit.Registry
	logger     *slog.Logger
	tracer     trace.Tracer
	recorders  []Recorder
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time

	defaultPolicy Policy
	policies      map[models.SourceID]Policy

	mu       sync.Mutex
	limiters map[models.SourceID]*rate.Limiter
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets the transport used by Do.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracer overrides the otel tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithRecorder adds a call metric sink.
func WithRecorder(r Recorder) Option {
	return func(c *Client) {
		if r != nil {
			c.recorders = append(c.recorders, r)
		}
	}
}

// WithPolicy sets the policy of one source.
func WithPolicy(source models.SourceID, p Policy) Option {
	return func(c *Client) {
		c.policies[source] = p
	}
}

// WithDefaultPolicy sets the policy of sources without their own.
func WithDefaultPolicy(p Policy) Option {
	return func(c *Client) {
		c.defaultPolicy = p
	}
}

// WithSleep replaces the backoff wait, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// New creates a Client. Breaker thresholds come from each source's policy;
// they only apply to breakers the registry has not created yet.
func New(breakers *circuit.Registry, opts ...Option) (*Client, error) {
	if breakers == nil {
		return nil, fmt.Errorf("circuit breaker registry is required")
	}
	c := &Client{
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		breakers:      breakers,
		logger:        slog.Default(),
		tracer:        otel.Tracer("influence/resilience"),
		sleep:         sleepContext,
		now:           time.Now,
		defaultPolicy: DefaultPolicy(),
		policies:      make(map[models.SourceID]Policy),
		limiters:      make(map[models.SourceID]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.defaultPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("default policy: %w", err)
	}
	for source, p := range c.policies {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy %s: %w", source, err)
		}
		breakers.Configure(string(source), p.BreakerOptions()...)
	}
	return c, nil
}

// Do sends an HTTP request built by build, retrying per the source policy.
func (c *Client) Do(ctx context.Context, source models.SourceID, build RequestBuilder) (*Response, error) {
	return c.Call(ctx, source, func(ctx context.Context) (*Response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, NewSourceError(ErrorInternal, source, "build request", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
	})
}

// Call runs attempt until it succeeds, fails permanently, the circuit opens
// or MaxAttempts is exhausted. Exhaustion returns *IngestionFailure.
func (c *Client) Call(ctx context.Context, source models.SourceID, attempt AttemptFunc) (*Response, error) {
	policy := c.policy(source)
	breaker := c.breakers.Get(string(source))
	limiter := c.limiter(source, policy)
	backOff := policy.newBackOff()

	ctx, span := c.tracer.Start(ctx, "resilience.call",
		trace.WithAttributes(attribute.String("source", string(source))))
	defer span.End()

	var lastErr error
	for n := 1; n <= policy.MaxAttempts; n++ {
		if err := breaker.Allow(); err != nil {
			c.record(Call{Source: source, Outcome: OutcomeCircuitOpen})
			openErr := &CircuitOpenError{Source: source, OpenedAt: breaker.Snapshot().OpenedAt}
			span.SetStatus(codes.Error, "circuit open")
			return nil, openErr
		}
		if err := limiter.Wait(ctx); err != nil {
			breaker.ReleaseTrial()
			return nil, c.cancelled(ctx, span, source, err)
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if policy.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		}
		start := c.now()
		resp, err := attempt(attemptCtx)
		latency := c.now().Sub(start)
		cancel()
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		span.SetAttributes(attribute.Int("attempts", n), attribute.Int("http.status_code", status))

		if ctx.Err() != nil {
			breaker.ReleaseTrial()
			return nil, c.cancelled(ctx, span, source, ctx.Err())
		}

		err = classify(source, resp, err, c.now())
		if err == nil {
			breaker.RecordSuccess()
			c.record(Call{Source: source, Outcome: OutcomeSuccess, HTTPStatus: status, Latency: latency})
			return resp, nil
		}

		var se *SourceError
		if !errors.As(err, &se) || !se.Retryable {
			// The source answered; a rejected request says nothing about its health.
			breaker.RecordSuccess()
			c.record(Call{Source: source, Outcome: OutcomePermanent, HTTPStatus: status, Latency: latency})
			span.RecordError(err)
			span.SetStatus(codes.Error, "permanent failure")
			return nil, err
		}

		_, change := breaker.RecordFailure()
		c.record(Call{Source: source, Outcome: OutcomeTransient, HTTPStatus: status, Latency: latency})
		if change.Opened {
			c.logger.WarnContext(ctx, "source circuit opened",
				"source", source,
				"attempt", n,
				"error", err,
			)
		}
		lastErr = err
		if n == policy.MaxAttempts {
			break
		}

		delay := backOff.NextBackOff()
		if se.RetryAfter > 0 {
			delay = se.RetryAfter
		}
		c.logger.DebugContext(ctx, "retrying source call",
			"source", source,
			"attempt", n,
			"delay", delay,
			"status", status,
			"error", err,
		)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, c.cancelled(ctx, span, source, err)
		}
	}

	failure := &IngestionFailure{Source: source, Attempts: policy.MaxAttempts, Cause: lastErr}
	span.RecordError(failure)
	span.SetStatus(codes.Error, "attempts exhausted")
	return nil, failure
}

// Breaker exposes the shared breaker of a source.
func (c *Client) Breaker(source models.SourceID) *circuit.Breaker {
	return c.breakers.Get(string(source))
}

func (c *Client) cancelled(ctx context.Context, span trace.Span, source models.SourceID, err error) error {
	c.record(Call{Source: source, Outcome: OutcomeCancelled})
	span.SetStatus(codes.Error, "cancelled")
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (c *Client) policy(source models.SourceID) Policy {
	if p, ok := c.policies[source]; ok {
		return p
	}
	return c.defaultPolicy
}

func (c *Client) limiter(source models.SourceID, p Policy) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[source]; ok {
		return l
	}
	limit := rate.Inf
	if p.RequestsPerSecond > 0 {
		limit = rate.Limit(p.RequestsPerSecond)
	}
	burst := max(p.Burst, 1)
	l := rate.NewLimiter(limit, burst)
	c.limiters[source] = l
	return l
}

func (c *Client) record(call Call) {
	for _, r := range c.recorders {
		r.ObserveCall(call)
	}
}

// classify maps a transport error or HTTP status onto the taxonomy.
func classify(source models.SourceID, resp *Response, err error, now time.Time) error {
	if err != nil {
		var se *SourceError
		if errors.As(err, &se) {
			return err
		}
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return NewSourceError(ErrorTimeout, source, "request timed out", err)
		}
		return NewSourceError(ErrorUnavailable, source, "connection failed", err)
	}
	if resp == nil {
		return NewSourceError(ErrorInternal, source, "empty response", nil)
	}

	code := resp.StatusCode
	var category ErrorCategory
	switch {
	case code < 400:
		return nil
	case code == http.StatusTooManyRequests:
		category = ErrorRateLimited
	case code == http.StatusRequestTimeout:
		category = ErrorTimeout
	case code >= 500:
		category = ErrorUnavailable
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		category = ErrorAuthentication
	case code == http.StatusNotFound:
		category = ErrorNotFound
	default:
		category = ErrorBadRequest
	}

	se := NewSourceError(category, source, fmt.Sprintf("HTTP %d", code), nil)
	se.StatusCode = code
	if code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable {
		se.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), now)
	}
	return se
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
