// Package requestcontext provides context accessors for run-scoped values.
//
// Usage in services (read values):
//
//	runID := requestcontext.RunID(ctx)
//	now := requestcontext.Now(ctx)
//
// Usage in tests (inject values):
//
//	ctx = requestcontext.WithTime(ctx, fixedTime)
package requestcontext

import (
	"context"
	"time"

	id "influence/pkg/domain"
)

// Context key types (unexported for encapsulation).
type (
	runIDKey       struct{}
	requestTimeKey struct{}
)

// Exported context keys for direct use in tests that need context.WithValue.
var (
	ContextKeyRunID       = runIDKey{}
	ContextKeyRequestTime = requestTimeKey{}
)

// RunID retrieves the ingestion run ID from the context.
// Returns the zero value (nil UUID) if not set.
func RunID(ctx context.Context) id.RunID {
	if runID, ok := ctx.Value(ContextKeyRunID).(id.RunID); ok {
		return runID
	}
	return id.RunID{}
}

// WithRunID injects an ingestion run ID into the context.
func WithRunID(ctx context.Context, runID id.RunID) context.Context {
	return context.WithValue(ctx, ContextKeyRunID, runID)
}

// Now retrieves the injected time from context.
// Falls back to time.Now() if not set.
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context.
// Useful for:
//   - Tests that need deterministic timestamps
//   - Runs that stamp every record of a batch with the same ingestion time
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}
