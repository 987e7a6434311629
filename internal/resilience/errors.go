package resilience

import (
	"errors"
	"fmt"
	"time"

	"influence/internal/models"
)

// ErrorCategory defines the normalized failure taxonomy
type ErrorCategory string

const (
	// ErrorTimeout indicates the source took too long to respond
	ErrorTimeout ErrorCategory = "timeout"

	// ErrorUnavailable indicates a connection failure or a 5xx response
	ErrorUnavailable ErrorCategory = "unavailable"

	// ErrorRateLimited indicates HTTP 429
	ErrorRateLimited ErrorCategory = "rate_limited"

	// ErrorBadRequest indicates a 4xx the source will keep rejecting
	ErrorBadRequest ErrorCategory = "bad_request"

	// ErrorAuthentication indicates credential or permission issues
	ErrorAuthentication ErrorCategory = "authentication"

	// ErrorNotFound indicates the requested resource doesn't exist
	ErrorNotFound ErrorCategory = "not_found"

	// ErrorBadData indicates the source returned a malformed payload
	ErrorBadData ErrorCategory = "bad_data"

	// ErrorInternal indicates an unexpected internal error
	ErrorInternal ErrorCategory = "internal"
)

// SourceError wraps source failures with normalized categorization.
// Retryable errors are the transient class, everything else is permanent.
type SourceError struct {
	Category   ErrorCategory
	Source     models.SourceID
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Underlying error
	Retryable  bool
}

func (e *SourceError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("source %s [%s]: %s: %v", e.Source, e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("source %s [%s]: %s", e.Source, e.Category, e.Message)
}

func (e *SourceError) Unwrap() error {
	return e.Underlying
}

// NewSourceError creates a new normalized source error
func NewSourceError(category ErrorCategory, source models.SourceID, message string, underlying error) *SourceError {
	retryable := category == ErrorTimeout ||
		category == ErrorUnavailable ||
		category == ErrorRateLimited

	return &SourceError{
		Category:   category,
		Source:     source,
		Message:    message,
		Underlying: underlying,
		Retryable:  retryable,
	}
}

// BadData builds the permanent error adapters return for payloads they cannot parse.
func BadData(source models.SourceID, message string, underlying error) *SourceError {
	return NewSourceError(ErrorBadData, source, message, underlying)
}

// IsTransient reports a retryable source error.
func IsTransient(err error) bool {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// IsPermanent reports a source error that retrying cannot fix.
func IsPermanent(err error) bool {
	var se *SourceError
	if errors.As(err, &se) {
		return !se.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error
func GetCategory(err error) ErrorCategory {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Category
	}
	return ErrorInternal
}

// CircuitOpenError is returned without any network attempt while a
// source's circuit is open.
type CircuitOpenError struct {
	Source   models.SourceID
	OpenedAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("source %s: circuit open since %s", e.Source, e.OpenedAt.Format(time.RFC3339))
}

// IngestionFailure is the last failure of a call that exhausted its attempts.
// Callers treat it as "this batch is unavailable this run".
type IngestionFailure struct {
	Source   models.SourceID
	Attempts int
	Cause    error
}

func (e *IngestionFailure) Error() string {
	return fmt.Sprintf("source %s: giving up after %d attempts: %v", e.Source, e.Attempts, e.Cause)
}

func (e *IngestionFailure) Unwrap() error {
	return e.Cause
}

// IsSourceUnavailable reports errors after which a source yields nothing
// more this run.
func IsSourceUnavailable(err error) bool {
	var ce *CircuitOpenError
	var fe *IngestionFailure
	return errors.As(err, &ce) || errors.As(err, &fe)
}
