package sources

import (
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited is returned by the scheduler when a call was suppressed and
// no cached batch could stand in. Callers keep their last readings; the
// aggregator's staleness window does the rest.
var ErrRateLimited = errors.New("rate limited")

// QuotaError is an explicit quota-exceeded response from a source. The
// scheduler honors RetryAfter and keeps serving cache; it never escalates
// this past its own boundary.
type QuotaError struct {
	Source     string
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded on %s, retry after %s", e.Source, e.RetryAfter)
}

func NewQuotaError(source string, retryAfter time.Duration) *QuotaError {
	return &QuotaError{Source: source, RetryAfter: retryAfter}
}

// TransientError wraps a network or timeout failure worth retrying.
type TransientError struct {
	Source string
	Cause  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure on %s: %v", e.Source, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

func NewTransientError(source string, cause error) *TransientError {
	return &TransientError{Source: source, Cause: cause}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// StaleError reports that only data older than the cache TTL was available.
// It unwraps to ErrRateLimited so callers can treat both uniformly.
type StaleError struct {
	Source string
	Age    time.Duration
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("only stale data for %s (age %s)", e.Source, e.Age)
}

func (e *StaleError) Unwrap() error { return ErrRateLimited }

func NewStaleError(source string, age time.Duration) *StaleError {
	return &StaleError{Source: source, Age: age}
}
