package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled    = errors.New("job engine disabled")
	ErrStopped     = errors.New("job engine stopped")
	ErrStopping    = errors.New("job engine stopping")
	ErrQueueFull   = errors.New("job engine queue full")
	ErrOverlapSkip = errors.New("job skipped: already queued or running")
	ErrCircuitOpen = errors.New("job skipped: circuit breaker open")
)

// NoRetry marks err as permanent for this run. The engine stops retrying and
// records the unwrapped error.
//
//	return engine.NoRetry(fmt.Errorf("stream offline: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a retry delay hint to err. The engine honors it, capped
// at RetryMaxDelay, with jitter applied.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
