package stream

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrSourceUnavailable is matched (errors.Is) by every driver failure.
var ErrSourceUnavailable = errors.New("stream source unavailable")

// Record is one timestamped entry of an append-only stream.
type Record struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
	Body  []byte    `json:"body,omitempty"`
}

// Source is the read/prune surface the scheduling core needs from a stream.
//
// A nil cutoff means "nothing to prune": DeleteBefore and CountBefore return 0
// without touching the backend. Both treat cutoff as exclusive (time < cutoff).
type Source interface {
	IsEmpty(ctx context.Context) (bool, error)
	EarliestTime(ctx context.Context) (time.Time, bool, error)
	LatestTime(ctx context.Context) (time.Time, bool, error)
	// DataInRange returns records with start <= time < end in chronological order.
	DataInRange(ctx context.Context, start, end time.Time) ([]Record, error)
	DeleteBefore(ctx context.Context, cutoff *time.Time) (int64, error)
	CountBefore(ctx context.Context, cutoff *time.Time) (int64, error)
}

// Appender accepts new records. Records may arrive out of order.
type Appender interface {
	Append(ctx context.Context, recs ...Record) error
}

// Store is what the bundled drivers implement.
type Store interface {
	Source
	Appender
	Close() error
}

// Range is the observed time span of a stream. It is derived on demand and
// never persisted.
type Range struct {
	Earliest time.Time
	Latest   time.Time
	Empty    bool
}

// ObservedRange reads the current range of src.
func ObservedRange(ctx context.Context, src Source) (Range, error) {
	earliest, ok, err := src.EarliestTime(ctx)
	if err != nil {
		return Range{}, err
	}
	if !ok {
		return Range{Empty: true}, nil
	}
	latest, ok, err := src.LatestTime(ctx)
	if err != nil {
		return Range{}, err
	}
	if !ok {
		// Pruned between the two reads.
		return Range{Empty: true}, nil
	}
	return Range{Earliest: earliest, Latest: latest}, nil
}

// UnavailableError wraps a driver failure.
type UnavailableError struct {
	Stream string
	Op     string
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("stream %s: %s: %v", e.Stream, e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrSourceUnavailable }

func unavailable(stream, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSourceUnavailable) {
		return err
	}
	return &UnavailableError{Stream: stream, Op: op, Err: err}
}
