// Package calc defines the per-window calculation contract and the registry
// that resolves calculator names to implementations.
package calc

import (
	"context"
	"time"

	"streamframes/internal/stream"
	"streamframes/internal/window"
)

// Result is what a calculator produces for one window. Payload must be
// JSON-serializable; it is stored verbatim on the frame.
type Result struct {
	Payload     any
	MissingData bool
}

// Calculator computes the result for one window. It must accept an empty
// record slice.
type Calculator interface {
	Compute(ctx context.Context, w window.Window, recs []stream.Record) (Result, error)
}

// Cleaner is optionally implemented by calculators that need a post-compute
// step. Cleanup must be idempotent; it may run again after a crash.
type Cleaner interface {
	Cleanup(ctx context.Context, w window.Window) error
}

// RetentionPolicy is optionally implemented by calculators that need stream
// data to be kept longer than the default. The returned time is clamped so it
// never exceeds def.
type RetentionPolicy interface {
	RetentionCutoff(def time.Time, frameDuration time.Duration) time.Time
}

// Func adapts a plain function to Calculator.
type Func func(ctx context.Context, w window.Window, recs []stream.Record) (Result, error)

func (f Func) Compute(ctx context.Context, w window.Window, recs []stream.Record) (Result, error) {
	return f(ctx, w, recs)
}
