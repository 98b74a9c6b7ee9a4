package catalog

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"streamframes/internal/storage"
)

// FrameReader is the part of the frame store CheckDurations needs.
type FrameReader interface {
	LatestFrame(ctx context.Context, taskKey string) (storage.Frame, bool, error)
}

// CheckDurations rejects definitions whose duration differs from the span of
// frames already stored for the task. Changing the duration would break frame
// contiguity, so it needs a new task key instead.
func CheckDurations(ctx context.Context, r *Registry, frames FrameReader) error {
	var errs error
	for _, d := range r.All() {
		f, ok, err := frames.LatestFrame(ctx, d.Key)
		if err != nil {
			return fmt.Errorf("task %q: read latest frame: %w", d.Key, err)
		}
		if !ok {
			continue
		}
		if span := f.End.Sub(f.Start); span != d.Duration {
			errs = multierr.Append(errs, &ConfigurationError{
				Task:   d.Key,
				Field:  "duration",
				Reason: fmt.Sprintf("is %s but existing frames span %s", d.Duration, span),
			})
		}
	}
	return errs
}
