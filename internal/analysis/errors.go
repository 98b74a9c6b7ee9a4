package analysis

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotScheduled is returned by Backfill for a task that is not Scheduled.
var ErrNotScheduled = errors.New("task is not scheduled")

// Stage names the step of a frame's analysis that failed.
type Stage string

const (
	StageResolve Stage = "resolve"
	StageCompute Stage = "compute"
	StageEncode  Stage = "encode"
	StageCleanup Stage = "cleanup"
)

// CalculationError is a calculator failure. Compute-side stages leave the
// frame Failed; a cleanup failure leaves it Computed.
type CalculationError struct {
	Task  string
	Start time.Time
	Stage Stage
	Err   error
}

func (e *CalculationError) Error() string {
	return fmt.Sprintf("task %s frame %s: %s: %v", e.Task, e.Start.UTC().Format(time.RFC3339), e.Stage, e.Err)
}

func (e *CalculationError) Unwrap() error { return e.Err }
