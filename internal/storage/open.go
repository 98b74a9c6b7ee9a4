package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "streamframes/pkg/logx"
)

// FrameStore owns frames.
type FrameStore interface {
	// CreateFrame inserts a Pending frame. A duplicate (task_key, start)
	// returns ErrFrameConflict and leaves the existing frame untouched.
	CreateFrame(ctx context.Context, f Frame) (Frame, error)
	GetFrame(ctx context.Context, taskKey string, start time.Time) (Frame, bool, error)
	LatestFrame(ctx context.Context, taskKey string) (Frame, bool, error)
	EarliestFrame(ctx context.Context, taskKey string) (Frame, bool, error)
	ListFrames(ctx context.Context, taskKey string, q FrameQuery) ([]Frame, error)
	FrameStats(ctx context.Context, taskKey string) (FrameStats, error)

	// MarkStarted bumps Attempts on a Pending frame.
	MarkStarted(ctx context.Context, id int64) (Frame, error)
	MarkComputed(ctx context.Context, id int64, result []byte, missing bool, took time.Duration) error
	// MarkCleanedUp is idempotent: an already cleaned-up frame is not an error.
	MarkCleanedUp(ctx context.Context, id int64, took time.Duration) error
	MarkFailed(ctx context.Context, id int64, reason string) error

	// ClaimForRetry atomically takes one frame matching q (oldest start first)
	// and refreshes its UpdatedAt. A Failed frame is moved back to Pending.
	ClaimForRetry(ctx context.Context, q ClaimQuery) (Frame, bool, error)
	ResetAttempts(ctx context.Context, taskKey string) (int64, error)

	// OldestIncompleteStart is the start of the oldest frame not CleanedUp.
	OldestIncompleteStart(ctx context.Context, taskKey string) (time.Time, bool, error)
	// LatestEnd is the end of the newest frame.
	LatestEnd(ctx context.Context, taskKey string) (time.Time, bool, error)
}

// TaskStateStore owns arm state.
type TaskStateStore interface {
	EnsureTaskState(ctx context.Context, taskKey string) (TaskState, error)
	GetTaskState(ctx context.Context, taskKey string) (TaskState, bool, error)
	ListTaskStates(ctx context.Context) ([]TaskState, error)
	// TransitionArm moves taskKey to `to` iff its current status is one of
	// from (any status when from is empty). It reports whether it changed.
	TransitionArm(ctx context.Context, taskKey string, to ArmStatus, from ...ArmStatus) (bool, error)
	// AdvanceLastFrameStart only ever moves the cached value forward.
	AdvanceLastFrameStart(ctx context.Context, taskKey string, start time.Time) error
}

type Store interface {
	FrameStore
	TaskStateStore
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "", "none":
		return nil, errors.New("storage driver is required")
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
