package storage

import (
	"encoding/json"
	"errors"
	"slices"
	"time"

	"streamframes/internal/window"
)

var (
	// ErrFrameConflict is returned by CreateFrame when (task_key, start) already exists.
	ErrFrameConflict = errors.New("frame already exists")
	// ErrInvalidTransition is returned when a frame is not in a status the update expects.
	ErrInvalidTransition = errors.New("invalid frame status transition")
	ErrNotFound          = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": process-local maps (tests, demos)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type FrameStatus string

const (
	FramePending   FrameStatus = "pending"
	FrameComputed  FrameStatus = "computed"
	FrameCleanedUp FrameStatus = "cleaned_up"
	FrameFailed    FrameStatus = "failed"
)

var frameTransitions = map[FrameStatus][]FrameStatus{
	FramePending:   {FrameComputed, FrameFailed},
	FrameComputed:  {FrameCleanedUp},
	FrameFailed:    {FramePending},
	FrameCleanedUp: {}, // terminal
}

// ValidTransition reports whether a frame may move from one status to another.
func ValidTransition(from, to FrameStatus) bool {
	allowed, ok := frameTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(allowed, to)
}

func (s FrameStatus) Valid() bool {
	_, ok := frameTransitions[s]
	return ok
}

// Frame is one materialized window of a task.
type Frame struct {
	ID           int64           `json:"id"`
	TaskKey      string          `json:"task_key"`
	Start        time.Time       `json:"start"`
	End          time.Time       `json:"end"`
	Status       FrameStatus     `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	MissingData  bool            `json:"missing_data"`
	Attempts     int             `json:"attempts"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	StartedAt    time.Time       `json:"started_at,omitempty"`
	ComputedAt   time.Time       `json:"computed_at,omitempty"`
	AnalysisTime time.Duration   `json:"analysis_time"`
}

func (f Frame) Window() window.Window {
	return window.Window{Start: f.Start, Duration: f.End.Sub(f.Start)}
}

// Done reports whether the frame needs no further work.
func (f Frame) Done() bool { return f.Status == FrameCleanedUp }

// FrameQuery filters ListFrames. Zero values mean "no filter".
type FrameQuery struct {
	Status FrameStatus
	After  time.Time // start >= After
	Before time.Time // start < Before
	Limit  int
	Desc   bool
}

// FrameStats summarizes a task's frames.
type FrameStats struct {
	Total           int           `json:"total"`
	Pending         int           `json:"pending"`
	Computed        int           `json:"computed"`
	CleanedUp       int           `json:"cleaned_up"`
	Failed          int           `json:"failed"`
	MissingData     int           `json:"missing_data"`
	AvgAnalysisTime time.Duration `json:"avg_analysis_time"`
}

// ClaimQuery selects a frame that needs its unfinished stages re-run.
type ClaimQuery struct {
	TaskKey string
	// StaleBefore: Pending/Computed frames last updated before this are
	// considered abandoned by a crashed worker. Failed frames that never
	// started (attempts 0, e.g. the data fetch failed) are claimed the same
	// way, whatever MaxAttempts says.
	StaleBefore time.Time
	// MaxAttempts bounds retries of Failed frames. <= 0 disables Failed claims.
	MaxAttempts int
}

type ArmStatus string

const (
	ArmInactive  ArmStatus = "inactive"
	ArmScheduled ArmStatus = "scheduled"
	ArmCancelled ArmStatus = "cancelled"
)

func (a ArmStatus) Valid() bool {
	switch a {
	case ArmInactive, ArmScheduled, ArmCancelled:
		return true
	}
	return false
}

// TaskState is the durable per-task scheduling state.
type TaskState struct {
	TaskKey   string    `json:"task_key"`
	ArmStatus ArmStatus `json:"arm_status"`
	// LastFrameStart caches the start of the newest produced frame.
	// The frame table stays authoritative.
	LastFrameStart time.Time `json:"last_frame_start,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}
