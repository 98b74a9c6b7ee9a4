package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

type frameKey struct {
	task  string
	start int64
}

// Memory is a process-local Store. Frames are lost on exit.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	frames map[int64]*Frame
	byKey  map[frameKey]int64
	states map[string]*TaskState
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		frames: make(map[int64]*Frame),
		byKey:  make(map[frameKey]int64),
		states: make(map[string]*TaskState),
		now:    time.Now,
	}
}

// SetClock replaces the time source used for UpdatedAt stamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	m.now = now
}

func (m *Memory) Close() error { return nil }

func (m *Memory) stamp() time.Time { return m.now().UTC() }

func (m *Memory) CreateFrame(_ context.Context, f Frame) (Frame, error) {
	if strings.TrimSpace(f.TaskKey) == "" {
		return Frame{}, errors.New("frame task key required")
	}
	if !f.End.After(f.Start) {
		return Frame{}, fmt.Errorf("frame end %s must be after start %s", f.End, f.Start)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := frameKey{task: f.TaskKey, start: f.Start.UnixNano()}
	if _, exists := m.byKey[k]; exists {
		return Frame{}, fmt.Errorf("%w: task %s start %s", ErrFrameConflict, f.TaskKey, f.Start.UTC().Format(time.RFC3339Nano))
	}
	m.nextID++
	now := m.stamp()
	nf := &Frame{
		ID:        m.nextID,
		TaskKey:   f.TaskKey,
		Start:     f.Start.UTC(),
		End:       f.End.UTC(),
		Status:    FramePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.frames[nf.ID] = nf
	m.byKey[k] = nf.ID
	return copyFrame(nf), nil
}

func copyFrame(f *Frame) Frame {
	out := *f
	if f.Result != nil {
		out.Result = slices.Clone(f.Result)
	}
	return out
}

// taskFrames returns the task's frames ordered by start. Caller holds mu.
func (m *Memory) taskFrames(taskKey string) []*Frame {
	var out []*Frame
	for _, f := range m.frames {
		if f.TaskKey == taskKey {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func (m *Memory) GetFrame(_ context.Context, taskKey string, start time.Time) (Frame, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[frameKey{task: taskKey, start: start.UnixNano()}]
	if !ok {
		return Frame{}, false, nil
	}
	return copyFrame(m.frames[id]), true, nil
}

func (m *Memory) LatestFrame(_ context.Context, taskKey string) (Frame, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs := m.taskFrames(taskKey)
	if len(fs) == 0 {
		return Frame{}, false, nil
	}
	return copyFrame(fs[len(fs)-1]), true, nil
}

func (m *Memory) EarliestFrame(_ context.Context, taskKey string) (Frame, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs := m.taskFrames(taskKey)
	if len(fs) == 0 {
		return Frame{}, false, nil
	}
	return copyFrame(fs[0]), true, nil
}

func (m *Memory) ListFrames(_ context.Context, taskKey string, q FrameQuery) ([]Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs := m.taskFrames(taskKey)
	if q.Desc {
		slices.Reverse(fs)
	}
	var out []Frame
	for _, f := range fs {
		if q.Status != "" && f.Status != q.Status {
			continue
		}
		if !q.After.IsZero() && f.Start.Before(q.After) {
			continue
		}
		if !q.Before.IsZero() && !f.Start.Before(q.Before) {
			continue
		}
		out = append(out, copyFrame(f))
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) FrameStats(_ context.Context, taskKey string) (FrameStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		st        FrameStats
		doneCount int64
		doneTime  time.Duration
	)
	for _, f := range m.taskFrames(taskKey) {
		st.Total++
		if f.MissingData {
			st.MissingData++
		}
		switch f.Status {
		case FramePending:
			st.Pending++
		case FrameComputed:
			st.Computed++
			doneCount++
			doneTime += f.AnalysisTime
		case FrameCleanedUp:
			st.CleanedUp++
			doneCount++
			doneTime += f.AnalysisTime
		case FrameFailed:
			st.Failed++
		}
	}
	if doneCount > 0 {
		st.AvgAnalysisTime = doneTime / time.Duration(doneCount)
	}
	return st, nil
}

// mutate applies fn to frame id when it is in status from. Caller holds mu.
func (m *Memory) mutate(id int64, from, to FrameStatus, fn func(f *Frame, now time.Time)) error {
	f, ok := m.frames[id]
	if !ok {
		return fmt.Errorf("frame %d: %w", id, ErrNotFound)
	}
	if f.Status != from {
		return fmt.Errorf("%w: frame %d is %s, cannot become %s", ErrInvalidTransition, id, f.Status, to)
	}
	now := m.stamp()
	fn(f, now)
	f.UpdatedAt = now
	return nil
}

func (m *Memory) MarkStarted(_ context.Context, id int64) (Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.mutate(id, FramePending, FramePending, func(f *Frame, now time.Time) {
		f.Attempts++
		f.StartedAt = now
	})
	if err != nil {
		return Frame{}, err
	}
	return copyFrame(m.frames[id]), nil
}

func (m *Memory) MarkComputed(_ context.Context, id int64, result []byte, missing bool, took time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutate(id, FramePending, FrameComputed, func(f *Frame, now time.Time) {
		f.Status = FrameComputed
		if len(result) > 0 {
			f.Result = slices.Clone(result)
		} else {
			f.Result = nil
		}
		f.MissingData = missing
		f.Error = ""
		f.ComputedAt = now
		f.AnalysisTime += took
	})
}

func (m *Memory) MarkCleanedUp(_ context.Context, id int64, took time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.frames[id]; ok && f.Status == FrameCleanedUp {
		return nil
	}
	return m.mutate(id, FrameComputed, FrameCleanedUp, func(f *Frame, _ time.Time) {
		f.Status = FrameCleanedUp
		f.AnalysisTime += took
	})
}

func (m *Memory) MarkFailed(_ context.Context, id int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutate(id, FramePending, FrameFailed, func(f *Frame, _ time.Time) {
		f.Status = FrameFailed
		f.Error = strings.TrimSpace(reason)
	})
}

func (m *Memory) ClaimForRetry(_ context.Context, q ClaimQuery) (Frame, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.taskFrames(q.TaskKey) {
		switch {
		case q.MaxAttempts > 0 && f.Status == FrameFailed && f.Attempts < q.MaxAttempts:
			f.Status = FramePending
		case !q.StaleBefore.IsZero() && f.UpdatedAt.Before(q.StaleBefore) &&
			(f.Status == FramePending || f.Status == FrameComputed || (f.Status == FrameFailed && f.Attempts == 0)):
			if f.Status == FrameFailed {
				f.Status = FramePending
			}
		default:
			continue
		}
		f.UpdatedAt = m.stamp()
		return copyFrame(f), true, nil
	}
	return Frame{}, false, nil
}

func (m *Memory) ResetAttempts(_ context.Context, taskKey string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, f := range m.taskFrames(taskKey) {
		if f.Status == FrameFailed {
			f.Attempts = 0
			f.UpdatedAt = m.stamp()
			n++
		}
	}
	return n, nil
}

func (m *Memory) OldestIncompleteStart(_ context.Context, taskKey string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.taskFrames(taskKey) {
		if f.Status != FrameCleanedUp {
			return f.Start, true, nil
		}
	}
	return time.Time{}, false, nil
}

func (m *Memory) LatestEnd(_ context.Context, taskKey string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		end time.Time
		ok  bool
	)
	for _, f := range m.taskFrames(taskKey) {
		if !ok || f.End.After(end) {
			end, ok = f.End, true
		}
	}
	return end, ok, nil
}

func (m *Memory) EnsureTaskState(_ context.Context, taskKey string) (TaskState, error) {
	if strings.TrimSpace(taskKey) == "" {
		return TaskState{}, errors.New("task key required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.states[taskKey]
	if !ok {
		ts = &TaskState{TaskKey: taskKey, ArmStatus: ArmInactive, UpdatedAt: m.stamp()}
		m.states[taskKey] = ts
	}
	return *ts, nil
}

func (m *Memory) GetTaskState(_ context.Context, taskKey string) (TaskState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.states[taskKey]
	if !ok {
		return TaskState{}, false, nil
	}
	return *ts, true, nil
}

func (m *Memory) ListTaskStates(_ context.Context) ([]TaskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskState, 0, len(m.states))
	for _, ts := range m.states {
		out = append(out, *ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskKey < out[j].TaskKey })
	return out, nil
}

func (m *Memory) TransitionArm(_ context.Context, taskKey string, to ArmStatus, from ...ArmStatus) (bool, error) {
	if !to.Valid() {
		return false, fmt.Errorf("invalid arm status %q", to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.states[taskKey]
	if !ok {
		return false, fmt.Errorf("task state %s: %w", taskKey, ErrNotFound)
	}
	if ts.ArmStatus == to {
		return false, nil
	}
	if len(from) > 0 && !slices.Contains(from, ts.ArmStatus) {
		return false, nil
	}
	ts.ArmStatus = to
	ts.UpdatedAt = m.stamp()
	return true, nil
}

func (m *Memory) AdvanceLastFrameStart(_ context.Context, taskKey string, start time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.states[taskKey]
	if !ok {
		return nil
	}
	if ts.LastFrameStart.IsZero() || ts.LastFrameStart.Before(start) {
		ts.LastFrameStart = start.UTC()
		ts.UpdatedAt = m.stamp()
	}
	return nil
}
