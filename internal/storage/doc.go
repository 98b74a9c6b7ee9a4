// Package storage persists frames and per-task arm state.
//
// It is the single source of truth the scheduling core relies on for safety
// under concurrent, at-least-once ticks:
//   - frames are unique per (task_key, start) and created by a conflict-detecting insert
//   - frame status and arm status change only through compare-and-set updates
package storage
