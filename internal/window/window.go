// Package window holds the arithmetic shared by everything that reasons about
// fixed-duration time windows: frames, backfill planning and retention.
package window

import (
	"fmt"
	"time"
)

// Window is a half-open interval [Start, Start+Duration).
type Window struct {
	Start    time.Time
	Duration time.Duration
}

// New returns the window starting at start. It panics on a non-positive duration,
// which catalog validation rules out before any window is built.
func New(start time.Time, d time.Duration) Window {
	if d <= 0 {
		panic(fmt.Sprintf("window: non-positive duration %s", d))
	}
	return Window{Start: start, Duration: d}
}

func (w Window) End() time.Time { return w.Start.Add(w.Duration) }

// Contains reports whether t falls inside [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End())
}

// Next is the window that immediately follows w.
func (w Window) Next() Window { return Window{Start: w.End(), Duration: w.Duration} }

// Prev is the window that immediately precedes w.
func (w Window) Prev() Window { return Window{Start: w.Start.Add(-w.Duration), Duration: w.Duration} }

// Overlaps reports whether w intersects [start, end).
func (w Window) Overlaps(start, end time.Time) bool {
	return w.Start.Before(end) && start.Before(w.End())
}

// ReadyAt reports whether the stream has observed data up to latest far enough
// for w to be complete: latest must have reached End.
func (w Window) ReadyAt(latest time.Time) bool {
	return !latest.Before(w.End())
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339Nano), w.End().UTC().Format(time.RFC3339Nano))
}

// Align truncates t down to a multiple of d since the Unix epoch.
// A non-positive d returns t unchanged.
func Align(t time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return t
	}
	ns := t.UnixNano()
	rem := ns % int64(d)
	if rem < 0 {
		rem += int64(d)
	}
	return time.Unix(0, ns-rem).In(t.Location())
}

// Between returns the contiguous windows of duration d that start at or after
// from and end at or before to. Used by backfill to plan history.
func Between(from, to time.Time, d time.Duration) []Window {
	if d <= 0 || !from.Before(to) {
		return nil
	}
	var out []Window
	for w := New(from, d); !w.End().After(to); w = w.Next() {
		out = append(out, w)
	}
	return out
}

// Backwards walks from the window ending at end towards floor and returns the
// windows whose end lies after floor, newest first.
// The earliest returned window may start before floor; it is the window that
// contains floor.
func Backwards(end, floor time.Time, d time.Duration) []Window {
	if d <= 0 || !floor.Before(end) {
		return nil
	}
	var out []Window
	for w := New(end.Add(-d), d); w.End().After(floor); w = w.Prev() {
		out = append(out, w)
	}
	return out
}
