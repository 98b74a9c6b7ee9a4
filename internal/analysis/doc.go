// Package analysis turns task definitions into frames.
//
// Engine.Tick materializes at most one window per call and is safe to run
// concurrently and repeatedly from any number of processes: the frame store's
// unique (task, start) insert decides which caller computes a window.
// Controller drives the arm status that gates ticks, and Advisor computes how
// much stream history may be deleted.
package analysis
