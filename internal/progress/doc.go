// Package progress carries run progress from the orchestrator to pluggable
// sinks. The Hub buffers events on a background goroutine, never blocks the
// caller, and flushes batches by size or age.
package progress
