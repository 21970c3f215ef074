// Package events carries queue lifecycle events (accepted, claimed, completed,
// retried and so on) from the intake service to pluggable sinks. Emit never
// blocks the caller; a background goroutine batches events and hands each
// batch to every sink.
package events
