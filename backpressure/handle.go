package backpressure

import (
	"context"
	"sync/atomic"
	"time"
)

// Task state transitions: pending -> running -> done, or pending/running -> cancelled.
const (
	statePending int32 = iota
	stateRunning
	stateDone
	stateCancelled
)

// Task is the unit of work submitted to a handler.
type Task func(ctx context.Context) error

// Handle tracks a submitted task. The submitter can wait for the result or
// cancel the task; cancelling a running task cancels its context.
type Handle struct {
	id         string
	owner      *Handler
	task       Task
	sizeBytes  int64
	enqueuedAt time.Time

	state  atomic.Int32
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

// ID returns the task's unique identifier.
func (h *Handle) ID() string { return h.id }

// Await blocks until the task finishes, is dropped, or the context expires.
func (h *Handle) Await(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the task reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the task's result once Done is closed. Before that it is nil.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// finish moves the handle to a terminal state exactly once. Returns false if
// the handle was already terminal.
func (h *Handle) finish(from, to int32, err error) bool {
	if !h.state.CompareAndSwap(from, to) {
		return false
	}
	h.err = err
	close(h.done)
	return true
}
