// Package queue gives each Update Pipeline sub-component (spec §5: "Update
// Pipeline tables ... single-writer tasks per sub-component, using internal
// queues; external callers submit commands to those queues and receive
// snapshots") a single owning goroutine. Every mutation funnels through one
// command channel instead of a table-wide mutex, so callers never block each
// other beyond the queue itself.
package queue

import "context"

// Queue runs submitted commands one at a time on a single goroutine.
type Queue struct {
	cmds chan func()
	done chan struct{}
}

// New creates a Queue with the given command buffer size.
func New(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 64
	}
	return &Queue{cmds: make(chan func(), buffer), done: make(chan struct{})}
}

// Start runs the single consumer goroutine until ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		defer close(q.done)
		for {
			select {
			case <-ctx.Done():
				return
			case cmd := <-q.cmds:
				cmd()
			}
		}
	}()
}

// Stop waits for the consumer to exit after the ctx passed to Start has been
// cancelled; it does not cancel anything itself.
func (q *Queue) Stop() {
	<-q.done
}

// Submit enqueues fn to run on the owning goroutine and blocks for its
// result.
func Submit[T any](q *Queue, fn func() T) T {
	result := make(chan T, 1)
	q.cmds <- func() { result <- fn() }
	return <-result
}

// SubmitVoid enqueues fn for side effects only.
func SubmitVoid(q *Queue, fn func()) {
	done := make(chan struct{})
	q.cmds <- func() { fn(); close(done) }
	<-done
}
