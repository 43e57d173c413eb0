// Package syncer coordinates the local cache and the network: the single
// event goroutine, per-query views, limbo resolution and the client facade.
package syncer

import (
	"fmt"
	"log/slog"
	"sync"
)

type task struct {
	name string
	fn   func()
}

const taskBufferSize = 256

// WorkQueue is the client's single event goroutine. Every piece of engine
// and stream state is only touched from tasks running here, which removes
// locking from the entire sync path.
type WorkQueue struct {
	tasks   chan task
	done    chan struct{}
	closing chan struct{}

	mu      sync.Mutex
	closed  bool
	sending sync.WaitGroup
}

// NewWorkQueue starts the event goroutine.
func NewWorkQueue() *WorkQueue {
	q := &WorkQueue{
		tasks:   make(chan task, taskBufferSize),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *WorkQueue) run() {
	defer close(q.done)
	for t := range q.tasks {
		q.runTask(t)
	}
}

func (q *WorkQueue) runTask(t task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic in queued task", "task", t.name, "panic", r)
		}
	}()
	t.fn()
}

// beginSend registers the caller as an in-flight sender. The channel send
// itself happens outside the mutex: a sender blocked on a full buffer selects
// against closing, so Close never waits behind it while holding the lock.
func (q *WorkQueue) beginSend() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.sending.Add(1)
	return true
}

// Enqueue schedules fn on the event goroutine. Tasks arriving after Close
// are dropped; late stream callbacks during shutdown are expected.
func (q *WorkQueue) Enqueue(name string, fn func()) {
	if !q.beginSend() {
		slog.Debug("Dropping task after queue close", "task", name)
		return
	}
	defer q.sending.Done()
	select {
	case q.tasks <- task{name: name, fn: fn}:
	case <-q.closing:
		slog.Debug("Dropping task after queue close", "task", name)
	}
}

// EnqueueAndWait runs fn on the event goroutine and blocks until it
// finishes. Calling it from the event goroutine itself would deadlock.
func (q *WorkQueue) EnqueueAndWait(name string, fn func()) error {
	if !q.beginSend() {
		return fmt.Errorf("work queue is closed")
	}
	finished := make(chan struct{})
	t := task{name: name, fn: func() {
		defer close(finished)
		fn()
	}}
	select {
	case q.tasks <- t:
		q.sending.Done()
	case <-q.closing:
		q.sending.Done()
		return fmt.Errorf("work queue is closed")
	}
	<-finished
	return nil
}

// Close drains every queued task and stops the goroutine.
func (q *WorkQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.closing)
	q.mu.Unlock()
	// No sender can be mid-send once the wait returns, so closing the task
	// channel is safe.
	q.sending.Wait()
	close(q.tasks)
	<-q.done
}
