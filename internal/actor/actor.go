// Package actor implements the single-threaded run loop a partition's
// router and bpmn behavior share: a dedicated goroutine drains a buffered
// channel of closures one at a time, so topology callbacks and router/
// behavior calls are never interleaved and require no locking inside the
// core types. Ordering between any two posted closures is exactly their
// post order.
package actor

import (
	"context"
	"fmt"
	"sync"

	"github.com/brokerflow/eventcore/internal/logx"
)

// task is one unit of work posted to the actor: a closure plus the channel
// its caller is waiting on for completion.
type task struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

// Actor drains posted closures one at a time on a single goroutine. The
// zero value is not usable; construct with New.
type Actor struct {
	mu     sync.Mutex
	closed bool
	queue  chan task
	done   chan struct{}
}

// New starts an Actor with the given queue depth and begins running its
// loop immediately in a new goroutine. Callers must call Stop to release
// the goroutine once the actor is no longer needed.
func New(queueDepth int) *Actor {
	a := &Actor{
		queue: make(chan task, queueDepth),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Actor) run() {
	defer close(a.done)
	for t := range a.queue {
		a.runOne(t)
	}
}

// runOne executes a single task, recovering any panic so one misbehaving
// closure can never take down the actor's goroutine and strand the rest of
// the queue.
func (a *Actor) runOne(t task) {
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			logx.FromContext(context.Background()).Error("actor task panicked", "panic", fmt.Sprintf("%v", r))
		}
	}()
	t.fn(context.Background())
}

// post enqueues t, holding a.mu for the duration so Stop can never close
// a.queue while a send to it is in flight.
func (a *Actor) post(ctx context.Context, t task) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("actor: post called after stop")
	}
	select {
	case a.queue <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run posts fn onto the actor and blocks until it has executed (or ctx is
// cancelled while waiting, either to enqueue or for completion). The caller
// observes fn's side effects as already applied once Run returns.
func (a *Actor) Run(ctx context.Context, fn func(ctx context.Context)) error {
	t := task{fn: fn, done: make(chan struct{})}
	if err := a.post(ctx, t); err != nil {
		return err
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnCompletion posts fn onto the actor without waiting for it to run.
// Ordering relative to other posted closures is still exactly the post
// order, but the caller does not block on execution.
func (a *Actor) RunOnCompletion(fn func(ctx context.Context)) error {
	t := task{fn: fn, done: make(chan struct{})}
	return a.post(context.Background(), t)
}

// Stop closes the queue and blocks until every already-posted task has
// drained. Posting to a stopped actor returns an error instead of
// blocking forever.
func (a *Actor) Stop() {
	a.mu.Lock()
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
}
