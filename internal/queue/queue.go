// Package queue serializes asynchronous work items. Items run strictly in
// FIFO order on a single drain goroutine; the head item is re-invoked on
// every kick until it reports completion, so later items never overtake
// an item that is still waiting for its inputs (more socket bytes,
// usually).
package queue

import (
	"errors"
	"sync"
)

// ErrClosed is reported to items still pending when the queue shuts down.
var ErrClosed = errors.New("queue closed")

// Action performs one attempt at a unit of work. done=false keeps the
// action at the head for another attempt on the next kick; done=true
// completes it. A non-nil error removes the action and fails it.
type Action func() (done bool, err error)

type item struct {
	action Action
	result chan error
}

// Queue is a single-goroutine cooperative work queue.
type Queue struct {
	mu     sync.Mutex
	items  []*item
	closed bool

	kick chan struct{}
	done chan struct{}
}

func New() *Queue {
	q := &Queue{
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.drain()
	return q
}

// Run enqueues an action and returns a channel that receives exactly one
// value when the action completes (nil) or fails.
func (q *Queue) Run(a Action) <-chan error {
	it := &item{action: a, result: make(chan error, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		it.result <- ErrClosed
		return it.result
	}
	q.items = append(q.items, it)
	q.mu.Unlock()

	q.Kick()
	return it.result
}

// Kick schedules another drain pass. Call it when the condition a
// retrying head action waits on may have changed.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Close stops the drain goroutine. Items still pending fail with
// ErrClosed. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	close(q.done)
	for _, it := range pending {
		it.result <- ErrClosed
	}
}

// drain is the only goroutine that ever invokes actions, which is what
// makes the queue re-entrancy safe: an action can call Run or Kick but
// can never cause another action to start underneath it.
func (q *Queue) drain() {
	for {
		select {
		case <-q.done:
			return
		case <-q.kick:
		}

		for {
			q.mu.Lock()
			if q.closed || len(q.items) == 0 {
				q.mu.Unlock()
				break
			}
			head := q.items[0]
			q.mu.Unlock()

			done, err := head.action()
			if err == nil && !done {
				// Head stays; wait for the next kick.
				break
			}

			q.mu.Lock()
			popped := false
			if !q.closed && len(q.items) > 0 && q.items[0] == head {
				q.items = q.items[1:]
				popped = true
			}
			q.mu.Unlock()
			// If Close raced us it already failed the item; it owns
			// the result channel in that case.
			if popped {
				head.result <- err
			}
		}
	}
}
