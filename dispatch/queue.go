package dispatch

import (
	"sync"
	"time"

	"github.com/stitchd/stitch/stop"
)

// envelope is the tagged result pushed through subscriber queues: either
// an upstream item or a stream failure. Errors cross the thread boundary
// as values, never as panics.
type envelope[T any] struct {
	item T
	err  error
}

type popResult int

const (
	popOK popResult = iota
	popTimeout
	popCancelled
)

// queue is one subscriber's unbounded inbox. The dispatcher goroutine is
// the only producer; the consumer goroutine is the only reader. Queues
// are append-only for the dispatcher's lifetime so late errors still
// reach an already-iterating subscriber.
type queue[T any] struct {
	mu     sync.Mutex
	items  []envelope[T]
	notify chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{notify: make(chan struct{})}
}

func (q *queue[T]) push(e envelope[T]) {
	q.mu.Lock()
	q.items = append(q.items, e)
	close(q.notify)
	q.notify = make(chan struct{})
	q.mu.Unlock()
}

func (q *queue[T]) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// pop dequeues the next envelope, waiting up to timeout. The bounded
// wait exists so the consumer can periodically re-check liveness, not to
// signal a real timeout.
func (q *queue[T]) pop(sig *stop.Signal, timeout time.Duration) (envelope[T], popResult) {
	var zero envelope[T]
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return e, popOK
		}
		notify := q.notify
		q.mu.Unlock()

		select {
		case <-notify:
		case <-timer.C:
			return zero, popTimeout
		case <-sig.Chan():
			return zero, popCancelled
		}
	}
}
