package xdsclient

import "sync"

// unboundedQueue is an unbounded FIFO mailbox of pending requests, grounded
// directly on the teacher's usage of google.golang.org/grpc/internal/buffer.Unbounded
// (adsRequestCh.Put/Get/Load in transport.go) — that package is internal to
// grpc-go and unimportable, so this reimplements the same Put/Get/Load
// contract the teacher relies on.
type unboundedQueue struct {
	c chan any

	mu      sync.Mutex
	backlog []any
	closed  bool
}

func newUnboundedQueue() *unboundedQueue {
	return &unboundedQueue{c: make(chan any, 1)}
}

// put appends t to the queue, waking up a pending get if the queue was
// empty.
func (q *unboundedQueue) put(t any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if len(q.backlog) == 0 {
		select {
		case q.c <- t:
			return
		default:
		}
	}
	q.backlog = append(q.backlog, t)
}

// get returns a channel that yields the head of the queue once available.
// Call load after receiving from it to ready the next item.
func (q *unboundedQueue) get() <-chan any { return q.c }

// load refills the channel returned by get from the backlog, per the
// teacher's "t.adsRequestCh.Load()" call immediately following a receive.
func (q *unboundedQueue) load() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.backlog) == 0 {
		return
	}
	select {
	case q.c <- q.backlog[0]:
		q.backlog = q.backlog[1:]
	default:
	}
}

// close stops further puts from being accepted.
func (q *unboundedQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
