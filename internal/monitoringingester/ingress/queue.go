package ingress

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Queue is an unbounded, thread-safe FIFO used both for the ingress channels and for
// the pending buffers between the forwarders and the batch collector.  All reads are
// non-blocking; an empty queue is a normal poll outcome, not an error.
//
// The queue deliberately applies no backpressure: producers must never block and
// messages must never be dropped.  An optional soft ceiling logs a warning when
// crossed so that unbounded growth under load is at least visible.
type Queue[T any] struct {
	mu          sync.Mutex
	items       []T
	softCeiling int
	warned      bool

	name string
	log  *logrus.Entry
}

// NewQueue returns an empty queue.  A softCeiling of zero disables the high watermark
// warning.
func NewQueue[T any](name string, softCeiling int, log *logrus.Entry) *Queue[T] {
	return &Queue[T]{
		name:        name,
		softCeiling: softCeiling,
		log:         log.WithField("queue", name),
	}
}

// Put appends an item.  Never blocks and never drops.
func (q *Queue[T]) Put(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	n := len(q.items)
	warn := q.softCeiling > 0 && n >= q.softCeiling && !q.warned
	if warn {
		q.warned = true
	}
	q.mu.Unlock()

	if warn {
		q.log.Warnf("Queue length %d has crossed the soft ceiling of %d; memory use will grow until consumers catch up", n, q.softCeiling)
	}
}

// TryPop removes and returns the oldest item.  The second return value is false if the
// queue was observed empty.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		var zero T
		return zero, false
	}

	item := q.items[0]
	q.items = q.items[1:]
	if q.warned && len(q.items) < q.softCeiling/2 {
		q.warned = false
	}
	return item, true
}

// Len returns the number of items currently queued.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Name returns the name the queue was created with.
func (q *Queue[T]) Name() string {
	return q.name
}
