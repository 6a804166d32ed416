// Package queue implements the FIFO structures the dispatcher uses to
// hand ready connections to worker goroutines: a per-connection queue
// (Qc, one per connection, holding its pending work items in order)
// and a global ready queue (Qg, shared by all workers).
//
// Grounded on cqueue_t: a singly-linked list with a tail pointer for
// O(1) append, an explicit lock (here a sync.Mutex instead of the
// original's atomic spin-lock) and a size counter.
package queue

import "sync"

type item struct {
	value interface{}
	next  *item
}

// Queue is a concurrent FIFO. The zero value is ready to use.
type Queue struct {
	mu    sync.Mutex
	head  *item
	tail  *item
	count int
}

// New returns an empty Queue.
func New() *Queue { return &Queue{} }

// Append adds value to the back of the queue (cqueue_append).
func (q *Queue) Append(value interface{}) {
	it := &item{value: value}
	q.mu.Lock()
	if q.tail == nil {
		q.head = it
		q.tail = it
	} else {
		q.tail.next = it
		q.tail = it
	}
	q.count++
	q.mu.Unlock()
}

// Prepend adds value to the front of the queue (cqueue_prepend). No
// code in this module calls it.
func (q *Queue) Prepend(value interface{}) {
	it := &item{value: value}
	q.mu.Lock()
	it.next = q.head
	q.head = it
	if q.tail == nil {
		q.tail = it
	}
	q.count++
	q.mu.Unlock()
}

// Pop removes and returns the item at the front of the queue. The
// second return value is false if the queue was empty (cqueue_pop
// returns NULL in that case).
func (q *Queue) Pop() (interface{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == nil {
		return nil, false
	}
	it := q.head
	q.head = it.next
	if q.head == nil {
		q.tail = nil
	}
	q.count--
	return it.value, true
}

// Empty reports whether the queue currently has no items.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head == nil
}

// Len returns the current number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Clear drains the queue, discarding every item.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.head = nil
	q.tail = nil
	q.count = 0
	q.mu.Unlock()
}

// ClearFunc drains the queue, invoking cb on each discarded value
// (cqueue_clearcb), used to release pooled items back to their pool
// rather than leaking them on shutdown.
func (q *Queue) ClearFunc(cb func(interface{})) {
	q.mu.Lock()
	head := q.head
	q.head = nil
	q.tail = nil
	q.count = 0
	q.mu.Unlock()
	for it := head; it != nil; it = it.next {
		cb(it.value)
	}
}
