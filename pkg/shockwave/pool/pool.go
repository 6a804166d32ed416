// Package pool is a generic object-pool component (C10) for reusing
// scratch buffers and parser/response-shaped objects across requests
// instead of allocating them fresh per request. The http11 package keeps
// its own pools (http11/pool.go) and does not import this package.
//
// It is grounded on two sources: the shape (typed, per-kind pools
// registered once at startup, then drawn from on every request) comes
// from the tpool_* thread-local pool registry (misc/threadpool.c); the
// actual buffer storage is delegated to github.com/valyala/bytebufferpool
// instead of a hand-rolled sized free-list, generalizing the earlier
// buffer_pool.go approach (which reinvented exactly what bytebufferpool
// provides for byte slices).
package pool

import (
	"sync"

	"github.com/valyala/bytebufferpool"
)

// Buffers is the shared byte-buffer pool behind GetBuffer/PutBuffer.
// No other package in this module imports pool, so the http11 filters
// and the WebSocket permessage-deflate codec do not draw from it.
var Buffers bytebufferpool.Pool

// GetBuffer draws a *bytebufferpool.ByteBuffer from the shared pool.
// Callers must call PutBuffer when done.
func GetBuffer() *bytebufferpool.ByteBuffer {
	return Buffers.Get()
}

// PutBuffer returns a buffer obtained from GetBuffer.
func PutBuffer(b *bytebufferpool.ByteBuffer) {
	Buffers.Put(b)
}

// Typed is a generic sync.Pool wrapper for a specific Go type, used for
// Request/Response/Parser-shaped objects that bytebufferpool doesn't
// cover (it only pools byte buffers). This mirrors tpool_register's
// per-type registration, minus the manual free-list bookkeeping that
// Go's sync.Pool already does for us.
type Typed[T any] struct {
	pool sync.Pool
	new  func() T
}

// NewTyped creates a Typed pool whose New function is newFn.
func NewTyped[T any](newFn func() T) *Typed[T] {
	t := &Typed[T]{new: newFn}
	t.pool.New = func() interface{} { return newFn() }
	return t
}

// Get draws an object from the pool, allocating one if the pool is
// empty.
func (t *Typed[T]) Get() T {
	return t.pool.Get().(T)
}

// Put returns an object to the pool.
func (t *Typed[T]) Put(v T) {
	t.pool.Put(v)
}

// Warmup pre-populates the pool with count objects, avoiding allocation
// spikes during the first wave of requests after startup.
func (t *Typed[T]) Warmup(count int) {
	objs := make([]T, count)
	for i := range objs {
		objs[i] = t.new()
	}
	for i := range objs {
		t.pool.Put(objs[i])
	}
}
