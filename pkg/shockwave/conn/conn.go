// Package conn implements the reference-counted, multiplexer-driven
// connection object (C4): the thing mpx hands readiness events for and
// the thing the HTTP and WebSocket layers drive their parsers and
// filter chains from.
//
// This replaces the goroutine-per-connection blocking Serve() loop the
// engine used to have: instead of one goroutine parked in conn.Read()
// per connection, a Conn is inert between events. mpx wakes exactly one
// goroutine for it at a time (oneshot), that goroutine reads whatever
// bytes are available, feeds them to the active parser, and re-arms
// before returning. The connection survives across many such wakeups,
// which is what lets a single process hold far more open connections
// than it has OS threads.
package conn

import (
	"net"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/shockwave-io/shockwave/pkg/shockwave/mpx"
	"github.com/shockwave-io/shockwave/pkg/shockwave/queue"
)

// Protocol identifies which parser/framer currently owns a Conn's byte
// stream. A Conn starts in ProtocolHTTP and may move to ProtocolWebSocket via
// a deferred switch applied by AfterWrite.
type Protocol int

const (
	ProtocolHTTP Protocol = iota
	ProtocolWebSocket
)

// protocolSwitch is the "deferred protocol switch" slot described in
// §4.5: a function plus opaque payload to apply once the current
// response has fully flushed, so an in-flight write never observes a
// mid-exchange protocol change.
type protocolSwitch struct {
	fn   func(c *Conn, data interface{})
	data interface{}
}

// Conn is the engine's per-connection state: a raw, non-blocking file
// descriptor registered with a Multiplexer, a reference count, a
// single-writer lock, a per-connection work queue, and a slot for a
// deferred protocol switch.
//
// Invariants (§3): only one I/O callback runs on a Conn at a time
// (enforced by Lock/Unlock); refcount stays >= 1 while registered with
// the multiplexer; once destroyed is set the Conn is never
// re-registered; the Conn is freed exactly when the last holder's Dec
// brings the refcount to zero.
type Conn struct {
	fd  int
	raw net.Conn // kept for RemoteAddr/LocalAddr and final OS-level Close

	mpx mpx.Multiplexer

	refcount  atomic.Int32
	destroyed atomic.Bool
	locked    atomic.Bool

	// broadcastRef implements the Qg push gate (§4.9): the I/O side
	// flips this 1->2 with a CAS and only pushes onto the global ready
	// queue on that transition, so a connection is never queued twice
	// concurrently. A worker resets it to 1 after draining Qc.
	broadcastRef atomic.Int32

	RemoteAddr string
	KeepAlive  bool
	Protocol   Protocol

	// Qc is this connection's FIFO of pending work items (parsed
	// requests or queued responses), drained by workers in order.
	Qc *queue.Queue

	pendingSwitch *protocolSwitch

	// EnqueueReady is called on the Qc/broadcast 1->2 transition to
	// push this connection onto the worker pool's global ready queue
	// Qg. Set by the server wiring at Conn creation; conn itself
	// doesn't import worker to avoid a cycle.
	EnqueueReady func(*Conn)

	// Data is the protocol layer's slot for whatever it needs to keep
	// alive across events: the active *http11.Parser/*http11.Request/
	// *http11.ResponseWriter, or a WebSocket connection wrapper.
	Data interface{}
}

// New wraps an accepted net.Conn as a Conn registered with mx under fd
// for oneshot read readiness, extracting the raw file descriptor via
// SyscallConn so that subsequent reads/writes bypass the Go runtime's
// own netpoller and go straight through unix.Read/unix.Write — the
// point of building a Multiplexer at all is to own readiness decisions
// ourselves rather than parking a goroutine in net.Conn.Read.
func New(raw net.Conn, mx mpx.Multiplexer) (*Conn, error) {
	fd, err := extractFd(raw)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		fd:         fd,
		raw:        raw,
		mpx:        mx,
		RemoteAddr: raw.RemoteAddr().String(),
		Qc:         queue.New(),
	}
	c.refcount.Store(1)
	c.broadcastRef.Store(1)

	if err := mx.Add(fd, mpx.EventRead, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Fd returns the raw file descriptor backing this connection.
func (c *Conn) Fd() int { return c.fd }

// RawConn returns the original net.Conn this Conn was built from. The
// HTTP and worker layers never use it (they go through Read/Write
// directly against the fd), but a protocol upgrade that hands the
// connection off to a blocking-I/O package — WebSocket framing, which
// expects to own a net.Conn — needs it once the connection is Detach'd
// from the multiplexer.
func (c *Conn) RawConn() net.Conn { return c.raw }

// Detach removes the connection from the multiplexer without closing
// the file descriptor or marking the connection destroyed, handing
// exclusive ownership of the fd to the caller (e.g. a WebSocket
// connection that will manage its own blocking reads from here on).
func (c *Conn) Detach() error {
	return c.mpx.Remove(c.fd)
}

// Read issues a single non-blocking read directly on the connection's
// file descriptor, bypassing net.Conn's Read so the only readiness
// authority for this fd is the Multiplexer that registered it.
func (c *Conn) Read(p []byte) (int, error) {
	n, err := unix.Read(c.fd, p)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, errAgain
		}
		return n, err
	}
	if n == 0 {
		return 0, errEOF
	}
	return n, nil
}

// Write issues a single non-blocking write directly on the connection's
// file descriptor.
func (c *Conn) Write(p []byte) (int, error) {
	n, err := unix.Write(c.fd, p)
	if err != nil {
		if err == unix.EAGAIN {
			return n, errAgain
		}
		return n, err
	}
	return n, nil
}

// Lock acquires the connection's single-writer flag, spinning until no
// other read, write, or close callback holds it (§4.5: "lock/unlock
// wrap a spin on an atomic boolean").
func (c *Conn) Lock() {
	for !c.locked.CompareAndSwap(false, true) {
		// Busy-spin: critical sections under this lock are a single
		// non-blocking read or write syscall plus parser/filter work,
		// never another blocking operation, so contention is brief.
	}
}

// Unlock releases the single-writer flag.
func (c *Conn) Unlock() {
	c.locked.Store(false)
}

// Inc increments the reference count. Callers that hand a Conn to
// another goroutine (e.g. queuing a work item that outlives the current
// callback) must Inc first and Dec when done.
func (c *Conn) Inc() {
	c.refcount.Add(1)
}

// Dec decrements the reference count and frees the connection's OS
// resources when it reaches zero.
func (c *Conn) Dec() {
	if c.refcount.Add(-1) == 0 {
		c.free()
	}
}

func (c *Conn) free() {
	_ = c.raw.Close()
}

// Destroyed reports whether Close has been called on this connection.
func (c *Conn) Destroyed() bool {
	return c.destroyed.Load()
}

// AfterRead re-arms the multiplexer for writable and read-hup events,
// signalling that the write side should now drain whatever work items
// the read side produced (§4.5).
func (c *Conn) AfterRead() error {
	return c.mpx.Modify(c.fd, mpx.EventWrite|mpx.EventHup, c)
}

// AfterWrite implements the §4.5 post-write re-arm decision: tear the
// connection down if keep-alive doesn't hold, otherwise reset it
// (caller-supplied resetFn clears parser/request/response/filter
// state), apply any deferred protocol switch, and re-arm either for
// more work (oneshot onto Qg) or for the next read.
func (c *Conn) AfterWrite(resetFn func()) error {
	if !c.KeepAlive {
		c.destroyed.Store(true)
		return c.mpx.Modify(c.fd, mpx.EventRead|mpx.EventWrite|mpx.EventHup, c)
	}

	if resetFn != nil {
		resetFn()
	}
	c.applyProtocolSwitch()

	if !c.Qc.Empty() {
		c.tryEnqueueReady()
		return c.mpx.Modify(c.fd, mpx.EventRead|mpx.EventWrite, c)
	}
	return c.mpx.Modify(c.fd, mpx.EventRead, c)
}

// SetProtocolSwitch records a protocol change to apply once the
// current response has fully flushed (the HTTP -> WebSocket upgrade
// path: the 101 response itself must finish writing as HTTP before the
// connection starts framing WebSocket messages).
func (c *Conn) SetProtocolSwitch(fn func(c *Conn, data interface{}), data interface{}) {
	c.pendingSwitch = &protocolSwitch{fn: fn, data: data}
}

func (c *Conn) applyProtocolSwitch() {
	if c.pendingSwitch == nil {
		return
	}
	sw := c.pendingSwitch
	c.pendingSwitch = nil
	sw.fn(c, sw.data)
}

// EnqueueWork appends item to this connection's Qc and performs the Qg
// push-gate transition so a worker picks the connection up. This is the
// entry point the HTTP and WebSocket dispatch paths use to hand a
// parsed request (or a queued outbound frame) to the worker pool
// without either layer importing the other.
func (c *Conn) EnqueueWork(item interface{}) {
	c.Qc.Append(item)
	c.tryEnqueueReady()
}

// tryEnqueueReady performs the Qg push gate's 1->2 compare-and-swap and
// invokes EnqueueReady only on that transition, so a connection with
// work pending is never queued onto Qg more than once concurrently.
func (c *Conn) tryEnqueueReady() {
	if c.broadcastRef.CompareAndSwap(1, 2) && c.EnqueueReady != nil {
		c.EnqueueReady(c)
	}
}

// ReleaseReady resets the Qg push gate back to 1 after a worker has
// finished draining this connection's queue, allowing a future
// AfterWrite to push it again.
func (c *Conn) ReleaseReady() {
	c.broadcastRef.Store(1)
}

// Close removes the connection from the multiplexer, marks it
// destroyed, and decrements the refcount, per §4.5's close operation.
// The final OS-level close happens in free() once the refcount reaches
// zero (it may not be zero yet if a worker still holds a reference).
func (c *Conn) Close() error {
	c.destroyed.Store(true)
	err := c.mpx.Remove(c.fd)
	c.Dec()
	return err
}
