// Package mpx is the edge-triggered multiplexer (C5): a single reactor
// per listener that watches many connection file descriptors and
// invokes a callback when one becomes readable or writable, instead of
// a one-goroutine-per-connection blocking I/O model.
//
// This is the REDESIGNED component the core is built around: a design
// where each connection blocks in Read/Write on its own goroutine scales
// poorly past a few thousand concurrent connections because each idle
// goroutine still pins a stack. mpx instead re-arms each fd oneshot after
// every event so that exactly one goroutine ever touches a given
// connection's file descriptor at a time, handing the "what to do next"
// decision to the caller's Events callback. Linux uses epoll via
// golang.org/x/sys/unix (EPOLLET|EPOLLONESHOT); other platforms get a
// portable fallback that preserves the same Add/Modify/Remove/Wait
// interface so the rest of the engine never branches on platform.
package mpx

// EventMask is a bitmask of readiness conditions.
type EventMask uint32

const (
	// EventRead indicates the fd is ready for a non-blocking read.
	EventRead EventMask = 1 << iota
	// EventWrite indicates the fd is ready for a non-blocking write.
	EventWrite
	// EventHup indicates the peer closed or an error occurred.
	EventHup
)

// Event is a single readiness notification delivered by Wait.
type Event struct {
	Fd     int
	Mask   EventMask
	Cookie interface{}
}

// Multiplexer is the platform-independent surface the reactor loop
// drives. Add/Modify re-arm the fd oneshot: after an event fires for fd,
// no further events are delivered for it until Modify is called again,
// mirroring EPOLLONESHOT semantics so the worker pool can safely process
// an event without racing a second wakeup for the same connection.
type Multiplexer interface {
	// Add registers fd for the given interest mask, oneshot, tagging
	// the event with cookie (typically a *conn.Conn).
	Add(fd int, mask EventMask, cookie interface{}) error
	// Modify re-arms fd with a new interest mask after it has fired.
	Modify(fd int, mask EventMask, cookie interface{}) error
	// Remove stops watching fd.
	Remove(fd int) error
	// Wait blocks until at least one event is ready (or timeoutMs
	// elapses, -1 for no timeout) and appends them to events,
	// returning the populated slice.
	Wait(events []Event, timeoutMs int) ([]Event, error)
	// Close releases the multiplexer's own resources (e.g. the epoll
	// fd). It does not close watched fds.
	Close() error
}
