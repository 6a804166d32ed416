package http11

import (
	"time"

	"github.com/shockwave-io/shockwave/pkg/shockwave/conn"
)

// Handler is the request handler function invoked once a request has
// been fully parsed and admitted past the worker pool's rate limiter.
// Returning an error closes the connection after the response (if any)
// is flushed.
type Handler func(*Request, *ResponseWriter) error

// ConnectionConfig holds configuration for an HTTP connection's
// protocol handling — separate from mpx/conn.Conn's socket-level
// concerns and from the TCP keepalive probes socket.Config controls.
type ConnectionConfig struct {
	// KeepAliveTimeout is the idle time allowed between requests on a
	// keep-alive connection. HTTPState does not read it and starts no
	// idle timer from it, so it does not by itself close idle connections.
	KeepAliveTimeout time.Duration
	// MaxRequests caps requests served per connection (0 = unlimited).
	MaxRequests int
	// MaxBodySize bounds a request body's Content-Length (§4.6,
	// PayloadLarge beyond this).
	MaxBodySize int64
	// TmpDir is where request bodies are spooled during parsing.
	TmpDir string
}

// DefaultConnectionConfig returns the default connection configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		KeepAliveTimeout: 60 * time.Second,
		MaxRequests:      0,
		MaxBodySize:      32 << 20,
		TmpDir:           "",
	}
}

// HTTPState is the HTTP protocol state a conn.Conn's Data field holds
// while ProtocolHTTP is active: the in-progress parser/request and the
// response writer draining the filter chain. It replaces what used to
// be a *Connection's blocking Serve() loop — instead of one goroutine
// parked in conn.Read per connection, mpx invokes OnReadable/OnWritable
// against this state exactly once per readiness event, and the state
// persists across events so parsing a request can span many partial
// reads without blocking a goroutine for the gaps between them.
type HTTPState struct {
	cfg     ConnectionConfig
	handler Handler

	parser  *Parser
	request *Request
	writer  *ResponseWriter

	requestCount int
	closeAfter   bool
}

// NewHTTPState creates the per-connection HTTP state for a freshly
// accepted connection.
func NewHTTPState(cfg ConnectionConfig, handler Handler) *HTTPState {
	return &HTTPState{cfg: cfg, handler: handler}
}

// Dispatch is supplied by the server wiring: it takes a fully parsed
// request and the connection it arrived on and is responsible for
// queuing a worker.Item onto c.Qc and pushing the connection onto the
// global ready queue (via c.EnqueueReady). http11 doesn't import
// worker itself to avoid a cycle (worker already imports conn, and the
// HTTP layer only needs "hand this off", not the queue's internals).
type Dispatch func(c *conn.Conn, req *Request)

// OnReadable is the read-side callback mpx invokes when c's fd reports
// readable. It pulls whatever bytes are available directly off the
// non-blocking fd, feeds the byte-at-a-time parser, and for each
// completed request calls dispatch — looping to consume a pipelined
// run of requests already sitting in the read buffer before returning
// control to the reactor.
func (s *HTTPState) OnReadable(c *conn.Conn, dispatch Dispatch) error {
	var buf [DefaultBufferSize]byte
	for {
		n, err := c.Read(buf[:])
		if err != nil {
			if conn.IsAgain(err) {
				return c.AfterRead()
			}
			if conn.IsEOF(err) {
				return c.Close()
			}
			return err
		}

		data := buf[:n]
		for len(data) > 0 {
			if s.parser == nil {
				s.parser = GetParser()
				s.request = GetRequest()
				s.request.RemoteAddr = c.RemoteAddr
				s.parser.Reset(s.request, s.cfg.MaxBodySize, s.cfg.TmpDir)
			}

			consumed, result := s.parser.FeedChunk(data)
			data = data[consumed:]

			switch result {
			case Continue:
				// Parser consumed everything offered; wait for more
				// bytes on the next readable event.
			case Complete, HandleAndContinue:
				req := s.request
				c.KeepAlive = !req.Close
				s.requestCount++
				if s.cfg.MaxRequests > 0 && s.requestCount >= s.cfg.MaxRequests {
					req.Close = true
					c.KeepAlive = false
				}
				s.releaseParser()
				c.Inc()
				dispatch(c, req)
				if result == Complete {
					data = nil
				}
			case BadRequest, PayloadLarge, OutOfMemory, Error, HostNotFound:
				s.writeParseError(c, result)
				s.releaseParser()
				return nil
			}
		}

		if n < len(buf) {
			// Short read: the socket has nothing more buffered right
			// now. Re-arm rather than looping on another EAGAIN.
			return c.AfterRead()
		}
	}
}

func (s *HTTPState) releaseParser() {
	if s.parser != nil {
		PutParser(s.parser)
		s.parser = nil
	}
	s.request = nil
}

func (s *HTTPState) writeParseError(c *conn.Conn, result Result) {
	status := 400
	switch result {
	case PayloadLarge:
		status = 413
	case HostNotFound:
		status = 404
	case OutOfMemory, Error:
		status = 500
	}
	w := NewResponseWriter(c)
	w.WriteError(status, statusText(status))
	_ = w.Flush()
	c.KeepAlive = false
	_ = c.Close()
}

// OnWritable is the write-side callback mpx invokes when c's fd
// reports writable: it drains the active response's filter chain
// (§4.7) and, once fully flushed, lets c.AfterWrite decide whether to
// reset for keep-alive or tear the connection down.
func (s *HTTPState) OnWritable(c *conn.Conn) error {
	if s.writer == nil {
		return c.AfterWrite(nil)
	}

	status := s.writer.resp.WriteTo()
	switch status {
	case FilterEventAgain:
		return nil // stay armed for write; mpx will signal again
	case FilterError:
		c.KeepAlive = false
		return c.Close()
	case FilterOK, FilterDataAgain:
		w := s.writer
		s.writer = nil
		PutResponseWriter(w)
		return c.AfterWrite(nil)
	}
	return nil
}

// SetWriter installs the ResponseWriter a handler produced so
// OnWritable can drain it on the next writable event.
func (s *HTTPState) SetWriter(w *ResponseWriter) {
	s.writer = w
}
