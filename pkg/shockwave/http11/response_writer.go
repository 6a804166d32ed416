package http11

import (
	"io"
	"os"
	"strconv"
)

// ResponseWriter is the small handler-facing builder API described in
// §4.7: set status, add headers, hand over the body (literal bytes, a
// file, or JSON), and let Flush drive the underlying Response through
// its filter chain. It buffers literal-byte bodies in memory until
// Flush so the filter chain's header-phase decisions (auto-gzip size
// threshold, Content-Length) have the final byte count to work from —
// streaming writers that don't know their total size in advance should
// call WriteChunk directly instead.
type ResponseWriter struct {
	resp *Response
	buf  []byte

	manualChunked bool
	statusSet     bool
}

// NewResponseWriter creates a ResponseWriter over w with no bound
// request, so the not_modified and range filters are inert (they both
// no-op without a request to read conditional headers from). Use
// BindRequest for full filter-chain behaviour.
func NewResponseWriter(w io.Writer) *ResponseWriter {
	rw := &ResponseWriter{}
	rw.resp = NewResponse(nil, w)
	return rw
}

// BindRequest associates req with the ResponseWriter's Response so the
// not_modified and range filters can evaluate conditional/Range
// headers against it.
func (rw *ResponseWriter) BindRequest(req *Request) {
	rw.resp.req = req
	rw.resp.isHead = req != nil && req.IsHEAD()
}

// Header returns the response header list.
func (rw *ResponseWriter) Header() *Header { return rw.resp.Header() }

// WriteHeader sets the status code. Matches the teacher's
// first-call-wins semantics: once a status has been set or headers are
// sent, further calls are ignored.
func (rw *ResponseWriter) WriteHeader(statusCode int) {
	if rw.resp.headersSent || rw.statusSet {
		return
	}
	rw.statusSet = true
	rw.resp.SetStatus(statusCode)
}

// Write appends data to the in-memory body buffer. The first call
// implicitly sets status 200 if WriteHeader was never called.
func (rw *ResponseWriter) Write(data []byte) (int, error) {
	rw.buf = append(rw.buf, data...)
	return len(data), nil
}

// SendFile hands the response body to an open file of the given size;
// the Response takes ownership and closes it once drained.
func (rw *ResponseWriter) SendFile(f *os.File, size int64) {
	rw.resp.SetBodyFile(f, size)
}

// Prepare runs the header-phase decisions (auto-gzip/chunked, Range,
// Content-Length) without driving the filter chain itself. The
// mpx-driven connection path calls this once a handler returns and then
// lets its own write-readiness callback pump Response.WriteTo, instead
// of Flush's busy-loop which would block the worker goroutine across an
// EventAgain suspension.
func (rw *ResponseWriter) Prepare() {
	if rw.resp.body == bodyNone && len(rw.buf) > 0 {
		rw.resp.SetBody(rw.buf)
	}
	if !rw.resp.headersSent {
		rw.resp.prepare()
	}
}

// Flush prepares the response (auto-gzip/chunked decisions, Range
// application) and drives the filter chain to completion. It blocks
// across EventAgain suspensions, which is appropriate for the simple
// synchronous call sites (tests, WebSocket resource sub-protocol
// responses); the mpx-driven HTTP connection path instead calls
// Response.WriteTo directly from its write-readiness callback so an
// EventAgain suspension yields to the reactor instead of busy-looping.
func (rw *ResponseWriter) Flush() error {
	rw.Prepare()
	for {
		switch rw.resp.WriteTo() {
		case FilterOK:
			return nil
		case FilterError:
			return ErrConnectionClosed
		case FilterEventAgain, FilterDataAgain:
			continue
		}
	}
}

// Status returns the response status code.
func (rw *ResponseWriter) Status() int { return rw.resp.Status() }

// BytesWritten returns the number of response bytes written so far.
func (rw *ResponseWriter) BytesWritten() int64 { return rw.resp.BytesWritten() }

// HeaderWritten reports whether the status line and headers have
// already gone out.
func (rw *ResponseWriter) HeaderWritten() bool { return rw.resp.headersSent }

// Reset clears the ResponseWriter for reuse against a new writer,
// dropping any bound request (callers must BindRequest again).
func (rw *ResponseWriter) Reset(w io.Writer) {
	if rw.resp == nil {
		rw.resp = NewResponse(nil, w)
		rw.buf = rw.buf[:0]
		rw.statusSet = false
		return
	}
	rw.resp.Reset()
	rw.resp.w = w
	rw.buf = rw.buf[:0]
	rw.manualChunked = false
	rw.statusSet = false
}

// WriteJSON writes a JSON body with Content-Type application/json.
func (rw *ResponseWriter) WriteJSON(statusCode int, data []byte) error {
	rw.WriteHeader(statusCode)
	rw.Header().Set(headerContentType, contentTypeJSONUTF8)
	if _, err := rw.Write(data); err != nil {
		return err
	}
	return rw.Flush()
}

// WriteText writes a plain-text body.
func (rw *ResponseWriter) WriteText(statusCode int, data []byte) error {
	rw.WriteHeader(statusCode)
	rw.Header().Set(headerContentType, contentTypePlain)
	if _, err := rw.Write(data); err != nil {
		return err
	}
	return rw.Flush()
}

// WriteHTML writes an HTML body.
func (rw *ResponseWriter) WriteHTML(statusCode int, data []byte) error {
	rw.WriteHeader(statusCode)
	rw.Header().Set(headerContentType, contentTypeHTML)
	if _, err := rw.Write(data); err != nil {
		return err
	}
	return rw.Flush()
}

// WriteError writes a plain-text error body.
func (rw *ResponseWriter) WriteError(statusCode int, message string) error {
	return rw.WriteText(statusCode, []byte(message))
}

// WriteTooManyRequests writes a 429 with the §4.9/§4.11 Retry-After
// header the worker pool's rate limiter denial path requires.
func (rw *ResponseWriter) WriteTooManyRequests(retryAfterSeconds int) error {
	rw.WriteHeader(429)
	rw.Header().Set(headerRetryAfter, []byte(strconv.Itoa(retryAfterSeconds)))
	rw.Header().Set(headerContentType, contentTypePlain)
	if _, err := rw.Write([]byte("Too Many Requests")); err != nil {
		return err
	}
	return rw.Flush()
}
