package server

import (
	"sync"

	"github.com/shockwave-io/shockwave/pkg/shockwave/http11"
)

var headerAdapterPool = sync.Pool{New: func() interface{} { return &headerAdapter{} }}

// headerAdapter adapts *http11.Header to the Header interface.
type headerAdapter struct {
	h *http11.Header
}

func (h *headerAdapter) Get(key string) string   { return h.h.GetString([]byte(key)) }
func (h *headerAdapter) Set(key, value string)   { h.h.Set([]byte(key), []byte(value)) }
func (h *headerAdapter) Del(key string)          { h.h.Del([]byte(key)) }

// requestAdapter adapts *http11.Request to the Request interface.
type requestAdapter struct {
	req *http11.Request
}

func (r *requestAdapter) Method() string { return r.req.Method() }
func (r *requestAdapter) Path() string   { return r.req.Path() }
func (r *requestAdapter) Proto() string  { return r.req.Proto }
func (r *requestAdapter) Close() bool    { return r.req.Close }
func (r *requestAdapter) Header() Header {
	h := headerAdapterPool.Get().(*headerAdapter)
	h.h = &r.req.Header
	return h
}

// responseWriterAdapter adapts *http11.ResponseWriter to the
// ResponseWriter interface.
type responseWriterAdapter struct {
	rw *http11.ResponseWriter
}

func (w *responseWriterAdapter) WriteHeader(statusCode int)     { w.rw.WriteHeader(statusCode) }
func (w *responseWriterAdapter) Write(data []byte) (int, error) { return w.rw.Write(data) }
func (w *responseWriterAdapter) Flush() error                   { return w.rw.Flush() }
func (w *responseWriterAdapter) Header() Header {
	h := headerAdapterPool.Get().(*headerAdapter)
	h.h = w.rw.Header()
	return h
}

// adapterPair holds the request/response-writer adapter pair for one
// LegacyHandler call. buildHandler declares a fresh pair for each
// request, so a pair is not reused across requests on a connection.
type adapterPair struct {
	reqAdapter requestAdapter
	rwAdapter  responseWriterAdapter
}

func (a *adapterPair) Setup(req *http11.Request, rw *http11.ResponseWriter) {
	a.reqAdapter.req = req
	a.rwAdapter.rw = rw
}

func (a *adapterPair) Reset() {
	a.reqAdapter.req = nil
	a.rwAdapter.rw = nil
}
