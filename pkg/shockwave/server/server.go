// Package server wires the reactor (mpx), connection object (conn),
// worker pool (worker) and the HTTP/1.1 engine (http11) together into a
// running listener: accept a net.Conn, register it with the
// multiplexer, and let mpx's readiness events drive the HTTP state
// machine instead of parking a goroutine per connection in a blocking
// Serve() loop.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shockwave-io/shockwave/pkg/shockwave/conn"
	"github.com/shockwave-io/shockwave/pkg/shockwave/http11"
	"github.com/shockwave-io/shockwave/pkg/shockwave/mpx"
	"github.com/shockwave-io/shockwave/pkg/shockwave/ratelimit"
	"github.com/shockwave-io/shockwave/pkg/shockwave/websocket"
)

// LegacyHandler handles HTTP requests using interface-based adapters
// rather than concrete http11 types, at the cost of one allocation per
// request for the interface conversion.
type LegacyHandler interface {
	ServeHTTP(w ResponseWriter, r Request)
}

// LegacyHandlerFunc adapts an ordinary function to a LegacyHandler.
type LegacyHandlerFunc func(ResponseWriter, Request)

func (f LegacyHandlerFunc) ServeHTTP(w ResponseWriter, r Request) { f(w, r) }

// Request is the interface-based view of an http11.Request exposed to
// LegacyHandler implementations.
type Request interface {
	Method() string
	Path() string
	Proto() string
	Header() Header
	Close() bool
}

// ResponseWriter is the interface-based view of an http11.ResponseWriter
// exposed to LegacyHandler implementations.
type ResponseWriter interface {
	Header() Header
	WriteHeader(statusCode int)
	Write(data []byte) (int, error)
	Flush() error
}

// Header is the interface-based view of an http11.Header exposed to
// LegacyHandler implementations.
type Header interface {
	Get(key string) string
	Set(key, value string)
	Del(key string)
}

// Server is the surface a caller drives an engine instance through.
type Server interface {
	ListenAndServe() error
	Serve(l net.Listener) error
	Shutdown(ctx context.Context) error
	Close() error
	Stats() *Stats
}

// Config holds the settings for one Server instance. Per-connection
// protocol limits live on http11.ConnectionConfig
// (KeepAliveTimeout/MaxRequests/MaxBodySize). ReadTimeout/WriteTimeout
// below only set a deadline on the raw net.Conn at accept. The reactor
// reads and writes the fd directly with unix.Read/unix.Write, which that
// deadline does not bound; it applies only to I/O that goes through the
// net.Conn itself, such as the WebSocket handshake write.
type Config struct {
	// Addr is the TCP address to listen on.
	Addr string

	// Handler is the primary request handler.
	Handler http11.Handler

	// LegacyHandler is used when Handler is nil.
	LegacyHandler LegacyHandler

	// WebSocketHandler, if set, takes over any request that carries a
	// valid WebSocket upgrade handshake instead of invoking Handler.
	WebSocketHandler func(ws *websocket.Conn)

	// EnableWebSocketCompression negotiates permessage-deflate (RFC
	// 7692) on upgraded connections when the client offers it.
	EnableWebSocketCompression bool

	ConnectionConfig http11.ConnectionConfig

	// ReadTimeout/WriteTimeout bound the deadline set on a freshly
	// accepted net.Conn before it's registered with the multiplexer.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Workers is the number of goroutines draining the global ready
	// queue Qg.
	Workers int

	// ReactorShards is the number of independent multiplexer instances
	// (and their polling goroutines) connections are distributed
	// across, so a single epoll_wait call never serializes the whole
	// listener's readiness stream.
	ReactorShards int

	// RateLimit, if set, is consulted before every dispatched request.
	RateLimit *ratelimit.Limiter

	// MaxConcurrentConnections caps accepted connections; 0 means
	// unlimited.
	MaxConcurrentConnections int

	// EnableStats enables LastRequestTime tracking (a time.Now() call
	// per request); counters are always tracked regardless.
	EnableStats bool
}

// DefaultConfig returns a usable configuration: 32 workers across 2
// reactor shards, a 100-request/20-per-second token bucket per remote
// address, stats on.
func DefaultConfig() Config {
	return Config{
		Addr:                     ":8080",
		ConnectionConfig:         http11.DefaultConnectionConfig(),
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             60 * time.Second,
		Workers:                  32,
		ReactorShards:            2,
		RateLimit:                ratelimit.New(ratelimit.DefaultConfig()),
		MaxConcurrentConnections: 0,
		EnableStats:              true,
	}
}

// Stats holds the engine's running counters (C9's worker loop and the
// accept path both write into this).
type Stats struct {
	TotalConnections  atomic.Uint64
	ActiveConnections atomic.Int64
	TotalRequests     atomic.Uint64
	BytesRead         atomic.Uint64
	BytesWritten      atomic.Uint64
	ConnectionErrors  atomic.Uint64
	RequestErrors     atomic.Uint64
	StartTime         time.Time
	LastRequestTime   atomic.Value // time.Time
}

// Duration reports how long the server has been running.
func (s *Stats) Duration() time.Duration { return time.Since(s.StartTime) }

// RequestsPerSecond reports the lifetime average request rate.
func (s *Stats) RequestsPerSecond() float64 {
	d := s.Duration().Seconds()
	if d == 0 {
		return 0
	}
	return float64(s.TotalRequests.Load()) / d
}

// BaseServer provides the accept-loop bookkeeping shared by every
// engine variant: connection tracking, a concurrency semaphore, and
// graceful shutdown coordination.
type BaseServer struct {
	cfg      Config
	listener net.Listener
	stats    Stats

	shutdown atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	connSem chan struct{}
}

// NewBaseServer builds the shared bookkeeping for cfg, applying
// defaults for anything left zero-valued.
func NewBaseServer(cfg Config) (*BaseServer, error) {
	if cfg.Handler == nil && cfg.LegacyHandler == nil {
		return nil, errors.New("server: either Handler or LegacyHandler is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 32
	}
	if cfg.ReactorShards <= 0 {
		cfg.ReactorShards = 1
	}
	if cfg.ConnectionConfig == (http11.ConnectionConfig{}) {
		cfg.ConnectionConfig = http11.DefaultConnectionConfig()
	}

	b := &BaseServer{
		cfg:   cfg,
		done:  make(chan struct{}),
		conns: make(map[net.Conn]struct{}),
	}
	b.stats.StartTime = time.Now()
	b.stats.LastRequestTime.Store(time.Now())

	if cfg.MaxConcurrentConnections > 0 {
		b.connSem = make(chan struct{}, cfg.MaxConcurrentConnections)
	}
	return b, nil
}

// Stats returns the server's running counters.
func (b *BaseServer) Stats() *Stats { return &b.stats }

func (b *BaseServer) trackConnection(nc net.Conn) {
	b.connsMu.Lock()
	b.conns[nc] = struct{}{}
	b.connsMu.Unlock()
	b.stats.ActiveConnections.Add(1)
}

func (b *BaseServer) untrackConnection(nc net.Conn) {
	b.connsMu.Lock()
	delete(b.conns, nc)
	b.connsMu.Unlock()
	b.stats.ActiveConnections.Add(-1)
}

func (b *BaseServer) closeAllConnections() {
	b.connsMu.Lock()
	ncs := make([]net.Conn, 0, len(b.conns))
	for nc := range b.conns {
		ncs = append(ncs, nc)
	}
	b.connsMu.Unlock()
	for _, nc := range ncs {
		nc.Close()
	}
}

// Shutdown stops accepting new connections and waits for in-flight work
// to drain, or force-closes everything once ctx expires.
func (b *BaseServer) Shutdown(ctx context.Context) error {
	if !b.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	if b.listener != nil {
		b.listener.Close()
	}
	close(b.done)

	drained := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		b.closeAllConnections()
		return ctx.Err()
	}
}

// Close immediately tears down the listener and every tracked
// connection.
func (b *BaseServer) Close() error {
	if !b.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	if b.listener != nil {
		b.listener.Close()
	}
	close(b.done)
	b.closeAllConnections()
	b.wg.Wait()
	return nil
}

var _ io.Closer = (*BaseServer)(nil)

func fmtListenErr(addr string, err error) error {
	return fmt.Errorf("server: failed to listen on %s: %w", addr, err)
}

// mustMultiplexers builds cfg.ReactorShards independent multiplexers.
func mustMultiplexers(n int) ([]mpx.Multiplexer, error) {
	shards := make([]mpx.Multiplexer, n)
	for i := range shards {
		mx, err := mpx.New()
		if err != nil {
			for _, built := range shards[:i] {
				built.Close()
			}
			return nil, err
		}
		shards[i] = mx
	}
	return shards, nil
}
