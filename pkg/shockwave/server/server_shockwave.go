package server

import (
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shockwave-io/shockwave/pkg/shockwave/conn"
	"github.com/shockwave-io/shockwave/pkg/shockwave/http11"
	"github.com/shockwave-io/shockwave/pkg/shockwave/mpx"
	"github.com/shockwave-io/shockwave/pkg/shockwave/websocket"
	"github.com/shockwave-io/shockwave/pkg/shockwave/worker"
)

// ShockwaveServer is the mpx-reactor-driven HTTP/1.1 + WebSocket engine:
// an accept loop hands each connection to a Multiplexer shard, and the
// worker pool drains parsed requests queued by the reactor's read-side
// callback. No goroutine blocks in Conn.Read/Write between events.
type ShockwaveServer struct {
	*BaseServer

	shards    []mpx.Multiplexer
	nextShard atomic.Uint64
	pool      *worker.Pool

	sharedHandler http11.Handler
}

// NewServer builds a ShockwaveServer. Start accepting with
// ListenAndServe or Serve.
func NewServer(cfg Config) (*ShockwaveServer, error) {
	base, err := NewBaseServer(cfg)
	if err != nil {
		return nil, err
	}

	shards, err := mustMultiplexers(base.cfg.ReactorShards)
	if err != nil {
		return nil, err
	}

	s := &ShockwaveServer{BaseServer: base, shards: shards}

	s.pool = worker.New(worker.Config{
		Workers: base.cfg.Workers,
		Limiter: base.cfg.RateLimit,
		OnDenied: func(it *worker.Item, retryAfterSeconds int) {
			s.stats.RequestErrors.Add(1)
			s.handleRateLimited(it, retryAfterSeconds)
		},
	})

	s.sharedHandler = s.buildHandler(base.cfg)
	return s, nil
}

// buildHandler wraps the configured Handler/LegacyHandler with the
// stats bookkeeping so every request, regardless of handler style,
// updates the same counters.
func (s *ShockwaveServer) buildHandler(cfg Config) http11.Handler {
	if cfg.Handler != nil {
		h := cfg.Handler
		return func(req *http11.Request, rw *http11.ResponseWriter) error {
			s.recordRequest()
			return h(req, rw)
		}
	}

	legacy := cfg.LegacyHandler
	return func(req *http11.Request, rw *http11.ResponseWriter) error {
		s.recordRequest()
		var adapters adapterPair
		adapters.Setup(req, rw)
		legacy.ServeHTTP(&adapters.rwAdapter, &adapters.reqAdapter)
		adapters.Reset()
		return nil
	}
}

func (s *ShockwaveServer) recordRequest() {
	s.stats.TotalRequests.Add(1)
	if s.cfg.EnableStats {
		s.stats.LastRequestTime.Store(time.Now())
	}
}

// ListenAndServe listens on cfg.Addr and serves requests.
func (s *ShockwaveServer) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmtListenErr(s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve runs the accept loop and reactor shards against an
// already-bound listener, blocking until Shutdown/Close stops it.
func (s *ShockwaveServer) Serve(l net.Listener) error {
	s.listener = l
	defer l.Close()

	s.pool.Start()
	for _, shard := range s.shards {
		s.wg.Add(1)
		go s.reactorLoop(shard)
	}

	for {
		if s.shutdown.Load() {
			return nil
		}

		if s.connSem != nil {
			select {
			case s.connSem <- struct{}{}:
			case <-s.done:
				return nil
			}
		}

		nc, err := l.Accept()
		if err != nil {
			if s.connSem != nil {
				<-s.connSem
			}
			if s.shutdown.Load() {
				return nil
			}
			s.stats.ConnectionErrors.Add(1)
			continue
		}

		s.stats.TotalConnections.Add(1)
		s.handleAccept(nc)
	}
}

// handleAccept registers a freshly accepted connection with one
// reactor shard, chosen round-robin, and attaches the HTTP state
// machine that will drive it.
func (s *ShockwaveServer) handleAccept(nc net.Conn) {
	if s.cfg.ReadTimeout > 0 || s.cfg.WriteTimeout > 0 {
		nc.SetDeadline(time.Now().Add(maxDuration(s.cfg.ReadTimeout, s.cfg.WriteTimeout)))
	}

	shard := s.shards[s.nextShard.Add(1)%uint64(len(s.shards))]

	s.trackConnection(nc)
	s.wg.Add(1)

	c, err := conn.New(nc, shard)
	if err != nil {
		s.stats.ConnectionErrors.Add(1)
		s.finalizeConn(nc)
		return
	}

	c.KeepAlive = true
	c.Data = http11.NewHTTPState(s.cfg.ConnectionConfig, s.sharedHandler)
	c.EnqueueReady = s.onConnReady
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// reactorLoop is the per-shard polling goroutine: block in mpx.Wait,
// dispatch each ready fd's event to its Conn under the connection's
// single-writer lock, one goroutine at a time per connection.
func (s *ShockwaveServer) reactorLoop(mx mpx.Multiplexer) {
	defer s.wg.Done()
	var events []mpx.Event
	for {
		select {
		case <-s.done:
			return
		default:
		}

		var err error
		events, err = mx.Wait(events[:0], 1000)
		if err != nil {
			continue
		}

		for _, ev := range events {
			c, ok := ev.Cookie.(*conn.Conn)
			if !ok || c == nil {
				continue
			}
			s.handleEvent(c, ev.Mask)
		}
	}
}

func (s *ShockwaveServer) handleEvent(c *conn.Conn, mask mpx.EventMask) {
	state, _ := c.Data.(*http11.HTTPState)
	if state == nil {
		return
	}

	c.Lock()
	if c.Destroyed() {
		c.Unlock()
		return
	}

	var err error
	if mask&mpx.EventHup != 0 {
		err = c.Close()
	} else {
		if mask&mpx.EventRead != 0 {
			err = state.OnReadable(c, s.dispatch)
		}
		if err == nil && mask&mpx.EventWrite != 0 {
			err = state.OnWritable(c)
		}
	}
	destroyed := c.Destroyed()
	c.Unlock()

	if err != nil {
		s.stats.ConnectionErrors.Add(1)
	}
	if destroyed {
		s.finalizeConn(c.RawConn())
	}
}

// finalizeConn accounts for a connection leaving the server: stats and
// shutdown bookkeeping only. The fd itself is released by whichever
// path tore the connection down — conn.Conn.Close's own Dec() call for
// the ordinary HTTP path, or websocket.Conn.Close for an upgraded
// connection that was Detach'd rather than Closed at the conn layer.
func (s *ShockwaveServer) finalizeConn(nc net.Conn) {
	s.untrackConnection(nc)
	if s.connSem != nil {
		<-s.connSem
	}
	s.wg.Done()
}

// dispatch is the http11.Dispatch callback: it either hands the parsed
// request off to the worker pool, or — when it's a valid WebSocket
// handshake and a WebSocketHandler is configured — performs the
// upgrade directly and detaches the connection from the reactor.
func (s *ShockwaveServer) dispatch(c *conn.Conn, req *http11.Request) {
	if s.cfg.WebSocketHandler != nil && isWebSocketUpgrade(req) {
		s.upgradeWebSocket(c, req)
		return
	}
	c.EnqueueWork(req)
}

// onConnReady is wired as every Conn's EnqueueReady: it takes the ref
// needed for the worker.Item's own lifetime (separate from the one Inc
// per dispatched request, which runQueuedWork balances as it drains
// each item) and hands the pool a worker.Item whose Run handles one
// request from Qc (see runQueuedWork).
func (s *ShockwaveServer) onConnReady(c *conn.Conn) {
	c.Inc()
	s.pool.Enqueue(&worker.Item{
		Conn: c,
		Run:  func(it *worker.Item) bool { return s.runQueuedWork(it.Conn) },
	})
}

// runQueuedWork handles exactly one request popped off c.Qc and hands
// its response to state for the reactor's write-readiness callback to
// drain. HTTPState has room for a single in-flight writer, and HTTP/1.1
// responses must go out in request order on one byte stream, so a
// pipelined run of requests is processed one at a time: AfterWrite
// re-enqueues the connection once the current response has fully
// flushed and Qc still holds more work, rather than this call looping
// over the whole queue and clobbering state.writer out of order.
func (s *ShockwaveServer) runQueuedWork(c *conn.Conn) bool {
	state, _ := c.Data.(*http11.HTTPState)
	if state == nil {
		return true
	}

	v, ok := c.Qc.Pop()
	if !ok {
		return true
	}
	req, ok := v.(*http11.Request)
	if !ok {
		return true
	}

	w := http11.GetResponseWriter(c)
	w.BindRequest(req)

	if err := s.sharedHandler(req, w); err != nil {
		s.stats.RequestErrors.Add(1)
		if !w.HeaderWritten() {
			writePlainError(w, 500, "Internal Server Error")
		}
	}
	if !w.HeaderWritten() {
		w.WriteHeader(200)
	}
	w.Prepare()
	state.SetWriter(w)
	http11.PutRequest(req)

	// Balances the c.Inc() OnReadable took before calling dispatch for
	// this request.
	c.Dec()
	return true
}

// handleRateLimited consumes the one request this denial applies to
// off c.Qc, mirroring runQueuedWork's one-item-per-cycle contract, so
// a denied request never lingers in the queue to be replayed against
// the handler on a later cycle.
func (s *ShockwaveServer) handleRateLimited(it *worker.Item, retryAfterSeconds int) {
	c := it.Conn
	state, _ := c.Data.(*http11.HTTPState)
	if state == nil {
		return
	}

	v, ok := c.Qc.Pop()
	if !ok {
		return
	}
	req, _ := v.(*http11.Request)

	w := http11.GetResponseWriter(c)
	if req != nil {
		w.BindRequest(req)
	}
	w.WriteHeader(429)
	w.Header().Set([]byte("Retry-After"), []byte(strconv.Itoa(retryAfterSeconds)))
	w.Header().Set([]byte("Content-Type"), []byte("text/plain; charset=utf-8"))
	w.Write([]byte("Too Many Requests"))
	w.Prepare()
	state.SetWriter(w)

	if req != nil {
		http11.PutRequest(req)
		c.Dec()
	}
}

func writePlainError(w *http11.ResponseWriter, statusCode int, message string) {
	w.WriteHeader(statusCode)
	w.Header().Set([]byte("Content-Type"), []byte("text/plain; charset=utf-8"))
	w.Write([]byte(message))
}

// isWebSocketUpgrade reimplements the WebSocket handshake detection
// against an *http11.Request instead of *http.Request, since the
// engine's own request type never goes through net/http.
func isWebSocketUpgrade(req *http11.Request) bool {
	return req.IsGET() &&
		headerTokenMatch(req.GetHeaderString("Connection"), "upgrade") &&
		headerTokenMatch(req.GetHeaderString("Upgrade"), "websocket") &&
		req.GetHeaderString("Sec-WebSocket-Version") == "13" &&
		req.GetHeaderString("Sec-WebSocket-Key") != ""
}

func headerTokenMatch(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// upgradeWebSocket performs the RFC 6455 opening handshake directly
// against the connection's raw net.Conn (a blocking write of a few
// header bytes), detaches the fd from the reactor, and hands a
// blocking-I/O websocket.Conn to the configured handler on its own
// goroutine. WebSocket connections are comparatively few and
// long-lived next to pipelined HTTP keep-alive connections, so reusing
// the existing websocket.Conn framing unmodified is worth one
// dedicated goroutine per upgraded connection rather than teaching the
// reactor a second framing protocol.
func (s *ShockwaveServer) upgradeWebSocket(c *conn.Conn, req *http11.Request) {
	key := req.GetHeaderString("Sec-WebSocket-Key")
	accept := websocket.ComputeAcceptKey(key)

	var pmce *websocket.PMCEParams
	if s.cfg.EnableWebSocketCompression {
		pmce, _ = websocket.NegotiatePMCE(req.GetHeaderString("Sec-WebSocket-Extensions"))
	}

	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: ")
	b.WriteString(accept)
	b.WriteString("\r\n")
	if pmce != nil {
		b.WriteString("Sec-WebSocket-Extensions: ")
		b.WriteString(websocket.FormatPMCEResponse(pmce))
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")

	raw := c.RawConn()
	http11.PutRequest(req)
	// Balances the c.Inc() OnReadable took before dispatching this
	// request; the connection is about to leave the reactor entirely
	// so no further request-scoped ref is needed.
	c.Dec()

	if _, err := raw.Write([]byte(b.String())); err != nil {
		s.stats.ConnectionErrors.Add(1)
		c.Close()
		s.finalizeConn(raw)
		return
	}

	if err := c.Detach(); err != nil {
		s.stats.ConnectionErrors.Add(1)
		c.Close()
		s.finalizeConn(raw)
		return
	}
	raw.SetDeadline(time.Time{})

	ws := websocket.NewServerConn(raw, "", 0, 0)
	if pmce != nil {
		ws.EnableCompression(pmce)
	}

	go func() {
		defer func() {
			ws.Close()
			s.finalizeConn(raw)
		}()
		s.cfg.WebSocketHandler(ws)
	}()
}
