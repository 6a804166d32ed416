// Package worker implements the dispatch queue and worker pool (C9): the
// global ready queue Qg that the I/O side pushes connections onto, and
// the goroutine pool that pops them, consults the rate limiter, and
// invokes the handler chain.
//
// Grounded on spec.md §4.9's four-step worker loop and on the
// already-built pkg/shockwave/queue (Qg/Qc storage) and
// pkg/shockwave/ratelimit (the per-key token bucket consulted in step
// 2) packages — this is the component that actually exercises both of
// them end to end instead of leaving them as unused library code.
package worker

import (
	"sync"

	"github.com/shockwave-io/shockwave/pkg/shockwave/conn"
	"github.com/shockwave-io/shockwave/pkg/shockwave/queue"
	"github.com/shockwave-io/shockwave/pkg/shockwave/ratelimit"
)

// Item is one unit of work queued on a connection's Qc: a parsed
// request ready for middleware+handler dispatch, or a deferred response
// ready to be written without re-reading (the "deferred response path"
// of §4.9, used when a handler needs the I/O side to keep parsing
// pipelined requests while a slower response finishes elsewhere).
type Item struct {
	Conn *conn.Conn
	// Cost is the rate-limiter token cost for this item; handlers that
	// bind their own limiter cost (e.g. an expensive upload endpoint)
	// set this higher than the default of 1.
	Cost float64
	// Run performs the actual work: middleware chain + handler, or
	// (for a deferred response item) just the write-side schedule.
	// It returns true if the connection's write side should be
	// re-armed via AfterRead once Run completes.
	Run func(it *Item) bool
	// Deferred marks an item that only schedules a write and does not
	// re-enter the read side — see §4.9's deferred-response path.
	Deferred bool
}

// RetryAfterSeconds is the Retry-After value sent with a 429 when the
// rate limiter denies an item (§4.9 step 2, §4.11).
const RetryAfterSeconds = 1

// Config controls pool sizing and the default rate limiter.
type Config struct {
	// Workers is the number of goroutines draining Qg. Default: a
	// caller-supplied value; there is no portable "number of cores
	// dedicated to this pool" default worth guessing at here.
	Workers int
	// Limiter is consulted before every item runs, keyed by the
	// connection's RemoteAddr. A nil Limiter disables rate limiting.
	Limiter *ratelimit.Limiter
	// OnDenied is called instead of Run when the limiter denies an
	// item, so the caller can write a 429 + Retry-After response using
	// its own response-writing machinery.
	OnDenied func(it *Item, retryAfterSeconds int)
}

// Pool is the C9 worker pool: a global ready queue Qg plus a fixed set
// of goroutines draining it.
type Pool struct {
	cfg Config
	qg  *queue.Queue

	wakeMu sync.Mutex
	wakeCh chan struct{}

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Pool. Call Start to launch its goroutines.
func New(cfg Config) *Pool {
	return &Pool{
		cfg:    cfg,
		qg:     queue.New(),
		wakeCh: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
}

// Enqueue pushes a connection's ready item onto Qg. This is the
// function a conn.Conn's EnqueueReady field should be set to (after
// wrapping to adapt the *conn.Conn argument into an *Item via the
// caller's own item-construction logic) — Pool itself only knows how
// to run Items, not how a Conn maps to one, so server wiring supplies
// that mapping.
func (p *Pool) Enqueue(it *Item) {
	p.qg.Append(it)
	p.wake()
}

func (p *Pool) wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// Start launches cfg.Workers goroutines, each running the step loop
// described in §4.9.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.loop()
	}
}

// Stop signals all workers to exit and waits for them to drain.
func (p *Pool) Stop() {
	close(p.stop)
	p.wg.Wait()
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		v, ok := p.qg.Pop()
		if !ok {
			select {
			case <-p.wakeCh:
				continue
			case <-p.stop:
				return
			}
		}

		it := v.(*Item)
		p.runItem(it)
	}
}

// runItem is the §4.9 four-step sequence: destroyed check, rate limit,
// middleware+handler (via it.Run), re-arm.
func (p *Pool) runItem(it *Item) {
	c := it.Conn
	c.Lock()
	defer c.Unlock()

	// Step 1: destroyed connections drop their queued work and release
	// the reference the I/O side handed to the worker when it enqueued
	// this item.
	if c.Destroyed() {
		c.Dec()
		return
	}

	// Step 2: rate-limit consultation before middleware/handler runs.
	if p.cfg.Limiter != nil {
		cost := it.Cost
		if cost == 0 {
			cost = 1
		}
		if !p.cfg.Limiter.Allow(c.RemoteAddr, cost) {
			if p.cfg.OnDenied != nil {
				p.cfg.OnDenied(it, RetryAfterSeconds)
			}
			c.ReleaseReady()
			c.Dec()
			return
		}
	}

	// Step 3 + 4: run the middleware/handler chain (or the deferred
	// write-only path), then re-arm write readiness unless the item
	// says not to (a deferred response schedules its own re-arm once
	// the write actually happens).
	rearm := it.Run(it)
	c.ReleaseReady()
	if rearm {
		_ = c.AfterRead()
	}
	c.Dec()
}

// Len reports how many items are currently queued on Qg, mostly useful
// for tests and load metrics.
func (p *Pool) Len() int {
	return p.qg.Len()
}
