// Package ratelimit implements the per-key token-bucket limiter the
// connection dispatcher consults before admitting a request (C11).
//
// There is no example-pack precedent to ground this against: the
// teacher never implements rate limiting, and golang.org/x/time/rate's
// per-event Limiter doesn't expose the cost-weighted Allow(key, cost)
// shape the spec calls for, so this is hand-written stdlib-class code
// (see DESIGN.md for the justification).
package ratelimit

import (
	"sync"
	"time"
)

// Config controls bucket capacity and refill rate.
type Config struct {
	// Capacity is the maximum number of tokens a bucket can hold.
	Capacity float64
	// RefillPerSecond is how many tokens are added back per second.
	RefillPerSecond float64
	// IdleEvict is how long a key's bucket survives with no activity
	// before it is garbage collected from the map.
	IdleEvict time.Duration
}

// DefaultConfig returns a conservative limiter: 100 request burst,
// refilling at 20/s, evicting idle keys after five minutes.
func DefaultConfig() Config {
	return Config{
		Capacity:        100,
		RefillPerSecond: 20,
		IdleEvict:       5 * time.Minute,
	}
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// Limiter is a keyed token-bucket rate limiter safe for concurrent use.
type Limiter struct {
	cfg Config
	mu  sync.Mutex
	m   map[string]*bucket

	// now is overridable for tests; defaults to time.Now.
	now func() time.Time
}

// New creates a Limiter with the given configuration.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*bucket),
		now: time.Now,
	}
}

// Allow reports whether a request costing cost tokens from key's bucket
// may proceed, deducting the cost if so. A cost of zero always allows
// but still refills/touches the bucket's last-seen time.
func (l *Limiter) Allow(key string, cost float64) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.m[key]
	if !ok {
		b = &bucket{tokens: l.cfg.Capacity, lastSeen: now}
		l.m[key] = b
	} else {
		elapsed := now.Sub(b.lastSeen).Seconds()
		if elapsed > 0 {
			b.tokens += elapsed * l.cfg.RefillPerSecond
			if b.tokens > l.cfg.Capacity {
				b.tokens = l.cfg.Capacity
			}
		}
		b.lastSeen = now
	}

	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

// Evict removes buckets that have been idle longer than cfg.IdleEvict.
// Callers should invoke this periodically (e.g. from a ticker) to bound
// map growth under a churn of distinct remote addresses.
func (l *Limiter) Evict() {
	if l.cfg.IdleEvict <= 0 {
		return
	}
	cutoff := l.now().Add(-l.cfg.IdleEvict)

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.m {
		if b.lastSeen.Before(cutoff) {
			delete(l.m, k)
		}
	}
}

// Len returns the number of currently tracked keys, mostly useful for
// tests and metrics.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
