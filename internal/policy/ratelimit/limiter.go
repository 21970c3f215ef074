// Package ratelimit implements per-client token buckets used to throttle
// submissions.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// defaultIdleTTL is how long an unused bucket is kept before eviction.
const defaultIdleTTL = 10 * time.Minute

// Config holds rate limiter configuration.
type Config struct {
	// RPS is the sustained rate per key. Zero or less disables limiting.
	RPS   float64
	Burst int
	// IdleTTL evicts buckets unused for this long. Defaults to 10 minutes.
	IdleTTL time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages one token bucket per key.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = defaultIdleTTL
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		burst:   burst,
		idleTTL: ttl,
		now:     time.Now,
	}
}

// Enabled reports whether the limiter ever rejects.
func (l *Limiter) Enabled() bool {
	return l.limit != rate.Inf
}

// Allow takes a token for key. When it returns false, retryAfter is how long
// until the next token is available.
func (l *Limiter) Allow(key string) (ok bool, retryAfter time.Duration) {
	if !l.Enabled() {
		return true, 0
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)
	b, exists := l.buckets[key]
	if !exists {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	r := b.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// sweep drops idle buckets at most once per idleTTL. Caller holds mu.
func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.idleTTL {
		return
	}
	l.lastSweep = now
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.idleTTL {
			delete(l.buckets, key)
		}
	}
}
