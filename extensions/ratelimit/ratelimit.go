// Package ratelimit provides the per-wallet token bucket used to throttle
// payment attempts before any facilitator work happens.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRequests is the number of payment attempts allowed per window.
	DefaultRequests = 10
	// DefaultWindow is the sliding window the request budget refills over.
	DefaultWindow = 15 * time.Minute
)

type walletEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks one token bucket per wallet address. Buckets refill
// continuously at requests/window and idle entries are evicted so the map
// does not grow with one-off callers.
type Limiter struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	wallets   map[string]*walletEntry
	lastSweep time.Time
	idleAfter time.Duration

	now func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a limiter allowing requests per window for each wallet.
// Non-positive arguments fall back to the defaults.
func New(requests int, window time.Duration, opts ...Option) *Limiter {
	if requests <= 0 {
		requests = DefaultRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{
		limit:     rate.Limit(float64(requests) / window.Seconds()),
		burst:     requests,
		wallets:   make(map[string]*walletEntry),
		idleAfter: 2 * window,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastSweep = l.now()
	return l
}

// Allow reports whether the wallet may make another payment attempt now.
// When the budget is exhausted it returns the wait until the next attempt
// would be admitted, suitable for a Retry-After header.
func (l *Limiter) Allow(wallet string) (bool, time.Duration) {
	key := strings.ToLower(strings.TrimSpace(wallet))

	l.mu.Lock()
	now := l.now()
	l.sweepLocked(now)
	entry, ok := l.wallets[key]
	if !ok {
		entry = &walletEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.wallets[key] = entry
	}
	entry.lastSeen = now
	l.mu.Unlock()

	res := entry.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, l.idleAfter
	}
	delay := res.DelayFrom(now)
	if delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Len returns the number of tracked wallets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.wallets)
}

// sweepLocked drops wallets that have been idle long enough for their
// buckets to have fully refilled. Caller holds l.mu.
func (l *Limiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.idleAfter {
		return
	}
	l.lastSweep = now
	for key, entry := range l.wallets {
		if now.Sub(entry.lastSeen) >= l.idleAfter {
			delete(l.wallets, key)
		}
	}
}
