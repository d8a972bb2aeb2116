package x402engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// dedupeResult is what the settlement window caches for one credential:
// either the verified payment or the definitive rejection.
type dedupeResult struct {
	payment *VerifiedPayment
	failure *PaymentError
}

// settlementDedupe coalesces identical credentials: when a payer retries
// the same X-PAYMENT header while the first copy is still settling, the
// retry waits for that outcome instead of submitting the authorization a
// second time. Completed outcomes are served from cache for a short TTL.
type settlementDedupe struct {
	mu       sync.Mutex
	results  map[string]*dedupeResult
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
	now      func() time.Time
}

func newSettlementDedupe(ttl time.Duration) *settlementDedupe {
	return &settlementDedupe{
		results:  make(map[string]*dedupeResult),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
		now:      time.Now,
	}
}

// dedupeKey identifies one credential by the raw header it arrived in. The
// header covers the authorization, nonce, and signature, so identical keys
// mean identical payment attempts.
func dedupeKey(rawHeader string) string {
	hash := sha256.Sum256([]byte(rawHeader))
	return hex.EncodeToString(hash[:])
}

// dedupeStatus is the result of checking the window.
type dedupeStatus int

const (
	// dedupeMiss means no cached outcome and no in-flight settlement; the
	// caller proceeds and is now marked in-flight.
	dedupeMiss dedupeStatus = iota
	// dedupeCached means a completed outcome was found.
	dedupeCached
	// dedupeInFlight means another request is settling this credential.
	dedupeInFlight
)

// checkAndMark atomically checks the window and marks the key in-flight on
// a miss. On dedupeCached the result is returned; on dedupeInFlight the
// returned channel closes when the leader finishes; on dedupeMiss the
// returned channel must later be passed to complete or fail.
func (c *settlementDedupe) checkAndMark(key string) (dedupeStatus, *dedupeResult, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, exists := c.expiry[key]; exists {
		if c.now().Before(expiry) {
			if result, ok := c.results[key]; ok {
				return dedupeCached, result, nil
			}
		}
		delete(c.results, key)
		delete(c.expiry, key)
	}

	if done, exists := c.inFlight[key]; exists {
		return dedupeInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return dedupeMiss, nil, done
}

// waitForResult blocks until the in-flight leader finishes or ctx ends.
// A nil result with nil error means the leader failed without a verdict
// and the caller should settle on its own.
func (c *settlementDedupe) waitForResult(ctx context.Context, key string, done chan struct{}) (*dedupeResult, error) {
	select {
	case <-done:
		return c.get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// get returns the cached outcome if present and unexpired.
func (c *settlementDedupe) get(key string) *dedupeResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, exists := c.expiry[key]
	if !exists {
		return nil
	}
	if c.now().After(expiry) {
		delete(c.results, key)
		delete(c.expiry, key)
		return nil
	}
	return c.results[key]
}

// complete caches a definitive outcome, releases the in-flight mark, and
// wakes every waiter.
func (c *settlementDedupe) complete(key string, result *dedupeResult, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[key] = result
	c.expiry[key] = c.now().Add(c.ttl)
	delete(c.inFlight, key)
	close(done)

	c.cleanupExpiredLocked()
}

// fail releases the in-flight mark without caching, so the credential may
// be retried. Waiters wake and settle on their own.
func (c *settlementDedupe) fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	close(done)
}

func (c *settlementDedupe) cleanupExpiredLocked() {
	now := c.now()
	for key, expiry := range c.expiry {
		if now.After(expiry) {
			delete(c.results, key)
			delete(c.expiry, key)
		}
	}
}
