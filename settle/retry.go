package settle

import (
	"context"
	"time"
)

// Clock abstracts wall time and sleeping so retry schedules are testable
// without real delays.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// errorKind classifies the failure of one settlement attempt.
type errorKind int

const (
	kindNone errorKind = iota
	// kindRejected: the facilitator answered 4xx; its verdict is final.
	kindRejected
	// kindServerError: the facilitator answered 5xx.
	kindServerError
	// kindTransport: the facilitator was never reached (refused, reset,
	// DNS failure and friends).
	kindTransport
	// kindTimeout: one attempt hit its own deadline.
	kindTimeout
	// kindCanceled: the caller's context ended; nothing may be retried.
	kindCanceled
	// kindInternal: the request could not even be built or signed.
	kindInternal
)

func (k errorKind) String() string {
	switch k {
	case kindNone:
		return "ok"
	case kindRejected:
		return "rejected"
	case kindServerError:
		return "server_error"
	case kindTransport:
		return "transport"
	case kindTimeout:
		return "timeout"
	case kindCanceled:
		return "canceled"
	case kindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// isRetryable reports whether an attempt failure may be retried. Server
// errors, transport faults, and per-attempt timeouts are transient;
// facilitator verdicts and caller cancellation are final.
func isRetryable(kind errorKind) bool {
	switch kind {
	case kindServerError, kindTransport, kindTimeout:
		return true
	default:
		return false
	}
}

// budgetMargin keeps the schedule from sleeping right up against the
// budget edge only to time out on wakeup.
const budgetMargin = 50 * time.Millisecond

// retrySchedule tracks attempt count and the wall-clock budget across one
// Settle call.
type retrySchedule struct {
	attempt     int // 1-based
	maxAttempts int
	started     time.Time
	budget      time.Duration
	base        time.Duration
	cap         time.Duration
	jitter      func() float64 // uniform in [0,1)
}

// remaining reports how much of the wall-clock budget is left at now.
func (r *retrySchedule) remaining(now time.Time) time.Duration {
	return r.budget - now.Sub(r.started)
}

// exhausted reports whether another attempt may start.
func (r *retrySchedule) exhausted(now time.Time) bool {
	return r.remaining(now) <= 0
}

// nextDelay computes the backoff before the next attempt: exponential in
// the attempt number, capped, with ±10% jitter, and clamped so the sleep
// cannot outlive the remaining budget minus a safety margin. A result of
// zero or less means the budget is spent and the caller must stop.
func (r *retrySchedule) nextDelay(now time.Time) time.Duration {
	backoff := r.base
	for i := 1; i < r.attempt && backoff < r.cap; i++ {
		backoff *= 2
	}
	if backoff > r.cap {
		backoff = r.cap
	}

	factor := 0.9 + 0.2*r.jitter()
	delay := time.Duration(float64(backoff) * factor)

	if rem := r.remaining(now) - budgetMargin; delay > rem {
		delay = rem
	}
	return delay
}
