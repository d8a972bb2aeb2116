package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLimiter(requests int, window time.Duration) (*Limiter, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := New(requests, window, WithClock(func() time.Time { return now }))
	return l, &now
}

func TestAllowWithinBudget(t *testing.T) {
	l, _ := newTestLimiter(10, 15*time.Minute)
	for i := 0; i < 10; i++ {
		ok, _ := l.Allow("0xAbC")
		require.True(t, ok, "attempt %d", i+1)
	}
	ok, retryAfter := l.Allow("0xAbC")
	require.False(t, ok)
	require.Greater(t, retryAfter, time.Duration(0))
}

func TestWalletsIsolated(t *testing.T) {
	l, _ := newTestLimiter(2, time.Minute)
	ok, _ := l.Allow("0xaaa")
	require.True(t, ok)
	ok, _ = l.Allow("0xaaa")
	require.True(t, ok)
	ok, _ = l.Allow("0xaaa")
	require.False(t, ok)

	ok, _ = l.Allow("0xbbb")
	require.True(t, ok, "second wallet has its own budget")
}

func TestWalletKeyCaseInsensitive(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)
	ok, _ := l.Allow("0xAbCdEf")
	require.True(t, ok)
	ok, _ = l.Allow("0xabcdef")
	require.False(t, ok, "same wallet in different case shares one bucket")
	require.Equal(t, 1, l.Len())
}

func TestBudgetRefills(t *testing.T) {
	l, now := newTestLimiter(2, time.Minute)
	ok, _ := l.Allow("0xccc")
	require.True(t, ok)
	ok, _ = l.Allow("0xccc")
	require.True(t, ok)
	ok, retryAfter := l.Allow("0xccc")
	require.False(t, ok)

	*now = now.Add(retryAfter)
	ok, _ = l.Allow("0xccc")
	require.True(t, ok, "waiting out Retry-After admits the next attempt")
}

func TestIdleWalletsEvicted(t *testing.T) {
	l, now := newTestLimiter(5, time.Minute)
	l.Allow("0xaaa")
	l.Allow("0xbbb")
	require.Equal(t, 2, l.Len())

	*now = now.Add(3 * time.Minute)
	l.Allow("0xccc")
	require.Equal(t, 1, l.Len(), "idle wallets swept on next access")
}
