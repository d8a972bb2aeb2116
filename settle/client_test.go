package settle_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/x402arcade/x402-engine-go/settle"
)

// fakeClock advances only when the client sleeps, so retry schedules run
// instantly while still observing the budget arithmetic.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	return nil
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func testRequest() *settle.Request {
	return &settle.Request{
		X402Version:  "1",
		Scheme:       "exact",
		Network:      "cronos-testnet",
		ChainID:      338,
		TokenAddress: "0xc01efAaF7C5C61bEbFAeb358E1161b537b8bC0e0",
		Authorization: settle.Authorization{
			From:        "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23",
			To:          "0x3535353535353535353535353535353535353535",
			Value:       "10000",
			ValidAfter:  "1700000000",
			ValidBefore: "1700003600",
			Nonce:       "0x0102030405060708091011121314151617181920212223242526272829303132",
			V:           27,
			R:           "0x" + strings.Repeat("11", 32),
			S:           "0x" + strings.Repeat("22", 32),
		},
	}
}

func TestSettleLegacySuccess(t *testing.T) {
	t.Parallel()

	want := testRequest()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/x402/settle" {
			t.Errorf("path = %s, want /v2/x402/settle", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s, want application/json", ct)
		}

		var got settle.Request
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if diff := cmp.Diff(want, &got); diff != "" {
			t.Errorf("settlement request mismatch (-want +got):\n%s", diff)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"transaction": map[string]any{
				"hash":        "0xabc123",
				"blockNumber": 42,
			},
		})
	}))
	defer server.Close()

	// Trailing slash on the base must be normalized away.
	client := settle.NewClient(server.URL+"/", settle.WithClock(newFakeClock()))

	got, err := client.Settle(context.Background(), want)
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}

	wantOutcome := &settle.Outcome{
		Success:         true,
		TransactionHash: "0xabc123",
		BlockNumber:     42,
	}
	if diff := cmp.Diff(wantOutcome, got, cmpopts.IgnoreFields(settle.Outcome{}, "SettledAt")); diff != "" {
		t.Errorf("outcome mismatch (-want +got):\n%s", diff)
	}
	if got.SettledAt.IsZero() {
		t.Error("SettledAt not set")
	}
}

func TestSettleResponseShapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     map[string]any
		wantOK   bool
		wantHash string
		wantCode string
	}{
		{
			name:     "event settled",
			body:     map[string]any{"event": "payment.settled", "txHash": "0xfeed", "blockNumber": 7},
			wantOK:   true,
			wantHash: "0xfeed",
		},
		{
			name:     "event settled without block number",
			body:     map[string]any{"event": "payment.settled", "txHash": "0xfeed"},
			wantCode: "settlement_incomplete",
		},
		{
			name:     "event failed",
			body:     map[string]any{"event": "payment.failed", "errorCode": "insufficient_funds", "error": "balance too low"},
			wantCode: "insufficient_funds",
		},
		{
			name:     "legacy failure",
			body:     map[string]any{"success": false, "error": "nonce used on chain"},
			wantCode: "settlement_failed",
		},
		{
			name:     "legacy success without transaction",
			body:     map[string]any{"success": true},
			wantCode: "settlement_incomplete",
		},
		{
			name:     "no verdict at all",
			body:     map[string]any{"status": "weird"},
			wantCode: "settlement_failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(tt.body)
			}))
			defer server.Close()

			client := settle.NewClient(server.URL, settle.WithClock(newFakeClock()))
			got, err := client.Settle(context.Background(), testRequest())
			if err != nil {
				t.Fatalf("Settle() error = %v", err)
			}

			if got.Success != tt.wantOK {
				t.Errorf("Success = %v, want %v", got.Success, tt.wantOK)
			}
			if got.TransactionHash != tt.wantHash && tt.wantOK {
				t.Errorf("TransactionHash = %s, want %s", got.TransactionHash, tt.wantHash)
			}
			if got.ErrorCode != tt.wantCode {
				t.Errorf("ErrorCode = %s, want %s", got.ErrorCode, tt.wantCode)
			}
		})
	}
}

func TestSettleRejectionNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error":     "invalid signature",
			"errorCode": "invalid_signature",
		})
	}))
	defer server.Close()

	client := settle.NewClient(server.URL, settle.WithClock(newFakeClock()))
	got, err := client.Settle(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Settle() error = %v, want verdict outcome", err)
	}
	if got.Success {
		t.Error("Success = true for a rejection")
	}
	if got.ErrorCode != "invalid_signature" {
		t.Errorf("ErrorCode = %s, want invalid_signature", got.ErrorCode)
	}
	if got.ErrorMessage != "invalid signature" {
		t.Errorf("ErrorMessage = %q, want %q", got.ErrorMessage, "invalid signature")
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("facilitator hit %d times, want 1", n)
	}
}

func TestSettleRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success":     true,
			"transaction": map[string]any{"hash": "0xabc", "blockNumber": 9},
		})
	}))
	defer server.Close()

	clk := newFakeClock()
	client := settle.NewClient(server.URL, settle.WithClock(clk))

	got, err := client.Settle(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if !got.Success {
		t.Errorf("Success = false, outcome %+v", got)
	}
	if n := hits.Load(); n != 4 {
		t.Errorf("facilitator hit %d times, want 4", n)
	}
	if len(clk.sleeps) != 3 {
		t.Fatalf("slept %d times, want 3", len(clk.sleeps))
	}
	// Backoff grows attempt over attempt even at jitter extremes.
	for i := 1; i < len(clk.sleeps); i++ {
		if clk.sleeps[i] <= clk.sleeps[i-1] {
			t.Errorf("backoff not increasing: %v", clk.sleeps)
		}
	}
}

func TestSettleExhaustsRetries(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := settle.NewClient(server.URL,
		settle.WithClock(newFakeClock()),
		settle.WithMaxRetries(2),
	)

	got, err := client.Settle(context.Background(), testRequest())
	if got != nil {
		t.Errorf("outcome = %+v, want nil", got)
	}
	if !errors.Is(err, settle.ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
	if n := hits.Load(); n != 3 {
		t.Errorf("facilitator hit %d times, want 3", n)
	}
}

func TestSettleBudgetExhausted(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := settle.NewClient(server.URL,
		settle.WithClock(newFakeClock()),
		settle.WithTotalTimeout(time.Second),
	)

	_, err := client.Settle(context.Background(), testRequest())
	if !errors.Is(err, settle.ErrBudgetExhausted) {
		t.Errorf("error = %v, want ErrBudgetExhausted", err)
	}
	// 1s budget admits the first attempt, one full backoff, and one
	// clamped backoff before the margin bites.
	if n := hits.Load(); n != 3 {
		t.Errorf("facilitator hit %d times, want 3", n)
	}
}

func TestSettleCanceledContext(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := settle.NewClient(server.URL, settle.WithClock(newFakeClock()))
	_, err := client.Settle(ctx, testRequest())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestSettleStaticBearer(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer sekrit")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success":     true,
			"transaction": map[string]any{"hash": "0xabc", "blockNumber": 1},
		})
	}))
	defer server.Close()

	client := settle.NewClient(server.URL,
		settle.WithClock(newFakeClock()),
		settle.WithAuth(settle.StaticBearer("sekrit")),
	)
	if _, err := client.Settle(context.Background(), testRequest()); err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
}

func TestSettleJWTBearer(t *testing.T) {
	t.Parallel()

	secret := []byte("topsecret")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			t.Errorf("failed to parse facilitator token: %v", err)
		}
		if claims.Issuer != "arcade" || claims.Subject != "payment-engine" {
			t.Errorf("claims = %+v, want issuer arcade subject payment-engine", claims)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"success":     true,
			"transaction": map[string]any{"hash": "0xabc", "blockNumber": 1},
		})
	}))
	defer server.Close()

	client := settle.NewClient(server.URL,
		settle.WithClock(newFakeClock()),
		settle.WithAuth(&settle.JWTBearer{
			Secret:  secret,
			Issuer:  "arcade",
			Subject: "payment-engine",
		}),
	)
	if _, err := client.Settle(context.Background(), testRequest()); err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
}

func TestHealthCaching(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/x402/supported" {
			t.Errorf("path = %s, want /v2/x402/supported", r.URL.Path)
		}
		hits.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"kinds": []string{"exact"}})
	}))
	defer server.Close()

	clk := newFakeClock()
	client := settle.NewClient(server.URL, settle.WithClock(clk))

	st := client.Health(context.Background())
	if !st.Healthy {
		t.Fatalf("Healthy = false: %+v", st)
	}
	if client.Health(context.Background()); hits.Load() != 1 {
		t.Errorf("probe not cached: %d hits", hits.Load())
	}

	clk.advance(61 * time.Second)
	if client.Health(context.Background()); hits.Load() != 2 {
		t.Errorf("cache not refreshed after TTL: %d hits", hits.Load())
	}
}

func TestHealthUnhealthy(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := settle.NewClient(server.URL, settle.WithClock(newFakeClock()))
	st := client.Health(context.Background())
	if st.Healthy {
		t.Error("Healthy = true for a 503 probe")
	}
	if st.Error == "" {
		t.Error("Error not populated for unhealthy probe")
	}
}
