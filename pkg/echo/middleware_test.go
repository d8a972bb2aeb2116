package echo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	x402engine "github.com/x402arcade/x402-engine-go"
	"github.com/x402arcade/x402-engine-go/evm"
	"github.com/x402arcade/x402-engine-go/extensions/ratelimit"
	"github.com/x402arcade/x402-engine-go/settle"
)

const (
	payTo = "0x2222222222222222222222222222222222222222"
	payer = "0x1111111111111111111111111111111111111111"
	rHex  = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	sHex  = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type stubSettler struct {
	err error
}

func (s stubSettler) Settle(context.Context, *settle.Request) (*settle.Outcome, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &settle.Outcome{Success: true, TransactionHash: "0xabc", BlockNumber: 42, SettledAt: time.Now()}, nil
}

func testEngine(t *testing.T, settler x402engine.Settler) *x402engine.Engine {
	t.Helper()
	e, err := x402engine.New(x402engine.Config{
		PayTo:               payTo,
		Amount:              big.NewInt(10000),
		TokenAddress:        evm.DevUSDCe.Address,
		TokenName:           evm.DevUSDCe.Name,
		TokenSymbol:         evm.DevUSDCe.Symbol,
		TokenDecimals:       evm.DevUSDCe.Decimals,
		Network:             "cronos-testnet",
		FacilitatorURL:      "https://facilitator.test",
		SkipSignatureVerify: true,
	},
		x402engine.WithSettler(settler),
		x402engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

func paymentHeader(t *testing.T, value, nonce string) string {
	t.Helper()
	header, err := x402engine.EncodeCredential(&x402engine.PaymentCredential{
		X402Version: x402engine.ProtocolVersion,
		Scheme:      x402engine.SchemeExact,
		Network:     "cronos-testnet",
		From:        payer,
		To:          payTo,
		Value:       value,
		ValidAfter:  "1",
		ValidBefore: strconv.FormatInt(time.Now().Add(10*time.Minute).Unix(), 10),
		Nonce:       nonce,
		V:           27,
		R:           rHex,
		S:           sHex,
	})
	if err != nil {
		t.Fatalf("EncodeCredential() error = %v", err)
	}
	return header
}

func gatedServer(t *testing.T, e *x402engine.Engine, handlerRan *bool, opts ...Options) *echo.Echo {
	t.Helper()
	srv := echo.New()
	srv.Use(PaymentMiddleware(e, opts...))
	srv.GET("/score", func(c echo.Context) error {
		*handlerRan = true
		vp, ok := x402engine.FromContext(c.Request().Context())
		if !ok || vp == nil {
			t.Error("handler ran without a payment in context")
			return nil
		}
		return c.String(http.StatusOK, vp.ID)
	})
	return srv
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response body is not JSON: %v\n%s", err, rec.Body.String())
	}
	return body
}

func TestMiddlewareChallenge(t *testing.T) {
	var handlerRan bool
	srv := gatedServer(t, testEngine(t, stubSettler{}), &handlerRan)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/score", nil))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if handlerRan {
		t.Error("handler ran without payment")
	}

	body := decodeBody(t, rec)
	if body["x402Version"] != "1" {
		t.Errorf("x402Version = %v, want 1", body["x402Version"])
	}
	if accepts, ok := body["accepts"].([]interface{}); !ok || len(accepts) != 1 {
		t.Fatalf("accepts = %v, want one option", body["accepts"])
	}
	if rec.Header().Get("X-PAYMENT-REQUIRED") == "" {
		t.Fatal("X-PAYMENT-REQUIRED header missing")
	}
}

func TestMiddlewareBrowserPaywall(t *testing.T) {
	var handlerRan bool
	srv := gatedServer(t, testEngine(t, stubSettler{}), &handlerRan)

	req := httptest.NewRequest(http.MethodGet, "/score", nil)
	req.Header.Set("Accept", "text/html")
	req.Header.Set("User-Agent", "Mozilla/5.0")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "0.01 devUSDC.e") {
		t.Errorf("paywall body missing price:\n%s", rec.Body.String())
	}
}

func TestMiddlewareSuccess(t *testing.T) {
	var handlerRan bool
	srv := gatedServer(t, testEngine(t, stubSettler{}), &handlerRan)

	req := httptest.NewRequest(http.MethodGet, "/score", nil)
	req.Header.Set("X-PAYMENT", paymentHeader(t, "10000",
		"0x3000000000000000000000000000000000000000000000000000000000000001"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\n%s", rec.Code, rec.Body.String())
	}
	if !handlerRan {
		t.Fatal("handler did not run for a settled payment")
	}

	confirm := rec.Header().Get("X-PAYMENT-RESPONSE")
	if confirm == "" {
		t.Fatal("X-PAYMENT-RESPONSE header missing")
	}
	raw, err := base64.StdEncoding.DecodeString(confirm)
	if err != nil {
		t.Fatalf("X-PAYMENT-RESPONSE is not base64: %v", err)
	}
	var sc x402engine.SettlementConfirmation
	if err := json.Unmarshal(raw, &sc); err != nil {
		t.Fatalf("X-PAYMENT-RESPONSE is not a confirmation: %v", err)
	}
	if sc.TransactionHash != "0xabc" || sc.BlockNumber != 42 {
		t.Errorf("confirmation = %+v, want 0xabc in block 42", sc)
	}
}

func TestMiddlewareRejection(t *testing.T) {
	var handlerRan bool
	srv := gatedServer(t, testEngine(t, stubSettler{}), &handlerRan)

	req := httptest.NewRequest(http.MethodGet, "/score", nil)
	req.Header.Set("X-PAYMENT", paymentHeader(t, "5000",
		"0x3000000000000000000000000000000000000000000000000000000000000002"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if handlerRan {
		t.Error("handler ran for a rejected payment")
	}
	if body := decodeBody(t, rec); body["code"] != "amount_insufficient" {
		t.Errorf("code = %v, want amount_insufficient", body["code"])
	}
}

func TestMiddlewareInternalError(t *testing.T) {
	var handlerRan bool
	srv := gatedServer(t, testEngine(t, stubSettler{err: errors.New("boom")}), &handlerRan)

	req := httptest.NewRequest(http.MethodGet, "/score", nil)
	req.Header.Set("X-PAYMENT", paymentHeader(t, "10000",
		"0x3000000000000000000000000000000000000000000000000000000000000003"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestMiddlewareRateLimited(t *testing.T) {
	var handlerRan bool
	limiter := ratelimit.New(1, time.Minute)
	srv := gatedServer(t, testEngine(t, stubSettler{}), &handlerRan, WithRateLimiter(limiter))

	first := httptest.NewRequest(http.MethodGet, "/score", nil)
	first.Header.Set("X-PAYMENT", paymentHeader(t, "10000",
		"0x3000000000000000000000000000000000000000000000000000000000000004"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, first)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	second := httptest.NewRequest(http.MethodGet, "/score", nil)
	second.Header.Set("X-PAYMENT", paymentHeader(t, "10000",
		"0x3000000000000000000000000000000000000000000000000000000000000005"))
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, second)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}
