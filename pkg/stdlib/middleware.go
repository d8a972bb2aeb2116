// Package stdlib gates net/http handlers behind the x402 payment engine.
// Verification and settlement both complete before the protected handler
// runs; the handler only ever sees paid requests.
package stdlib

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	x402engine "github.com/x402arcade/x402-engine-go"
	"github.com/x402arcade/x402-engine-go/extensions/ratelimit"
	"github.com/x402arcade/x402-engine-go/observability"
)

// PaymentMiddlewareOptions is the options for the PaymentMiddleware.
type PaymentMiddlewareOptions struct {
	Limiter           *ratelimit.Limiter
	CustomPaywallHTML string
}

// Options is the type for the options for the PaymentMiddleware.
type Options func(*PaymentMiddlewareOptions)

// WithRateLimiter throttles payment attempts per wallet. Requests without
// a credential are not throttled; the challenge is free.
func WithRateLimiter(l *ratelimit.Limiter) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Limiter = l
	}
}

// WithCustomPaywallHTML replaces the paywall page served to browsers.
func WithCustomPaywallHTML(customPaywallHTML string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.CustomPaywallHTML = customPaywallHTML
	}
}

// PaymentMiddleware wraps a handler with the payment gate: no credential
// gets the 402 challenge, a bad credential gets the mapped rejection, and
// a settled payment reaches the handler with the X-PAYMENT-RESPONSE
// confirmation header set and the payment in the request context.
func PaymentMiddleware(engine *x402engine.Engine, opts ...Options) func(http.Handler) http.Handler {
	options := &PaymentMiddlewareOptions{}
	for _, opt := range opts {
		opt(options)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			payment := strings.TrimSpace(r.Header.Get("X-PAYMENT"))
			if payment == "" {
				writeChallenge(w, r, engine, options)
				return
			}

			if options.Limiter != nil {
				if ok, retryAfter := options.Limiter.Allow(walletKey(payment, r)); !ok {
					observability.ObserveThrottle("wallet")
					writeRateLimited(w, retryAfter)
					return
				}
			}

			vp, err := engine.Process(r.Context(), payment)
			if err != nil {
				writeRejection(w, r, engine, options, err)
				return
			}

			confirmation, err := engine.ConfirmationHeader(vp)
			if err != nil {
				writeErrorResponse(w, http.StatusInternalServerError, "failed to encode settlement confirmation", x402engine.ErrCodeInternalError, nil)
				return
			}
			w.Header().Set("X-PAYMENT-RESPONSE", confirmation)
			next.ServeHTTP(w, r.WithContext(x402engine.NewContext(r.Context(), vp)))
		})
	}
}

// walletKey picks the rate-limit key: the paying wallet when the
// credential parses, the client address otherwise.
func walletKey(payment string, r *http.Request) string {
	if cred, err := x402engine.DecodeCredential(payment); err == nil && cred.From != "" {
		return cred.From
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

func isWebBrowser(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html") &&
		strings.Contains(r.Header.Get("User-Agent"), "Mozilla")
}

func writeChallenge(w http.ResponseWriter, r *http.Request, engine *x402engine.Engine, options *PaymentMiddlewareOptions) {
	ch := engine.Challenge()
	if header, err := engine.ChallengeHeader(); err == nil {
		w.Header().Set("X-PAYMENT-REQUIRED", header)
	}

	if isWebBrowser(r) {
		body := options.CustomPaywallHTML
		if body == "" {
			body = defaultPaywallHTML(ch)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(body))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"x402Version": ch.X402Version,
		"error":       ch.Error,
		"accepts":     ch.Accepts,
	})
}

// writeRejection maps an engine failure onto the HTTP surface: internal
// faults are a 500, everything else re-challenges with a 402 carrying the
// rejection code.
func writeRejection(w http.ResponseWriter, r *http.Request, engine *x402engine.Engine, options *PaymentMiddlewareOptions, err error) {
	if errors.Is(err, x402engine.ErrNoCredential) {
		writeChallenge(w, r, engine, options)
		return
	}

	var perr *x402engine.PaymentError
	if !errors.As(err, &perr) {
		writeErrorResponse(w, http.StatusInternalServerError, "payment processing failed", x402engine.ErrCodeInternalError, nil)
		return
	}
	if perr.Code == x402engine.ErrCodeInternalError {
		writeErrorResponse(w, http.StatusInternalServerError, perr.Message, perr.Code, perr.Details)
		return
	}

	ch := engine.Challenge()
	if header, hdrErr := engine.ChallengeHeader(); hdrErr == nil {
		w.Header().Set("X-PAYMENT-REQUIRED", header)
	}
	resp := map[string]interface{}{
		"x402Version": ch.X402Version,
		"error":       perr.Message,
		"code":        perr.Code,
		"accepts":     ch.Accepts,
	}
	if len(perr.Details) > 0 {
		resp["details"] = perr.Details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(resp)
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int64((retryAfter + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	writeErrorResponse(w, http.StatusTooManyRequests,
		"too many payment attempts, retry later", x402engine.ErrCodeRateLimited, nil)
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, message, code string, details map[string]interface{}) {
	resp := map[string]interface{}{
		"x402Version": x402engine.ProtocolVersion,
		"error":       message,
		"code":        code,
	}
	if len(details) > 0 {
		resp["details"] = details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

// defaultPaywallHTML is the paywall page served to browsers that hit the
// gate without a credential.
func defaultPaywallHTML(ch x402engine.Challenge) string {
	var price string
	if len(ch.Accepts) > 0 {
		accept := ch.Accepts[0]
		price = fmt.Sprintf("<p>Price: %s on %s</p>",
			html.EscapeString(accept.DisplayAmount()), html.EscapeString(accept.Network))
	}
	return fmt.Sprintf("<html><body><h1>Payment Required</h1><p>%s</p>%s</body></html>",
		html.EscapeString(ch.Error), price)
}
