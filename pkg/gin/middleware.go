// Package gin gates gin-gonic handlers behind the x402 payment engine.
// Verification and settlement both complete before the protected handler
// runs; the handler only ever sees paid requests.
package gin

import (
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

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

// PaymentMiddleware is the Gin middleware gating a route group behind the
// payment engine: no credential gets the 402 challenge, a bad credential
// gets the mapped rejection, and a settled payment reaches the handler
// with the X-PAYMENT-RESPONSE confirmation header set and the payment in
// the request context.
func PaymentMiddleware(engine *x402engine.Engine, opts ...Options) gin.HandlerFunc {
	options := &PaymentMiddlewareOptions{}
	for _, opt := range opts {
		opt(options)
	}

	return func(c *gin.Context) {
		payment := strings.TrimSpace(c.GetHeader("X-PAYMENT"))
		if payment == "" {
			abortWithChallenge(c, engine, options, "")
			return
		}

		if options.Limiter != nil {
			if ok, retryAfter := options.Limiter.Allow(walletKey(payment, c)); !ok {
				observability.ObserveThrottle("wallet")
				seconds := int64((retryAfter + time.Second - 1) / time.Second)
				if seconds < 1 {
					seconds = 1
				}
				c.Header("Retry-After", strconv.FormatInt(seconds, 10))
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
					"x402Version": x402engine.ProtocolVersion,
					"error":       "too many payment attempts, retry later",
					"code":        x402engine.ErrCodeRateLimited,
				})
				return
			}
		}

		vp, err := engine.Process(c.Request.Context(), payment)
		if err != nil {
			abortWithRejection(c, engine, options, err)
			return
		}

		confirmation, err := engine.ConfirmationHeader(vp)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"x402Version": x402engine.ProtocolVersion,
				"error":       "failed to encode settlement confirmation",
				"code":        x402engine.ErrCodeInternalError,
			})
			return
		}
		c.Header("X-PAYMENT-RESPONSE", confirmation)
		c.Request = c.Request.WithContext(x402engine.NewContext(c.Request.Context(), vp))
		c.Next()
	}
}

// walletKey picks the rate-limit key: the paying wallet when the
// credential parses, the client address otherwise.
func walletKey(payment string, c *gin.Context) string {
	if cred, err := x402engine.DecodeCredential(payment); err == nil && cred.From != "" {
		return cred.From
	}
	return "ip:" + c.ClientIP()
}

func isWebBrowser(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "text/html") &&
		strings.Contains(c.GetHeader("User-Agent"), "Mozilla")
}

// abortWithChallenge answers 402 with the payment challenge: an HTML
// paywall for browsers, the JSON challenge body otherwise. A non-empty
// message overrides the configured challenge text.
func abortWithChallenge(c *gin.Context, engine *x402engine.Engine, options *PaymentMiddlewareOptions, message string) {
	ch := engine.Challenge()
	if header, err := engine.ChallengeHeader(); err == nil {
		c.Header("X-PAYMENT-REQUIRED", header)
	}

	if isWebBrowser(c) {
		body := options.CustomPaywallHTML
		if body == "" {
			body = defaultPaywallHTML(ch)
		}
		c.Abort()
		c.Data(http.StatusPaymentRequired, "text/html; charset=utf-8", []byte(body))
		return
	}

	if message == "" {
		message = ch.Error
	}
	c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
		"x402Version": ch.X402Version,
		"error":       message,
		"accepts":     ch.Accepts,
	})
}

// abortWithRejection maps an engine failure onto the HTTP surface:
// internal faults are a 500, everything else re-challenges with a 402
// carrying the rejection code.
func abortWithRejection(c *gin.Context, engine *x402engine.Engine, options *PaymentMiddlewareOptions, err error) {
	if errors.Is(err, x402engine.ErrNoCredential) {
		abortWithChallenge(c, engine, options, "")
		return
	}

	var perr *x402engine.PaymentError
	if !errors.As(err, &perr) {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"x402Version": x402engine.ProtocolVersion,
			"error":       "payment processing failed",
			"code":        x402engine.ErrCodeInternalError,
		})
		return
	}
	if perr.Code == x402engine.ErrCodeInternalError {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"x402Version": x402engine.ProtocolVersion,
			"error":       perr.Message,
			"code":        perr.Code,
		})
		return
	}

	ch := engine.Challenge()
	if header, hdrErr := engine.ChallengeHeader(); hdrErr == nil {
		c.Header("X-PAYMENT-REQUIRED", header)
	}
	resp := gin.H{
		"x402Version": ch.X402Version,
		"error":       perr.Message,
		"code":        perr.Code,
		"accepts":     ch.Accepts,
	}
	if len(perr.Details) > 0 {
		resp["details"] = perr.Details
	}
	c.AbortWithStatusJSON(http.StatusPaymentRequired, resp)
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
