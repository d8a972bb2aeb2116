// Package echo gates labstack/echo handlers behind the x402 payment
// engine. Verification and settlement both complete before the protected
// handler runs; the handler only ever sees paid requests.
package echo

import (
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

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

// PaymentMiddleware is the Echo middleware gating a route group behind the
// payment engine: no credential gets the 402 challenge, a bad credential
// gets the mapped rejection, and a settled payment reaches the handler
// with the X-PAYMENT-RESPONSE confirmation header set and the payment in
// the request context.
func PaymentMiddleware(engine *x402engine.Engine, opts ...Options) echo.MiddlewareFunc {
	options := &PaymentMiddlewareOptions{}
	for _, opt := range opts {
		opt(options)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			payment := strings.TrimSpace(c.Request().Header.Get("X-PAYMENT"))
			if payment == "" {
				return respondChallenge(c, engine, options, "")
			}

			if options.Limiter != nil {
				if ok, retryAfter := options.Limiter.Allow(walletKey(payment, c)); !ok {
					observability.ObserveThrottle("wallet")
					seconds := int64((retryAfter + time.Second - 1) / time.Second)
					if seconds < 1 {
						seconds = 1
					}
					c.Response().Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
					return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
						"x402Version": x402engine.ProtocolVersion,
						"error":       "too many payment attempts, retry later",
						"code":        x402engine.ErrCodeRateLimited,
					})
				}
			}

			vp, err := engine.Process(c.Request().Context(), payment)
			if err != nil {
				return respondRejection(c, engine, options, err)
			}

			confirmation, err := engine.ConfirmationHeader(vp)
			if err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]interface{}{
					"x402Version": x402engine.ProtocolVersion,
					"error":       "failed to encode settlement confirmation",
					"code":        x402engine.ErrCodeInternalError,
				})
			}
			c.Response().Header().Set("X-PAYMENT-RESPONSE", confirmation)
			c.SetRequest(c.Request().WithContext(x402engine.NewContext(c.Request().Context(), vp)))
			return next(c)
		}
	}
}

// walletKey picks the rate-limit key: the paying wallet when the
// credential parses, the client address otherwise.
func walletKey(payment string, c echo.Context) string {
	if cred, err := x402engine.DecodeCredential(payment); err == nil && cred.From != "" {
		return cred.From
	}
	return "ip:" + c.RealIP()
}

func isWebBrowser(c echo.Context) bool {
	return strings.Contains(c.Request().Header.Get("Accept"), "text/html") &&
		strings.Contains(c.Request().Header.Get("User-Agent"), "Mozilla")
}

// respondChallenge answers 402 with the payment challenge: an HTML paywall
// for browsers, the JSON challenge body otherwise. A non-empty message
// overrides the configured challenge text.
func respondChallenge(c echo.Context, engine *x402engine.Engine, options *PaymentMiddlewareOptions, message string) error {
	ch := engine.Challenge()
	if header, err := engine.ChallengeHeader(); err == nil {
		c.Response().Header().Set("X-PAYMENT-REQUIRED", header)
	}

	if isWebBrowser(c) {
		body := options.CustomPaywallHTML
		if body == "" {
			body = defaultPaywallHTML(ch)
		}
		return c.HTML(http.StatusPaymentRequired, body)
	}

	if message == "" {
		message = ch.Error
	}
	return c.JSON(http.StatusPaymentRequired, map[string]interface{}{
		"x402Version": ch.X402Version,
		"error":       message,
		"accepts":     ch.Accepts,
	})
}

// respondRejection maps an engine failure onto the HTTP surface: internal
// faults are a 500, everything else re-challenges with a 402 carrying the
// rejection code.
func respondRejection(c echo.Context, engine *x402engine.Engine, options *PaymentMiddlewareOptions, err error) error {
	if errors.Is(err, x402engine.ErrNoCredential) {
		return respondChallenge(c, engine, options, "")
	}

	var perr *x402engine.PaymentError
	if !errors.As(err, &perr) {
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"x402Version": x402engine.ProtocolVersion,
			"error":       "payment processing failed",
			"code":        x402engine.ErrCodeInternalError,
		})
	}
	if perr.Code == x402engine.ErrCodeInternalError {
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"x402Version": x402engine.ProtocolVersion,
			"error":       perr.Message,
			"code":        perr.Code,
		})
	}

	ch := engine.Challenge()
	if header, hdrErr := engine.ChallengeHeader(); hdrErr == nil {
		c.Response().Header().Set("X-PAYMENT-REQUIRED", header)
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
	return c.JSON(http.StatusPaymentRequired, resp)
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
