// Package settle submits validated payment authorizations to an external
// x402 facilitator and normalizes its verdicts. Transient failures (5xx,
// transport faults, per-attempt timeouts) are retried with capped
// exponential backoff inside a wall-clock budget; facilitator verdicts are
// never retried.
package settle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/x402arcade/x402-engine-go/observability"
)

// Defaults for the retry policy.
const (
	DefaultMaxRetries     = 3
	DefaultTotalTimeout   = 60 * time.Second
	DefaultAttemptTimeout = 30 * time.Second
	DefaultBackoffBase    = 500 * time.Millisecond
	DefaultBackoffCap     = 10 * time.Second
)

const settlePath = "/v2/x402/settle"

var (
	// ErrUnavailable means no definitive facilitator verdict could be
	// obtained within the retry policy.
	ErrUnavailable = errors.New("settle: facilitator unavailable")

	// ErrBudgetExhausted means the wall-clock budget for the whole
	// settlement call ran out before a verdict arrived.
	ErrBudgetExhausted = errors.New("settle: timeout budget exhausted")
)

// Request is a settlement submission shaped for the facilitator API: the
// signature components ride inside the authorization object.
type Request struct {
	X402Version   string        `json:"x402Version"`
	Scheme        string        `json:"scheme"`
	Network       string        `json:"network"`
	ChainID       uint64        `json:"chainId"`
	TokenAddress  string        `json:"tokenAddress"`
	Authorization Authorization `json:"authorization"`
}

// Authorization carries the EIP-3009 fields plus their signature.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
	V           byte   `json:"v"`
	R           string `json:"r"`
	S           string `json:"s"`
}

// Outcome is the facilitator's verdict, normalized across its legacy and
// event-based response shapes. A non-nil Outcome means the facilitator
// answered; Success reports whether the transfer executed on-chain.
type Outcome struct {
	Success         bool
	TransactionHash string
	BlockNumber     uint64
	ErrorCode       string
	ErrorMessage    string
	SettledAt       time.Time
}

// Client talks to one facilitator endpoint.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	maxRetries     int
	totalTimeout   time.Duration
	attemptTimeout time.Duration
	backoffBase    time.Duration
	backoffCap     time.Duration
	auth           AuthProvider
	clock          Clock
	jitter         func() float64
	log            *slog.Logger

	healthMu sync.Mutex
	health   *HealthStatus
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport used for facilitator calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxRetries sets how many times a transient failure is retried after
// the first attempt.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithTotalTimeout bounds the wall-clock duration of one Settle call
// across all attempts and backoff sleeps.
func WithTotalTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.totalTimeout = d
		}
	}
}

// WithAttemptTimeout bounds each individual network attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.attemptTimeout = d
		}
	}
}

// WithBackoff sets the exponential backoff base delay and cap.
func WithBackoff(base, cap time.Duration) Option {
	return func(c *Client) {
		if base > 0 {
			c.backoffBase = base
		}
		if cap > 0 {
			c.backoffCap = cap
		}
	}
}

// WithAuth attaches credentials to every facilitator request.
func WithAuth(p AuthProvider) Option {
	return func(c *Client) { c.auth = p }
}

// WithClock substitutes the wall clock, letting tests drive the retry
// schedule without real sleeps.
func WithClock(clk Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithLogger sets the structured logger for attempt and retry events.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient builds a Client for the facilitator at baseURL. A trailing
// slash on the base is normalized away.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     &http.Client{},
		maxRetries:     DefaultMaxRetries,
		totalTimeout:   DefaultTotalTimeout,
		attemptTimeout: DefaultAttemptTimeout,
		backoffBase:    DefaultBackoffBase,
		backoffCap:     DefaultBackoffCap,
		clock:          systemClock{},
		jitter:         rand.Float64,
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL reports the normalized facilitator base endpoint.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Settle submits the authorization and returns the facilitator's
// normalized verdict. The returned error is non-nil only when no verdict
// could be obtained: transport failure after retries (ErrUnavailable),
// budget exhaustion (ErrBudgetExhausted), or caller cancellation. A
// facilitator rejection is a verdict: Outcome.Success is false and the
// error is nil.
func (c *Client) Settle(ctx context.Context, req *Request) (*Outcome, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settlement request: %w", err)
	}

	sched := &retrySchedule{
		attempt:     1,
		maxAttempts: c.maxRetries + 1,
		started:     c.clock.Now(),
		budget:      c.totalTimeout,
		base:        c.backoffBase,
		cap:         c.backoffCap,
		jitter:      c.jitter,
	}

	for {
		if sched.exhausted(c.clock.Now()) {
			return nil, fmt.Errorf("%w after %v", ErrBudgetExhausted, c.totalTimeout)
		}

		outcome, kind, attemptErr := c.attempt(ctx, body)
		observability.ObserveSettlementAttempt(kind.String())
		if outcome != nil {
			return outcome, nil
		}

		if !isRetryable(kind) {
			return nil, attemptErr
		}
		if sched.attempt >= sched.maxAttempts {
			return nil, fmt.Errorf("%w: %d attempts failed, last: %v", ErrUnavailable, sched.attempt, attemptErr)
		}

		delay := sched.nextDelay(c.clock.Now())
		if delay <= 0 {
			return nil, fmt.Errorf("%w after %v", ErrBudgetExhausted, c.totalTimeout)
		}
		c.log.Debug("retrying settlement",
			"attempt", sched.attempt,
			"delay", delay,
			"error", attemptErr,
		)
		if err := c.clock.Sleep(ctx, delay); err != nil {
			return nil, err
		}
		sched.attempt++
	}
}

// attempt performs one settlement POST. It returns a non-nil Outcome when
// the facilitator produced a verdict (2xx body or 4xx rejection),
// otherwise the failure kind and error.
func (c *Client) attempt(ctx context.Context, body []byte) (*Outcome, errorKind, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.baseURL+settlePath, bytes.NewReader(body))
	if err != nil {
		return nil, kindInternal, fmt.Errorf("failed to create settle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.auth != nil {
		if err := c.auth.Apply(req); err != nil {
			return nil, kindInternal, fmt.Errorf("failed to apply facilitator auth: %w", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, kindCanceled, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, kindTimeout, fmt.Errorf("settle attempt timed out: %w", err)
		default:
			return nil, kindTransport, fmt.Errorf("failed to send settle request: %w", err)
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, kindServerError, fmt.Errorf("facilitator returned %s", resp.Status)
	case resp.StatusCode >= 400:
		return c.parseRejection(resp), kindRejected, nil
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, kindTransport, fmt.Errorf("failed to decode settle response: %w", err)
	}
	return c.normalize(wire), kindNone, nil
}

// wireResponse absorbs both facilitator response shapes: the legacy
// {success, transaction:{hash, blockNumber}} form and the event-based
// {event, txHash, blockNumber} form.
type wireResponse struct {
	Success     *bool            `json:"success,omitempty"`
	Transaction *wireTransaction `json:"transaction,omitempty"`

	Event       string `json:"event,omitempty"`
	TxHash      string `json:"txHash,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

type wireTransaction struct {
	Hash        string `json:"hash"`
	BlockNumber uint64 `json:"blockNumber"`
}

const (
	eventSettled = "payment.settled"
	eventFailed  = "payment.failed"
)

func (c *Client) normalize(wire wireResponse) *Outcome {
	out := &Outcome{SettledAt: c.clock.Now()}

	switch {
	case wire.Event != "":
		// Settled without a transaction hash and block number is not a
		// settlement we can prove; treat it as failure.
		if wire.Event == eventSettled && wire.TxHash != "" && wire.BlockNumber != 0 {
			out.Success = true
			out.TransactionHash = wire.TxHash
			out.BlockNumber = wire.BlockNumber
			return out
		}
		out.TransactionHash = wire.TxHash
		out.ErrorCode = wire.ErrorCode
		out.ErrorMessage = wire.Error
		if out.ErrorCode == "" {
			if wire.Event == eventSettled {
				out.ErrorCode = "settlement_incomplete"
			} else {
				out.ErrorCode = "settlement_failed"
			}
		}
	case wire.Success != nil:
		if *wire.Success && wire.Transaction != nil && wire.Transaction.Hash != "" && wire.Transaction.BlockNumber != 0 {
			out.Success = true
			out.TransactionHash = wire.Transaction.Hash
			out.BlockNumber = wire.Transaction.BlockNumber
			return out
		}
		out.ErrorCode = wire.ErrorCode
		out.ErrorMessage = wire.Error
		if out.ErrorCode == "" {
			if *wire.Success {
				out.ErrorCode = "settlement_incomplete"
			} else {
				out.ErrorCode = "settlement_failed"
			}
		}
	default:
		out.ErrorCode = "settlement_failed"
		out.ErrorMessage = "facilitator response carried no verdict"
	}
	return out
}

// parseRejection turns a 4xx response into a failure Outcome, preserving
// the facilitator's error code and message when the body carries them.
func (c *Client) parseRejection(resp *http.Response) *Outcome {
	out := &Outcome{
		SettledAt: c.clock.Now(),
		ErrorCode: "facilitator_rejected",
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		out.ErrorMessage = resp.Status
		return out
	}

	var wire struct {
		Error     string `json:"error"`
		Message   string `json:"message"`
		ErrorCode string `json:"errorCode"`
	}
	if err := json.Unmarshal(body, &wire); err == nil {
		if wire.ErrorCode != "" {
			out.ErrorCode = wire.ErrorCode
		}
		switch {
		case wire.Error != "":
			out.ErrorMessage = wire.Error
		case wire.Message != "":
			out.ErrorMessage = wire.Message
		default:
			out.ErrorMessage = resp.Status
		}
		return out
	}

	out.ErrorMessage = strings.TrimSpace(string(body))
	if out.ErrorMessage == "" {
		out.ErrorMessage = resp.Status
	}
	return out
}
