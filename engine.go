package x402engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/x402arcade/x402-engine-go/evm"
	"github.com/x402arcade/x402-engine-go/extensions/paymentid"
	"github.com/x402arcade/x402-engine-go/ledger"
	"github.com/x402arcade/x402-engine-go/observability"
	"github.com/x402arcade/x402-engine-go/settle"
)

// ErrNoCredential reports an empty X-PAYMENT header. This is the expected
// first contact of the protocol, answered with a challenge, not a fault.
var ErrNoCredential = errors.New("x402engine: no payment credential presented")

// clockSkew tolerates drift between payer, server, and chain clocks when
// judging the authorization validity window.
const clockSkew = 30 * time.Second

// State names one stage of the per-request pipeline. Failures report the
// state they occurred in.
type State string

const (
	StateNoCredential State = "no_credential"
	StateDecoding     State = "decoding"
	StateValidating   State = "validating"
	StateSettling     State = "settling"
	StateCommitting   State = "committing"
	StateVerified     State = "verified"
)

// Settler is the settlement contract the engine consumes; *settle.Client
// satisfies it.
type Settler interface {
	Settle(ctx context.Context, req *settle.Request) (*settle.Outcome, error)
}

// Engine runs one independent verification pipeline per request: decode
// the credential, validate structure and business rules, prevent replay,
// settle through the facilitator, commit the nonce, and hand back a
// VerifiedPayment. Cross-request state lives only in the nonce ledger and
// the settlement dedupe window.
type Engine struct {
	cfg     Config
	ledger  ledger.Ledger
	settler Settler
	dedupe  *settlementDedupe
	log     *slog.Logger
	now     func() time.Time

	outputSchema *gojsonschema.Schema

	beforeSettleHooks    []BeforeSettleHook
	afterSettleHooks     []AfterSettleHook
	onSettleFailureHooks []OnSettleFailureHook
}

// Option configures an Engine.
type Option func(*Engine)

// WithLedger injects the nonce ledger. Defaults to an in-memory ledger,
// which is only suitable for a single process.
func WithLedger(l ledger.Ledger) Option {
	return func(e *Engine) {
		if l != nil {
			e.ledger = l
		}
	}
}

// WithSettler injects the settlement client. Defaults to a settle.Client
// against Config.FacilitatorURL.
func WithSettler(s Settler) Option {
	return func(e *Engine) {
		if s != nil {
			e.settler = s
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithClock overrides the time source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New builds an Engine from the payment policy. The config is normalized
// (network preset inheritance, defaults) and then validated; a config the
// engine cannot safely run with fails here, not at request time.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		dedupe: newSettlementDedupe(cfg.DedupeTTL),
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.ledger == nil {
		e.ledger = ledger.NewMemory()
	}
	if e.settler == nil {
		e.settler = settle.NewClient(cfg.FacilitatorURL, settle.WithLogger(e.log))
	}

	if len(cfg.OutputSchema) > 0 {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(cfg.OutputSchema))
		if err != nil {
			return nil, fmt.Errorf("config: output schema does not compile: %w", err)
		}
		e.outputSchema = schema
	}

	return e, nil
}

// Config returns a copy of the engine's payment policy.
func (e *Engine) Config() Config {
	return e.cfg
}

// ValidateOutput checks a resource response document against the
// configured output schema. With no schema configured everything passes.
func (e *Engine) ValidateOutput(doc []byte) error {
	if e.outputSchema == nil {
		return nil
	}
	res, err := e.outputSchema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("failed to validate output document: %w", err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, re := range res.Errors() {
			msgs = append(msgs, re.String())
		}
		return fmt.Errorf("output does not match advertised schema: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// processRun carries one request's scratch state through the pipeline.
type processRun struct {
	header      string
	cred        *PaymentCredential
	amount      *big.Int
	v           byte
	validAfter  int64
	validBefore int64
	received    time.Time
	state       *State
}

// Process runs the full pipeline for one X-PAYMENT header. An empty header
// returns ErrNoCredential; every other failure is a *PaymentError carrying
// the specific rejection code. A non-nil VerifiedPayment means the
// transfer settled on-chain and the nonce is committed.
func (e *Engine) Process(ctx context.Context, paymentHeader string) (*VerifiedPayment, error) {
	received := e.now()
	header := strings.TrimSpace(paymentHeader)
	if header == "" {
		observability.ObservePayment(string(StateNoCredential), "", 0)
		return nil, ErrNoCredential
	}

	state := StateDecoding
	run := &processRun{header: header, received: received, state: &state}
	vp, perr := e.process(ctx, run)

	elapsed := e.now().Sub(received)
	if perr != nil {
		observability.ObservePayment(string(state), perr.Code, elapsed)
		logFn := e.log.Warn
		if IsClientFault(perr.Code) {
			logFn = e.log.Info
		}
		logFn("payment rejected",
			"state", string(state),
			"code", perr.Code,
			"message", perr.Message,
			"duration", elapsed,
		)
		return nil, perr
	}

	observability.ObservePayment(string(state), "", elapsed)
	e.log.Info("payment verified",
		"paymentId", vp.ID,
		"payer", vp.Payer,
		"amount", vp.DisplayAmount,
		"txHash", vp.TransactionHash,
		"block", vp.BlockNumber,
		"duration", elapsed,
	)
	return vp, nil
}

func (e *Engine) process(ctx context.Context, run *processRun) (*VerifiedPayment, *PaymentError) {
	cred, err := DecodeCredential(run.header)
	if err != nil {
		return nil, asPaymentError(err)
	}
	run.cred = cred
	e.log.Debug("credential decoded", "payer", cred.From, "value", cred.Value, "nonce", cred.Nonce)

	*run.state = StateValidating
	if violations := ValidateCredential(cred, ValidateOptions{ChainID: e.cfg.ChainID}); len(violations) > 0 {
		return nil, combineViolations(violations)
	}
	if perr := e.checkBusinessRules(run); perr != nil {
		return nil, perr
	}

	*run.state = StateSettling
	return e.settleAndCommit(ctx, run)
}

// checkBusinessRules applies the short-circuiting business checks in
// order: network, amount, recipient, validity window, local signature.
func (e *Engine) checkBusinessRules(run *processRun) *PaymentError {
	cred := run.cred

	if cred.Network != "" && cred.Network != e.cfg.Network {
		return NewPaymentError(ErrCodeUnsupportedChain,
			fmt.Sprintf("payment network %q is not supported, expected %q", cred.Network, e.cfg.Network), nil)
	}

	amount, ok := new(big.Int).SetString(cred.Value, 10)
	if !ok {
		return NewPaymentError(ErrCodeInvalidAmount, fmt.Sprintf("value %q is not a decimal integer", cred.Value), nil)
	}
	run.amount = amount
	if amount.Cmp(e.cfg.Amount) < 0 {
		return NewPaymentError(ErrCodeAmountInsufficient,
			fmt.Sprintf("payment of %s is below the required %s", cred.Value, e.cfg.Amount.String()),
			map[string]interface{}{"required": e.cfg.Amount.String(), "provided": cred.Value})
	}

	if !strings.EqualFold(cred.To, e.cfg.PayTo) {
		return NewPaymentError(ErrCodeRecipientMismatch,
			fmt.Sprintf("authorization pays %s, expected %s", cred.To, e.cfg.PayTo),
			map[string]interface{}{"expected": e.cfg.PayTo, "got": cred.To})
	}

	validAfter, err := strconv.ParseInt(cred.ValidAfter, 10, 64)
	if err != nil {
		return NewPaymentError(ErrCodeInvalidTimestamp, fmt.Sprintf("validAfter %q is out of range", cred.ValidAfter), nil)
	}
	validBefore, err := strconv.ParseInt(cred.ValidBefore, 10, 64)
	if err != nil {
		return NewPaymentError(ErrCodeInvalidTimestamp, fmt.Sprintf("validBefore %q is out of range", cred.ValidBefore), nil)
	}
	run.validAfter, run.validBefore = validAfter, validBefore

	nowUnix := e.now().Unix()
	skew := int64(clockSkew / time.Second)
	if nowUnix+skew < validAfter {
		return NewPaymentError(ErrCodeAuthorizationNotYetValid,
			fmt.Sprintf("authorization becomes valid at %d, now %d", validAfter, nowUnix), nil)
	}
	if nowUnix-skew >= validBefore {
		return NewPaymentError(ErrCodeAuthorizationExpired,
			fmt.Sprintf("authorization expired at %d, now %d", validBefore, nowUnix), nil)
	}
	if e.cfg.MinValiditySeconds > 0 && validBefore-nowUnix < int64(e.cfg.MinValiditySeconds) {
		return NewPaymentError(ErrCodeAuthorizationExpired,
			fmt.Sprintf("authorization expires at %d, too soon to settle", validBefore),
			map[string]interface{}{"minValiditySeconds": e.cfg.MinValiditySeconds})
	}

	v, err := NormalizeV(cred.V, e.cfg.ChainID)
	if err != nil {
		return NewPaymentError(ErrCodeInvalidRecoveryID, err.Error(), nil)
	}
	run.v = v

	if !e.cfg.SkipSignatureVerify && e.cfg.TokenName != "" && e.cfg.DomainVersion != "" {
		domain := evm.Domain{
			Name:              e.cfg.TokenName,
			Version:           e.cfg.DomainVersion,
			ChainID:           e.cfg.ChainID,
			VerifyingContract: e.cfg.TokenAddress,
		}
		auth := evm.Authorization{
			From:        cred.From,
			To:          cred.To,
			Value:       cred.Value,
			ValidAfter:  cred.ValidAfter,
			ValidBefore: cred.ValidBefore,
			Nonce:       cred.Nonce,
		}
		if err := evm.VerifyAuthorization(domain, auth, v, cred.R, cred.S); err != nil {
			if errors.Is(err, evm.ErrSignerMismatch) {
				return NewPaymentError(ErrCodeInvalidSignature, "signature was not produced by the payer", nil)
			}
			return NewPaymentError(ErrCodeInvalidSignature, fmt.Sprintf("failed to verify signature: %v", err), nil)
		}
	}

	return nil
}

// settleAndCommit routes the request through the dedupe window and, when
// this request leads, through the facilitator and the nonce commit.
func (e *Engine) settleAndCommit(ctx context.Context, run *processRun) (*VerifiedPayment, *PaymentError) {
	key := dedupeKey(run.header)
	for {
		status, cached, done := e.dedupe.checkAndMark(key)
		switch status {
		case dedupeCached:
			return e.serveCached(cached, run)
		case dedupeInFlight:
			e.log.Debug("identical credential already settling, waiting", "key", key)
			result, err := e.dedupe.waitForResult(ctx, key, done)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					return nil, NewPaymentError(ErrCodeSettlementTimeout,
						"timed out awaiting identical in-flight settlement", nil)
				}
				return nil, NewPaymentError(ErrCodeInternalError,
					"request canceled while awaiting identical in-flight settlement", nil)
			}
			if result != nil {
				return e.serveCached(result, run)
			}
			// The leader gave up without a verdict; take the lead.
			continue
		default:
			return e.settleAsLeader(ctx, key, done, run)
		}
	}
}

func (e *Engine) serveCached(r *dedupeResult, run *processRun) (*VerifiedPayment, *PaymentError) {
	if r.payment != nil {
		*run.state = StateVerified
		return r.payment, nil
	}
	return nil, r.failure
}

func (e *Engine) settleAsLeader(ctx context.Context, key string, done chan struct{}, run *processRun) (*VerifiedPayment, *PaymentError) {
	cred := run.cred
	nonce := strings.ToLower(cred.Nonce)

	used, err := e.ledger.IsUsed(ctx, nonce)
	if err != nil {
		e.dedupe.fail(key, done)
		e.log.Error("nonce ledger read failed", "nonce", nonce, "error", err)
		return nil, NewPaymentError(ErrCodeInternalError, "failed to consult nonce ledger", nil)
	}
	if used {
		e.dedupe.fail(key, done)
		return nil, NewPaymentError(ErrCodeNonceAlreadyUsed, "authorization nonce was already used", nil)
	}

	req := &settle.Request{
		X402Version:  ProtocolVersion,
		Scheme:       SchemeExact,
		Network:      e.cfg.Network,
		ChainID:      e.cfg.ChainID,
		TokenAddress: e.cfg.TokenAddress,
		Authorization: settle.Authorization{
			From:        cred.From,
			To:          cred.To,
			Value:       cred.Value,
			ValidAfter:  cred.ValidAfter,
			ValidBefore: cred.ValidBefore,
			Nonce:       cred.Nonce,
			V:           run.v,
			R:           cred.R,
			S:           cred.S,
		},
	}
	hookCtx := SettleHookContext{Ctx: ctx, Credential: cred, Request: req, Timestamp: e.now()}

	for _, hook := range e.beforeSettleHooks {
		result, err := hook(hookCtx)
		if err != nil {
			e.dedupe.fail(key, done)
			e.log.Error("before-settle hook failed", "error", err)
			return nil, NewPaymentError(ErrCodeInternalError, "before-settle hook failed", nil)
		}
		if result != nil && result.Abort {
			e.dedupe.fail(key, done)
			return nil, NewPaymentError(ErrCodeSettlementFailed,
				fmt.Sprintf("settlement aborted: %s", result.Reason),
				map[string]interface{}{"aborted": true})
		}
	}

	start := e.now()
	outcome, serr := e.settler.Settle(ctx, req)
	duration := e.now().Sub(start)

	if serr != nil {
		e.dedupe.fail(key, done)
		observability.ObserveSettlement("no_verdict", duration)
		e.runSettleFailureHooks(SettleFailureContext{SettleHookContext: hookCtx, Error: serr, Duration: duration})
		return nil, settleErrorToPayment(serr)
	}

	if !outcome.Success {
		details := map[string]interface{}{}
		if outcome.ErrorCode != "" {
			details["facilitatorCode"] = outcome.ErrorCode
		}
		if outcome.TransactionHash != "" {
			details["transactionHash"] = outcome.TransactionHash
		}
		message := outcome.ErrorMessage
		if message == "" {
			message = "facilitator declined the settlement"
		}
		perr := NewPaymentError(ErrCodeSettlementFailed, message, details)
		e.dedupe.complete(key, &dedupeResult{failure: perr}, done)
		observability.ObserveSettlement("rejected", duration)
		e.runSettleFailureHooks(SettleFailureContext{SettleHookContext: hookCtx, Error: perr, Duration: duration})
		return nil, perr
	}

	observability.ObserveSettlement("success", duration)

	*run.state = StateCommitting
	err = e.ledger.MarkUsed(ctx, nonce, ledger.Metadata{Sender: cred.From, TransactionHash: outcome.TransactionHash})
	if errors.Is(err, ledger.ErrNonceUsed) {
		// Lost the concurrent-replay race: another request settled this
		// nonce first. The facilitator's idempotency owns the on-chain
		// side; here it is a plain replay rejection.
		perr := NewPaymentError(ErrCodeNonceAlreadyUsed, "authorization nonce was already used",
			map[string]interface{}{"transactionHash": outcome.TransactionHash})
		e.dedupe.complete(key, &dedupeResult{failure: perr}, done)
		return nil, perr
	}
	if err != nil {
		// The transfer executed but the ledger write failed. Cache the
		// failure so identical retries do not settle twice, and log for
		// reconciliation.
		e.log.Error("nonce commit failed after settlement",
			"nonce", nonce, "txHash", outcome.TransactionHash, "error", err)
		perr := NewPaymentError(ErrCodeInternalError, "settlement succeeded but nonce commit failed",
			map[string]interface{}{"transactionHash": outcome.TransactionHash})
		e.dedupe.complete(key, &dedupeResult{failure: perr}, done)
		return nil, perr
	}

	vp := &VerifiedPayment{
		ID:              paymentid.New(""),
		Payer:           cred.From,
		Recipient:       cred.To,
		Amount:          run.amount,
		DisplayAmount:   fmt.Sprintf("%s %s", formatUnits(run.amount, e.cfg.TokenDecimals), e.cfg.TokenSymbol),
		TokenAddress:    e.cfg.TokenAddress,
		ChainID:         e.cfg.ChainID,
		TransactionHash: outcome.TransactionHash,
		BlockNumber:     outcome.BlockNumber,
		Nonce:           nonce,
		ValidAfter:      time.Unix(run.validAfter, 0).UTC(),
		ValidBefore:     time.Unix(run.validBefore, 0).UTC(),
		SettledAt:       outcome.SettledAt,
		ReceivedAt:      run.received,
	}
	*run.state = StateVerified
	e.dedupe.complete(key, &dedupeResult{payment: vp}, done)

	resCtx := SettleResultContext{SettleHookContext: hookCtx, Outcome: outcome, Duration: duration}
	for _, hook := range e.afterSettleHooks {
		if err := hook(resCtx); err != nil {
			e.log.Warn("after-settle hook failed", "error", err)
		}
	}
	return vp, nil
}

func (e *Engine) runSettleFailureHooks(failureCtx SettleFailureContext) {
	for _, hook := range e.onSettleFailureHooks {
		if err := hook(failureCtx); err != nil {
			e.log.Warn("settle-failure hook failed", "error", err)
		}
	}
}

// settleErrorToPayment maps a no-verdict settlement error onto the payment
// error taxonomy.
func settleErrorToPayment(err error) *PaymentError {
	switch {
	case errors.Is(err, settle.ErrBudgetExhausted), errors.Is(err, context.DeadlineExceeded):
		return NewPaymentError(ErrCodeSettlementTimeout, "settlement timed out before the facilitator answered", nil)
	case errors.Is(err, settle.ErrUnavailable):
		return NewPaymentError(ErrCodeSettlementNetworkError, "could not reach the settlement facilitator", nil)
	case errors.Is(err, context.Canceled):
		return NewPaymentError(ErrCodeInternalError, "request canceled during settlement", nil)
	default:
		return NewPaymentError(ErrCodeInternalError, "settlement failed internally", nil)
	}
}

// asPaymentError coerces any error into a *PaymentError, defaulting to the
// generic malformed-payment code.
func asPaymentError(err error) *PaymentError {
	var perr *PaymentError
	if errors.As(err, &perr) {
		return perr
	}
	return NewPaymentError(ErrCodeInvalidPayment, err.Error(), nil)
}

// combineViolations folds accumulated structural violations into one
// error: the first violation's code leads, the full list rides in Details.
func combineViolations(violations []error) *PaymentError {
	first := asPaymentError(violations[0])
	if len(violations) == 1 {
		return first
	}
	codes := make([]string, 0, len(violations))
	messages := make([]string, 0, len(violations))
	for _, v := range violations {
		pe := asPaymentError(v)
		codes = append(codes, pe.Code)
		messages = append(messages, pe.Message)
	}
	return NewPaymentError(first.Code,
		fmt.Sprintf("credential failed %d validation checks", len(violations)),
		map[string]interface{}{"violations": codes, "messages": messages})
}
