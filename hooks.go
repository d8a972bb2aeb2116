package x402engine

import (
	"context"
	"time"

	"github.com/x402arcade/x402-engine-go/settle"
)

// SettleHookContext contains information passed to settle hooks
type SettleHookContext struct {
	Ctx        context.Context
	Credential *PaymentCredential
	Request    *settle.Request
	Timestamp  time.Time
}

// SettleResultContext contains settle operation result and context
type SettleResultContext struct {
	SettleHookContext
	Outcome  *settle.Outcome
	Duration time.Duration
}

// SettleFailureContext contains settle operation failure and context
type SettleFailureContext struct {
	SettleHookContext
	Error    error
	Duration time.Duration
}

// BeforeHookResult represents the result of a "before" hook
// If Abort is true, the operation will be aborted with the given Reason
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// BeforeSettleHook is called before payment settlement
// If it returns a result with Abort=true, settlement is aborted and the
// payment rejected with the provided reason. A hook error also aborts:
// settlement has side effects, so before-hooks fail closed.
type BeforeSettleHook func(SettleHookContext) (*BeforeHookResult, error)

// AfterSettleHook is called after successful payment settlement
// Any error returned will be logged but will not affect the settlement result
type AfterSettleHook func(SettleResultContext) error

// OnSettleFailureHook is called when payment settlement fails or the
// facilitator rejects the payment
// Any error returned will be logged; the failure stands either way
type OnSettleFailureHook func(SettleFailureContext) error

// WithBeforeSettleHook registers a hook to execute before payment settlement
func WithBeforeSettleHook(hook BeforeSettleHook) Option {
	return func(e *Engine) {
		e.beforeSettleHooks = append(e.beforeSettleHooks, hook)
	}
}

// WithAfterSettleHook registers a hook to execute after successful payment settlement
func WithAfterSettleHook(hook AfterSettleHook) Option {
	return func(e *Engine) {
		e.afterSettleHooks = append(e.afterSettleHooks, hook)
	}
}

// WithOnSettleFailureHook registers a hook to execute when payment settlement fails
func WithOnSettleFailureHook(hook OnSettleFailureHook) Option {
	return func(e *Engine) {
		e.onSettleFailureHooks = append(e.onSettleFailureHooks, hook)
	}
}
