package x402engine

import "fmt"

// PaymentError represents a payment-specific error
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Malformed-credential error codes. Structural validation accumulates every
// violation; the first one in validation order becomes the primary code and
// the full list rides in Details.
const (
	ErrCodeInvalidPayment         = "invalid_payment"
	ErrCodeInvalidPaymentVersion  = "invalid_payment_version"
	ErrCodeInvalidScheme          = "invalid_scheme"
	ErrCodeMissingPayload         = "missing_payload"
	ErrCodeInvalidSignatureFormat = "invalid_signature_format"
	ErrCodeInvalidAddress         = "invalid_address"
	ErrCodeInvalidAmount          = "invalid_amount"
	ErrCodeInvalidTimestamp       = "invalid_timestamp"
	ErrCodeInvalidNonce           = "invalid_nonce"
	ErrCodeInvalidRecoveryID      = "invalid_recovery_id"
)

// Business rejection codes. These short-circuit: the first failed check
// decides the outcome.
const (
	ErrCodeAmountInsufficient       = "amount_insufficient"
	ErrCodeRecipientMismatch        = "recipient_mismatch"
	ErrCodeAuthorizationNotYetValid = "authorization_not_yet_valid"
	ErrCodeAuthorizationExpired     = "authorization_expired"
	ErrCodeNonceAlreadyUsed         = "nonce_already_used"
	ErrCodeInvalidSignature         = "invalid_signature"
)

// Settlement and server-side error codes.
const (
	ErrCodeSettlementFailed       = "settlement_failed"
	ErrCodeSettlementNetworkError = "settlement_network_error"
	ErrCodeSettlementTimeout      = "settlement_timeout"
	ErrCodeUnsupportedChain       = "unsupported_chain"
	ErrCodeRateLimited            = "rate_limited"
	ErrCodeInternalError          = "internal_error"
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// IsClientFault reports whether the code describes a problem with the
// presented credential (malformed or business-rejected) as opposed to a
// settlement or server failure. Middleware uses this for status mapping.
func IsClientFault(code string) bool {
	switch code {
	case ErrCodeSettlementFailed, ErrCodeSettlementNetworkError,
		ErrCodeSettlementTimeout, ErrCodeUnsupportedChain,
		ErrCodeRateLimited, ErrCodeInternalError:
		return false
	default:
		return true
	}
}
