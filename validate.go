package x402engine

import (
	"fmt"
	"math/big"
	"regexp"

	"github.com/ethereum/go-ethereum/common"
)

var (
	reDecimal  = regexp.MustCompile(`^[0-9]+$`)
	reHexWord  = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// ValidateOptions parameterizes structural validation.
type ValidateOptions struct {
	// ChainID cross-checks EIP-155 style recovery ids. Zero means no
	// chain to check against; any v >= 35 with a positive derived chain
	// id is then accepted.
	ChainID uint64
}

// ValidateCredential checks every structural rule and returns all
// violations rather than stopping at the first, so a payer can fix a bad
// credential in one round trip. Each violation is a *PaymentError with its
// specific code. Business rules (amount, recipient, timing, replay) are
// the engine's job, not this function's.
func ValidateCredential(c *PaymentCredential, opts ValidateOptions) []error {
	var violations []error
	add := func(code, message string) {
		violations = append(violations, NewPaymentError(code, message, nil))
	}

	if c.X402Version != ProtocolVersion {
		add(ErrCodeInvalidPaymentVersion,
			fmt.Sprintf("unsupported x402 version %q, expected %q", c.X402Version, ProtocolVersion))
	}
	if c.Scheme != SchemeExact {
		add(ErrCodeInvalidScheme,
			fmt.Sprintf("unsupported payment scheme %q, expected %q", c.Scheme, SchemeExact))
	}

	if !common.IsHexAddress(c.From) {
		add(ErrCodeInvalidAddress, fmt.Sprintf("from %q is not a valid address", c.From))
	}
	if !common.IsHexAddress(c.To) {
		add(ErrCodeInvalidAddress, fmt.Sprintf("to %q is not a valid address", c.To))
	}

	switch {
	case c.Value == "":
		add(ErrCodeInvalidAmount, "value is missing")
	case !reDecimal.MatchString(c.Value):
		add(ErrCodeInvalidAmount, fmt.Sprintf("value %q is not a decimal integer", c.Value))
	default:
		v, ok := new(big.Int).SetString(c.Value, 10)
		if !ok || v.Sign() <= 0 || v.Cmp(maxUint256) > 0 {
			add(ErrCodeInvalidAmount, fmt.Sprintf("value %q is not a positive uint256", c.Value))
		}
	}

	if !reDecimal.MatchString(c.ValidAfter) {
		add(ErrCodeInvalidTimestamp, fmt.Sprintf("validAfter %q is not a unix timestamp", c.ValidAfter))
	}
	if !reDecimal.MatchString(c.ValidBefore) {
		add(ErrCodeInvalidTimestamp, fmt.Sprintf("validBefore %q is not a unix timestamp", c.ValidBefore))
	}

	if !reHexWord.MatchString(c.Nonce) {
		add(ErrCodeInvalidNonce, "nonce must be 0x followed by 64 hex characters")
	}

	if _, err := NormalizeV(c.V, opts.ChainID); err != nil {
		add(ErrCodeInvalidRecoveryID, err.Error())
	}

	if !reHexWord.MatchString(c.R) {
		add(ErrCodeInvalidSignatureFormat, "signature r must be 0x followed by 64 hex characters")
	}
	if !reHexWord.MatchString(c.S) {
		add(ErrCodeInvalidSignatureFormat, "signature s must be 0x followed by 64 hex characters")
	}

	return violations
}

// NormalizeV maps an accepted recovery id encoding onto 27 or 28, and is
// idempotent over its own output. Accepted encodings: 27/28 directly, or
// the EIP-155 form chainID*2+35 / chainID*2+36. With no chain id to check
// against, any v >= 35 whose derived chain id is a positive integer is
// accepted under either parity. This mirrors how the settlement side
// treats such signatures and is intentionally permissive.
func NormalizeV(v uint64, chainID uint64) (byte, error) {
	switch {
	case v == 27 || v == 28:
		return byte(v), nil
	case chainID != 0:
		if v == chainID*2+35 {
			return 27, nil
		}
		if v == chainID*2+36 {
			return 28, nil
		}
		return 0, fmt.Errorf("recovery id %d is not 27, 28, or eip-155 encoded for chain %d", v, chainID)
	case v >= 35:
		if (v-35)%2 == 0 && (v-35)/2 > 0 {
			return 27, nil
		}
		if (v-36)%2 == 0 && (v-36)/2 > 0 {
			return 28, nil
		}
		return 0, fmt.Errorf("recovery id %d does not derive a positive chain id", v)
	default:
		return 0, fmt.Errorf("recovery id %d is not 27, 28, or eip-155 encoded", v)
	}
}
