package evm

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrSignerMismatch is returned when the recovered signer is not the
// authorization's from address.
var ErrSignerMismatch = errors.New("recovered signer does not match authorization sender")

// RecoverAuthorizer recovers the address that signed the given EIP-712
// digest. v must be a legacy recovery id (27/28) or its raw form (0/1);
// r and s are 0x-prefixed 32-byte hex strings.
func RecoverAuthorizer(digest []byte, v byte, r, s string) (common.Address, error) {
	rb, err := hexutil.Decode(r)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature r: %w", err)
	}
	sb, err := hexutil.Decode(s)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature s: %w", err)
	}
	if len(rb) != 32 || len(sb) != 32 {
		return common.Address{}, fmt.Errorf("invalid signature component length: r=%d s=%d", len(rb), len(sb))
	}

	// go-ethereum expects the recovery id in its raw 0/1 form.
	sig := make([]byte, 65)
	copy(sig[0:32], rb)
	copy(sig[32:64], sb)
	switch v {
	case 0, 1:
		sig[64] = v
	case 27, 28:
		sig[64] = v - 27
	default:
		return common.Address{}, fmt.Errorf("invalid recovery id: %d", v)
	}

	pubkey, err := crypto.Ecrecover(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	if len(pubkey) != 65 {
		return common.Address{}, fmt.Errorf("unexpected public key length: %d", len(pubkey))
	}
	recovered, err := crypto.UnmarshalPubkey(pubkey)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to unmarshal public key: %w", err)
	}
	return crypto.PubkeyToAddress(*recovered), nil
}

// VerifyAuthorization checks that the v/r/s signature over the
// authorization's EIP-712 digest was produced by the authorization's from
// address. Returns ErrSignerMismatch when the signature is well formed but
// signed by someone else.
func VerifyAuthorization(d Domain, a Authorization, v byte, r, s string) error {
	digest, err := AuthorizationDigest(d, a)
	if err != nil {
		return err
	}
	signer, err := RecoverAuthorizer(digest, v, r, s)
	if err != nil {
		return err
	}
	if signer != common.HexToAddress(a.From) {
		return fmt.Errorf("%w: got %s, want %s", ErrSignerMismatch, signer.Hex(), a.From)
	}
	return nil
}
