package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Domain identifies the EIP-712 signing domain of an EIP-3009 token
// deployment. Name and Version must match what the token contract reports
// or signature recovery yields the wrong signer.
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract string
}

// Authorization carries the TransferWithAuthorization fields in their wire
// form: decimal strings for the uint256 values, 0x-prefixed hex for the
// 32-byte nonce.
type Authorization struct {
	From        string
	To          string
	Value       string
	ValidAfter  string
	ValidBefore string
	Nonce       string
}

// AuthorizationDigest computes the EIP-712 digest a wallet signs for an
// EIP-3009 transferWithAuthorization call:
// keccak256("\x19\x01" || domainSeparator || structHash).
func AuthorizationDigest(d Domain, a Authorization) ([]byte, error) {
	value, ok := new(big.Int).SetString(a.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid authorization value: %s", a.Value)
	}
	validAfter, ok := new(big.Int).SetString(a.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter: %s", a.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(a.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore: %s", a.ValidBefore)
	}
	nonce, err := hexutil.Decode(a.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce: %w", err)
	}
	if len(nonce) != 32 {
		return nil, fmt.Errorf("invalid nonce length: %d bytes", len(nonce))
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           math.NewHexOrDecimal256(int64(d.ChainID)),
			VerifyingContract: d.VerifyingContract,
		},
		Message: apitypes.TypedDataMessage{
			"from":        common.HexToAddress(a.From).Hex(),
			"to":          common.HexToAddress(a.To).Hex(),
			"value":       value,
			"validAfter":  validAfter,
			"validBefore": validBefore,
			"nonce":       nonce,
		},
	}

	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	raw := append([]byte{0x19, 0x01}, domainSeparator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256(raw), nil
}
