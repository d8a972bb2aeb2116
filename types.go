package x402engine

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/x402arcade/x402-engine-go/evm"
)

// Config is the engine's payment policy: what must be paid, to whom, in
// which token, and which facilitator settles it. It is immutable once the
// engine is constructed.
type Config struct {
	// PayTo is the recipient address every authorization must name.
	PayTo string

	// Amount is the required payment in the token's smallest unit.
	// Overpayment is accepted, underpayment rejected.
	Amount *big.Int

	// Token contract parameters. TokenName and DomainVersion double as the
	// EIP-712 domain used for local signature verification.
	TokenAddress  string
	TokenName     string
	TokenSymbol   string
	TokenDecimals int
	DomainVersion string

	// FacilitatorURL is the settlement endpoint base.
	FacilitatorURL string

	// Network names the chain. When it matches a known preset, ChainID,
	// ExplorerBase, and DomainVersion inherit the preset's values unless
	// set explicitly.
	Network      string
	ChainID      uint64
	ExplorerBase string

	// MaxTimeoutSeconds is the advertised maximum authorization age.
	MaxTimeoutSeconds int

	// MinValiditySeconds rejects authorizations whose validBefore leaves
	// less than this much runway at receipt time. Zero disables the check.
	MinValiditySeconds int

	// SkipSignatureVerify disables local EIP-712 recovery of the payer
	// signature before settlement. Verification runs by default whenever
	// TokenName and DomainVersion are set.
	SkipSignatureVerify bool

	// ChallengeMessage overrides the error text in the payment challenge.
	ChallengeMessage string

	// OutputSchema optionally describes the protected resource's response
	// shape. It is advertised in the challenge and must compile as a JSON
	// Schema.
	OutputSchema json.RawMessage

	// DedupeTTL bounds how long completed settlement outcomes are served
	// to identical repeat requests. Zero means the 60s default.
	DedupeTTL time.Duration

	// Debug widens logging to per-state detail.
	Debug bool
}

// normalize fills derived defaults, inheriting chain parameters from the
// named network preset where the caller left them zero.
func (c *Config) normalize() {
	if net, err := evm.NetworkByName(c.Network); err == nil {
		if c.ChainID == 0 {
			c.ChainID = net.ChainID
		}
		if c.ExplorerBase == "" {
			c.ExplorerBase = net.ExplorerBase
		}
		if c.DomainVersion == "" {
			c.DomainVersion = net.DomainVersion
		}
	}
	if c.MaxTimeoutSeconds <= 0 {
		c.MaxTimeoutSeconds = 300
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = time.Minute
	}
	if c.ChallengeMessage == "" {
		c.ChallengeMessage = "Payment required to access this resource"
	}
	c.FacilitatorURL = strings.TrimRight(strings.TrimSpace(c.FacilitatorURL), "/")
}

// Validate fails fast on a config the engine could not safely run with.
func (c *Config) Validate() error {
	if !common.IsHexAddress(c.PayTo) {
		return fmt.Errorf("config: pay-to %q is not a valid address", c.PayTo)
	}
	if !common.IsHexAddress(c.TokenAddress) {
		return fmt.Errorf("config: token address %q is not a valid address", c.TokenAddress)
	}
	if c.Amount == nil || c.Amount.Sign() <= 0 {
		return fmt.Errorf("config: required amount must be a positive integer")
	}
	if c.TokenDecimals < 0 || c.TokenDecimals > 36 {
		return fmt.Errorf("config: token decimals %d out of range", c.TokenDecimals)
	}
	if c.ChainID == 0 {
		return fmt.Errorf("config: chain id is required")
	}
	u, err := url.Parse(c.FacilitatorURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: facilitator URL %q is not a valid http(s) endpoint", c.FacilitatorURL)
	}
	return nil
}

// PaymentCredential is the canonical decoded form of an inbound X-PAYMENT
// header. The codec normalizes both accepted wire shapes into this one
// struct; nothing downstream branches on wire shape again. Numeric wire
// fields stay strings to preserve 256-bit precision.
type PaymentCredential struct {
	X402Version string
	Scheme      string
	Network     string
	From        string
	To          string
	Value       string
	ValidAfter  string
	ValidBefore string
	Nonce       string
	V           uint64
	R           string
	S           string
}

// VerifiedPayment is the single artifact downstream handlers may trust. It
// exists only after settlement succeeded and the nonce was committed.
type VerifiedPayment struct {
	ID              string    `json:"id"`
	Payer           string    `json:"payer"`
	Recipient       string    `json:"recipient"`
	Amount          *big.Int  `json:"amount"`
	DisplayAmount   string    `json:"displayAmount"`
	TokenAddress    string    `json:"tokenAddress"`
	ChainID         uint64    `json:"chainId"`
	TransactionHash string    `json:"transactionHash"`
	BlockNumber     uint64    `json:"blockNumber"`
	Nonce           string    `json:"nonce"`
	ValidAfter      time.Time `json:"validAfter"`
	ValidBefore     time.Time `json:"validBefore"`
	SettledAt       time.Time `json:"settledAt"`
	ReceivedAt      time.Time `json:"receivedAt"`
}

// SettlementConfirmation is the X-PAYMENT-RESPONSE payload handed back to
// the payer after a successful settlement.
type SettlementConfirmation struct {
	TransactionHash string    `json:"transactionHash"`
	BlockNumber     uint64    `json:"blockNumber"`
	ExplorerURL     string    `json:"explorerUrl"`
	SettledAt       time.Time `json:"settledAt"`
	ChainID         uint64    `json:"chainId"`
	Network         string    `json:"network"`
}

// ChallengeAsset describes the payment token inside a challenge.
type ChallengeAsset struct {
	Address  string `json:"address"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// ChallengeAccept is one accepted payment option in a challenge.
type ChallengeAccept struct {
	Scheme            string          `json:"scheme"`
	Network           string          `json:"network"`
	MaxAmountRequired string          `json:"maxAmountRequired"`
	Asset             ChallengeAsset  `json:"asset"`
	PayTo             string          `json:"payTo"`
	MaxTimeoutSeconds int             `json:"maxTimeoutSeconds"`
	OutputSchema      json.RawMessage `json:"outputSchema,omitempty"`
}

// DisplayAmount renders MaxAmountRequired in whole-token units, e.g.
// "0.01 devUSDC.e".
func (a ChallengeAccept) DisplayAmount() string {
	amount, ok := new(big.Int).SetString(a.MaxAmountRequired, 10)
	if !ok {
		return a.MaxAmountRequired
	}
	return fmt.Sprintf("%s %s", formatUnits(amount, a.Asset.Decimals), a.Asset.Symbol)
}

// Challenge is the 402 body (and, base64-encoded, the X-PAYMENT-REQUIRED
// header) telling a payer how to satisfy the payment requirement.
type Challenge struct {
	X402Version string            `json:"x402Version"`
	Error       string            `json:"error"`
	Accepts     []ChallengeAccept `json:"accepts"`
}
