// Package config loads the payment engine's runtime configuration from a
// TOML file, applies environment overrides for deploy-time values, and
// materializes the typed settings the engine and its satellites consume.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	x402engine "github.com/x402arcade/x402-engine-go"
	"github.com/x402arcade/x402-engine-go/evm"
	"github.com/x402arcade/x402-engine-go/extensions/ratelimit"
	"github.com/x402arcade/x402-engine-go/settle"
)

// Config mirrors the TOML document layout.
type Config struct {
	Server      Server      `toml:"server"`
	Payment     Payment     `toml:"payment"`
	Facilitator Facilitator `toml:"facilitator"`
	Ledger      Ledger      `toml:"ledger"`
	RateLimit   RateLimit   `toml:"ratelimit"`
}

// Server configures the HTTP surface of the host application.
type Server struct {
	ListenAddress string `toml:"ListenAddress"`
	Debug         bool   `toml:"Debug"`
}

// Payment is the payment policy in file form; EngineConfig turns it into
// the engine's typed Config.
type Payment struct {
	PayTo               string `toml:"PayTo"`
	Amount              string `toml:"Amount"`
	Network             string `toml:"Network"`
	ChainID             uint64 `toml:"ChainID"`
	TokenAddress        string `toml:"TokenAddress"`
	TokenName           string `toml:"TokenName"`
	TokenSymbol         string `toml:"TokenSymbol"`
	TokenDecimals       int    `toml:"TokenDecimals"`
	DomainVersion       string `toml:"DomainVersion"`
	ExplorerBase        string `toml:"ExplorerBase"`
	MaxTimeoutSeconds   int    `toml:"MaxTimeoutSeconds"`
	MinValiditySeconds  int    `toml:"MinValiditySeconds"`
	SkipSignatureVerify bool   `toml:"SkipSignatureVerify"`
	ChallengeMessage    string `toml:"ChallengeMessage"`
	OutputSchema        string `toml:"OutputSchema"`
	DedupeTTLSeconds    int    `toml:"DedupeTTLSeconds"`
}

// Facilitator configures the settlement client. AuthToken and JWTSecret
// are mutually exclusive.
type Facilitator struct {
	URL            string `toml:"URL"`
	AuthToken      string `toml:"AuthToken"`
	JWTSecret      string `toml:"JWTSecret"`
	JWTIssuer      string `toml:"JWTIssuer"`
	JWTSubject     string `toml:"JWTSubject"`
	MaxRetries     int    `toml:"MaxRetries"`
	TimeoutSeconds int    `toml:"TimeoutSeconds"`
}

// Ledger configures nonce persistence. An empty Path selects the
// in-memory ledger.
type Ledger struct {
	Path          string `toml:"Path"`
	RetentionDays int    `toml:"RetentionDays"`
}

// RateLimit configures per-wallet payment throttling.
type RateLimit struct {
	Enabled       bool `toml:"Enabled"`
	Requests      int  `toml:"Requests"`
	WindowMinutes int  `toml:"WindowMinutes"`
}

const (
	envListen         = "X402_LISTEN"
	envDebug          = "X402_DEBUG"
	envPayTo          = "X402_PAY_TO"
	envAmount         = "X402_AMOUNT"
	envNetwork        = "X402_NETWORK"
	envFacilitatorURL = "X402_FACILITATOR_URL"
	envAuthToken      = "X402_AUTH_TOKEN"
	envJWTSecret      = "X402_JWT_SECRET"
	envLedgerPath     = "X402_LEDGER_PATH"
)

// Load reads the TOML file at path (skipped when path is empty), applies
// environment overrides and defaults, and validates the result. Unknown
// keys in the file are an error, not a silent ignore.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("config: failed to decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config: unknown fields %v in %s", undecoded, path)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(envListen)); v != "" {
		c.Server.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv(envDebug)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Server.Debug = b
		}
	}
	if v := strings.TrimSpace(os.Getenv(envPayTo)); v != "" {
		c.Payment.PayTo = v
	}
	if v := strings.TrimSpace(os.Getenv(envAmount)); v != "" {
		c.Payment.Amount = v
	}
	if v := strings.TrimSpace(os.Getenv(envNetwork)); v != "" {
		c.Payment.Network = v
	}
	if v := strings.TrimSpace(os.Getenv(envFacilitatorURL)); v != "" {
		c.Facilitator.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(envAuthToken)); v != "" {
		c.Facilitator.AuthToken = v
	}
	if v := strings.TrimSpace(os.Getenv(envJWTSecret)); v != "" {
		c.Facilitator.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv(envLedgerPath)); v != "" {
		c.Ledger.Path = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":8080"
	}
	if c.Payment.Network == "" {
		c.Payment.Network = "cronos-testnet"
	}
	if c.Payment.TokenAddress == "" && c.Payment.Network == "cronos-testnet" {
		c.Payment.TokenAddress = evm.DevUSDCe.Address
		c.Payment.TokenName = evm.DevUSDCe.Name
		c.Payment.TokenSymbol = evm.DevUSDCe.Symbol
		c.Payment.TokenDecimals = evm.DevUSDCe.Decimals
	}
	if c.Ledger.RetentionDays <= 0 {
		c.Ledger.RetentionDays = 30
	}
	if c.RateLimit.Requests <= 0 {
		c.RateLimit.Requests = ratelimit.DefaultRequests
	}
	if c.RateLimit.WindowMinutes <= 0 {
		c.RateLimit.WindowMinutes = 15
	}
}

func (c *Config) validate() error {
	if c.Payment.PayTo == "" {
		return fmt.Errorf("config: payment PayTo is required (or %s)", envPayTo)
	}
	if c.Payment.Amount == "" {
		return fmt.Errorf("config: payment Amount is required (or %s)", envAmount)
	}
	if c.Facilitator.URL == "" {
		return fmt.Errorf("config: facilitator URL is required (or %s)", envFacilitatorURL)
	}
	if c.Facilitator.AuthToken != "" && c.Facilitator.JWTSecret != "" {
		return fmt.Errorf("config: facilitator AuthToken and JWTSecret are mutually exclusive")
	}
	return nil
}

// EngineConfig materializes the engine's payment policy. The engine itself
// normalizes and validates it further on construction.
func (c *Config) EngineConfig() (x402engine.Config, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(c.Payment.Amount), 10)
	if !ok || amount.Sign() <= 0 {
		return x402engine.Config{}, fmt.Errorf("config: payment amount %q is not a positive integer in base units", c.Payment.Amount)
	}

	cfg := x402engine.Config{
		PayTo:               c.Payment.PayTo,
		Amount:              amount,
		TokenAddress:        c.Payment.TokenAddress,
		TokenName:           c.Payment.TokenName,
		TokenSymbol:         c.Payment.TokenSymbol,
		TokenDecimals:       c.Payment.TokenDecimals,
		DomainVersion:       c.Payment.DomainVersion,
		FacilitatorURL:      c.Facilitator.URL,
		Network:             c.Payment.Network,
		ChainID:             c.Payment.ChainID,
		ExplorerBase:        c.Payment.ExplorerBase,
		MaxTimeoutSeconds:   c.Payment.MaxTimeoutSeconds,
		MinValiditySeconds:  c.Payment.MinValiditySeconds,
		SkipSignatureVerify: c.Payment.SkipSignatureVerify,
		ChallengeMessage:    c.Payment.ChallengeMessage,
		DedupeTTL:           time.Duration(c.Payment.DedupeTTLSeconds) * time.Second,
		Debug:               c.Server.Debug,
	}
	if s := strings.TrimSpace(c.Payment.OutputSchema); s != "" {
		cfg.OutputSchema = []byte(s)
	}
	return cfg, nil
}

// SettleOptions builds the settlement client options the file calls for:
// retry budget overrides and facilitator authentication.
func (c *Config) SettleOptions() []settle.Option {
	var opts []settle.Option
	if c.Facilitator.MaxRetries > 0 {
		opts = append(opts, settle.WithMaxRetries(c.Facilitator.MaxRetries))
	}
	if c.Facilitator.TimeoutSeconds > 0 {
		opts = append(opts, settle.WithTotalTimeout(time.Duration(c.Facilitator.TimeoutSeconds)*time.Second))
	}
	switch {
	case c.Facilitator.JWTSecret != "":
		opts = append(opts, settle.WithAuth(&settle.JWTBearer{
			Secret:  []byte(c.Facilitator.JWTSecret),
			Issuer:  c.Facilitator.JWTIssuer,
			Subject: c.Facilitator.JWTSubject,
		}))
	case c.Facilitator.AuthToken != "":
		opts = append(opts, settle.WithAuth(settle.StaticBearer(c.Facilitator.AuthToken)))
	}
	return opts
}

// RateLimiter builds the per-wallet limiter, or nil when throttling is
// disabled.
func (c *Config) RateLimiter() *ratelimit.Limiter {
	if !c.RateLimit.Enabled {
		return nil
	}
	return ratelimit.New(c.RateLimit.Requests, time.Duration(c.RateLimit.WindowMinutes)*time.Minute)
}

// LedgerRetention reports how long used nonces are kept before pruning.
func (c *Config) LedgerRetention() time.Duration {
	return time.Duration(c.Ledger.RetentionDays) * 24 * time.Hour
}

// LogLevel names the slog level the server flags call for.
func (c *Config) LogLevel() string {
	if c.Server.Debug {
		return "debug"
	}
	return "info"
}
