package x402engine

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Challenge builds the 402 challenge advertising how to pay for this
// engine's resource.
func (e *Engine) Challenge() Challenge {
	return Challenge{
		X402Version: ProtocolVersion,
		Error:       e.cfg.ChallengeMessage,
		Accepts: []ChallengeAccept{
			{
				Scheme:            SchemeExact,
				Network:           e.cfg.Network,
				MaxAmountRequired: e.cfg.Amount.String(),
				Asset: ChallengeAsset{
					Address:  e.cfg.TokenAddress,
					Name:     e.cfg.TokenName,
					Symbol:   e.cfg.TokenSymbol,
					Decimals: e.cfg.TokenDecimals,
				},
				PayTo:             e.cfg.PayTo,
				MaxTimeoutSeconds: e.cfg.MaxTimeoutSeconds,
				OutputSchema:      e.cfg.OutputSchema,
			},
		},
	}
}

// ChallengeHeader renders the challenge as the base64 X-PAYMENT-REQUIRED
// header value.
func (e *Engine) ChallengeHeader() (string, error) {
	body, err := json.Marshal(e.Challenge())
	if err != nil {
		return "", fmt.Errorf("failed to encode payment challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(body), nil
}

// Confirmation builds the settlement confirmation artifact for a verified
// payment.
func (e *Engine) Confirmation(vp *VerifiedPayment) SettlementConfirmation {
	return SettlementConfirmation{
		TransactionHash: vp.TransactionHash,
		BlockNumber:     vp.BlockNumber,
		ExplorerURL:     explorerTxURL(e.cfg.ExplorerBase, vp.TransactionHash),
		SettledAt:       vp.SettledAt,
		ChainID:         e.cfg.ChainID,
		Network:         e.cfg.Network,
	}
}

// ConfirmationHeader renders the confirmation as the base64
// X-PAYMENT-RESPONSE header value.
func (e *Engine) ConfirmationHeader(vp *VerifiedPayment) (string, error) {
	body, err := json.Marshal(e.Confirmation(vp))
	if err != nil {
		return "", fmt.Errorf("failed to encode settlement confirmation: %w", err)
	}
	return base64.StdEncoding.EncodeToString(body), nil
}
