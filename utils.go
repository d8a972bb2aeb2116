package x402engine

import (
	"math/big"
	"strings"
)

// formatUnits renders a smallest-unit amount as a decimal string using the
// token's decimals, trimming trailing fractional zeros. 10000 with 6
// decimals becomes "0.01".
func formatUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	if decimals <= 0 {
		return amount.String()
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(new(big.Int).Abs(amount), scale, new(big.Int))

	out := whole.String()
	if amount.Sign() < 0 {
		out = "-" + out
	}

	fracStr := strings.TrimRight(leftPad(frac.String(), decimals), "0")
	if fracStr != "" {
		out += "." + fracStr
	}
	return out
}

func leftPad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

// explorerTxURL joins an explorer base with a transaction hash.
func explorerTxURL(base, txHash string) string {
	if base == "" || txHash == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/tx/" + txHash
}
