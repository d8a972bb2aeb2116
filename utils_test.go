package x402engine

import (
	"math/big"
	"testing"
)

func TestFormatUnits(t *testing.T) {
	cases := []struct {
		amount   string
		decimals int
		want     string
	}{
		{"10000", 6, "0.01"},
		{"1000000", 6, "1"},
		{"1234567", 6, "1.234567"},
		{"1", 6, "0.000001"},
		{"0", 6, "0"},
		{"5", 0, "5"},
		{"2500000", 6, "2.5"},
		{"123", 2, "1.23"},
		{"-10000", 6, "-0.01"},
	}
	for _, tc := range cases {
		amount, ok := new(big.Int).SetString(tc.amount, 10)
		if !ok {
			t.Fatalf("bad test amount %q", tc.amount)
		}
		if got := formatUnits(amount, tc.decimals); got != tc.want {
			t.Errorf("formatUnits(%s, %d) = %q, want %q", tc.amount, tc.decimals, got, tc.want)
		}
	}

	if got := formatUnits(nil, 6); got != "0" {
		t.Errorf("formatUnits(nil) = %q, want 0", got)
	}
}

func TestExplorerTxURL(t *testing.T) {
	got := explorerTxURL("https://testnet.cronoscan.com/", "0xabc")
	want := "https://testnet.cronoscan.com/tx/0xabc"
	if got != want {
		t.Errorf("explorerTxURL = %q, want %q", got, want)
	}
	if got := explorerTxURL("", "0xabc"); got != "" {
		t.Errorf("expected empty URL without a base, got %q", got)
	}
}
