package evm

import "fmt"

// Network describes an EVM chain a payment may settle on.
type Network struct {
	// Name is the x402 network identifier carried in credentials and
	// challenges (e.g. "cronos-testnet").
	Name string

	// ChainID is the EIP-155 chain id.
	ChainID uint64

	// ExplorerBase is the block explorer root used to build
	// human-viewable transaction links.
	ExplorerBase string

	// DomainVersion is the EIP-712 domain version the network's bridged
	// USDC deployment signs with.
	DomainVersion string
}

// Asset describes an EIP-3009 capable token deployment.
type Asset struct {
	Address  string `json:"address"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// Networks maps x402 network identifiers to their chain parameters.
var Networks = map[string]Network{
	"cronos": {
		Name:          "cronos",
		ChainID:       25,
		ExplorerBase:  "https://cronoscan.com",
		DomainVersion: "2",
	},
	"cronos-testnet": {
		Name:          "cronos-testnet",
		ChainID:       338,
		ExplorerBase:  "https://testnet.cronoscan.com",
		DomainVersion: "1",
	},
}

// DevUSDCe is the bridged USDC deployment on Cronos testnet.
var DevUSDCe = Asset{
	Address:  "0xc01efAaF7C5C61bEbFAeb358E1161b537b8bC0e0",
	Name:     "Bridged USDC (Stargate)",
	Symbol:   "devUSDC.e",
	Decimals: 6,
}

// NetworkByName returns the parameters for a named network.
func NetworkByName(name string) (Network, error) {
	n, ok := Networks[name]
	if !ok {
		return Network{}, fmt.Errorf("unsupported network: %s", name)
	}
	return n, nil
}

// NetworkByChainID returns the parameters for a chain id.
func NetworkByChainID(chainID uint64) (Network, error) {
	for _, n := range Networks {
		if n.ChainID == chainID {
			return n, nil
		}
	}
	return Network{}, fmt.Errorf("unsupported chain id: %d", chainID)
}

// ExplorerTxURL builds the explorer link for a transaction hash.
func (n Network) ExplorerTxURL(txHash string) string {
	return fmt.Sprintf("%s/tx/%s", n.ExplorerBase, txHash)
}
