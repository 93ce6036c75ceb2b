package config

import (
	"fmt"
	"strings"
)

// Default returns the built-in configuration. Settlement deployments are not shipped and must
// come from the config file, <NETWORK>_SETTLEMENT or an explicit flag.
func Default() *Config {
	return &Config{
		Log:    LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{Host: "0.0.0.0", Port: 8088},
		NATS:   NATSConfig{Subject: "castswap.orders", Timeout: 10},
		Gas: GasConfig{
			Multiplier:       1.2,
			MaxGasLimit:      1_500_000,
			FallbackGasLimit: 600_000,
			CeilingGwei:      500,
			FallbackGwei:     5,
		},
		DefaultNetwork: "base",
		ConfirmTimeout: 180,
		CheckInterval:  12,
		Networks: map[string]NetworkConfig{
			"base": {
				ChainID:       8453,
				Name:          "Base",
				NativeSymbol:  "ETH",
				Explorer:      "https://basescan.org",
				RPCEndpoints:  []string{"https://mainnet.base.org", "https://base.llamarpc.com", "https://base-rpc.publicnode.com"},
				WrappedNative: "0x4200000000000000000000000000000000000006",
				Tokens: []TokenConfig{
					{Symbol: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18, WellKnown: true},
					{Symbol: "USDC", Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6, USDPrice: 1, WellKnown: true},
				},
				Enabled: true,
			},
			"ethereum": {
				ChainID:       1,
				Name:          "Ethereum",
				NativeSymbol:  "ETH",
				Explorer:      "https://etherscan.io",
				RPCEndpoints:  []string{"https://eth.llamarpc.com", "https://rpc.ankr.com/eth", "https://ethereum-rpc.publicnode.com"},
				WrappedNative: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
				Tokens: []TokenConfig{
					{Symbol: "WETH", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18, WellKnown: true},
					{Symbol: "USDC", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6, USDPrice: 1, WellKnown: true},
				},
				Enabled: true,
			},
		},
	}
}

// SettlementFor resolves the settlement contract for a signer-leg kind ("ERC20", "ERC721", "ERC1155").
func (n *NetworkConfig) SettlementFor(kind string) (string, error) {
	var addr string
	switch strings.ToUpper(kind) {
	case "ERC20":
		addr = n.Settlement.ERC20
	case "ERC721":
		addr = n.Settlement.ERC721
	case "ERC1155":
		addr = n.Settlement.ERC1155
	default:
		return "", fmt.Errorf("unknown asset kind %q", kind)
	}
	if addr == "" {
		return "", fmt.Errorf("no settlement contract configured for %s on %s", strings.ToUpper(kind), n.Name)
	}
	return addr, nil
}

// Token looks a catalog entry up by symbol or address (case-insensitive).
func (n *NetworkConfig) Token(symbolOrAddress string) (*TokenConfig, bool) {
	for i := range n.Tokens {
		t := &n.Tokens[i]
		if strings.EqualFold(t.Symbol, symbolOrAddress) || strings.EqualFold(t.Address, symbolOrAddress) {
			return t, true
		}
	}
	return nil, false
}

// TxURL links a transaction on the network's public explorer.
func (n *NetworkConfig) TxURL(txHash string) string {
	if n.Explorer == "" {
		return ""
	}
	return strings.TrimRight(n.Explorer, "/") + "/tx/" + txHash
}
