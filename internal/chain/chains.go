package chain

import (
	"strconv"
	"strings"
)

const (
	Ethereum = "ethereum"
	Arbitrum = "arbitrum"
	Polygon  = "polygon"
	Base     = "base"

	DefaultConfirmationDepth = 12
)

// Info static chain data
type Info struct {
	Name              string `json:"name"`
	ChainID           int64  `json:"chain_id"`
	Symbol            string `json:"symbol"`
	ConfirmationDepth uint64 `json:"confirmation_depth"`
	ExplorerURL       string `json:"explorer_url"`
}

var knownChains = map[string]Info{
	Ethereum: {Name: Ethereum, ChainID: 1, Symbol: "ETH", ConfirmationDepth: 12, ExplorerURL: "https://etherscan.io"},
	Arbitrum: {Name: Arbitrum, ChainID: 42161, Symbol: "ETH", ConfirmationDepth: 12, ExplorerURL: "https://arbiscan.io"},
	// probabilistic finality, reorgs of dozens of blocks have happened
	Polygon: {Name: Polygon, ChainID: 137, Symbol: "POL", ConfirmationDepth: 128, ExplorerURL: "https://polygonscan.com"},
	Base:    {Name: Base, ChainID: 8453, Symbol: "ETH", ConfirmationDepth: 12, ExplorerURL: "https://basescan.org"},
}

// Lookup returns the static info of a known chain.
func Lookup(name string) (Info, bool) {
	info, ok := knownChains[strings.ToLower(name)]
	return info, ok
}

// ConfirmationDepthFor returns override when set, else the chain default.
func ConfirmationDepthFor(name string, override uint64) uint64 {
	if override > 0 {
		return override
	}
	if info, ok := Lookup(name); ok {
		return info.ConfirmationDepth
	}
	return DefaultConfirmationDepth
}

// NameForChainID maps a numeric chain id back to its name.
func NameForChainID(id int64) (string, bool) {
	for name, info := range knownChains {
		if info.ChainID == id {
			return name, true
		}
	}
	return "", false
}

// Resolve accepts a chain name or a decimal chain id.
func Resolve(nameOrID string) (string, bool) {
	if info, ok := Lookup(nameOrID); ok {
		return info.Name, true
	}
	id, err := strconv.ParseInt(strings.TrimSpace(nameOrID), 10, 64)
	if err != nil {
		return "", false
	}
	return NameForChainID(id)
}
