// Package chain adapts public blockchains to the small capability set the
// anchoring pipeline needs: block height, transaction status, fee hints and
// broadcasting a root.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
)

var (
	ErrNoRPCEndpoint = errors.New("chain: no RPC endpoint configured")
	ErrMissingSigner = errors.New("chain: no signer key configured")
	ErrUnknownChain  = errors.New("chain: unknown chain")
)

// BlockRef identifies the block a transaction was first seen in.
type BlockRef struct {
	Number uint64 `json:"number"`
	Hash   string `json:"hash"`
}

// TxStatus is one observation of a transaction.
type TxStatus struct {
	Confirmed     bool   `json:"confirmed"` // mined and succeeded
	Confirmations uint64 `json:"confirmations"`
	Failed        bool   `json:"failed"`  // mined and reverted
	Reorged       bool   `json:"reorged"` // recorded block no longer canonical
	BlockNumber   uint64 `json:"blockNumber,omitempty"`
	BlockHash     string `json:"blockHash,omitempty"`
}

// Provider is one chain family's adapter.
type Provider interface {
	Chain() string
	// ConfirmationDepth is how many confirmations make a transaction final.
	ConfirmationDepth() uint64
	BlockNumber(ctx context.Context) (uint64, error)
	// TransactionStatus reports txHash. When recorded is set, the block at
	// recorded.Number is re-fetched and compared to recorded.Hash.
	TransactionStatus(ctx context.Context, txHash string, recorded *BlockRef) (*TxStatus, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	// Broadcast sends a transaction carrying root and returns its hash.
	Broadcast(ctx context.Context, root []byte) (string, error)
}

// Registry maps chain names to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Chain()] = p
}

func (r *Registry) Get(chain string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, chain)
	}
	return p, nil
}

func (r *Registry) Chains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
