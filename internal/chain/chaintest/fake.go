// Package chaintest provides an in-memory chain.Provider for tests.
package chaintest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"attest-backend/internal/chain"
)

// Provider mines every broadcast instantly into the current head block.
type Provider struct {
	mu sync.Mutex

	name  string
	depth uint64
	head  uint64

	txs        map[string]*minedTx
	blockHash  map[uint64]string
	broadcasts [][]byte

	// FailNext makes the next n broadcasts fail with BroadcastErr.
	FailNext     int
	BroadcastErr error
	// FailWhen fails any broadcast whose payload it returns true for.
	FailWhen func(root []byte) bool
}

type minedTx struct {
	block  uint64
	hash   string
	failed bool
	gone   bool
}

func New(name string, depth uint64) *Provider {
	return &Provider{
		name:         name,
		depth:        depth,
		head:         1,
		txs:          map[string]*minedTx{},
		blockHash:    map[uint64]string{1: blockHash(name, 1, 0)},
		BroadcastErr: fmt.Errorf("node rejected transaction"),
	}
}

func blockHash(chainName string, n uint64, fork int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%d/%d", chainName, n, fork)))
	return "0x" + hex.EncodeToString(sum[:])
}

func (p *Provider) Chain() string             { return p.name }
func (p *Provider) ConfirmationDepth() uint64 { return p.depth }

func (p *Provider) BlockNumber(ctx context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.head, nil
}

func (p *Provider) GasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (p *Provider) Broadcast(ctx context.Context, root []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailNext > 0 {
		p.FailNext--
		return "", p.BroadcastErr
	}
	if p.FailWhen != nil && p.FailWhen(root) {
		return "", p.BroadcastErr
	}

	p.broadcasts = append(p.broadcasts, append([]byte(nil), root...))
	sum := sha256.Sum256(append([]byte(fmt.Sprintf("%s/%d/", p.name, len(p.broadcasts))), root...))
	txHash := "0x" + hex.EncodeToString(sum[:])
	p.txs[txHash] = &minedTx{block: p.head, hash: p.blockHash[p.head]}
	return txHash, nil
}

func (p *Provider) TransactionStatus(ctx context.Context, txHash string, recorded *chain.BlockRef) (*chain.TxStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tx, ok := p.txs[strings.ToLower(txHash)]
	if !ok || tx.gone {
		return &chain.TxStatus{Reorged: recorded != nil && recorded.Hash != ""}, nil
	}
	st := &chain.TxStatus{
		Confirmed:     !tx.failed,
		Failed:        tx.failed,
		Confirmations: p.head - tx.block + 1,
		BlockNumber:   tx.block,
		BlockHash:     tx.hash,
	}
	if recorded != nil && recorded.Hash != "" {
		if p.blockHash[recorded.Number] != recorded.Hash || tx.hash != recorded.Hash {
			st.Reorged = true
		}
	}
	return st, nil
}

// Mine advances the head by n blocks.
func (p *Provider) Mine(n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := uint64(0); i < n; i++ {
		p.head++
		p.blockHash[p.head] = blockHash(p.name, p.head, 0)
	}
}

// Reorg replaces the block holding txHash and re-includes the transaction
// in the new head block.
func (p *Provider) Reorg(txHash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tx, ok := p.txs[txHash]
	if !ok {
		return
	}
	p.blockHash[tx.block] = blockHash(p.name, tx.block, 1)
	p.head++
	p.blockHash[p.head] = blockHash(p.name, p.head, 0)
	tx.block = p.head
	tx.hash = p.blockHash[p.head]
}

// Drop removes txHash from the chain entirely.
func (p *Provider) Drop(txHash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tx, ok := p.txs[txHash]; ok {
		tx.gone = true
	}
}

// MarkFailed makes txHash report a reverted execution.
func (p *Provider) MarkFailed(txHash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tx, ok := p.txs[txHash]; ok {
		tx.failed = true
	}
}

// Broadcasts returns every root broadcast so far.
func (p *Provider) Broadcasts() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.broadcasts))
	copy(out, p.broadcasts)
	return out
}

var _ chain.Provider = (*Provider)(nil)
