package models

import "time"

// ChainConfirmationRecord confirmation state of one anchor transaction, keyed by tx hash
type ChainConfirmationRecord struct {
	TxHash        string   `json:"txHash"`
	Chain         string   `json:"chain"`
	Confirmations uint64   `json:"confirmations"`
	Final         bool     `json:"final"`   // frozen once depth reached without reorg
	Reorged       bool     `json:"reorged"` // containing block left the canonical chain
	BlockNumber   uint64   `json:"blockNumber,omitempty"`
	BlockHash     string   `json:"blockHash,omitempty"` // recorded at first sighting, compared on every poll
	Root          string   `json:"root,omitempty"`      // anchored Merkle root
	ReceiptIDs    []string `json:"receiptIds,omitempty"`
	UpdatedAt     int64    `json:"updatedAt"`
}

func NewConfirmationRecord(txHash, chain, root string, receiptIDs []string, now time.Time) *ChainConfirmationRecord {
	return &ChainConfirmationRecord{
		TxHash:     txHash,
		Chain:      chain,
		Root:       root,
		ReceiptIDs: receiptIDs,
		UpdatedAt:  now.UnixMilli(),
	}
}

// MarkReorged revokes finality and forgets the recorded block so the next
// poll re-records wherever the transaction lands.
func (c *ChainConfirmationRecord) MarkReorged(now time.Time) {
	c.Final = false
	c.Reorged = true
	c.Confirmations = 0
	c.BlockNumber = 0
	c.BlockHash = ""
	c.UpdatedAt = now.UnixMilli()
}
