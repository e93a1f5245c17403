package models

import (
	"errors"
	"fmt"
	"time"

	"attest-backend/internal/merkle"
)

// ReceiptMode lifecycle state of an attestation receipt
type ReceiptMode string

const (
	ReceiptModePending   ReceiptMode = "pending"   // initiator committed
	ReceiptModeConfirmed ReceiptMode = "confirmed" // counterparty committed, FINAL derived
	ReceiptModeAnchored  ReceiptMode = "anchored"  // on-chain, txHash set
	ReceiptModeExpired   ReceiptMode = "expired"   // deadline passed without progress
	ReceiptModeVoid      ReceiptMode = "void"      // explicitly cancelled
	ReceiptModeRefund    ReceiptMode = "refund"    // compensated failure
)

var (
	ErrInvalidTransition = errors.New("invalid receipt transition")
	ErrTerminal          = errors.New("receipt is terminal")
)

// IsTerminal anchored, expired, void and refund never change again.
func (m ReceiptMode) IsTerminal() bool {
	switch m {
	case ReceiptModeAnchored, ReceiptModeExpired, ReceiptModeVoid, ReceiptModeRefund:
		return true
	}
	return false
}

// IsAnchorable only pending or confirmed receipts may be anchored.
func (m ReceiptMode) IsAnchorable() bool {
	return m == ReceiptModePending || m == ReceiptModeConfirmed
}

func (m ReceiptMode) Valid() bool {
	switch m {
	case ReceiptModePending, ReceiptModeConfirmed, ReceiptModeAnchored,
		ReceiptModeExpired, ReceiptModeVoid, ReceiptModeRefund:
		return true
	}
	return false
}

// AttestationReceipt durable record of one attestation. Timestamps are epoch milliseconds.
type AttestationReceipt struct {
	ID              string      `json:"id"`
	Mode            ReceiptMode `json:"mode"`
	InitiatorCommit string      `json:"initiatorCommit"`         // I, immutable
	CounterCommit   string      `json:"counterCommit,omitempty"` // C, set once
	FinalCommit     string      `json:"finalCommit,omitempty"`   // FINAL = H(I || C)
	Counterparty    string      `json:"counterparty,omitempty"`
	BatchRef        string      `json:"batchRef,omitempty"` // evidence batch the payload was derived from
	ReceivedAt      int64       `json:"receivedAt"`
	DeadlineAt      int64       `json:"deadlineAt,omitempty"` // 0 = never expires
	PolicyVersion   string      `json:"policyVersion"`

	// anchoring
	TxHash      string        `json:"txHash,omitempty"`
	AnchorChain string        `json:"anchorChain,omitempty"`
	AnchorProof *merkle.Proof `json:"anchorProof,omitempty"`
	AnchoredAt  int64         `json:"anchoredAt,omitempty"`

	UpdatedAt int64 `json:"updatedAt"`
}

// NewReceipt creates a pending receipt for an initiator commitment.
func NewReceipt(id, initiatorCommit, policyVersion string, now time.Time) *AttestationReceipt {
	ms := now.UnixMilli()
	return &AttestationReceipt{
		ID:              id,
		Mode:            ReceiptModePending,
		InitiatorCommit: initiatorCommit,
		ReceivedAt:      ms,
		PolicyVersion:   policyVersion,
		UpdatedAt:       ms,
	}
}

// SetCounter records C and FINAL and moves pending -> confirmed.
func (r *AttestationReceipt) SetCounter(counterparty, counterCommit, finalCommit string, now time.Time) error {
	if r.Mode.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, r.Mode)
	}
	if r.CounterCommit != "" {
		return fmt.Errorf("%w: counter commitment already set", ErrInvalidTransition)
	}
	if r.Mode != ReceiptModePending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Mode, ReceiptModeConfirmed)
	}
	if counterCommit == "" || finalCommit == "" {
		return fmt.Errorf("%w: empty counter or final commitment", ErrInvalidTransition)
	}
	r.Counterparty = counterparty
	r.CounterCommit = counterCommit
	r.FinalCommit = finalCommit
	r.Mode = ReceiptModeConfirmed
	r.UpdatedAt = now.UnixMilli()
	return nil
}

// Transition moves the receipt to a non-anchored mode. Anchoring goes
// through MarkAnchored since it is the only transition that sets txHash.
func (r *AttestationReceipt) Transition(to ReceiptMode, now time.Time) error {
	if r.Mode.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, r.Mode)
	}
	switch to {
	case ReceiptModeExpired, ReceiptModeVoid, ReceiptModeRefund:
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Mode, to)
	}
	r.Mode = to
	r.UpdatedAt = now.UnixMilli()
	return nil
}

// MarkAnchored records the broadcast transaction.
func (r *AttestationReceipt) MarkAnchored(txHash, chain string, proof *merkle.Proof, now time.Time) error {
	if r.Mode.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, r.Mode)
	}
	if txHash == "" {
		return fmt.Errorf("%w: empty tx hash", ErrInvalidTransition)
	}
	r.Mode = ReceiptModeAnchored
	r.TxHash = txHash
	r.AnchorChain = chain
	r.AnchorProof = proof
	r.AnchoredAt = now.UnixMilli()
	r.UpdatedAt = r.AnchoredAt
	return nil
}

// Expired reports whether the deadline passed at now.
func (r *AttestationReceipt) Expired(now time.Time) bool {
	return r.DeadlineAt > 0 && now.UnixMilli() >= r.DeadlineAt
}

// Validate checks the record-level invariants.
func (r *AttestationReceipt) Validate() error {
	switch {
	case r.ID == "":
		return errors.New("receipt id is empty")
	case !r.Mode.Valid():
		return fmt.Errorf("unknown receipt mode %q", r.Mode)
	case r.InitiatorCommit == "":
		return errors.New("initiator commitment is empty")
	case r.TxHash != "" && r.Mode != ReceiptModeAnchored:
		return fmt.Errorf("tx hash set on %s receipt", r.Mode)
	case r.Mode == ReceiptModeAnchored && r.TxHash == "":
		return errors.New("anchored receipt without tx hash")
	case r.FinalCommit != "" && r.CounterCommit == "":
		return errors.New("final commitment without counter commitment")
	}
	return nil
}
