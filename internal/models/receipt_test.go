package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attest-backend/internal/merkle"
)

var now = time.UnixMilli(1_700_000_000_000)

func TestReceipt_HappyPath(t *testing.T) {
	r := NewReceipt("r1", "deadbeef", "attest-policy/v1", now)
	require.NoError(t, r.Validate())
	assert.Equal(t, ReceiptModePending, r.Mode)

	require.NoError(t, r.SetCounter("bob", "cafe", "f00d", now))
	assert.Equal(t, ReceiptModeConfirmed, r.Mode)

	proof := &merkle.Proof{Leaf: "aa", Root: "aa", Siblings: []string{}}
	require.NoError(t, r.MarkAnchored("0xabc", "ethereum", proof, now.Add(time.Minute)))
	assert.Equal(t, ReceiptModeAnchored, r.Mode)
	assert.Equal(t, "0xabc", r.TxHash)
	assert.Equal(t, now.Add(time.Minute).UnixMilli(), r.AnchoredAt)
	require.NoError(t, r.Validate())
}

func TestReceipt_TerminalModesAreImmutable(t *testing.T) {
	for _, mode := range []ReceiptMode{ReceiptModeExpired, ReceiptModeVoid, ReceiptModeRefund} {
		t.Run(string(mode), func(t *testing.T) {
			r := NewReceipt("r1", "deadbeef", "v1", now)
			require.NoError(t, r.Transition(mode, now))

			assert.ErrorIs(t, r.Transition(ReceiptModeVoid, now), ErrTerminal)
			assert.ErrorIs(t, r.MarkAnchored("0x1", "base", nil, now), ErrTerminal)
			assert.ErrorIs(t, r.SetCounter("bob", "c", "f", now), ErrTerminal)
			assert.Empty(t, r.TxHash)
		})
	}

	anchored := NewReceipt("r2", "deadbeef", "v1", now)
	require.NoError(t, anchored.MarkAnchored("0x1", "base", nil, now))
	assert.ErrorIs(t, anchored.Transition(ReceiptModeRefund, now), ErrTerminal)
}

func TestReceipt_InvalidTransitions(t *testing.T) {
	r := NewReceipt("r1", "deadbeef", "v1", now)
	assert.ErrorIs(t, r.Transition(ReceiptModeAnchored, now), ErrInvalidTransition)
	assert.ErrorIs(t, r.Transition(ReceiptModeConfirmed, now), ErrInvalidTransition)
	assert.ErrorIs(t, r.MarkAnchored("", "base", nil, now), ErrInvalidTransition)

	require.NoError(t, r.SetCounter("bob", "c", "f", now))
	assert.ErrorIs(t, r.SetCounter("bob", "c2", "f2", now), ErrInvalidTransition)
	require.NoError(t, r.Transition(ReceiptModeVoid, now))
}

func TestReceipt_ValidateInvariants(t *testing.T) {
	r := NewReceipt("r1", "deadbeef", "v1", now)
	r.TxHash = "0x1"
	assert.Error(t, r.Validate())

	r = NewReceipt("r1", "deadbeef", "v1", now)
	r.FinalCommit = "f"
	assert.Error(t, r.Validate())

	r = NewReceipt("r1", "deadbeef", "v1", now)
	r.Mode = "processing"
	assert.Error(t, r.Validate())
}

func TestReceipt_Expired(t *testing.T) {
	r := NewReceipt("r1", "deadbeef", "v1", now)
	assert.False(t, r.Expired(now.Add(time.Hour)))

	r.DeadlineAt = now.Add(time.Minute).UnixMilli()
	assert.False(t, r.Expired(now))
	assert.True(t, r.Expired(now.Add(time.Minute)))
}

func TestAnchorJob_RetrySupersedes(t *testing.T) {
	job := NewAnchorJob("r1", "polygon", now)
	next := job.Retry(assert.AnError, now.Add(time.Second))

	assert.NotEqual(t, job.ID, next.ID)
	assert.Equal(t, job.ID, next.SupersedesID)
	assert.Equal(t, 1, next.Attempts)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, "r1", next.ReceiptID)
	assert.Equal(t, "polygon", next.Chain)
	assert.Equal(t, assert.AnError.Error(), next.LastError)
}

func TestConfirmationRecord_MarkReorged(t *testing.T) {
	rec := NewConfirmationRecord("0xabc", "ethereum", "root", []string{"r1"}, now)
	rec.Confirmations = 12
	rec.Final = true
	rec.BlockNumber = 100
	rec.BlockHash = "0xblock"

	rec.MarkReorged(now)
	assert.False(t, rec.Final)
	assert.True(t, rec.Reorged)
	assert.Zero(t, rec.BlockNumber)
	assert.Empty(t, rec.BlockHash)
}
