package models

import (
	"time"

	"github.com/google/uuid"
)

// AnchorJob queued request to anchor one receipt. Jobs are never edited in
// place: a retry stores a new job that supersedes the old one.
type AnchorJob struct {
	ID           string `json:"id"`        // UUID
	ReceiptID    string `json:"receiptId"` // points at the receipt, does not own it
	Chain        string `json:"chain"`     // ethereum | arbitrum | polygon | base
	CreatedAt    int64  `json:"createdAt"`
	Attempts     int    `json:"attempts"`
	LastError    string `json:"lastError,omitempty"`
	SupersedesID string `json:"supersedesId,omitempty"` // job this one replaced
}

func NewAnchorJob(receiptID, chain string, now time.Time) *AnchorJob {
	return &AnchorJob{
		ID:        uuid.New().String(),
		ReceiptID: receiptID,
		Chain:     chain,
		CreatedAt: now.UnixMilli(),
	}
}

// Retry returns the job that replaces j after a failed attempt.
func (j *AnchorJob) Retry(cause error, now time.Time) *AnchorJob {
	next := NewAnchorJob(j.ReceiptID, j.Chain, now)
	next.Attempts = j.Attempts + 1
	next.SupersedesID = j.ID
	if cause != nil {
		next.LastError = cause.Error()
	}
	return next
}

// DeadLetter job that ran out of attempts and needs manual reconciliation.
type DeadLetter struct {
	Job      AnchorJob `json:"job"`
	Reason   string    `json:"reason"`
	FailedAt int64     `json:"failedAt"`
}
