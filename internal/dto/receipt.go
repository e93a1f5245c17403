package dto

import "encoding/json"

// ==================== Receipt DTOs ====================

// CreateReceiptRequest either payload (committed server side) or a
// precomputed initiatorCommit
type CreateReceiptRequest struct {
	Payload         json.RawMessage `json:"payload,omitempty"`
	InitiatorCommit string          `json:"initiatorCommit,omitempty"`
	Chain           string          `json:"chain,omitempty"`
	TTLSeconds      int             `json:"ttlSeconds,omitempty"`
	PaymentRef      string          `json:"paymentRef,omitempty"`
}

// CreateBatchReceiptRequest receipt over a batch of stored evidence
type CreateBatchReceiptRequest struct {
	BatchRef   string `json:"batchRef" binding:"required"`
	Chain      string `json:"chain,omitempty"`
	TTLSeconds int    `json:"ttlSeconds,omitempty"`
	PaymentRef string `json:"paymentRef,omitempty"`
}

// CounterSignRequest counterparty acceptance of the terms
type CounterSignRequest struct {
	Counterparty string          `json:"counterparty" binding:"required"`
	Terms        json.RawMessage `json:"terms,omitempty"`
}

// ErrorResponse error body
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
