package repository

import (
	"context"
	"errors"
	"fmt"

	"attest-backend/internal/models"
	"attest-backend/internal/storage"
)

// ReceiptRepository defines data access for attestation receipts
type ReceiptRepository interface {
	GetByID(ctx context.Context, id string) (*models.AttestationReceipt, error)
	Save(ctx context.Context, receipt *models.AttestationReceipt) error
	List(ctx context.Context, cursor string, limit int) ([]*models.AttestationReceipt, string, error)
}

// receiptRepository implements ReceiptRepository over a KV store.
// Receipts never expire.
type receiptRepository struct {
	store  storage.Store
	prefix string
}

func NewReceiptRepository(store storage.Store, prefix string) ReceiptRepository {
	return &receiptRepository{store: store, prefix: prefix}
}

func (r *receiptRepository) key(id string) string {
	return r.prefix + id
}

func (r *receiptRepository) GetByID(ctx context.Context, id string) (*models.AttestationReceipt, error) {
	var receipt models.AttestationReceipt
	if err := getJSON(ctx, r.store, r.key(id), &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Save writes the receipt after checking its invariants. Last write wins.
func (r *receiptRepository) Save(ctx context.Context, receipt *models.AttestationReceipt) error {
	if err := receipt.Validate(); err != nil {
		return fmt.Errorf("refusing to save receipt %s: %w", receipt.ID, err)
	}
	return putJSON(ctx, r.store, r.key(receipt.ID), receipt, 0)
}

func (r *receiptRepository) List(ctx context.Context, cursor string, limit int) ([]*models.AttestationReceipt, string, error) {
	ids, next, err := listIDs(ctx, r.store, r.prefix, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	receipts := make([]*models.AttestationReceipt, 0, len(ids))
	for _, id := range ids {
		receipt, err := r.GetByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		receipts = append(receipts, receipt)
	}
	return receipts, next, nil
}
