package repository

import (
	"context"

	"attest-backend/internal/models"
	"attest-backend/internal/storage"
)

// ConfirmationRepository stores ChainConfirmationRecords keyed by tx hash
type ConfirmationRepository interface {
	Get(ctx context.Context, txHash string) (*models.ChainConfirmationRecord, error)
	Save(ctx context.Context, rec *models.ChainConfirmationRecord) error
	List(ctx context.Context, cursor string, limit int) ([]string, string, error)
}

type confirmationRepository struct {
	store  storage.Store
	prefix string
}

func NewConfirmationRepository(store storage.Store, prefix string) ConfirmationRepository {
	return &confirmationRepository{store: store, prefix: prefix}
}

func (r *confirmationRepository) Get(ctx context.Context, txHash string) (*models.ChainConfirmationRecord, error) {
	var rec models.ChainConfirmationRecord
	if err := getJSON(ctx, r.store, r.prefix+txHash, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *confirmationRepository) Save(ctx context.Context, rec *models.ChainConfirmationRecord) error {
	return putJSON(ctx, r.store, r.prefix+rec.TxHash, rec, 0)
}

func (r *confirmationRepository) List(ctx context.Context, cursor string, limit int) ([]string, string, error) {
	return listIDs(ctx, r.store, r.prefix, cursor, limit)
}
