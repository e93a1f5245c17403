package repository

import (
	"context"
	"time"

	"attest-backend/internal/models"
	"attest-backend/internal/storage"
)

// JobQueue is the durable, TTL-bounded list of pending anchor jobs.
type JobQueue interface {
	// Enqueue stores job under its own id; enqueueing the same receipt twice
	// yields two jobs.
	Enqueue(ctx context.Context, job *models.AnchorJob) error
	Get(ctx context.Context, id string) (*models.AnchorJob, error)
	Delete(ctx context.Context, id string) error
	ListPending(ctx context.Context, cursor string, limit int) ([]string, string, error)
}

type jobQueue struct {
	store  storage.Store
	prefix string
	ttl    time.Duration
}

func NewJobQueue(store storage.Store, prefix string, ttl time.Duration) JobQueue {
	return &jobQueue{store: store, prefix: prefix, ttl: ttl}
}

func (q *jobQueue) Enqueue(ctx context.Context, job *models.AnchorJob) error {
	return putJSON(ctx, q.store, q.prefix+job.ID, job, q.ttl)
}

func (q *jobQueue) Get(ctx context.Context, id string) (*models.AnchorJob, error) {
	var job models.AnchorJob
	if err := getJSON(ctx, q.store, q.prefix+id, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *jobQueue) Delete(ctx context.Context, id string) error {
	return q.store.Delete(ctx, q.prefix+id)
}

func (q *jobQueue) ListPending(ctx context.Context, cursor string, limit int) ([]string, string, error) {
	return listIDs(ctx, q.store, q.prefix, cursor, limit)
}

// DeadLetterRepository keeps jobs that exhausted their attempts. Entries
// have no TTL; they wait for an operator.
type DeadLetterRepository interface {
	Put(ctx context.Context, dl *models.DeadLetter) error
	Get(ctx context.Context, jobID string) (*models.DeadLetter, error)
	List(ctx context.Context, cursor string, limit int) ([]string, string, error)
}

type deadLetterRepository struct {
	store  storage.Store
	prefix string
}

func NewDeadLetterRepository(store storage.Store, prefix string) DeadLetterRepository {
	return &deadLetterRepository{store: store, prefix: prefix}
}

func (r *deadLetterRepository) Put(ctx context.Context, dl *models.DeadLetter) error {
	return putJSON(ctx, r.store, r.prefix+dl.Job.ID, dl, 0)
}

func (r *deadLetterRepository) Get(ctx context.Context, jobID string) (*models.DeadLetter, error) {
	var dl models.DeadLetter
	if err := getJSON(ctx, r.store, r.prefix+jobID, &dl); err != nil {
		return nil, err
	}
	return &dl, nil
}

func (r *deadLetterRepository) List(ctx context.Context, cursor string, limit int) ([]string, string, error) {
	return listIDs(ctx, r.store, r.prefix, cursor, limit)
}
