package services

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"attest-backend/internal/chain"
	"attest-backend/internal/clients"
	"attest-backend/internal/commitment"
	"attest-backend/internal/events"
	"attest-backend/internal/lock"
	"attest-backend/internal/merkle"
	"attest-backend/internal/metrics"
	"attest-backend/internal/models"
	"attest-backend/internal/repository"
)

var (
	ErrReceiptNotFound = errors.New("receipt not found")
	ErrInvalidCommit   = errors.New("initiator commitment must be non-empty hex")
	ErrPaymentRequired = errors.New("payment capture failed")
	ErrNotAnchored     = errors.New("receipt is not anchored")
	ErrInvalidChain    = errors.New("chain is not configured for anchoring")
	ErrInvalidTTL      = errors.New("ttl must not be negative")
	// ErrReceiptBusy means an anchoring pass held the lock for the whole wait.
	ErrReceiptBusy = errors.New("receipt is being anchored, retry later")
)

// PaymentGate must pass before a receipt is stored and queued.
type PaymentGate interface {
	Enabled() bool
	Capture(ctx context.Context, req clients.CaptureRequest) error
}

// EvidenceSource supplies the hashes a batch receipt commits to.
type EvidenceSource interface {
	BatchHashes(ctx context.Context, batchRef string) ([]string, error)
}

// ReceiptServiceConfig static settings of ReceiptService
type ReceiptServiceConfig struct {
	PolicyVersion string
	DefaultChain  string
	DefaultTTL    time.Duration // 0 = receipts never expire
}

// ReceiptService creates receipts and drives their non-anchoring transitions.
type ReceiptService struct {
	receipts      repository.ReceiptRepository
	jobs          repository.JobQueue
	confirmations repository.ConfirmationRepository
	locker        lock.Locker
	chains        *chain.Registry
	payment       PaymentGate
	evidence      EvidenceSource
	publisher     events.Publisher
	cfg           ReceiptServiceConfig
	now           func() time.Time
	logger        logrus.FieldLogger

	lockAttempts int
	lockWait     time.Duration
}

func NewReceiptService(
	receipts repository.ReceiptRepository,
	jobs repository.JobQueue,
	confirmations repository.ConfirmationRepository,
	locker lock.Locker,
	chains *chain.Registry,
	payment PaymentGate,
	evidence EvidenceSource,
	publisher events.Publisher,
	cfg ReceiptServiceConfig,
	logger logrus.FieldLogger,
) *ReceiptService {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &ReceiptService{
		receipts:      receipts,
		jobs:          jobs,
		confirmations: confirmations,
		locker:        locker,
		chains:        chains,
		payment:       payment,
		evidence:      evidence,
		publisher:     publisher,
		cfg:           cfg,
		now:           time.Now,
		logger:        logger,
		lockAttempts:  20,
		lockWait:      250 * time.Millisecond,
	}
}

// CreateOptions per-request settings of a new receipt
type CreateOptions struct {
	Chain      string        // anchor target, default chain when empty
	TTL        time.Duration // time until expiry, service default when zero
	PaymentRef string
}

// CreateReceipt commits to payload and stores a pending receipt.
func (s *ReceiptService) CreateReceipt(ctx context.Context, payload any, opts CreateOptions) (*models.AttestationReceipt, error) {
	initiator, err := commitment.CommitInitiator(payload)
	if err != nil {
		return nil, fmt.Errorf("commit payload: %w", err)
	}
	return s.create(ctx, initiator, "", opts)
}

// CreateFromCommit stores a pending receipt for an I computed by the caller.
func (s *ReceiptService) CreateFromCommit(ctx context.Context, initiatorCommit string, opts CreateOptions) (*models.AttestationReceipt, error) {
	initiatorCommit = strings.ToLower(strings.TrimPrefix(initiatorCommit, "0x"))
	if _, err := hex.DecodeString(initiatorCommit); err != nil || initiatorCommit == "" {
		return nil, ErrInvalidCommit
	}
	return s.create(ctx, initiatorCommit, "", opts)
}

// CreateBatchReceipt commits to the evidence hashes of batchRef.
func (s *ReceiptService) CreateBatchReceipt(ctx context.Context, batchRef string, opts CreateOptions) (*models.AttestationReceipt, error) {
	if s.evidence == nil {
		return nil, clients.ErrEvidenceUnavailable
	}
	hashes, err := s.evidence.BatchHashes(ctx, batchRef)
	if err != nil {
		return nil, fmt.Errorf("load evidence for %s: %w", batchRef, err)
	}
	initiator, err := commitment.CommitInitiator(map[string]any{
		"batchRef": batchRef,
		"evidence": hashes,
	})
	if err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return s.create(ctx, initiator, batchRef, opts)
}

func (s *ReceiptService) create(ctx context.Context, initiator, batchRef string, opts CreateOptions) (*models.AttestationReceipt, error) {
	if opts.TTL < 0 {
		return nil, ErrInvalidTTL
	}
	chainName, err := s.resolveChain(opts.Chain)
	if err != nil {
		return nil, err
	}

	now := s.now()
	receipt := models.NewReceipt(uuid.New().String(), initiator, s.cfg.PolicyVersion, now)
	receipt.BatchRef = batchRef
	ttl := opts.TTL
	if ttl == 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl > 0 {
		receipt.DeadlineAt = now.Add(ttl).UnixMilli()
	}

	if s.payment != nil && s.payment.Enabled() {
		err := s.payment.Capture(ctx, clients.CaptureRequest{
			ReceiptID:       receipt.ID,
			InitiatorCommit: initiator,
			PaymentRef:      opts.PaymentRef,
		})
		if err != nil {
			s.logger.WithFields(logrus.Fields{"receipt_id": receipt.ID, "reason": err.Error()}).Warn("💳 Payment capture failed, receipt not created")
			return nil, fmt.Errorf("%w: %v", ErrPaymentRequired, err)
		}
	}

	if err := s.receipts.Save(ctx, receipt); err != nil {
		return nil, fmt.Errorf("save receipt: %w", err)
	}
	job, err := s.enqueue(ctx, receipt, chainName)
	if err != nil {
		return nil, err
	}

	kind := "single"
	if batchRef != "" {
		kind = "batch"
	}
	metrics.ReceiptsCreated.WithLabelValues(kind).Inc()
	s.logger.WithFields(logrus.Fields{
		"receipt_id": receipt.ID,
		"job_id":     job.ID,
		"chain":      job.Chain,
	}).Info("🧾 Receipt created")
	events.Emit(ctx, s.publisher, s.logger, events.ReceiptCreated, events.ReceiptEvent{
		ReceiptID:       receipt.ID,
		Mode:            string(receipt.Mode),
		InitiatorCommit: receipt.InitiatorCommit,
		Chain:           job.Chain,
	})
	return receipt, nil
}

// resolveChain maps a chain name or numeric id to a chain with a
// registered provider. Empty means the default chain.
func (s *ReceiptService) resolveChain(nameOrID string) (string, error) {
	if nameOrID == "" {
		nameOrID = s.cfg.DefaultChain
	}
	name := strings.ToLower(strings.TrimSpace(nameOrID))
	if canonical, ok := chain.Resolve(name); ok {
		name = canonical
	}
	if s.chains != nil {
		if _, err := s.chains.Get(name); err != nil {
			return "", fmt.Errorf("%w: %s", ErrInvalidChain, nameOrID)
		}
	}
	return name, nil
}

// enqueue queues a job for an already resolved chain.
func (s *ReceiptService) enqueue(ctx context.Context, receipt *models.AttestationReceipt, chainName string) (*models.AnchorJob, error) {
	job := models.NewAnchorJob(receipt.ID, chainName, s.now())
	if err := s.jobs.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue anchor job for %s: %w", receipt.ID, err)
	}
	return job, nil
}

// Enqueue queues another anchor job for an eligible receipt.
func (s *ReceiptService) Enqueue(ctx context.Context, id, chainName string) (*models.AnchorJob, error) {
	receipt, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !receipt.Mode.IsAnchorable() {
		return nil, fmt.Errorf("%w: %s", models.ErrInvalidTransition, receipt.Mode)
	}
	resolved, err := s.resolveChain(chainName)
	if err != nil {
		return nil, err
	}
	return s.enqueue(ctx, receipt, resolved)
}

// Get loads a receipt as last durably committed.
func (s *ReceiptService) Get(ctx context.Context, id string) (*models.AttestationReceipt, error) {
	receipt, err := s.receipts.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load receipt %s: %w", id, err)
	}
	return receipt, nil
}

// locked runs fn under the anchor lock, so receipt updates made here never
// interleave with an anchoring pass reading the same receipts.
func (s *ReceiptService) locked(ctx context.Context, fn func() error) error {
	if s.locker == nil {
		return fn()
	}
	var lease *lock.Lease
	for attempt := 1; ; attempt++ {
		l, err := s.locker.Acquire(ctx, lock.AnchorLockName)
		if err == nil {
			lease = l
			break
		}
		if !errors.Is(err, lock.ErrBusy) {
			return err
		}
		if attempt >= s.lockAttempts {
			return ErrReceiptBusy
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.lockWait):
		}
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.WithError(err).Warn("⚠️ Failed to release anchor lock, it expires with the lease")
		}
	}()
	return fn()
}

// CounterSign binds the counterparty to I and the terms, derives FINAL and
// confirms the receipt.
func (s *ReceiptService) CounterSign(ctx context.Context, id, counterparty string, terms any) (*models.AttestationReceipt, error) {
	var receipt *models.AttestationReceipt
	err := s.locked(ctx, func() error {
		r, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		counter, err := commitment.CommitCounter(commitment.CounterPayload{
			InitiatorCommit: r.InitiatorCommit,
			Counterparty:    counterparty,
			Terms:           terms,
		})
		if err != nil {
			return err
		}
		final, err := commitment.CommitFinal(r.InitiatorCommit, counter)
		if err != nil {
			return err
		}
		if err := r.SetCounter(counterparty, counter, final, s.now()); err != nil {
			return err
		}
		if err := s.receipts.Save(ctx, r); err != nil {
			return fmt.Errorf("save receipt: %w", err)
		}
		receipt = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ReceiptTransitions.WithLabelValues(string(models.ReceiptModeConfirmed)).Inc()

	// the anchor leaf now covers C; an earlier job may already be gone
	chainName, err := s.resolveChain("")
	if err != nil {
		return nil, err
	}
	job, err := s.enqueue(ctx, receipt, chainName)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"receipt_id": id, "job_id": job.ID}).Info("🤝 Receipt confirmed")
	return receipt, nil
}

// Void cancels a pending or confirmed receipt.
func (s *ReceiptService) Void(ctx context.Context, id string) (*models.AttestationReceipt, error) {
	return s.transition(ctx, id, models.ReceiptModeVoid)
}

// Refund marks a receipt whose underlying payment was compensated.
func (s *ReceiptService) Refund(ctx context.Context, id string) (*models.AttestationReceipt, error) {
	return s.transition(ctx, id, models.ReceiptModeRefund)
}

func (s *ReceiptService) transition(ctx context.Context, id string, to models.ReceiptMode) (*models.AttestationReceipt, error) {
	var (
		receipt *models.AttestationReceipt
		from    models.ReceiptMode
	)
	err := s.locked(ctx, func() error {
		r, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		from = r.Mode
		if err := r.Transition(to, s.now()); err != nil {
			return err
		}
		if err := s.receipts.Save(ctx, r); err != nil {
			return fmt.Errorf("save receipt: %w", err)
		}
		receipt = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ReceiptTransitions.WithLabelValues(string(to)).Inc()
	s.logger.WithFields(logrus.Fields{"receipt_id": id, "from": from, "to": to}).Info("Receipt transitioned")
	return receipt, nil
}

// ExpireStale expires every pending or confirmed receipt past its deadline
// and returns how many were expired. While an anchoring pass holds the lock
// the run is skipped and retried on the next call.
func (s *ReceiptService) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	expiredCount := 0
	err := s.locked(ctx, func() error {
		cursor := ""
		for {
			page, next, err := s.receipts.List(ctx, cursor, 100)
			if err != nil {
				return fmt.Errorf("list receipts: %w", err)
			}
			for _, receipt := range page {
				if !receipt.Mode.IsAnchorable() || !receipt.Expired(now) {
					continue
				}
				if err := receipt.Transition(models.ReceiptModeExpired, now); err != nil {
					continue
				}
				if err := s.receipts.Save(ctx, receipt); err != nil {
					return fmt.Errorf("save receipt %s: %w", receipt.ID, err)
				}
				expiredCount++
				metrics.ReceiptTransitions.WithLabelValues(string(models.ReceiptModeExpired)).Inc()
				s.logger.WithField("receipt_id", receipt.ID).Info("⌛ Receipt expired")
			}
			if next == "" {
				return nil
			}
			cursor = next
		}
	})
	if errors.Is(err, ErrReceiptBusy) {
		s.logger.Info("🔒 Anchor lock busy, expiry deferred")
		return 0, nil
	}
	return expiredCount, err
}

// VerifyResult outcome of re-checking a receipt's anchor
type VerifyResult struct {
	ReceiptID     string        `json:"receiptId"`
	Valid         bool          `json:"valid"`
	Reason        string        `json:"reason,omitempty"`
	Leaf          string        `json:"leaf"`
	TxHash        string        `json:"txHash"`
	Chain         string        `json:"chain"`
	Proof         *merkle.Proof `json:"proof,omitempty"`
	Confirmations uint64        `json:"confirmations"`
	Final         bool          `json:"final"`
	Reorged       bool          `json:"reorged"`
}

// VerifyAnchor recomputes the receipt's leaf and checks it against the stored
// Merkle proof.
func (s *ReceiptService) VerifyAnchor(ctx context.Context, id string) (*VerifyResult, error) {
	receipt, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if receipt.Mode != models.ReceiptModeAnchored {
		return nil, fmt.Errorf("%w: %s", ErrNotAnchored, receipt.Mode)
	}

	leaf, err := LeafFor(receipt)
	if err != nil {
		return nil, err
	}
	res := &VerifyResult{
		ReceiptID: id,
		Leaf:      leaf,
		TxHash:    receipt.TxHash,
		Chain:     receipt.AnchorChain,
		Proof:     receipt.AnchorProof,
	}
	switch {
	case receipt.AnchorProof == nil:
		res.Reason = "missing-proof"
	case receipt.AnchorProof.Leaf != leaf:
		res.Reason = "leaf-mismatch"
	case !merkle.VerifyMerkleProof(*receipt.AnchorProof):
		res.Reason = "proof-invalid"
	default:
		res.Valid = true
	}

	if s.confirmations != nil {
		if rec, err := s.confirmations.Get(ctx, receipt.TxHash); err == nil {
			res.Confirmations = rec.Confirmations
			res.Final = rec.Final
			res.Reorged = rec.Reorged
		}
	}
	return res, nil
}

// LeafFor derives the Merkle leaf of a receipt.
func LeafFor(r *models.AttestationReceipt) (string, error) {
	return commitment.LeafHash(commitment.LeafInput{
		ReceiptID:       r.ID,
		InitiatorCommit: r.InitiatorCommit,
		CounterCommit:   r.CounterCommit,
		ReceivedAt:      r.ReceivedAt,
	})
}
