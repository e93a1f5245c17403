package services

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"attest-backend/internal/chain"
	"attest-backend/internal/events"
	"attest-backend/internal/lock"
	"attest-backend/internal/merkle"
	"attest-backend/internal/metrics"
	"attest-backend/internal/models"
	"attest-backend/internal/repository"
)

// Per-job outcome reasons.
const (
	ReasonMissingJob        = "missing-job"
	ReasonMissingReceipt    = "missing-receipt"
	ReasonAlreadyAnchored   = "already-anchored"
	ReasonInvalidState      = "invalid-state"
	ReasonLockBusy          = "lock-busy"
	ReasonAttemptsExhausted = "attempts-exhausted"
	ReasonBroadcastFailed   = "broadcast-failed"
)

// JobResult outcome of processing one anchor job
type JobResult struct {
	JobID     string `json:"jobId"`
	ReceiptID string `json:"receiptId,omitempty"`
	OK        bool   `json:"ok"`
	Reason    string `json:"reason,omitempty"`
	TxHash    string `json:"txHash,omitempty"`
}

// AnchorServiceConfig static settings of AnchorService
type AnchorServiceConfig struct {
	MaxAttempts int // failed broadcasts before a job is dead-lettered
}

// AnchorService turns queued jobs into on-chain anchors. Every broadcast
// happens under the anchor lock; errors returned from ProcessOne and
// ProcessBatch are store failures; everything else is reported per job.
type AnchorService struct {
	receipts      repository.ReceiptRepository
	jobs          repository.JobQueue
	deadLetters   repository.DeadLetterRepository
	confirmations repository.ConfirmationRepository
	locker        lock.Locker
	chains        *chain.Registry
	publisher     events.Publisher
	cfg           AnchorServiceConfig
	now           func() time.Time
	logger        logrus.FieldLogger
}

func NewAnchorService(
	receipts repository.ReceiptRepository,
	jobs repository.JobQueue,
	deadLetters repository.DeadLetterRepository,
	confirmations repository.ConfirmationRepository,
	locker lock.Locker,
	chains *chain.Registry,
	publisher events.Publisher,
	cfg AnchorServiceConfig,
	logger logrus.FieldLogger,
) *AnchorService {
	if publisher == nil {
		publisher = events.Noop{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &AnchorService{
		receipts:      receipts,
		jobs:          jobs,
		deadLetters:   deadLetters,
		confirmations: confirmations,
		locker:        locker,
		chains:        chains,
		publisher:     publisher,
		cfg:           cfg,
		now:           time.Now,
		logger:        logger,
	}
}

// pendingJob is a job whose receipt was anchorable when loaded.
type pendingJob struct {
	job     *models.AnchorJob
	receipt *models.AttestationReceipt
}

// ProcessOne anchors the receipt of jobID in a transaction of its own. The
// single-leaf tree makes the broadcast root the receipt's leaf.
func (s *AnchorService) ProcessOne(ctx context.Context, jobID string) (JobResult, error) {
	p, res, err := s.load(ctx, jobID)
	if err != nil || p == nil {
		return res, err
	}
	results, err := s.anchorGroup(ctx, p.job.Chain, []pendingJob{*p})
	if err != nil {
		return JobResult{JobID: jobID, ReceiptID: p.receipt.ID}, err
	}
	return results[jobID], nil
}

// ProcessBatch anchors the eligible receipts of jobIDs with one transaction
// per chain. Results come back in the order of jobIDs. On a store failure
// the results gathered so far are returned with the error.
func (s *AnchorService) ProcessBatch(ctx context.Context, jobIDs []string) ([]JobResult, error) {
	results := make(map[string]JobResult, len(jobIDs))
	collect := func() []JobResult {
		out := make([]JobResult, 0, len(results))
		for _, id := range jobIDs {
			if r, ok := results[id]; ok {
				out = append(out, r)
			}
		}
		return out
	}

	groups := make(map[string][]pendingJob)
	var chainOrder []string
	for _, id := range jobIDs {
		if _, seen := results[id]; seen {
			continue
		}
		p, res, err := s.load(ctx, id)
		if err != nil {
			return collect(), err
		}
		if p == nil {
			results[id] = res
			continue
		}
		if _, ok := groups[p.job.Chain]; !ok {
			chainOrder = append(chainOrder, p.job.Chain)
		}
		groups[p.job.Chain] = append(groups[p.job.Chain], *p)
		// placeholder so a repeated id is not loaded twice
		results[id] = JobResult{JobID: id, ReceiptID: p.receipt.ID}
	}

	for _, chainName := range chainOrder {
		groupResults, err := s.anchorGroup(ctx, chainName, groups[chainName])
		for id, r := range groupResults {
			results[id] = r
		}
		if err != nil {
			return collect(), err
		}
	}
	return collect(), nil
}

// load resolves a job and its receipt. It returns a pendingJob when the
// receipt can be anchored, otherwise the final result of the job.
func (s *AnchorService) load(ctx context.Context, jobID string) (*pendingJob, JobResult, error) {
	res := JobResult{JobID: jobID}

	job, err := s.jobs.Get(ctx, jobID)
	if errors.Is(err, repository.ErrNotFound) {
		// already processed or expired; nothing left to do
		res.OK = true
		res.Reason = ReasonMissingJob
		return nil, res, nil
	}
	if err != nil {
		return nil, res, fmt.Errorf("load job %s: %w", jobID, err)
	}
	res.ReceiptID = job.ReceiptID

	receipt, err := s.receipts.GetByID(ctx, job.ReceiptID)
	if errors.Is(err, repository.ErrNotFound) {
		res.Reason = ReasonMissingReceipt
		return nil, res, s.dropJob(ctx, jobID)
	}
	if err != nil {
		return nil, res, fmt.Errorf("load receipt %s: %w", job.ReceiptID, err)
	}

	if s.settled(receipt, &res) {
		return nil, res, s.dropJob(ctx, jobID)
	}
	return &pendingJob{job: job, receipt: receipt}, res, nil
}

// settled fills res when the receipt needs no broadcast.
func (s *AnchorService) settled(receipt *models.AttestationReceipt, res *JobResult) bool {
	switch {
	case receipt.Mode == models.ReceiptModeAnchored:
		res.OK = true
		res.Reason = ReasonAlreadyAnchored
		res.TxHash = receipt.TxHash
		return true
	case !receipt.Mode.IsAnchorable():
		res.Reason = ReasonInvalidState + ":" + string(receipt.Mode)
		return true
	}
	return false
}

func (s *AnchorService) dropJob(ctx context.Context, jobID string) error {
	if err := s.jobs.Delete(ctx, jobID); err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

// anchorGroup broadcasts one root covering every receipt in group. The lock
// is held from the re-check of the receipts until the receipts are saved.
func (s *AnchorService) anchorGroup(ctx context.Context, chainName string, group []pendingJob) (map[string]JobResult, error) {
	results := make(map[string]JobResult, len(group))

	lease, err := s.locker.Acquire(ctx, lock.AnchorLockName)
	if errors.Is(err, lock.ErrBusy) {
		metrics.LockAcquisitions.WithLabelValues("busy").Inc()
		for _, p := range group {
			results[p.job.ID] = JobResult{JobID: p.job.ID, ReceiptID: p.receipt.ID, Reason: ReasonLockBusy}
		}
		s.logger.WithField("chain", chainName).Info("🔒 Anchor lock busy, leaving jobs queued")
		return results, nil
	}
	if err != nil {
		metrics.LockAcquisitions.WithLabelValues("error").Inc()
		return results, err
	}
	metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.WithError(err).Warn("⚠️ Failed to release anchor lock, it expires with the lease")
		}
	}()

	// another holder may have anchored these receipts since they were loaded
	var live []pendingJob
	byReceipt := make(map[string]*models.AttestationReceipt)
	for _, p := range group {
		res := JobResult{JobID: p.job.ID, ReceiptID: p.receipt.ID}
		receipt, err := s.receipts.GetByID(ctx, p.receipt.ID)
		if errors.Is(err, repository.ErrNotFound) {
			res.Reason = ReasonMissingReceipt
			results[p.job.ID] = res
			if err := s.dropJob(ctx, p.job.ID); err != nil {
				return results, err
			}
			continue
		}
		if err != nil {
			return results, fmt.Errorf("reload receipt %s: %w", p.receipt.ID, err)
		}
		if s.settled(receipt, &res) {
			results[p.job.ID] = res
			if err := s.dropJob(ctx, p.job.ID); err != nil {
				return results, err
			}
			continue
		}
		byReceipt[receipt.ID] = receipt
		live = append(live, pendingJob{job: p.job, receipt: receipt})
	}
	if len(live) == 0 {
		return results, nil
	}

	// jobs duplicated for one receipt share its leaf
	leafOf := make(map[string]string, len(byReceipt))
	leaves := make([]string, 0, len(byReceipt))
	for id, receipt := range byReceipt {
		leaf, err := LeafFor(receipt)
		if err != nil {
			return results, fmt.Errorf("leaf for %s: %w", id, err)
		}
		leafOf[id] = leaf
		leaves = append(leaves, leaf)
	}
	tree, err := merkle.BuildMerkleTree(leaves)
	if err != nil {
		return results, err
	}
	metrics.BatchSize.Observe(float64(len(leaves)))

	txHash, err := s.broadcast(ctx, chainName, tree.Root)
	if err != nil {
		for _, p := range live {
			res, ferr := s.fail(ctx, p, err)
			results[p.job.ID] = res
			if ferr != nil {
				return results, ferr
			}
		}
		return results, nil
	}

	now := s.now()
	receiptIDs := make([]string, 0, len(byReceipt))
	for _, p := range live {
		receipt := byReceipt[p.receipt.ID]
		if receipt.Mode != models.ReceiptModeAnchored {
			proof, _ := tree.ProofFor(leafOf[receipt.ID])
			if err := receipt.MarkAnchored(txHash, chainName, &proof, now); err != nil {
				return results, err
			}
			if err := s.receipts.Save(ctx, receipt); err != nil {
				s.logger.WithFields(logrus.Fields{
					"receipt_id": receipt.ID,
					"tx_hash":    txHash,
				}).WithError(err).Error("❌ Anchor broadcast but receipt not saved, needs reconciliation")
				return results, fmt.Errorf("save anchored receipt %s: %w", receipt.ID, err)
			}
			receiptIDs = append(receiptIDs, receipt.ID)
			metrics.ReceiptTransitions.WithLabelValues(string(models.ReceiptModeAnchored)).Inc()
			events.Emit(ctx, s.publisher, s.logger, events.ReceiptAnchored, events.ReceiptEvent{
				ReceiptID:       receipt.ID,
				Mode:            string(receipt.Mode),
				InitiatorCommit: receipt.InitiatorCommit,
				FinalCommit:     receipt.FinalCommit,
				TxHash:          txHash,
				Chain:           chainName,
				Root:            tree.Root,
			})
		}
		results[p.job.ID] = JobResult{JobID: p.job.ID, ReceiptID: receipt.ID, OK: true, TxHash: txHash}
		if err := s.dropJob(ctx, p.job.ID); err != nil {
			return results, err
		}
	}

	if s.confirmations != nil {
		rec := models.NewConfirmationRecord(txHash, chainName, tree.Root, receiptIDs, now)
		if err := s.confirmations.Save(ctx, rec); err != nil {
			s.logger.WithError(err).WithField("tx_hash", txHash).Warn("⚠️ Failed to record confirmation entry")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"chain":    chainName,
		"tx_hash":  txHash,
		"root":     tree.Root,
		"receipts": len(receiptIDs),
	}).Info("⚓ Anchored")
	return results, nil
}

func (s *AnchorService) broadcast(ctx context.Context, chainName, root string) (string, error) {
	provider, err := s.chains.Get(chainName)
	if err != nil {
		metrics.Broadcasts.WithLabelValues(chainName, "error").Inc()
		return "", err
	}
	rootBytes, err := hex.DecodeString(root)
	if err != nil {
		return "", fmt.Errorf("decode root: %w", err)
	}
	txHash, err := provider.Broadcast(ctx, rootBytes)
	if err != nil {
		metrics.Broadcasts.WithLabelValues(chainName, "error").Inc()
		return "", err
	}
	metrics.Broadcasts.WithLabelValues(chainName, "ok").Inc()
	return txHash, nil
}

// fail supersedes p.job with a retry, or dead-letters it once attempts run out.
func (s *AnchorService) fail(ctx context.Context, p pendingJob, cause error) (JobResult, error) {
	res := JobResult{JobID: p.job.ID, ReceiptID: p.receipt.ID}
	next := p.job.Retry(cause, s.now())
	logger := s.logger.WithFields(logrus.Fields{
		"job_id":     p.job.ID,
		"receipt_id": p.receipt.ID,
		"attempts":   next.Attempts,
	})

	if next.Attempts >= s.cfg.MaxAttempts {
		res.Reason = ReasonAttemptsExhausted
		dl := &models.DeadLetter{Job: *next, Reason: cause.Error(), FailedAt: s.now().UnixMilli()}
		if err := s.deadLetters.Put(ctx, dl); err != nil {
			return res, fmt.Errorf("dead-letter job %s: %w", p.job.ID, err)
		}
		if err := s.dropJob(ctx, p.job.ID); err != nil {
			return res, err
		}
		metrics.DeadLetteredJobs.Inc()
		logger.WithError(cause).Error("💀 Anchor job dead-lettered")
		events.Emit(ctx, s.publisher, s.logger, events.JobDeadLettered, events.DeadLetterEvent{
			JobID:     next.ID,
			ReceiptID: p.receipt.ID,
			Attempts:  next.Attempts,
			Reason:    cause.Error(),
		})
		return res, nil
	}

	res.Reason = ReasonBroadcastFailed + ": " + cause.Error()
	if err := s.jobs.Enqueue(ctx, next); err != nil {
		return res, fmt.Errorf("requeue job %s: %w", p.job.ID, err)
	}
	if err := s.dropJob(ctx, p.job.ID); err != nil {
		return res, err
	}
	logger.WithError(cause).WithField("next_job_id", next.ID).Warn("⚠️ Broadcast failed, job requeued")
	return res, nil
}
