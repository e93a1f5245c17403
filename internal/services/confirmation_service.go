package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"attest-backend/internal/chain"
	"attest-backend/internal/events"
	"attest-backend/internal/metrics"
	"attest-backend/internal/models"
	"attest-backend/internal/repository"
)

// ChainRef names a chain either by name or by numeric chain id. It accepts
// both JSON strings and numbers.
type ChainRef string

func (c *ChainRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ChainRef(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("chainId must be a name or a number: %w", err)
	}
	*c = ChainRef(n.String())
	return nil
}

// PollRequest one transaction the caller wants re-checked
type PollRequest struct {
	TxHash        string   `json:"txHash"`
	ChainID       ChainRef `json:"chainId"`
	Confirmations *uint64  `json:"confirmations,omitempty"`
	Final         bool     `json:"final,omitempty"`
}

// PollResult transaction that became final during this poll
type PollResult struct {
	TxHash        string `json:"txHash"`
	Chain         string `json:"chain"`
	Confirmations uint64 `json:"confirmations"`
	Final         bool   `json:"final"`
}

// PollSummary outcome of polling the stored records
type PollSummary struct {
	Checked    int          `json:"checked"`
	NewlyFinal []PollResult `json:"newlyFinal"`
	Reorged    []string     `json:"reorged"`
	Errors     int          `json:"errors"`
}

// ConfirmationService tracks anchor transactions until they are buried
// deep enough to be final. A final record is frozen and never re-checked.
type ConfirmationService struct {
	confirmations repository.ConfirmationRepository
	chains        *chain.Registry
	publisher     events.Publisher
	interval      time.Duration
	stopChan      chan struct{}
	stopOnce      sync.Once
	now           func() time.Time
	logger        logrus.FieldLogger
}

func NewConfirmationService(confirmations repository.ConfirmationRepository, chains *chain.Registry, publisher events.Publisher, interval time.Duration, logger logrus.FieldLogger) *ConfirmationService {
	if publisher == nil {
		publisher = events.Noop{}
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ConfirmationService{
		confirmations: confirmations,
		chains:        chains,
		publisher:     publisher,
		interval:      interval,
		stopChan:      make(chan struct{}),
		now:           time.Now,
		logger:        logger,
	}
}

// Poll re-checks each entry and returns the ones that became final. Entries
// already marked final by the caller are skipped. An entry that fails is
// logged and left for the next poll.
func (s *ConfirmationService) Poll(ctx context.Context, reqs []PollRequest) ([]PollResult, error) {
	finals := []PollResult{}
	for _, req := range reqs {
		if req.Final || req.TxHash == "" {
			continue
		}
		chainName, ok := chain.Resolve(string(req.ChainID))
		if !ok {
			s.logger.WithFields(logrus.Fields{"tx_hash": req.TxHash, "chain": req.ChainID}).Warn("⚠️ Unknown chain, entry skipped")
			continue
		}

		rec, err := s.confirmations.Get(ctx, req.TxHash)
		if errors.Is(err, repository.ErrNotFound) {
			rec = models.NewConfirmationRecord(req.TxHash, chainName, "", nil, s.now())
			if req.Confirmations != nil {
				rec.Confirmations = *req.Confirmations
			}
		} else if err != nil {
			return finals, fmt.Errorf("load confirmation %s: %w", req.TxHash, err)
		}

		res, _, err := s.check(ctx, rec)
		if err != nil {
			if isStoreError(err) {
				return finals, err
			}
			s.logger.WithError(err).WithField("tx_hash", req.TxHash).Warn("⚠️ Confirmation check failed")
			continue
		}
		if res != nil {
			finals = append(finals, *res)
		}
	}
	return finals, nil
}

// PollStored re-checks every stored record that is not final yet.
func (s *ConfirmationService) PollStored(ctx context.Context) (*PollSummary, error) {
	summary := &PollSummary{NewlyFinal: []PollResult{}, Reorged: []string{}}
	cursor := ""
	for {
		hashes, next, err := s.confirmations.List(ctx, cursor, 100)
		if err != nil {
			return summary, fmt.Errorf("list confirmations: %w", err)
		}
		for _, txHash := range hashes {
			rec, err := s.confirmations.Get(ctx, txHash)
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			if err != nil {
				return summary, fmt.Errorf("load confirmation %s: %w", txHash, err)
			}
			if rec.Final {
				continue
			}
			summary.Checked++
			res, reorged, err := s.check(ctx, rec)
			if err != nil {
				if isStoreError(err) {
					return summary, err
				}
				summary.Errors++
				s.logger.WithError(err).WithField("tx_hash", txHash).Warn("⚠️ Confirmation check failed")
				continue
			}
			if reorged {
				summary.Reorged = append(summary.Reorged, txHash)
			}
			if res != nil {
				summary.NewlyFinal = append(summary.NewlyFinal, *res)
			}
		}
		if next == "" {
			return summary, nil
		}
		cursor = next
	}
}

type storeError struct{ err error }

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

func isStoreError(err error) bool {
	var se *storeError
	return errors.As(err, &se)
}

// check observes rec's transaction once and saves the updated record. It
// returns a result when the record just became final.
func (s *ConfirmationService) check(ctx context.Context, rec *models.ChainConfirmationRecord) (*PollResult, bool, error) {
	if rec.Final {
		return nil, false, nil
	}
	provider, err := s.chains.Get(rec.Chain)
	if err != nil {
		return nil, false, err
	}

	var recorded *chain.BlockRef
	if rec.BlockHash != "" {
		recorded = &chain.BlockRef{Number: rec.BlockNumber, Hash: rec.BlockHash}
	}
	st, err := provider.TransactionStatus(ctx, rec.TxHash, recorded)
	if err != nil {
		return nil, false, fmt.Errorf("transaction status %s: %w", rec.TxHash, err)
	}

	now := s.now()
	var result *PollResult
	reorged := false
	logger := s.logger.WithFields(logrus.Fields{"tx_hash": rec.TxHash, "chain": rec.Chain})

	switch {
	case st.Reorged:
		reorged = true
		rec.MarkReorged(now)
		metrics.ReorgsDetected.WithLabelValues(rec.Chain).Inc()
		logger.WithField("block", recorded).Warn("🔀 Reorg detected, anchor no longer in its recorded block")
		events.Emit(ctx, s.publisher, s.logger, events.AnchorReorged, events.AnchorEvent{
			TxHash:     rec.TxHash,
			Chain:      rec.Chain,
			ReceiptIDs: rec.ReceiptIDs,
		})

	case st.Failed:
		rec.Confirmations = 0
		rec.UpdatedAt = now.UnixMilli()
		logger.Error("❌ Anchor transaction reverted, needs reconciliation")

	case !st.Confirmed:
		rec.Confirmations = 0
		rec.UpdatedAt = now.UnixMilli()

	default:
		if rec.BlockHash == "" {
			rec.BlockNumber = st.BlockNumber
			rec.BlockHash = st.BlockHash
			rec.Reorged = false
		}
		rec.Confirmations = st.Confirmations
		rec.UpdatedAt = now.UnixMilli()
		if st.Confirmations >= provider.ConfirmationDepth() {
			rec.Final = true
			result = &PollResult{TxHash: rec.TxHash, Chain: rec.Chain, Confirmations: rec.Confirmations, Final: true}
			metrics.ConfirmationsFinalized.WithLabelValues(rec.Chain).Inc()
			logger.WithField("confirmations", rec.Confirmations).Info("✅ Anchor final")
			events.Emit(ctx, s.publisher, s.logger, events.AnchorFinal, events.AnchorEvent{
				TxHash:        rec.TxHash,
				Chain:         rec.Chain,
				Confirmations: rec.Confirmations,
				ReceiptIDs:    rec.ReceiptIDs,
			})
		}
	}

	if err := s.confirmations.Save(ctx, rec); err != nil {
		return nil, reorged, &storeError{fmt.Errorf("save confirmation %s: %w", rec.TxHash, err)}
	}
	return result, reorged, nil
}

// Start polls the stored records until Stop.
func (s *ConfirmationService) Start() {
	s.logger.WithField("interval", s.interval).Info("🚀 Confirmation poller starting")
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				summary, err := s.PollStored(ctx)
				cancel()
				if err != nil {
					s.logger.WithError(err).Error("❌ Confirmation poll failed")
					continue
				}
				if len(summary.NewlyFinal) > 0 || len(summary.Reorged) > 0 {
					s.logger.WithFields(logrus.Fields{
						"checked": summary.Checked,
						"final":   len(summary.NewlyFinal),
						"reorged": len(summary.Reorged),
					}).Info("📊 Confirmation poll finished")
				}
			case <-s.stopChan:
				s.logger.Info("🛑 Confirmation poller stopped")
				return
			}
		}
	}()
}

func (s *ConfirmationService) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}
