// Sweep Service
// Drains the anchor job queue on a timer or on demand
package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"attest-backend/internal/metrics"
	"attest-backend/internal/repository"
)

// Sweep triggers
const (
	TriggerTimer  = "timer"
	TriggerManual = "manual"
)

// SweepReport summary of one sweep invocation
type SweepReport struct {
	Trigger    string      `json:"trigger"`
	Processed  int         `json:"processed"`
	Succeeded  int         `json:"succeeded"`
	Failed     int         `json:"failed"`
	DurationMs int64       `json:"durationMs"`
	Results    []JobResult `json:"results"`
	Error      string      `json:"error,omitempty"`
}

// SweepServiceConfig static settings of SweepService
type SweepServiceConfig struct {
	Interval        time.Duration
	PageSize        int
	MaxJobsPerSweep int
	Batching        bool // one transaction per chain instead of per job
}

// Expirer expires receipts past their deadline before a timed sweep.
type Expirer interface {
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

// SweepService processes at most MaxJobsPerSweep queued jobs per run.
type SweepService struct {
	anchors  *AnchorService
	jobs     repository.JobQueue
	expirer  Expirer
	cfg      SweepServiceConfig
	stopChan chan struct{}
	stopOnce sync.Once
	logger   logrus.FieldLogger
}

func NewSweepService(anchors *AnchorService, jobs repository.JobQueue, expirer Expirer, cfg SweepServiceConfig, logger logrus.FieldLogger) *SweepService {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxJobsPerSweep <= 0 {
		cfg.MaxJobsPerSweep = 50
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &SweepService{
		anchors:  anchors,
		jobs:     jobs,
		expirer:  expirer,
		cfg:      cfg,
		stopChan: make(chan struct{}),
		logger:   logger,
	}
}

// Start runs timed sweeps until Stop.
func (s *SweepService) Start() {
	s.logger.WithFields(logrus.Fields{
		"interval": s.cfg.Interval,
		"max_jobs": s.cfg.MaxJobsPerSweep,
		"batching": s.cfg.Batching,
	}).Info("🚀 Sweep scheduler starting")
	go s.run()
}

// Stop ends the timer loop. A sweep in flight finishes first.
func (s *SweepService) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("🛑 Stopping sweep scheduler")
		close(s.stopChan)
	})
}

func (s *SweepService) run() {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if s.expirer != nil {
				if n, err := s.expirer.ExpireStale(ctx, time.Now()); err != nil {
					s.logger.WithError(err).Error("❌ Expiring stale receipts failed")
				} else if n > 0 {
					s.logger.WithField("expired", n).Info("⌛ Expired stale receipts")
				}
			}
			s.Sweep(ctx, TriggerTimer)
			cancel()

		case <-s.stopChan:
			s.logger.Info("🛑 Sweep scheduler stopped")
			return
		}
	}
}

// Sweep lists pending jobs page by page up to the per-sweep cap and
// processes them. It never fails as a whole: a store error ends the sweep
// and is reported in Error next to the results gathered so far.
func (s *SweepService) Sweep(ctx context.Context, trigger string) *SweepReport {
	started := time.Now()
	report := &SweepReport{Trigger: trigger, Results: []JobResult{}}
	defer func() {
		report.DurationMs = time.Since(started).Milliseconds()
		metrics.SweepRuns.WithLabelValues(trigger).Inc()
		metrics.SweepDuration.Observe(time.Since(started).Seconds())
	}()

	ids, err := s.collect(ctx)
	if err != nil {
		report.Error = err.Error()
		s.logger.WithError(err).Error("❌ Listing anchor jobs failed")
		return report
	}
	if len(ids) == 0 {
		return report
	}

	if s.cfg.Batching {
		results, err := s.anchors.ProcessBatch(ctx, ids)
		s.record(report, results...)
		if err != nil {
			report.Error = err.Error()
		}
	} else {
		for _, id := range ids {
			res, err := s.anchors.ProcessOne(ctx, id)
			if err != nil {
				report.Error = err.Error()
				break
			}
			s.record(report, res)
		}
	}

	fields := logrus.Fields{
		"trigger":   trigger,
		"processed": report.Processed,
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
	}
	if report.Error != "" {
		s.logger.WithFields(fields).WithField("error", report.Error).Error("❌ Sweep aborted")
	} else {
		s.logger.WithFields(fields).Info("✅ Sweep finished")
	}
	return report
}

func (s *SweepService) collect(ctx context.Context) ([]string, error) {
	var ids []string
	cursor := ""
	for len(ids) < s.cfg.MaxJobsPerSweep {
		limit := s.cfg.PageSize
		if remaining := s.cfg.MaxJobsPerSweep - len(ids); remaining < limit {
			limit = remaining
		}
		page, next, err := s.jobs.ListPending(ctx, cursor, limit)
		if err != nil {
			return ids, err
		}
		ids = append(ids, page...)
		if next == "" {
			break
		}
		cursor = next
	}
	return ids, nil
}

func (s *SweepService) record(report *SweepReport, results ...JobResult) {
	for _, res := range results {
		report.Processed++
		outcome := "failed"
		if res.OK {
			report.Succeeded++
			outcome = "ok"
		} else {
			report.Failed++
			if res.Reason == ReasonLockBusy {
				outcome = "busy"
			}
		}
		metrics.SweepJobs.WithLabelValues(outcome).Inc()
		report.Results = append(report.Results, res)
	}
}
