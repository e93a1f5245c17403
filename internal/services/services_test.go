package services

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attest-backend/internal/chain"
	"attest-backend/internal/chain/chaintest"
	"attest-backend/internal/clients"
	"attest-backend/internal/commitment"
	"attest-backend/internal/events"
	"attest-backend/internal/lock"
	"attest-backend/internal/merkle"
	"attest-backend/internal/metrics"
	"attest-backend/internal/models"
	"attest-backend/internal/repository"
	"attest-backend/internal/storage"
)

type harnessConfig struct {
	batching    bool
	maxAttempts int
	maxJobs     int
	pageSize    int
	depth       uint64
	ttl         time.Duration
	payment     PaymentGate
	evidence    EvidenceSource
}

type harness struct {
	store    storage.Store
	receipts repository.ReceiptRepository
	jobs     repository.JobQueue
	dead     repository.DeadLetterRepository
	confs    repository.ConfirmationRepository
	locker   *lock.LeaseLocker
	chain    *chaintest.Provider
	polygon  *chaintest.Provider
	registry *chain.Registry
	events   *events.Recorder

	receiptSvc *ReceiptService
	anchorSvc  *AnchorService
	sweepSvc   *SweepService
	confirmSvc *ConfirmationService
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newHarness(t *testing.T, opts ...func(*harnessConfig)) *harness {
	t.Helper()
	cfg := harnessConfig{maxAttempts: 5, maxJobs: 50, pageSize: 100, depth: 3}
	for _, o := range opts {
		o(&cfg)
	}
	return newHarnessOnStore(t, storage.NewMemoryStore(), cfg)
}

func newHarnessOnStore(t *testing.T, store storage.Store, cfg harnessConfig) *harness {
	t.Helper()
	logger := testLogger()
	h := &harness{
		store:    store,
		receipts: repository.NewReceiptRepository(store, "receipt."),
		jobs:     repository.NewJobQueue(store, "anchorq.", 24*time.Hour),
		dead:     repository.NewDeadLetterRepository(store, "anchordead."),
		confs:    repository.NewConfirmationRepository(store, "anchortx."),
		locker:   lock.NewLeaseLocker(store, "anchorlock.", 2*time.Minute),
		chain:    chaintest.New(chain.Ethereum, cfg.depth),
		polygon:  chaintest.New(chain.Polygon, cfg.depth),
		events:   &events.Recorder{},
	}
	registry := chain.NewRegistry(h.chain, h.polygon)
	h.registry = registry

	h.receiptSvc = NewReceiptService(h.receipts, h.jobs, h.confs, h.locker, registry, cfg.payment, cfg.evidence, h.events, ReceiptServiceConfig{
		PolicyVersion: "attest-policy/v1",
		DefaultChain:  chain.Ethereum,
		DefaultTTL:    cfg.ttl,
	}, logger)
	h.receiptSvc.lockAttempts = 2
	h.receiptSvc.lockWait = time.Millisecond
	h.anchorSvc = NewAnchorService(h.receipts, h.jobs, h.dead, h.confs, h.locker, registry, h.events,
		AnchorServiceConfig{MaxAttempts: cfg.maxAttempts}, logger)
	h.sweepSvc = NewSweepService(h.anchorSvc, h.jobs, h.receiptSvc, SweepServiceConfig{
		Interval:        time.Hour,
		PageSize:        cfg.pageSize,
		MaxJobsPerSweep: cfg.maxJobs,
		Batching:        cfg.batching,
	}, logger)
	h.confirmSvc = NewConfirmationService(h.confs, registry, h.events, time.Hour, logger)
	return h
}

func (h *harness) pendingJobs(t *testing.T) []string {
	t.Helper()
	ids, _, err := h.jobs.ListPending(context.Background(), "", 0)
	require.NoError(t, err)
	return ids
}

func TestEndToEnd_CreateSweepAnchorVerify(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	receipt, err := h.receiptSvc.CreateFromCommit(ctx, "deadbeef", CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptModePending, receipt.Mode)
	require.Len(t, h.pendingJobs(t), 1)

	report := h.sweepSvc.Sweep(ctx, TriggerManual)
	assert.Empty(t, report.Error)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 0, report.Failed)
	require.Len(t, report.Results, 1)
	assert.True(t, report.Results[0].OK)
	assert.Regexp(t, `^0x[0-9a-f]{64}$`, report.Results[0].TxHash)

	got, err := h.receiptSvc.Get(ctx, receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptModeAnchored, got.Mode)
	assert.Equal(t, report.Results[0].TxHash, got.TxHash)
	assert.Equal(t, chain.Ethereum, got.AnchorChain)
	assert.Empty(t, h.pendingJobs(t))

	// single-leaf tree: the broadcast root is the leaf itself
	leaf, err := LeafFor(got)
	require.NoError(t, err)
	broadcasts := h.chain.Broadcasts()
	require.Len(t, broadcasts, 1)
	assert.Equal(t, leaf, hex.EncodeToString(broadcasts[0]))

	verify, err := h.receiptSvc.VerifyAnchor(ctx, receipt.ID)
	require.NoError(t, err)
	assert.True(t, verify.Valid)
	assert.Equal(t, leaf, verify.Leaf)

	rec, err := h.confs.Get(ctx, got.TxHash)
	require.NoError(t, err)
	assert.Equal(t, []string{receipt.ID}, rec.ReceiptIDs)
	assert.Equal(t, leaf, rec.Root)

	assert.Equal(t, []string{events.ReceiptCreated, events.ReceiptAnchored}, h.events.Names())
}

func TestCreateFromCommit_RejectsNonHex(t *testing.T) {
	h := newHarness(t)
	_, err := h.receiptSvc.CreateFromCommit(context.Background(), "not-hex", CreateOptions{})
	assert.ErrorIs(t, err, ErrInvalidCommit)
	_, err = h.receiptSvc.CreateFromCommit(context.Background(), "", CreateOptions{})
	assert.ErrorIs(t, err, ErrInvalidCommit)
}

func TestProcessOne_DuplicateJobsBroadcastOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	receipt, err := h.receiptSvc.CreateReceipt(ctx, map[string]any{"amount": "10.00"}, CreateOptions{})
	require.NoError(t, err)
	_, err = h.receiptSvc.Enqueue(ctx, receipt.ID, "")
	require.NoError(t, err)
	require.Len(t, h.pendingJobs(t), 2)

	report := h.sweepSvc.Sweep(ctx, TriggerManual)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 2, report.Succeeded)
	assert.Len(t, h.chain.Broadcasts(), 1)

	reasons := []string{report.Results[0].Reason, report.Results[1].Reason}
	assert.Contains(t, reasons, ReasonAlreadyAnchored)
	assert.Equal(t, report.Results[0].TxHash, report.Results[1].TxHash)
	assert.Empty(t, h.pendingJobs(t))
}

func TestProcessOne_SameJobTwiceBroadcastsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	okBefore := testutil.ToFloat64(metrics.Broadcasts.WithLabelValues(chain.Ethereum, "ok"))

	receipt, err := h.receiptSvc.CreateFromCommit(ctx, "deadbeef", CreateOptions{})
	require.NoError(t, err)
	jobID := h.pendingJobs(t)[0]

	first, err := h.anchorSvc.ProcessOne(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, first.OK)
	assert.NotEmpty(t, first.TxHash)

	second, err := h.anchorSvc.ProcessOne(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, second.OK)
	assert.Equal(t, ReasonMissingJob, second.Reason)

	// a fresh job for the anchored receipt is a no-op both times
	job, err := h.receiptSvc.Enqueue(ctx, receipt.ID, "")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Nil(t, job)
	stray := models.NewAnchorJob(receipt.ID, chain.Ethereum, time.Now())
	require.NoError(t, h.jobs.Enqueue(ctx, stray))
	for i := 0; i < 2; i++ {
		res, err := h.anchorSvc.ProcessOne(ctx, stray.ID)
		require.NoError(t, err)
		assert.True(t, res.OK)
	}

	assert.Len(t, h.chain.Broadcasts(), 1)
	assert.Equal(t, okBefore+1, testutil.ToFloat64(metrics.Broadcasts.WithLabelValues(chain.Ethereum, "ok")))
}

func TestProcessOne_NonAnchoringOutcomes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.anchorSvc.ProcessOne(ctx, "no-such-job")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, ReasonMissingJob, res.Reason)

	ghost := models.NewAnchorJob("ghost", chain.Ethereum, time.Now())
	require.NoError(t, h.jobs.Enqueue(ctx, ghost))
	res, err = h.anchorSvc.ProcessOne(ctx, ghost.ID)
	require.NoError(t, err)
	assert.Equal(t, ReasonMissingReceipt, res.Reason)

	receipt, err := h.receiptSvc.CreateFromCommit(ctx, "abcd", CreateOptions{})
	require.NoError(t, err)
	_, err = h.receiptSvc.Void(ctx, receipt.ID)
	require.NoError(t, err)
	ids := h.pendingJobs(t)
	require.Len(t, ids, 1)
	res, err = h.anchorSvc.ProcessOne(ctx, ids[0])
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "invalid-state:void", res.Reason)

	assert.Empty(t, h.pendingJobs(t))
	assert.Empty(t, h.chain.Broadcasts())
}

func TestProcessOne_LockBusyLeavesJobQueued(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.receiptSvc.CreateFromCommit(ctx, "deadbeef", CreateOptions{})
	require.NoError(t, err)

	lease, err := h.locker.Acquire(ctx, lock.AnchorLockName)
	require.NoError(t, err)

	report := h.sweepSvc.Sweep(ctx, TriggerManual)
	require.Len(t, report.Results, 1)
	assert.False(t, report.Results[0].OK)
	assert.Equal(t, ReasonLockBusy, report.Results[0].Reason)
	assert.Len(t, h.pendingJobs(t), 1)
	assert.Empty(t, h.chain.Broadcasts())

	require.NoError(t, lease.Release(ctx))
	report = h.sweepSvc.Sweep(ctx, TriggerManual)
	assert.Equal(t, 1, report.Succeeded)
}

func TestProcessOne_RetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *harnessConfig) { c.maxAttempts = 3 })
	h.chain.FailNext = 10

	receipt, err := h.receiptSvc.CreateFromCommit(ctx, "deadbeef", CreateOptions{})
	require.NoError(t, err)
	first := h.pendingJobs(t)[0]

	report := h.sweepSvc.Sweep(ctx, TriggerManual)
	require.Len(t, report.Results, 1)
	assert.Contains(t, report.Results[0].Reason, ReasonBroadcastFailed)

	// superseded by a new job, never edited in place
	ids := h.pendingJobs(t)
	require.Len(t, ids, 1)
	assert.NotEqual(t, first, ids[0])
	job, err := h.jobs.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, first, job.SupersedesID)
	assert.Equal(t, "node rejected transaction", job.LastError)

	// the lease is released on the failure path
	lease, err := h.locker.Acquire(ctx, lock.AnchorLockName)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))

	h.sweepSvc.Sweep(ctx, TriggerManual)
	report = h.sweepSvc.Sweep(ctx, TriggerManual)
	require.Len(t, report.Results, 1)
	assert.Equal(t, ReasonAttemptsExhausted, report.Results[0].Reason)
	assert.Empty(t, h.pendingJobs(t))

	dead, _, err := h.dead.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	dl, err := h.dead.Get(ctx, dead[0])
	require.NoError(t, err)
	assert.Equal(t, receipt.ID, dl.Job.ReceiptID)
	assert.Equal(t, 3, dl.Job.Attempts)
	assert.Contains(t, h.events.Names(), events.JobDeadLettered)

	got, err := h.receiptSvc.Get(ctx, receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptModePending, got.Mode)
}

func TestSweep_CapsJobsPerRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *harnessConfig) {
		c.maxJobs = 3
		c.pageSize = 2
	})
	for i := 0; i < 5; i++ {
		_, err := h.receiptSvc.CreateReceipt(ctx, map[string]any{"n": i}, CreateOptions{})
		require.NoError(t, err)
	}

	report := h.sweepSvc.Sweep(ctx, TriggerManual)
	assert.Equal(t, 3, report.Processed)
	assert.Len(t, h.pendingJobs(t), 2)

	report = h.sweepSvc.Sweep(ctx, TriggerManual)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 2, report.Succeeded)
	assert.Empty(t, h.pendingJobs(t))
	assert.Len(t, h.chain.Broadcasts(), 5)
}

func TestSweep_BatchingAnchorsOneRootPerChain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *harnessConfig) { c.batching = true })

	var ids []string
	for i := 0; i < 3; i++ {
		r, err := h.receiptSvc.CreateReceipt(ctx, map[string]any{"n": i}, CreateOptions{})
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}

	report := h.sweepSvc.Sweep(ctx, TriggerManual)
	assert.Equal(t, 3, report.Succeeded)
	require.Len(t, h.chain.Broadcasts(), 1)

	var txHash string
	for _, id := range ids {
		r, err := h.receiptSvc.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, models.ReceiptModeAnchored, r.Mode)
		if txHash == "" {
			txHash = r.TxHash
		}
		assert.Equal(t, txHash, r.TxHash)
		require.NotNil(t, r.AnchorProof)
		assert.True(t, merkle.VerifyMerkleProof(*r.AnchorProof))
		assert.Equal(t, hex.EncodeToString(h.chain.Broadcasts()[0]), r.AnchorProof.Root)

		verify, err := h.receiptSvc.VerifyAnchor(ctx, id)
		require.NoError(t, err)
		assert.True(t, verify.Valid)
	}

	rec, err := h.confs.Get(ctx, txHash)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, rec.ReceiptIDs)
}

func TestSweep_BatchBroadcastFailureRequeuesAll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *harnessConfig) { c.batching = true })
	h.chain.FailNext = 1

	for i := 0; i < 2; i++ {
		_, err := h.receiptSvc.CreateReceipt(ctx, map[string]any{"n": i}, CreateOptions{})
		require.NoError(t, err)
	}

	report := h.sweepSvc.Sweep(ctx, TriggerManual)
	assert.Equal(t, 2, report.Failed)
	assert.Len(t, h.pendingJobs(t), 2)

	report = h.sweepSvc.Sweep(ctx, TriggerManual)
	assert.Equal(t, 2, report.Succeeded)
	assert.Len(t, h.chain.Broadcasts(), 1)
}

func TestSweep_OneFailedBroadcastDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.chain.FailNext = 1

	var ids []string
	for i := 0; i < 2; i++ {
		r, err := h.receiptSvc.CreateReceipt(ctx, map[string]any{"n": i}, CreateOptions{})
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}

	report := h.sweepSvc.Sweep(ctx, TriggerManual)
	assert.Empty(t, report.Error)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Results, 2)

	modes := map[models.ReceiptMode]int{}
	for _, id := range ids {
		r, err := h.receiptSvc.Get(ctx, id)
		require.NoError(t, err)
		modes[r.Mode]++
	}
	assert.Equal(t, 1, modes[models.ReceiptModeAnchored])
	assert.Equal(t, 1, modes[models.ReceiptModePending])
	assert.Len(t, h.pendingJobs(t), 1)
	assert.Len(t, h.chain.Broadcasts(), 1)
}

func TestSweep_BatchFailureOnOneChainLeavesOthersAnchored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *harnessConfig) { c.batching = true })
	h.polygon.FailWhen = func([]byte) bool { return true }

	var ethIDs []string
	for i := 0; i < 2; i++ {
		r, err := h.receiptSvc.CreateReceipt(ctx, map[string]any{"n": i}, CreateOptions{})
		require.NoError(t, err)
		ethIDs = append(ethIDs, r.ID)
	}
	onPolygon, err := h.receiptSvc.CreateReceipt(ctx, map[string]any{"n": "p"}, CreateOptions{Chain: "137"})
	require.NoError(t, err)

	report := h.sweepSvc.Sweep(ctx, TriggerManual)
	assert.Empty(t, report.Error)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)

	for _, id := range ethIDs {
		r, err := h.receiptSvc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.ReceiptModeAnchored, r.Mode)
	}
	r, err := h.receiptSvc.Get(ctx, onPolygon.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptModePending, r.Mode)

	assert.Len(t, h.chain.Broadcasts(), 1)
	assert.Empty(t, h.polygon.Broadcasts())
	pending := h.pendingJobs(t)
	require.Len(t, pending, 1)
	job, err := h.jobs.Get(ctx, pending[0])
	require.NoError(t, err)
	assert.Equal(t, chain.Polygon, job.Chain)
	assert.Equal(t, 1, job.Attempts)
}

type failingListStore struct {
	storage.Store
}

func (f failingListStore) List(ctx context.Context, prefix, cursor string, limit int) ([]string, string, error) {
	return nil, "", errors.New("store unavailable")
}

func TestSweep_ReportsStoreFailure(t *testing.T) {
	h := newHarnessOnStore(t, failingListStore{storage.NewMemoryStore()}, harnessConfig{maxAttempts: 5, depth: 3})

	report := h.sweepSvc.Sweep(context.Background(), TriggerTimer)
	assert.Equal(t, "store unavailable", report.Error)
	assert.Equal(t, 0, report.Processed)
	assert.NotNil(t, report.Results)
}

func TestReceiptService_CounterSign(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	receipt, err := h.receiptSvc.CreateReceipt(ctx, map[string]any{"order": "A-1"}, CreateOptions{})
	require.NoError(t, err)
	expectedI, err := commitment.CommitInitiator(map[string]any{"order": "A-1"})
	require.NoError(t, err)
	assert.Equal(t, expectedI, receipt.InitiatorCommit)

	terms := map[string]any{"amount": "100.00"}
	got, err := h.receiptSvc.CounterSign(ctx, receipt.ID, "bob@example.com", terms)
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptModeConfirmed, got.Mode)

	expectedC, err := commitment.CommitCounter(commitment.CounterPayload{
		InitiatorCommit: expectedI,
		Counterparty:    "bob@example.com",
		Terms:           terms,
	})
	require.NoError(t, err)
	expectedFinal, err := commitment.CommitFinal(expectedI, expectedC)
	require.NoError(t, err)
	assert.Equal(t, expectedC, got.CounterCommit)
	assert.Equal(t, expectedFinal, got.FinalCommit)

	_, err = h.receiptSvc.CounterSign(ctx, receipt.ID, "bob@example.com", terms)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = h.receiptSvc.CounterSign(ctx, "missing", "bob@example.com", terms)
	assert.ErrorIs(t, err, ErrReceiptNotFound)
}

func TestReceiptService_TerminalModesAreFinal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	receipt, err := h.receiptSvc.CreateFromCommit(ctx, "deadbeef", CreateOptions{})
	require.NoError(t, err)
	_, err = h.receiptSvc.Refund(ctx, receipt.ID)
	require.NoError(t, err)

	_, err = h.receiptSvc.Void(ctx, receipt.ID)
	assert.ErrorIs(t, err, models.ErrTerminal)
	_, err = h.receiptSvc.CounterSign(ctx, receipt.ID, "bob", nil)
	assert.ErrorIs(t, err, models.ErrTerminal)
	_, err = h.receiptSvc.VerifyAnchor(ctx, receipt.ID)
	assert.ErrorIs(t, err, ErrNotAnchored)
}

func TestReceiptService_ExpireStale(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *harnessConfig) { c.ttl = time.Hour })
	start := time.UnixMilli(1_700_000_000_000)
	h.receiptSvc.now = func() time.Time { return start }

	stale, err := h.receiptSvc.CreateFromCommit(ctx, "aa", CreateOptions{})
	require.NoError(t, err)
	fresh, err := h.receiptSvc.CreateFromCommit(ctx, "bb", CreateOptions{TTL: 3 * time.Hour})
	require.NoError(t, err)

	n, err := h.receiptSvc.ExpireStale(ctx, start.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.receiptSvc.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptModeExpired, got.Mode)
	got, err = h.receiptSvc.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptModePending, got.Mode)
}

func TestReceiptService_ResolvesChain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	cases := map[string]string{
		"":         chain.Ethereum,
		"Ethereum": chain.Ethereum,
		"1":        chain.Ethereum,
		"137":      chain.Polygon,
		" POLYGON": chain.Polygon,
	}
	for input, want := range cases {
		before := h.pendingJobs(t)
		_, err := h.receiptSvc.CreateFromCommit(ctx, "deadbeef", CreateOptions{Chain: input})
		require.NoError(t, err, input)
		after := h.pendingJobs(t)
		require.Len(t, after, len(before)+1)
		for _, id := range after {
			if !contains(before, id) {
				job, err := h.jobs.Get(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, want, job.Chain, input)
			}
		}
	}

	// known chain without a provider, unknown name, typo
	for _, input := range []string{"base", "solana", "etherium"} {
		_, err := h.receiptSvc.CreateFromCommit(ctx, "deadbeef", CreateOptions{Chain: input})
		assert.ErrorIs(t, err, ErrInvalidChain, input)
	}
	receipts, _, err := h.receipts.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, receipts, len(cases))

	_, err = h.receiptSvc.Enqueue(ctx, receipts[0].ID, "solana")
	assert.ErrorIs(t, err, ErrInvalidChain)

	_, err = h.receiptSvc.CreateFromCommit(ctx, "deadbeef", CreateOptions{TTL: -time.Second})
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func TestReceiptService_WritesWaitForAnchorLock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *harnessConfig) { c.ttl = time.Hour })

	receipt, err := h.receiptSvc.CreateFromCommit(ctx, "deadbeef", CreateOptions{})
	require.NoError(t, err)

	lease, err := h.locker.Acquire(ctx, lock.AnchorLockName)
	require.NoError(t, err)

	_, err = h.receiptSvc.CounterSign(ctx, receipt.ID, "bob", nil)
	assert.ErrorIs(t, err, ErrReceiptBusy)
	_, err = h.receiptSvc.Void(ctx, receipt.ID)
	assert.ErrorIs(t, err, ErrReceiptBusy)
	n, err := h.receiptSvc.ExpireStale(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := h.receiptSvc.Get(ctx, receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptModePending, got.Mode)
	assert.Empty(t, got.CounterCommit)

	require.NoError(t, lease.Release(ctx))
	got, err = h.receiptSvc.CounterSign(ctx, receipt.ID, "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptModeConfirmed, got.Mode)
}

// hookLocker runs onAcquire once, right after its first successful Acquire.
type hookLocker struct {
	lock.Locker
	onAcquire func()
	fired     bool
}

func (l *hookLocker) Acquire(ctx context.Context, name string) (*lock.Lease, error) {
	lease, err := l.Locker.Acquire(ctx, name)
	if err == nil && !l.fired {
		l.fired = true
		l.onAcquire()
	}
	return lease, err
}

func TestReceiptService_UpdatesDuringAnchoringAreNotLost(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *harnessConfig) { c.ttl = time.Hour })

	receipt, err := h.receiptSvc.CreateFromCommit(ctx, "deadbeef", CreateOptions{})
	require.NoError(t, err)
	jobID := h.pendingJobs(t)[0]

	var counterErr, expireErr error
	var expired int
	hooked := &hookLocker{Locker: h.locker, onAcquire: func() {
		_, counterErr = h.receiptSvc.CounterSign(ctx, receipt.ID, "bob", nil)
		expired, expireErr = h.receiptSvc.ExpireStale(ctx, time.Now().Add(2*time.Hour))
	}}
	anchors := NewAnchorService(h.receipts, h.jobs, h.dead, h.confs, hooked, h.registry, h.events,
		AnchorServiceConfig{MaxAttempts: 5}, testLogger())

	res, err := anchors.ProcessOne(ctx, jobID)
	require.NoError(t, err)
	require.True(t, res.OK)
	require.True(t, hooked.fired)

	// neither write landed between the anchor pass reading and saving
	assert.ErrorIs(t, counterErr, ErrReceiptBusy)
	require.NoError(t, expireErr)
	assert.Zero(t, expired)

	got, err := h.receiptSvc.Get(ctx, receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptModeAnchored, got.Mode)
	assert.Equal(t, res.TxHash, got.TxHash)

	// anchored is terminal for every later writer
	n, err := h.receiptSvc.ExpireStale(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = h.receiptSvc.CounterSign(ctx, receipt.ID, "bob", nil)
	assert.ErrorIs(t, err, models.ErrTerminal)
}

type stubPayment struct {
	err      error
	requests []clients.CaptureRequest
}

func (s *stubPayment) Enabled() bool { return true }

func (s *stubPayment) Capture(_ context.Context, req clients.CaptureRequest) error {
	s.requests = append(s.requests, req)
	return s.err
}

func TestReceiptService_PaymentGate(t *testing.T) {
	ctx := context.Background()
	gate := &stubPayment{err: clients.ErrPaymentNotCaptured}
	h := newHarness(t, func(c *harnessConfig) { c.payment = gate })

	_, err := h.receiptSvc.CreateFromCommit(ctx, "deadbeef", CreateOptions{PaymentRef: "pay_1"})
	assert.ErrorIs(t, err, ErrPaymentRequired)
	assert.Empty(t, h.pendingJobs(t))
	receipts, _, err := h.receipts.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, receipts)

	gate.err = nil
	receipt, err := h.receiptSvc.CreateFromCommit(ctx, "deadbeef", CreateOptions{PaymentRef: "pay_2"})
	require.NoError(t, err)
	require.Len(t, gate.requests, 2)
	assert.Equal(t, receipt.ID, gate.requests[1].ReceiptID)
	assert.Equal(t, "pay_2", gate.requests[1].PaymentRef)
}

type stubEvidence map[string][]string

func (s stubEvidence) BatchHashes(_ context.Context, ref string) ([]string, error) {
	hashes, ok := s[ref]
	if !ok {
		return nil, clients.ErrEvidenceUnavailable
	}
	return hashes, nil
}

func TestReceiptService_CreateBatchReceipt(t *testing.T) {
	ctx := context.Background()
	evidence := stubEvidence{"batch-7": {"aa", "bb"}}
	h := newHarness(t, func(c *harnessConfig) { c.evidence = evidence })

	receipt, err := h.receiptSvc.CreateBatchReceipt(ctx, "batch-7", CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "batch-7", receipt.BatchRef)
	expected, err := commitment.CommitInitiator(map[string]any{"batchRef": "batch-7", "evidence": []string{"aa", "bb"}})
	require.NoError(t, err)
	assert.Equal(t, expected, receipt.InitiatorCommit)

	_, err = h.receiptSvc.CreateBatchReceipt(ctx, "unknown", CreateOptions{})
	assert.ErrorIs(t, err, clients.ErrEvidenceUnavailable)
}

func anchorOne(t *testing.T, h *harness) string {
	t.Helper()
	ctx := context.Background()
	_, err := h.receiptSvc.CreateFromCommit(ctx, "deadbeef", CreateOptions{})
	require.NoError(t, err)
	report := h.sweepSvc.Sweep(ctx, TriggerManual)
	require.Len(t, report.Results, 1)
	require.True(t, report.Results[0].OK)
	return report.Results[0].TxHash
}

func TestConfirmation_PollStoredReachesFinality(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	txHash := anchorOne(t, h)

	summary, err := h.confirmSvc.PollStored(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Checked)
	assert.Empty(t, summary.NewlyFinal)

	rec, err := h.confs.Get(ctx, txHash)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Confirmations)
	assert.NotEmpty(t, rec.BlockHash)

	h.chain.Mine(2)
	summary, err = h.confirmSvc.PollStored(ctx)
	require.NoError(t, err)
	require.Len(t, summary.NewlyFinal, 1)
	assert.Equal(t, txHash, summary.NewlyFinal[0].TxHash)

	// final records are frozen
	h.chain.Reorg(txHash)
	summary, err = h.confirmSvc.PollStored(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Checked)
	rec, err = h.confs.Get(ctx, txHash)
	require.NoError(t, err)
	assert.True(t, rec.Final)
	assert.Contains(t, h.events.Names(), events.AnchorFinal)
}

func TestConfirmation_ReorgRevokesProgress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	txHash := anchorOne(t, h)

	_, err := h.confirmSvc.PollStored(ctx)
	require.NoError(t, err)

	h.chain.Reorg(txHash)
	summary, err := h.confirmSvc.PollStored(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{txHash}, summary.Reorged)
	assert.Empty(t, summary.NewlyFinal)

	rec, err := h.confs.Get(ctx, txHash)
	require.NoError(t, err)
	assert.True(t, rec.Reorged)
	assert.False(t, rec.Final)
	assert.Zero(t, rec.Confirmations)
	assert.Empty(t, rec.BlockHash)

	// the next poll re-records the new block, finality resumes from there
	_, err = h.confirmSvc.PollStored(ctx)
	require.NoError(t, err)
	h.chain.Mine(2)
	summary, err = h.confirmSvc.PollStored(ctx)
	require.NoError(t, err)
	require.Len(t, summary.NewlyFinal, 1)

	rec, err = h.confs.Get(ctx, txHash)
	require.NoError(t, err)
	assert.True(t, rec.Final)
	assert.False(t, rec.Reorged)
	assert.Contains(t, h.events.Names(), events.AnchorReorged)
}

func TestConfirmation_PollRequests(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	txHash := anchorOne(t, h)
	h.chain.Mine(2)

	var reqs []PollRequest
	body := `[
		{"txHash": "` + txHash + `", "chainId": 1, "confirmations": 0},
		{"txHash": "0xabc", "chainId": "ethereum", "final": true},
		{"txHash": "0xdef", "chainId": 999999}
	]`
	require.NoError(t, json.Unmarshal([]byte(body), &reqs))
	assert.Equal(t, ChainRef("1"), reqs[0].ChainID)

	finals, err := h.confirmSvc.Poll(ctx, reqs)
	require.NoError(t, err)
	require.Len(t, finals, 1)
	assert.Equal(t, txHash, finals[0].TxHash)
	assert.True(t, finals[0].Final)

	finals, err = h.confirmSvc.Poll(ctx, reqs)
	require.NoError(t, err)
	assert.Empty(t, finals)
}

func TestConfirmation_DroppedTransactionIsNotFinal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	txHash := anchorOne(t, h)
	h.chain.Drop(txHash)
	h.chain.Mine(5)

	summary, err := h.confirmSvc.PollStored(ctx)
	require.NoError(t, err)
	assert.Empty(t, summary.NewlyFinal)

	rec, err := h.confs.Get(ctx, txHash)
	require.NoError(t, err)
	assert.False(t, rec.Final)
	assert.Zero(t, rec.Confirmations)
}

func TestConfirmation_FailedTransactionIsNotFinal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	txHash := anchorOne(t, h)
	h.chain.MarkFailed(txHash)
	h.chain.Mine(5)

	summary, err := h.confirmSvc.PollStored(ctx)
	require.NoError(t, err)
	assert.Empty(t, summary.NewlyFinal)

	rec, err := h.confs.Get(ctx, txHash)
	require.NoError(t, err)
	assert.False(t, rec.Final)
	assert.Zero(t, rec.Confirmations)
}
