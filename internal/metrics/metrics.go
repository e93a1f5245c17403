package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Receipts
	// ============================================
	ReceiptsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attest_receipts_created_total",
			Help: "Total number of attestation receipts created",
		},
		[]string{"kind"}, // single | batch
	)

	ReceiptTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attest_receipt_transitions_total",
			Help: "Receipt mode transitions",
		},
		[]string{"to"},
	)

	// ============================================
	// Anchor sweep
	// ============================================
	SweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attest_sweep_runs_total",
			Help: "Sweep invocations by trigger",
		},
		[]string{"trigger"}, // timer | admin | cli
	)

	SweepJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attest_sweep_jobs_total",
			Help: "Anchor jobs processed by outcome",
		},
		[]string{"outcome"},
	)

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attest_sweep_duration_seconds",
		Help:    "Sweep duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	DeadLetteredJobs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attest_dead_lettered_jobs_total",
		Help: "Anchor jobs moved to the dead-letter namespace",
	})

	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attest_lock_acquisitions_total",
			Help: "Anchor lock acquire attempts by result",
		},
		[]string{"result"}, // acquired | busy | error
	)

	// ============================================
	// Chain
	// ============================================
	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attest_broadcasts_total",
			Help: "Anchor transactions broadcast by chain and result",
		},
		[]string{"chain", "result"},
	)

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attest_anchor_batch_size",
		Help:    "Receipts covered by one anchor transaction",
		Buckets: []float64{1, 2, 5, 10, 20, 50},
	})

	RPCDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "attest_rpc_duration_seconds",
			Help:    "Chain JSON-RPC call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "method"},
	)

	ConfirmationsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attest_confirmations_finalized_total",
			Help: "Anchor transactions that reached finality",
		},
		[]string{"chain"},
	)

	ReorgsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attest_reorgs_detected_total",
			Help: "Anchor transactions whose block left the canonical chain",
		},
		[]string{"chain"},
	)

	// ============================================
	// NATS
	// ============================================
	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "attest_nats_connection_status",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attest_events_published_total",
			Help: "Domain events published by subject and result",
		},
		[]string{"subject", "result"},
	)

	// ============================================
	// HTTP
	// ============================================
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attest_http_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)

	AdminLogins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attest_admin_logins_total",
			Help: "Admin login attempts by result",
		},
		[]string{"result"},
	)
)
