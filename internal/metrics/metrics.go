package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync, ledger, reorg, queue and webhook counters, partitioned by chain id
// where the work is chain scoped.

var (
	// Sync
	SyncHeadBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "sync",
		Name:      "head_block",
		Help:      "Latest chain head observed by realtime sync",
	}, []string{"chain"})

	SyncLastSyncedBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "sync",
		Name:      "last_synced_block",
		Help:      "Persisted realtime sync marker",
	}, []string{"chain"})

	SyncLogsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "sync",
		Name:      "logs_processed_total",
		Help:      "Total logs classified, by event kind",
	}, []string{"chain", "kind", "mode"})

	SyncLogsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "sync",
		Name:      "logs_dropped_total",
		Help:      "Classified logs dropped before the ledger, by reason (unlisted, malformed)",
	}, []string{"chain", "reason"})

	SyncRangeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "sync",
		Name:      "range_duration_seconds",
		Help:      "Duration of one SyncEvents range",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"chain", "mode"})

	SyncErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "sync",
		Name:      "errors_total",
		Help:      "Total realtime sync pass failures",
	}, []string{"chain"})

	// Ledger
	LedgerEventsInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "ledger",
		Name:      "events_inserted_total",
		Help:      "Transfer events newly inserted (duplicates excluded)",
	}, []string{"chain"})

	LedgerEventsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "ledger",
		Name:      "events_skipped_total",
		Help:      "Transfer events dropped because the asset is not allow-listed",
	}, []string{"chain"})

	LedgerEventsRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "ledger",
		Name:      "events_removed_total",
		Help:      "Transfer events removed by reorg repair",
	}, []string{"chain"})

	LedgerContentionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "ledger",
		Name:      "contention_retries_total",
		Help:      "Ledger transactions retried after serialization failure or deadlock",
	})

	LedgerFlushLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "ledger",
		Name:      "flush_duration_seconds",
		Help:      "Ledger write transaction duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// Reorg
	ReorgChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "reorg",
		Name:      "checks_total",
		Help:      "Total block hash checks",
	}, []string{"chain"})

	ReorgsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "reorg",
		Name:      "detected_total",
		Help:      "Total orphaned blocks detected",
	}, []string{"chain"})

	// Queue
	QueueJobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "queue",
		Name:      "jobs_enqueued_total",
		Help:      "Total jobs enqueued",
	}, []string{"queue"})

	QueueJobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "queue",
		Name:      "jobs_processed_total",
		Help:      "Total jobs finished, by outcome (completed, retried, dead)",
	}, []string{"queue", "outcome"})

	QueueJobsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "queue",
		Name:      "jobs_pruned_total",
		Help:      "Completed jobs deleted after the retention window",
	})

	QueueJobLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "queue",
		Name:      "job_duration_seconds",
		Help:      "Job handler duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"queue"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "queue",
		Name:      "pending",
		Help:      "Jobs claimed and waiting for a worker slot",
	}, []string{"queue"})

	// Webhooks
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries, by event and result",
	}, []string{"event", "result"})

	WebhookLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "webhook",
		Name:      "delivery_duration_seconds",
		Help:      "Webhook POST duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"event"})

	// RPC
	RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "RPC requests, by method and result",
	}, []string{"chain", "method", "result"})

	RPCThrottleWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "rpc",
		Name:      "throttle_wait_seconds",
		Help:      "Time spent waiting on the RPC rate limiter",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"chain", "priority"})

	RPCCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "rpc",
		Name:      "circuit_state",
		Help:      "Circuit breaker state per endpoint (0 closed, 1 half-open, 2 open)",
	}, []string{"chain", "endpoint"})

	// Wallet cache
	WalletCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "cache",
		Name:      "tracked_wallet_lookups_total",
		Help:      "Tracked wallet lookups, by the layer that answered",
	}, []string{"layer"})
)
