package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync engine
	SyncPassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "sync",
		Name:      "passes_total",
		Help:      "Total sync passes by outcome",
	}, []string{"chain", "outcome"})

	SyncBatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledger",
		Subsystem: "sync",
		Name:      "batch_duration_seconds",
		Help:      "Fetch + persist duration of one block batch",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"chain"})

	SyncTransactionsInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "sync",
		Name:      "transactions_inserted_total",
		Help:      "Transactions persisted for the first time",
	}, []string{"chain"})

	SyncDuplicatesIgnored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "sync",
		Name:      "duplicates_ignored_total",
		Help:      "Transactions already present on (chain, hash)",
	}, []string{"chain"})

	SyncItemFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "sync",
		Name:      "item_failures_total",
		Help:      "Transactions skipped because they could not be normalized or priced",
	}, []string{"chain", "stage"})

	SyncCursorBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ledger",
		Subsystem: "sync",
		Name:      "cursor_block",
		Help:      "Last committed cursor block",
	}, []string{"chain"})

	SyncLockWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledger",
		Subsystem: "sync",
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for the per-profile chain lock",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
	}, []string{"chain"})

	// Rate cache and conversion
	RateCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "rates",
		Name:      "cache_lookups_total",
		Help:      "Rate cache lookups by result",
	}, []string{"result"})

	RateCacheWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "rates",
		Name:      "cache_writes_total",
		Help:      "Quotes appended to the rate cache",
	}, []string{"source"})

	RateCacheSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "rates",
		Name:      "swept_total",
		Help:      "Expired quotes deleted by the sweeper",
	})

	ConversionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "rates",
		Name:      "conversions_total",
		Help:      "Conversions by method and outcome",
	}, []string{"method", "outcome"})

	FeedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "feed",
		Name:      "requests_total",
		Help:      "Price feed requests by outcome",
	}, []string{"feed", "kind", "outcome"})

	FeedLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledger",
		Subsystem: "feed",
		Name:      "request_duration_seconds",
		Help:      "Price feed request duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"feed"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ledger",
		Subsystem: "feed",
		Name:      "circuit_breaker_state",
		Help:      "0=closed 1=open 2=half-open",
	}, []string{"name"})

	// Cross-chain transfers
	XcmTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "xcm",
		Name:      "transitions_total",
		Help:      "Transfer status transitions by target status and outcome",
	}, []string{"status", "outcome"})

	// Chain RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Chain RPC calls by method and status class",
	}, []string{"chain", "method", "status"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total times RPC calls waited for rate limiter",
	}, []string{"chain"})

	// Scheduler
	SchedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "scheduler",
		Name:      "runs_total",
		Help:      "Scheduled job runs by outcome",
	}, []string{"job", "outcome"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Alerts delivered by channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Alerts suppressed by the cooldown window",
	}, []string{"channel", "type"})

	// DB pool
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledger",
		Subsystem: "db_pool",
		Name:      "open_connections",
		Help:      "Open connections in the database pool",
	})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledger",
		Subsystem: "db_pool",
		Name:      "in_use",
		Help:      "Connections currently in use",
	})

	DBPoolWaitCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledger",
		Subsystem: "db_pool",
		Name:      "wait_count",
		Help:      "Total connections waited for",
	})
)
