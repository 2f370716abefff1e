package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync engine, storage, RPC, and API instrumentation. A single chain is
// indexed per process, so series are not partitioned by chain.

var (
	// Syncer
	SyncerBlocksSynced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "penumbra_indexer",
		Subsystem: "syncer",
		Name:      "blocks_synced_total",
		Help:      "Total blocks fetched and durably persisted",
	})

	SyncerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "penumbra_indexer",
		Subsystem: "syncer",
		Name:      "errors_total",
		Help:      "Total sync failures by fault kind",
	}, []string{"kind"})

	SyncerBackoffsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "penumbra_indexer",
		Subsystem: "syncer",
		Name:      "backoffs_total",
		Help:      "Total transitions into the backoff state",
	})

	SyncerReorgRewinds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "penumbra_indexer",
		Subsystem: "syncer",
		Name:      "reorg_rewinds_total",
		Help:      "Total blocks re-fetched and overwritten due to reorganizations",
	})

	SyncerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "penumbra_indexer",
		Subsystem: "syncer",
		Name:      "state",
		Help:      "Current engine state (0=initializing 1=polling 2=fetching 3=backoff 4=shutting_down)",
	})

	SyncerChainHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "penumbra_indexer",
		Subsystem: "syncer",
		Name:      "chain_height",
		Help:      "Latest chain height reported by the node",
	})

	SyncerCursorHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "penumbra_indexer",
		Subsystem: "syncer",
		Name:      "cursor_height",
		Help:      "Last height durably persisted",
	})

	SyncerLag = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "penumbra_indexer",
		Subsystem: "syncer",
		Name:      "lag_blocks",
		Help:      "Blocks between chain head and cursor",
	})

	SyncerCycleLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "penumbra_indexer",
		Subsystem: "syncer",
		Name:      "cycle_duration_seconds",
		Help:      "Poll/fetch/persist cycle duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// Store
	StorePruneDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "penumbra_indexer",
		Subsystem: "store",
		Name:      "pruned_blocks_total",
		Help:      "Total blocks deleted by retention pruning",
	})

	// RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "penumbra_indexer",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total RPC calls by method and outcome",
	}, []string{"method", "status"})

	RPCCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "penumbra_indexer",
		Subsystem: "rpc",
		Name:      "call_duration_seconds",
		Help:      "RPC call duration by method",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method"})

	RPCRateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "penumbra_indexer",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total RPC calls delayed by the client-side rate limiter",
	})

	// Query API
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "penumbra_indexer",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Total API requests by route and status code",
	}, []string{"route", "status"})

	APIRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "penumbra_indexer",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "API request duration by route",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"route"})

	// DB pool
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "penumbra_indexer",
		Subsystem: "db",
		Name:      "pool_open_connections",
		Help:      "Open connections in the database pool",
	})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "penumbra_indexer",
		Subsystem: "db",
		Name:      "pool_in_use_connections",
		Help:      "Connections currently in use",
	})

	DBPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "penumbra_indexer",
		Subsystem: "db",
		Name:      "pool_idle_connections",
		Help:      "Idle connections in the pool",
	})

	DBPoolWaitCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "penumbra_indexer",
		Subsystem: "db",
		Name:      "pool_wait_count",
		Help:      "Cumulative number of waits for a connection",
	})

	DBPoolWaitDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "penumbra_indexer",
		Subsystem: "db",
		Name:      "pool_wait_duration_seconds",
		Help:      "Cumulative time blocked waiting for a connection",
	})
)
