package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for HedgeVault.
type Metrics struct {
	// --- Core processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreNotices          *prometheus.CounterVec
	CoreStateHashDur     prometheus.Histogram
	CoreSequence         prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	ApplyToPersist      prometheus.Histogram
	NATSPullLatency     *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter

	// --- Vault ---
	VaultTotalAssets    prometheus.Gauge
	VaultTotalSupply    prometheus.Gauge
	VaultPool           *prometheus.GaugeVec
	VaultLanePending    *prometheus.GaugeVec
	VaultLeverage       prometheus.Gauge
	VaultHighWaterMark  prometheus.Gauge
	VaultStatus         prometheus.Gauge
	VaultPricesStale    prometheus.Gauge
	TicketsIssued       *prometheus.CounterVec
	TicketsClaimed      *prometheus.CounterVec
	HedgeRequests       *prometheus.CounterVec
	HedgeConfirmations  *prometheus.CounterVec
	HedgePnL            prometheus.Gauge
	RebalanceClamped    prometheus.Counter
	RequestResets       prometheus.Counter
	FeeSharesMinted     *prometheus.CounterVec
	PriceFeedGaps       *prometheus.CounterVec
	PriceUpdatesApplied *prometheus.CounterVec

	// --- Keeper ---
	KeeperRuns   *prometheus.CounterVec
	KeeperErrors *prometheus.CounterVec

	// --- Persistence ---
	PersistCommandsWritten prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken       prometheus.Counter
	SnapshotDuration    prometheus.Histogram
	SnapshotSizeBytes   prometheus.Gauge
	SnapshotLastSeq     prometheus.Gauge
	ReplayCommandsTotal prometheus.Counter
	ReplayDuration      prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
	StreamClients prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	// commands that touch the swap router or hedge venue wait on the network
	commandBuckets := []float64{
		0.00001, 0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
	}

	return &Metrics{
		// Core processing
		CoreCommandsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_core_commands_applied_total",
			Help: "Commands applied by the core",
		}, []string{"command_type"}),

		CoreCommandsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_core_commands_rejected_total",
			Help: "Commands rejected (dedup, precondition, external failure)",
		}, []string{"command_type", "reason"}),

		CoreCommandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: commandBuckets,
		}, []string{"command_type"}),

		CoreJournals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreNotices: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_core_notices_total",
			Help: "Notices emitted by committed commands",
		}, []string{"notice_type"}),

		CoreStateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_core_sequence",
			Help: "Last committed command sequence",
		}),

		// Latency
		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: commandBuckets,
		}, []string{"command_type"}),

		ApplyToPersist: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_apply_to_persist_seconds",
			Help:    "Core emit to Postgres commit",
			Buckets: latencyBuckets,
		}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_nats_pull_latency_seconds",
			Help:    "JetStream fetch latency",
			Buckets: commandBuckets,
		}, []string{"stream"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_duration_seconds",
			Help:    "Time to write one persistence batch",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		ProjectionUpdateDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_projection_update_duration_seconds",
			Help:    "Projection update latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"projection"}),

		// Channels
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_size",
			Help: "Current items in channel",
		}, []string{"channel"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_capacity",
			Help: "Channel capacity",
		}, []string{"channel"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_utilization",
			Help: "Channel size over capacity",
		}, []string{"channel"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}, []string{"projection"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_publish_drops_total",
			Help: "Notices dropped by the outbound publisher",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_backpressure_total",
			Help: "Times the core blocked on a full persist channel",
		}),

		// Idempotency
		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_idempotency_duplicates_total",
			Help: "Duplicate commands detected",
		}, []string{"command_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_dedup_lru_size",
			Help: "Idempotency keys held in memory",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_dedup_lru_evictions_total",
			Help: "Keys evicted from the idempotency LRU",
		}),

		DedupTier2Errors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_dedup_tier2_errors_total",
			Help: "Postgres dedup lookups that failed",
		}),

		// Vault
		VaultTotalAssets: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_total_assets",
			Help: "Total assets net of pending withdrawals, base units",
		}),

		VaultTotalSupply: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_total_supply",
			Help: "Shares outstanding",
		}),

		VaultPool: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_pool_balance",
			Help: "Balance of each vault pool",
		}, []string{"pool"}),

		VaultLanePending: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_queue_pending",
			Help: "Requested minus processed per withdrawal lane",
		}, []string{"lane"}),

		VaultLeverage: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_hedge_leverage",
			Help: "Hedge leverage as last booked",
		}),

		VaultHighWaterMark: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_high_water_mark",
			Help: "Performance fee high-water mark, NAV per unit",
		}),

		VaultStatus: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_allocation_status",
			Help: "Allocation controller status (0 idle)",
		}),

		VaultPricesStale: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_prices_stale",
			Help: "1 when the last command could not price the spot holding",
		}),

		TicketsIssued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_tickets_issued_total",
			Help: "Withdraw tickets issued",
		}, []string{"lane"}),

		TicketsClaimed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_tickets_claimed_total",
			Help: "Withdraw tickets claimed",
		}, []string{"path"}),

		HedgeRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_hedge_requests_total",
			Help: "Adjust requests sent to the hedge venue",
		}, []string{"kind"}),

		HedgeConfirmations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_hedge_confirmations_total",
			Help: "Adjust results applied",
		}, []string{"kind", "outcome"}),

		HedgePnL: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_hedge_pnl_last",
			Help: "Last mark-to-market adjustment booked against hedge collateral",
		}),

		RebalanceClamped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_rebalance_clamped_total",
			Help: "Emergency decreases dropped by the clamp-to-zero policy",
		}),

		RequestResets: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_request_resets_total",
			Help: "In-flight hedge requests force reset",
		}),

		FeeSharesMinted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_fee_shares_minted_total",
			Help: "Fee shares minted to the fee recipient",
		}, []string{"fee"}),

		PriceFeedGaps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_price_feed_gaps_total",
			Help: "Gaps in price feed sequence numbers",
		}, []string{"asset"}),

		PriceUpdatesApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_price_updates_total",
			Help: "Price updates accepted by the cache",
		}, []string{"asset"}),

		// Keeper
		KeeperRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_keeper_runs_total",
			Help: "Keeper jobs run",
		}, []string{"job"}),

		KeeperErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_keeper_errors_total",
			Help: "Keeper jobs that returned an error",
		}, []string{"job"}),

		// Persistence
		PersistCommandsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_commands_written_total",
			Help: "Command envelopes written to Postgres",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_size",
			Help:    "Commands per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayCommandsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_replay_commands_total",
			Help: "Commands replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),

		StreamClients: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_stream_clients",
			Help: "Connected notice stream clients",
		}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
