package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ledger service.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	QueryFreshnessLag   *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter
	ClockRegressions      prometheus.Counter

	// --- Marketplace ---
	OrdersProposed    *prometheus.CounterVec
	OrdersOpened      prometheus.Counter
	OrdersClosed      *prometheus.CounterVec
	EscrowLocked      prometheus.Counter
	EscrowReleased    *prometheus.CounterVec
	DisputesOpened    prometheus.Counter
	DisputesFinalized *prometheus.CounterVec
	DisputeVotes      *prometheus.CounterVec
	SlashedTotal      prometheus.Counter
	RewardsTotal      prometheus.Counter
	TreasuryBalance   prometheus.Gauge

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec

	// --- Stream ---
	StreamClients prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_core_events_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_core_events_rejected_total",
			Help: "Commands rejected (duplicate, clock, domain code)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_core_event_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "agent_core_sequence",
			Help: "Next global sequence to assign",
		}),

		// Latency
		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_ingest_to_apply_seconds",
			Help:    "Time from ingestion to core apply",
			Buckets: ingestBuckets,
		}, []string{"source"}),

		QueryFreshnessLag: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_query_freshness_lag_seconds",
			Help:    "Projection watermark lag at query time",
			Buckets: prometheus.DefBuckets,
		}, []string{"projection"}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_persist_batch_duration_seconds",
			Help:    "Time to flush a persistence batch",
			Buckets: prometheus.DefBuckets,
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_projection_update_duration_seconds",
			Help:    "Time to apply one output to projections",
			Buckets: prometheus.DefBuckets,
		}, []string{"projection"}),

		// Channels
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agent_channel_size",
			Help: "Current channel occupancy",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agent_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_projection_drops_total",
			Help: "Outputs dropped on a full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "agent_publish_drops_total",
			Help: "Outbound records dropped",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "agent_persist_backpressure_total",
			Help: "Times the core blocked on the persist channel",
		}),

		// Idempotency
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_idempotency_duplicates_total",
			Help: "Duplicate commands detected",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "agent_dedup_lru_size",
			Help: "Entries in the in-memory dedup LRU",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "agent_dedup_tier2_errors_total",
			Help: "Tier-2 dedup lookups that failed",
		}),

		ClockRegressions: f.NewCounter(prometheus.CounterOpts{
			Name: "agent_clock_regressions_total",
			Help: "Commands rejected for a timestamp or block behind the core clock",
		}),

		// Marketplace
		OrdersProposed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_orders_proposed_total",
			Help: "Orders proposed by initiator",
		}, []string{"initiator"}),

		OrdersOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "agent_orders_opened_total",
			Help: "Orders that reached Opened",
		}),

		OrdersClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_orders_closed_total",
			Help: "Orders reaching a terminal state",
		}, []string{"via"}),

		EscrowLocked: f.NewCounter(prometheus.CounterOpts{
			Name: "agent_escrow_locked_units_total",
			Help: "Minor units locked into escrow",
		}),

		EscrowReleased: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_escrow_released_units_total",
			Help: "Minor units released from escrow",
		}, []string{"to"}),

		DisputesOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "agent_disputes_opened_total",
			Help: "Disputes opened",
		}),

		DisputesFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_disputes_finalized_total",
			Help: "Disputes finalized by outcome and mode",
		}, []string{"outcome", "mode"}),

		DisputeVotes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_dispute_votes_total",
			Help: "Votes cast by option",
		}, []string{"option"}),

		SlashedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "agent_arbitrator_slashed_units_total",
			Help: "Minor units slashed from minority arbitrators",
		}),

		RewardsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "agent_arbitrator_rewards_units_total",
			Help: "Minor units distributed to majority arbitrators",
		}),

		TreasuryBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "agent_treasury_balance_units",
			Help: "Platform treasury balance",
		}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "agent_persist_events_written_total",
			Help: "Events written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "agent_persist_journals_written_total",
			Help: "Journals written",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_persist_batch_size",
			Help:    "Outputs per persistence flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"stage"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "agent_persist_retry_total",
			Help: "Persistence flush retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "agent_persist_last_sequence",
			Help: "Last durably written sequence",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "agent_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_snapshot_duration_seconds",
			Help:    "Time to write a snapshot",
			Buckets: prometheus.DefBuckets,
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "agent_snapshot_size_bytes",
			Help: "Compressed size of the last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "agent_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "agent_replay_events_total",
			Help: "Events replayed during recovery",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "agent_replay_duration_seconds",
			Help: "Duration of the last recovery replay",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_query_requests_total",
			Help: "Query API requests",
		}, []string{"method"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_query_errors_total",
			Help: "Query API errors",
		}, []string{"method", "code"}),

		StreamClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "agent_stream_clients",
			Help: "Connected record stream clients",
		}),
	}
}
