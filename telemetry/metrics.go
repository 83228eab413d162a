package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// SnapshotRoundBuckets for cross-cluster snapshot rounds (replication lag bound)
	SnapshotRoundBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

	// ReplicationBatchBuckets for shipping one batch to a remote cluster
	ReplicationBatchBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
)

// Snapshot Protocol Metrics
var (
	// SnapshotRoundsTotal counts rounds by result (started, completed, timed_out, failed)
	SnapshotRoundsTotal CounterVec = noopCounterVec{}

	// SnapshotRoundSeconds measures time from request to finalized snapshot
	SnapshotRoundSeconds Histogram = NoopStat{}

	// SnapshotResponsesTotal counts requests answered and responses received by result
	SnapshotResponsesTotal CounterVec = noopCounterVec{}

	// SubscriptionUpdatesTotal counts subscription update markers by direction (written, applied)
	SubscriptionUpdatesTotal CounterVec = noopCounterVec{}
)

// Producer Arbitration Metrics
var (
	// ProducerRegistrationsTotal counts registrations by access mode and result
	ProducerRegistrationsTotal CounterVec = noopCounterVec{}

	// ProducersFencedTotal counts producers invalidated by fencing or epoch bumps
	ProducersFencedTotal Counter = NoopStat{}

	// TopicEpochBumpsTotal counts topic epoch increments
	TopicEpochBumpsTotal Counter = NoopStat{}

	// ProducerWaitQueue tracks queued WaitForExclusive producers across topics
	ProducerWaitQueue Gauge = NoopStat{}

	// ActiveProducers tracks granted producers across topics
	ActiveProducers Gauge = NoopStat{}

	// ActiveTopics tracks loaded topics
	ActiveTopics Gauge = NoopStat{}
)

// Replication Metrics
var (
	// ReplicationEntriesTotal counts entries by direction (sent, received, duplicate)
	ReplicationEntriesTotal CounterVec = noopCounterVec{}

	// ReplicationFailuresTotal counts failed publish attempts by remote cluster
	ReplicationFailuresTotal CounterVec = noopCounterVec{}

	// ReplicationBatchSeconds measures publish latency per batch
	ReplicationBatchSeconds Histogram = NoopStat{}

	// ReplicationBacklog tracks entries not yet shipped, by remote cluster
	ReplicationBacklog GaugeVec = noopGaugeVec{}
)

// InitMetrics creates all metrics. Must be called after InitializeTelemetry.
func InitMetrics() {
	SnapshotRoundsTotal = NewCounterVec(
		"snapshot_rounds_total",
		"Snapshot rounds by result",
		[]string{"result"},
	)
	SnapshotRoundSeconds = NewHistogramWithBuckets(
		"snapshot_round_seconds",
		"Time from snapshot request to finalized snapshot",
		SnapshotRoundBuckets,
	)
	SnapshotResponsesTotal = NewCounterVec(
		"snapshot_responses_total",
		"Snapshot requests answered and responses received",
		[]string{"result"},
	)
	SubscriptionUpdatesTotal = NewCounterVec(
		"subscription_updates_total",
		"Replicated subscription update markers",
		[]string{"direction"},
	)

	ProducerRegistrationsTotal = NewCounterVec(
		"producer_registrations_total",
		"Producer registrations by access mode and result",
		[]string{"mode", "result"},
	)
	ProducersFencedTotal = NewCounter(
		"producers_fenced_total",
		"Producers invalidated by fencing",
	)
	TopicEpochBumpsTotal = NewCounter(
		"topic_epoch_bumps_total",
		"Topic epoch increments",
	)
	ProducerWaitQueue = NewGauge(
		"producer_wait_queue",
		"Queued WaitForExclusive producers",
	)
	ActiveProducers = NewGauge(
		"active_producers",
		"Granted producers",
	)
	ActiveTopics = NewGauge(
		"active_topics",
		"Loaded topics",
	)

	ReplicationEntriesTotal = NewCounterVec(
		"replication_entries_total",
		"Replicated entries by direction",
		[]string{"direction"},
	)
	ReplicationFailuresTotal = NewCounterVec(
		"replication_failures_total",
		"Failed replication publish attempts",
		[]string{"remote"},
	)
	ReplicationBatchSeconds = NewHistogramWithBuckets(
		"replication_batch_seconds",
		"Replication batch publish latency",
		ReplicationBatchBuckets,
	)
	ReplicationBacklog = NewGaugeVec(
		"replication_backlog",
		"Entries not yet shipped to a remote cluster",
		[]string{"remote"},
	)
}
