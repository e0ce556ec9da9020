package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// SinkWriteBuckets for local persistence writes
	SinkWriteBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	// StreamAttachBuckets for upstream subscribe attempts (network + retry waits)
	StreamAttachBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	// PreSyncBuckets for historical backfill passes
	PreSyncBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120}
)

// Stream Dispatch Metrics
var (
	// DispatchedItems counts upstream items fanned out, per stream
	DispatchedItems CounterVec = noopCounterVec{}

	// UpstreamDisconnects counts upstream stream failures, per stream
	UpstreamDisconnects CounterVec = noopCounterVec{}

	// StreamAttachSeconds measures the time from opening an upstream
	// subscription to its first received item, per stream
	StreamAttachSeconds HistogramVec = noopHistogramVec{}

	// ReconciledItems counts items replayed from reconciliation sources, per stream
	ReconciledItems CounterVec = noopCounterVec{}

	// ReconCycles counts consumer cycle restarts after an unclassified error, per stream
	ReconCycles CounterVec = noopCounterVec{}

	// QueueDepth tracks pending items across subscriber queues, per stream
	QueueDepth GaugeVec = noopGaugeVec{}

	// Subscribers tracks attached subscribers, per stream
	Subscribers GaugeVec = noopGaugeVec{}
)

// Ingestion Metrics
var (
	// PreSyncedItems counts events persisted during historical backfill, per category
	PreSyncedItems CounterVec = noopCounterVec{}

	// IngestedItems counts events persisted from the live stream, per category
	IngestedItems CounterVec = noopCounterVec{}

	// PreSyncDurationSeconds measures full backfill pass duration, per category
	PreSyncDurationSeconds HistogramVec = noopHistogramVec{}

	// SinkWriteSeconds measures persistence write latency, per backend
	SinkWriteSeconds HistogramVec = noopHistogramVec{}

	// SinkDuplicates counts writes dropped by idempotent persistence, per backend
	SinkDuplicates CounterVec = noopCounterVec{}

	// CheckpointOffset tracks the last durable offset, per category
	CheckpointOffset GaugeVec = noopGaugeVec{}
)

// Retry Metrics
var (
	// RetryAttempts counts retried operations by name
	RetryAttempts CounterVec = noopCounterVec{}

	// RetryExhausted counts operations abandoned after the attempt budget drained
	RetryExhausted CounterVec = noopCounterVec{}

	// RetryRefills counts attempt budget refills granted by the tolerance window
	RetryRefills CounterVec = noopCounterVec{}
)

// Publish Metrics
var (
	// PublishedEvents counts events forwarded to external sinks by sink and result
	PublishedEvents CounterVec = noopCounterVec{}

	// PublishFiltered counts events dropped by sink category filters, per sink
	PublishFiltered CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after the registry exists.
func InitMetrics() {
	// Stream Dispatch Metrics
	DispatchedItems = NewCounterVec(
		"dispatched_items_total",
		"Upstream items fanned out to subscribers",
		[]string{"stream"},
	)
	UpstreamDisconnects = NewCounterVec(
		"upstream_disconnects_total",
		"Upstream stream failures",
		[]string{"stream"},
	)
	StreamAttachSeconds = NewHistogramVec(
		"stream_attach_seconds",
		"Time from opening an upstream subscription to its first item",
		[]string{"stream"},
		StreamAttachBuckets,
	)
	ReconciledItems = NewCounterVec(
		"reconciled_items_total",
		"Items replayed from reconciliation sources",
		[]string{"stream"},
	)
	ReconCycles = NewCounterVec(
		"recon_cycles_total",
		"Consumer cycle restarts",
		[]string{"stream"},
	)
	QueueDepth = NewGaugeVec(
		"queue_depth",
		"Pending items across subscriber queues",
		[]string{"stream"},
	)
	Subscribers = NewGaugeVec(
		"subscribers",
		"Attached subscribers",
		[]string{"stream"},
	)

	// Ingestion Metrics
	PreSyncedItems = NewCounterVec(
		"presynced_items_total",
		"Events persisted during historical backfill",
		[]string{"category"},
	)
	IngestedItems = NewCounterVec(
		"ingested_items_total",
		"Events persisted from the live stream",
		[]string{"category"},
	)
	PreSyncDurationSeconds = NewHistogramVec(
		"presync_duration_seconds",
		"Full backfill pass duration",
		[]string{"category"},
		PreSyncBuckets,
	)
	SinkWriteSeconds = NewHistogramVec(
		"sink_write_seconds",
		"Persistence write latency",
		[]string{"backend"},
		SinkWriteBuckets,
	)
	SinkDuplicates = NewCounterVec(
		"sink_duplicates_total",
		"Writes dropped by idempotent persistence",
		[]string{"backend"},
	)
	CheckpointOffset = NewGaugeVec(
		"checkpoint_offset",
		"Last durable offset",
		[]string{"category"},
	)

	// Retry Metrics
	RetryAttempts = NewCounterVec(
		"retry_attempts_total",
		"Retried operations",
		[]string{"op"},
	)
	RetryExhausted = NewCounterVec(
		"retry_exhausted_total",
		"Operations abandoned after the attempt budget drained",
		[]string{"op"},
	)
	RetryRefills = NewCounterVec(
		"retry_refills_total",
		"Attempt budget refills granted by the tolerance window",
		[]string{"op"},
	)

	// Publish Metrics
	PublishedEvents = NewCounterVec(
		"published_events_total",
		"Events forwarded to external sinks",
		[]string{"sink", "result"},
	)
	PublishFiltered = NewCounterVec(
		"publish_filtered_total",
		"Events dropped by sink category filters",
		[]string{"sink"},
	)
}
