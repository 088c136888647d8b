package telemetry

// Histogram bucket definitions
var (
	// PublishBuckets for sink delivery latencies (network round trips)
	PublishBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// DecodeBuckets for in-process record decoding
	DecodeBuckets = []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001}
)

// Replication session metrics
var (
	// FramesReceivedTotal counts CopyData frames by type (xlog_data, keepalive)
	FramesReceivedTotal CounterVec = noopCounterVec{}

	// ChangesDecodedTotal counts decoded change records by kind
	ChangesDecodedTotal CounterVec = noopCounterVec{}

	// DecodeErrorsTotal counts records that failed to decode
	DecodeErrorsTotal Counter = NoopStat{}

	// DecodeDurationSeconds measures per-record decode latency
	DecodeDurationSeconds Histogram = NoopStat{}

	// ReceivedLSN tracks the highest WAL position received from the server
	ReceivedLSN Gauge = NoopStat{}

	// AcknowledgedLSN tracks the position last reported in a standby status update
	AcknowledgedLSN Gauge = NoopStat{}

	// StandbyStatusTotal counts standby status updates sent upstream
	StandbyStatusTotal Counter = NoopStat{}

	// RelationsCached tracks the number of cached relation schemas
	RelationsCached Gauge = NoopStat{}
)

// Publish pipeline metrics
var (
	// LogAppendsTotal counts events appended to the durable publish log
	LogAppendsTotal Counter = NoopStat{}

	// LogPendingEvents tracks events waiting for delivery per sink
	LogPendingEvents GaugeVec = noopGaugeVec{}

	// PublishedEventsTotal counts delivery attempts by sink and result
	PublishedEventsTotal CounterVec = noopCounterVec{}

	// PublishDurationSeconds measures delivery latency per sink
	PublishDurationSeconds HistogramVec = noopHistogramVec{}

	// SinkRetriesTotal counts backoff retries per sink
	SinkRetriesTotal CounterVec = noopCounterVec{}

	// FilteredEventsTotal counts events dropped by sink table filters
	FilteredEventsTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	FramesReceivedTotal = NewCounterVec(
		"frames_received_total",
		"Replication frames received by type",
		[]string{"type"},
	)
	ChangesDecodedTotal = NewCounterVec(
		"changes_decoded_total",
		"Decoded change records by kind",
		[]string{"kind"},
	)
	DecodeErrorsTotal = NewCounter(
		"decode_errors_total",
		"Change records that failed to decode",
	)
	DecodeDurationSeconds = NewHistogram(
		"decode_duration_seconds",
		"Per-record decode latency in seconds",
		DecodeBuckets,
	)
	ReceivedLSN = NewGauge(
		"received_lsn",
		"Highest WAL position received from the server",
	)
	AcknowledgedLSN = NewGauge(
		"acknowledged_lsn",
		"WAL position last reported in a standby status update",
	)
	StandbyStatusTotal = NewCounter(
		"standby_status_total",
		"Standby status updates sent upstream",
	)
	RelationsCached = NewGauge(
		"relations_cached",
		"Number of cached relation schemas",
	)

	LogAppendsTotal = NewCounter(
		"log_appends_total",
		"Events appended to the durable publish log",
	)
	LogPendingEvents = NewGaugeVec(
		"log_pending_events",
		"Events waiting for delivery",
		[]string{"sink"},
	)
	PublishedEventsTotal = NewCounterVec(
		"published_events_total",
		"Delivery attempts by sink and result",
		[]string{"sink", "result"},
	)
	PublishDurationSeconds = NewHistogramVec(
		"publish_duration_seconds",
		"Delivery latency per sink in seconds",
		[]string{"sink"},
		PublishBuckets,
	)
	SinkRetriesTotal = NewCounterVec(
		"sink_retries_total",
		"Backoff retries per sink",
		[]string{"sink"},
	)
	FilteredEventsTotal = NewCounterVec(
		"filtered_events_total",
		"Events dropped by sink table filters",
		[]string{"sink"},
	)
}
