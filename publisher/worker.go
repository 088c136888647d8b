package publisher

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/beaver/telemetry"
	"github.com/maxpert/beaver/wal"
)

const (
	// Default batch size for reading events per poll cycle
	DefaultBatchSize = 100
	// Default interval between poll cycles
	DefaultPollInterval = 100 * time.Millisecond
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before giving up on a publish operation
	DefaultMaxRetries = 100
)

// WorkerConfig configures a publisher worker
type WorkerConfig struct {
	Name            string         // Sink name (for cursor tracking)
	Log             *PublishLog    // Publish log to read from
	Sink            Sink           // Destination sink
	Transformer     Transformer    // Event transformer
	Filter          Filter         // Event filter
	SchemaProvider  SchemaProvider // Resolves relation schemas
	TopicPrefix     string         // Topic prefix (e.g., "beaver")
	BatchSize       int            // Events per poll cycle
	PollInterval    time.Duration  // Poll interval
	RetryInitial    time.Duration  // Initial retry delay
	RetryMax        time.Duration  // Max retry delay
	RetryMultiplier float64        // Backoff multiplier
	MaxRetries      int            // Maximum retry attempts (0 = unlimited)
}

// Worker polls the PublishLog and publishes events to a sink. Relation
// events observed on the way keep a worker-local schema map, so data
// changes replayed after a restart can still be keyed and transformed
// even before the upstream re-announces their relations.
type Worker struct {
	config      WorkerConfig
	cursor      uint64                         // Current position
	schemas     map[uint32]*wal.RelationSchema // Relations seen in the log
	stopCh      chan struct{}                  // Stop signal
	doneCh      chan struct{}                  // Done signal
	running     atomic.Bool
	lifecycleMu sync.Mutex // Protects Start/Stop lifecycle operations
}

// NewWorker creates a new publisher worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	// Validate config
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Log == nil {
		return nil, fmt.Errorf("publish log is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	// Set defaults
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	// Load cursor from publish log
	cursor, err := config.Log.GetCursor(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	// If cursor is 0 (new sink), find earliest available entry
	if cursor == 0 {
		earliest, err := findEarliestEntry(config.Log)
		if err != nil {
			return nil, fmt.Errorf("failed to find earliest entry: %w", err)
		}
		cursor = earliest
	}

	w := &Worker{
		config:  config,
		cursor:  cursor,
		schemas: make(map[uint32]*wal.RelationSchema),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	return w, nil
}

// findEarliestEntry finds the earliest available entry in the log
func findEarliestEntry(pubLog *PublishLog) (uint64, error) {
	events, err := pubLog.ReadFrom(0, 1)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		// Log is empty - start from 0
		return 0, nil
	}
	// Start from the first available entry minus 1
	// (ReadFrom reads from cursor+1, so we want cursor to be Seq-1)
	return events[0].Seq - 1, nil
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return // Already running
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("worker", w.config.Name).
		Uint64("cursor", w.cursor).
		Msg("Starting publisher worker")

	go w.pollLoop()
}

// Stop stops the worker gracefully
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return // Not running
	}

	log.Info().Str("worker", w.config.Name).Msg("Stopping publisher worker")

	close(w.stopCh)
	<-w.doneCh // Wait for goroutine to finish
	w.running.Store(false)

	log.Info().Str("worker", w.config.Name).Msg("Publisher worker stopped")
}

// pollLoop is the main worker loop
func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		default:
			events, err := w.config.Log.ReadFrom(w.cursor, w.config.BatchSize)
			if err != nil {
				log.Error().
					Err(err).
					Str("worker", w.config.Name).
					Uint64("cursor", w.cursor).
					Msg("Failed to read from publish log")
				w.sleep(w.config.PollInterval)
				continue
			}

			if len(events) == 0 {
				// No events available - sleep and retry
				w.sleep(w.config.PollInterval)
				continue
			}

			for _, event := range events {
				if err := w.processEvent(event); err != nil {
					log.Error().
						Err(err).
						Str("worker", w.config.Name).
						Uint64("seq", event.Seq).
						Msg("Failed to process event")
					// processEvent already handles retries - this shouldn't happen
					return
				}
				// Update cursor after successful processing
				w.cursor = event.Seq
			}
		}
	}
}

// processEvent publishes a single logged event.
// Delivery semantics: At-least-once delivery with cursor tracking.
// - Events are published first, then cursor is advanced.
// - If cursor advance fails, event may be redelivered on restart.
// - Filtered and skipped events advance cursor without publishing.
func (w *Worker) processEvent(event Event) error {
	change := event.Change
	if change == nil {
		return w.advance(event.Seq)
	}

	if change.Kind == wal.ChangeRelation {
		w.schemas[change.RelationID] = &wal.RelationSchema{
			RelationID: change.RelationID,
			Schema:     change.Schema,
			Table:      change.Table,
			Columns:    change.Columns,
		}
	}

	// Transaction markers carry no table, filters never apply to them
	if !change.Kind.Transactional() && !w.config.Filter.Match(change.Schema, change.Table) {
		telemetry.FilteredEventsTotal.With(w.config.Name).Inc()
		return w.advance(event.Seq)
	}

	schema := w.lookupSchema(change)

	data, err := w.config.Transformer.Transform(change, schema)
	if err != nil {
		return fmt.Errorf("failed to transform event: %w", err)
	}
	if data == nil {
		// Format has no representation for this change kind
		return w.advance(event.Seq)
	}

	topic := w.buildTopic(change)
	key := eventKey(change, schema)

	if err := w.publishWithRetry(topic, key, data); err != nil {
		return err
	}

	return w.advance(event.Seq)
}

// advance moves the persisted cursor past seq.
// Note: If cursor advance fails after successful publish, the event may
// be redelivered on restart (at-least-once delivery guarantee)
func (w *Worker) advance(seq uint64) error {
	if err := w.config.Log.AdvanceCursor(w.config.Name, seq); err != nil {
		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Uint64("seq", seq).
			Msg("Failed to advance cursor - event may be redelivered")
	}
	return nil
}

// lookupSchema resolves relation metadata for a data change, preferring
// what this worker has already seen in the log itself.
func (w *Worker) lookupSchema(change *wal.Change) *wal.RelationSchema {
	if change.RelationID == 0 {
		return nil
	}
	if schema, ok := w.schemas[change.RelationID]; ok {
		return schema
	}
	if w.config.SchemaProvider != nil {
		if schema, ok := w.config.SchemaProvider.Schema(change.RelationID); ok {
			return schema
		}
	}
	return nil
}

// buildTopic builds the topic name for a change. Data changes go to
// {prefix}.{schema}.{table}.{kind}; transaction markers go to
// {prefix}.transactions.{begin|commit}.event.
func (w *Worker) buildTopic(change *wal.Change) string {
	if change.Kind.Transactional() {
		return fmt.Sprintf("%s.transactions.%s.event", w.config.TopicPrefix, change.Kind)
	}
	return fmt.Sprintf("%s.%s.%s.%s", w.config.TopicPrefix, change.Schema, change.Table, change.Kind)
}

// eventKey derives a stable routing key. Data changes key on the
// identity columns so every event for a row lands on the same
// partition; transaction markers key on LSN.
func eventKey(change *wal.Change, schema *wal.RelationSchema) string {
	tuple := change.IdentityTuple()
	if tuple == nil {
		return change.LSN.String()
	}

	keyTuple := tuple
	if schema != nil {
		flagged := make([]wal.TupleColumn, 0, len(tuple.Columns))
		for i, col := range schema.Columns {
			if col.IsKey() && i < len(tuple.Columns) {
				flagged = append(flagged, tuple.Columns[i])
			}
		}
		if len(flagged) > 0 {
			keyTuple = &wal.Tuple{Columns: flagged}
		}
	}

	data, err := json.Marshal(keyTuple)
	if err != nil {
		return change.LSN.String()
	}
	return string(data)
}

// publishWithRetry publishes data with exponential backoff retry
// Returns error if max retries exhausted or worker stopped
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		started := time.Now()
		err := w.config.Sink.Publish(topic, key, data)
		telemetry.PublishDurationSeconds.With(w.config.Name).Observe(time.Since(started).Seconds())
		if err == nil {
			telemetry.PublishedEventsTotal.With(w.config.Name, "success").Inc()
			return nil
		}
		telemetry.PublishedEventsTotal.With(w.config.Name, "error").Inc()

		attempts++

		// Check if we've exhausted max retries (0 = unlimited)
		if w.config.MaxRetries > 0 && attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")
		telemetry.SinkRetriesTotal.With(w.config.Name).Inc()

		// Sleep with stop check
		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		// Exponential backoff
		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
