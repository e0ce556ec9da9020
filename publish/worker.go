package publish

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stitchd/stitch/stop"
	"github.com/stitchd/stitch/store"
	"github.com/stitchd/stitch/telemetry"
)

const (
	// Default records read per category per poll cycle
	DefaultBatchSize = 100
	// Default interval between poll cycles
	DefaultPollInterval = 100 * time.Millisecond
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum retry attempts before a publish is abandoned
	DefaultMaxRetries = 100
)

// WorkerConfig configures a forwarding worker.
type WorkerConfig struct {
	Name            string        // Sink name, also the cursor consumer name
	Log             EventLog      // Event log to read from
	Sink            Sink          // Destination sink
	Encoder         Encoder       // Wire encoder, MsgpackEncoder when nil
	Filter          Filter        // Category filter, everything when nil
	Categories      []string      // Categories to forward
	TopicPrefix     string        // Topic prefix (e.g. "stitch.events")
	BatchSize       int           // Records per category per poll cycle
	PollInterval    time.Duration // Poll interval when idle
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Max retry attempts per record
}

// Worker polls the event log and forwards records to a sink, tracking
// one cursor per category under its own name.
type Worker struct {
	config  WorkerConfig
	cursors map[string]uint64

	sig         *stop.Signal
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker creates a forwarding worker and loads its cursors.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Log == nil {
		return nil, fmt.Errorf("event log is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if len(config.Categories) == 0 {
		return nil, fmt.Errorf("at least one category is required")
	}

	if config.Encoder == nil {
		config.Encoder = MsgpackEncoder{}
	}
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

	cursors := make(map[string]uint64, len(config.Categories))
	for _, category := range config.Categories {
		cursor, err := config.Log.GetCursor(config.Name, category)
		if err != nil {
			return nil, fmt.Errorf("failed to load cursor for %s: %w", category, err)
		}
		cursors[category] = cursor
	}

	return &Worker{
		config:  config,
		cursors: cursors,
		sig:     stop.New(),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start starts the worker goroutine.
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}
	w.running.Store(true)
	w.sig = stop.New()
	w.doneCh = make(chan struct{})

	log.Info().
		Str("worker", w.config.Name).
		Strs("categories", w.config.Categories).
		Msg("Starting forwarding worker")

	go w.pollLoop()
}

// Stop stops the worker gracefully and waits for the goroutine.
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	w.sig.Set()
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("worker", w.config.Name).Msg("Forwarding worker stopped")
}

func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	for !w.sig.IsSet() {
		forwarded := 0
		for _, category := range w.config.Categories {
			n, err := w.forwardCategory(category)
			if err != nil {
				log.Error().Err(err).
					Str("worker", w.config.Name).
					Str("category", category).
					Msg("Forwarding halted for this cycle")
			}
			forwarded += n
			if w.sig.IsSet() {
				return
			}
		}

		if forwarded == 0 {
			// Idle, wait before the next poll
			if w.sig.Wait(w.config.PollInterval) {
				return
			}
		}
	}
}

// forwardCategory reads one batch past the cursor and publishes it.
// Returns the number of records handled, including filtered ones.
func (w *Worker) forwardCategory(category string) (int, error) {
	records, err := w.config.Log.ReadFrom(category, w.cursors[category], w.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to read event log: %w", err)
	}

	for i, record := range records {
		if err := w.forwardRecord(record); err != nil {
			return i, err
		}
		w.cursors[category] = record.Position
	}
	return len(records), nil
}

// forwardRecord publishes a single record. Filtered records advance the
// cursor without publishing; published records advance it afterwards, so
// a crash in between redelivers the record on restart.
func (w *Worker) forwardRecord(record store.Record) error {
	if w.config.Filter != nil && !w.config.Filter.Match(record.Category) {
		telemetry.PublishFiltered.With(w.config.Name).Inc()
		if err := w.config.Log.AdvanceCursor(w.config.Name, record.Category, record.Position); err != nil {
			log.Warn().Err(err).
				Str("worker", w.config.Name).
				Uint64("position", record.Position).
				Msg("Failed to advance cursor for filtered record")
		}
		return nil
	}

	data, err := w.config.Encoder.Encode(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	topic := w.buildTopic(record.Category)
	if err := w.publishWithRetry(topic, record.Key, data); err != nil {
		telemetry.PublishedEvents.With(w.config.Name, "error").Inc()
		return err
	}
	telemetry.PublishedEvents.With(w.config.Name, "ok").Inc()

	if err := w.config.Log.AdvanceCursor(w.config.Name, record.Category, record.Position); err != nil {
		log.Warn().Err(err).
			Str("worker", w.config.Name).
			Uint64("position", record.Position).
			Msg("Failed to advance cursor after publish, record may be redelivered")
	}
	return nil
}

func (w *Worker) buildTopic(category string) string {
	if w.config.TopicPrefix == "" {
		return category
	}
	return w.config.TopicPrefix + "." + category
}

// publishWithRetry publishes with exponential backoff, aborting when
// the worker is stopped or retries are exhausted.
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish record, retrying")

		if w.sig.Wait(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}
