// Package track composes the ingestion engine for one event category:
// a historical pre-sync from the last durable checkpoint, a live
// dispatcher subscription with gap reconciliation, and an idempotent
// persistence sink. Everything upstream-specific (how to open the live
// stream, how to page history, how to convert wire items) is injected,
// so one Tracker serves payments, invoices, HTLC events and forwards
// alike.
package track

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stitchd/stitch/dispatch"
	"github.com/stitchd/stitch/retry"
	"github.com/stitchd/stitch/stop"
	"github.com/stitchd/stitch/store"
	"github.com/stitchd/stitch/stream"
	"github.com/stitchd/stitch/telemetry"
)

// Well-known event categories.
const (
	CategoryPayments   = "payments"
	CategoryInvoices   = "invoices"
	CategoryHTLCEvents = "htlc_events"
	CategoryForwards   = "forwards"
)

// HistoryFunc opens a read over historical events with positions
// strictly greater than checkpoint. The returned stream must terminate
// with io.EOF once the history is exhausted.
type HistoryFunc func(ctx context.Context, sig *stop.Signal, checkpoint uint64) stream.Stream[store.Record]

// ReconFunc opens a one-shot reconciliation source covering at least the
// gap between the given checkpoint and the live stream's start. Bounded
// overlap with already-persisted events is expected; the sink dedups.
type ReconFunc func(checkpoint uint64) stream.Stream[store.Record]

// Config assembles a Tracker for one category.
type Config[T any] struct {
	Category string
	Sink     store.Sink
	Policy   retry.Policy

	// OpenLive opens a fresh upstream subscription (never resumed).
	OpenLive dispatch.OpenFunc[T]
	// Convert turns one live item into zero or more records.
	Convert dispatch.ConvertFunc[T, store.Record]
	// History feeds pre-sync. Nil skips pre-sync entirely.
	History HistoryFunc
	// Recon feeds the reconciliation phase after every (re)attach.
	// Nil means live-only consumption.
	Recon ReconFunc

	// BatchSize is the pre-sync write batch size.
	BatchSize int
	// Dispatch carries the consumer timing knobs.
	Dispatch dispatch.Options
}

const DefaultBatchSize = 256

// Tracker ingests one event category. Construct with New, optionally run
// PreSyncStart/PreSyncWait for the historical backfill, then Start for
// live ingestion. Stop tears everything down; in-flight writes complete.
type Tracker[T any] struct {
	cfg  Config[T]
	sig  *stop.Signal
	disp *dispatch.Dispatcher[T, store.Record]

	presyncStop atomic.Bool
	presyncWG   sync.WaitGroup
	presyncErr  error

	wg      sync.WaitGroup
	started atomic.Bool
}

// New validates the configuration and assembles the tracker.
func New[T any](cfg Config[T]) (*Tracker[T], error) {
	if cfg.Category == "" {
		return nil, errors.New("track: category is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("track: sink is required")
	}
	if cfg.OpenLive == nil {
		return nil, errors.New("track: live stream source is required")
	}
	if cfg.Convert == nil {
		return nil, errors.New("track: converter is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	// Persistence failures must not be retried as if the network
	// hiccuped; they escalate to the owner immediately.
	inner := cfg.Policy.Classifier
	if inner == nil {
		inner = retry.DefaultClassifier
	}
	cfg.Policy.Classifier = retry.ClassifierFunc(func(err error) retry.Kind {
		var pe *persistError
		if errors.As(err, &pe) {
			return retry.Fatal
		}
		return inner.Classify(err)
	})

	t := &Tracker[T]{
		cfg: cfg,
		sig: stop.New(),
	}
	t.disp = dispatch.New[T, store.Record](cfg.Category, t.sig, cfg.OpenLive, cfg.Dispatch)
	return t, nil
}

// persistError marks a sink failure so the retry classifier treats it
// as fatal regardless of the transport classifier.
type persistError struct {
	err error
}

func (e *persistError) Error() string { return fmt.Sprintf("persistence failed: %v", e.err) }
func (e *persistError) Unwrap() error { return e.err }

// Dispatcher exposes the live dispatcher so additional consumers
// (downstream publishers, status pages) can subscribe before Start.
func (t *Tracker[T]) Dispatcher() *dispatch.Dispatcher[T, store.Record] {
	return t.disp
}

// Signal returns the tracker's stop signal.
func (t *Tracker[T]) Signal() *stop.Signal {
	return t.sig
}

// PreSyncStart launches the historical backfill in the background.
// PreSyncWait reports its result.
func (t *Tracker[T]) PreSyncStart(ctx context.Context) {
	if t.cfg.History == nil {
		return
	}

	t.presyncWG.Add(1)
	go func() {
		defer t.presyncWG.Done()
		t.presyncErr = t.cfg.Policy.Do(t.sig, t.cfg.Category+"/presync", func() error {
			return t.preSync(ctx)
		})
	}()
}

// PreSyncStop asks the running backfill to stop at the next batch
// boundary. The in-flight batch is still written.
func (t *Tracker[T]) PreSyncStop() {
	t.presyncStop.Store(true)
}

// PreSyncWait blocks until the backfill finishes and returns its error.
func (t *Tracker[T]) PreSyncWait() error {
	t.presyncWG.Wait()
	return t.presyncErr
}

// preSync reads history after the last durable checkpoint and persists
// it in batches. The stop flag is honored between batches only; a batch
// in flight always completes so the checkpoint stays consistent.
func (t *Tracker[T]) preSync(ctx context.Context) error {
	started := time.Now()

	checkpoint, err := t.cfg.Sink.Checkpoint(t.cfg.Category)
	if err != nil {
		return &persistError{err}
	}

	log.Info().
		Str("category", t.cfg.Category).
		Uint64("checkpoint", checkpoint).
		Msg("Pre-sync starting")

	src := t.cfg.History(ctx, t.sig, checkpoint)
	defer src.Close()

	var total int
	batch := make([]store.Record, 0, t.cfg.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := t.cfg.Sink.AddBatch(batch); err != nil {
			return &persistError{err}
		}
		telemetry.PreSyncedItems.With(t.cfg.Category).Add(float64(len(batch)))
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	for {
		rec, err := src.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		batch = append(batch, rec)
		if len(batch) >= t.cfg.BatchSize {
			if err := flush(); err != nil {
				return err
			}
			if t.presyncStop.Load() || t.sig.IsSet() {
				log.Info().
					Str("category", t.cfg.Category).
					Int("records", total).
					Msg("Pre-sync stopped early")
				return nil
			}
		}
	}

	if err := flush(); err != nil {
		return err
	}

	telemetry.PreSyncDurationSeconds.With(t.cfg.Category).Observe(time.Since(started).Seconds())
	log.Info().
		Str("category", t.cfg.Category).
		Int("records", total).
		Dur("took", time.Since(started)).
		Msg("Pre-sync complete")
	return nil
}

// reconFromCheckpoint adapts the configured reconciliation factory to
// the dispatcher: every (re)attach opens a fresh source anchored at the
// durable checkpoint of that moment.
func (t *Tracker[T]) reconFromCheckpoint() stream.Stream[store.Record] {
	if t.cfg.Recon == nil {
		return nil
	}

	checkpoint, err := t.cfg.Sink.Checkpoint(t.cfg.Category)
	if err != nil {
		log.Warn().Err(err).
			Str("category", t.cfg.Category).
			Msg("Failed to read checkpoint, reconciling from the start")
		checkpoint = 0
	}
	return t.cfg.Recon(checkpoint)
}

// Start launches the dispatcher run loop and the persisting consumer.
// Idempotent; only the first call starts anything.
func (t *Tracker[T]) Start(ctx context.Context) {
	if !t.started.CompareAndSwap(false, true) {
		return
	}

	open := t.disp.Subscribe(t.cfg.Convert, t.reconFromCheckpoint)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.runDispatcher(ctx)
	}()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.consume(open)
	}()
}

// runDispatcher keeps the upstream subscription alive under the retry
// policy. Budget exhaustion or a fatal error stops the tracker; live
// ingestion cannot continue without an upstream.
func (t *Tracker[T]) runDispatcher(ctx context.Context) {
	err := t.cfg.Policy.Do(t.sig, t.cfg.Category+"/dispatch", func() error {
		return t.disp.Run(ctx)
	})
	if err != nil {
		log.Error().Err(err).
			Str("category", t.cfg.Category).
			Msg("Live subscription abandoned")
	}
	t.sig.Set()
	t.disp.Stop()
}

// consume drains the subscriber stream into the sink. A persistence
// failure discards the in-memory stream state and starts a fresh
// consumer cycle; the durable checkpoint is untouched, so the
// reconciliation phase of the next cycle re-covers the lost items.
func (t *Tracker[T]) consume(open func() stream.Stream[store.Record]) {
	for !t.sig.IsSet() {
		s := open()

		for {
			rec, err := s.Recv()
			if err != nil {
				s.Close()
				return
			}

			if err := t.cfg.Sink.AddOne(rec); err != nil {
				log.Error().Err(err).
					Str("category", t.cfg.Category).
					Str("key", rec.Key).
					Msg("Persist failed, restarting consumer cycle")
				s.Close()
				break
			}
			telemetry.IngestedItems.With(t.cfg.Category).Inc()
		}

		// Pace cycle restarts like any other transient failure
		if t.sig.Wait(t.cfg.Policy.Delay) {
			return
		}
	}
}

// Stop shuts the tracker down: the stop signal unwinds pre-sync, the
// dispatcher and the consumer. Blocks until all goroutines exit.
func (t *Tracker[T]) Stop() {
	t.sig.Set()
	t.disp.Stop()
	t.presyncWG.Wait()
	t.wg.Wait()
}

// Status is a point-in-time view of a tracker.
type Status struct {
	Category    string `json:"category"`
	State       string `json:"state"`
	Subscribers int    `json:"subscribers"`
	QueueDepth  int    `json:"queue_depth"`
	Checkpoint  uint64 `json:"checkpoint"`
	Stopping    bool   `json:"stopping"`
}

// Status reports the tracker's current dispatcher state and checkpoint.
func (t *Tracker[T]) Status() Status {
	checkpoint, err := t.cfg.Sink.Checkpoint(t.cfg.Category)
	if err != nil {
		log.Warn().Err(err).
			Str("category", t.cfg.Category).
			Msg("Failed to read checkpoint for status")
	}
	return Status{
		Category:    t.cfg.Category,
		State:       t.disp.State().String(),
		Subscribers: t.disp.Subscribers(),
		QueueDepth:  t.disp.QueueDepth(),
		Checkpoint:  checkpoint,
		Stopping:    t.sig.IsSet(),
	}
}
