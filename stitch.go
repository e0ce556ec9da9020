// Package stitch ties the ingestion engine together: configuration,
// logging, telemetry, the persistence sink, per-category trackers, the
// status endpoint and downstream forwarding. Callers supply the
// upstream-specific pieces (live stream openers, history pagination,
// conversion) through track.Config; everything else is assembled here.
package stitch

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stitchd/stitch/cfg"
	"github.com/stitchd/stitch/publish"
	"github.com/stitchd/stitch/status"
	"github.com/stitchd/stitch/store"
	"github.com/stitchd/stitch/telemetry"
	"github.com/stitchd/stitch/track"
)

// Tracker is the category-agnostic surface of *track.Tracker[T].
type Tracker interface {
	PreSyncStart(ctx context.Context)
	PreSyncStop()
	PreSyncWait() error
	Start(ctx context.Context)
	Stop()
	Status() track.Status
}

// BuildFunc constructs the trackers once the sink exists. Each tracker
// should use the given sink so checkpoints land in one store.
type BuildFunc func(sink store.Sink) ([]Tracker, error)

// Engine owns the shared infrastructure and the tracker lifecycles.
type Engine struct {
	sink     store.Sink
	trackers []Tracker
	registry *publish.Registry
	status   *status.Server
	started  bool
}

// SetupLogging configures the global zerolog logger from the loaded
// configuration.
func SetupLogging() {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
}

// NewEngine opens the configured sink and builds the trackers on top
// of it. Downstream forwarding requires the pebble backend because it
// is the only sink with a readable, cursor-tracked log.
func NewEngine(build BuildFunc) (*Engine, error) {
	telemetry.InitializeTelemetry()

	sink, err := store.NewSinkFromConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	trackers, err := build(sink)
	if err != nil {
		sink.Close()
		return nil, fmt.Errorf("failed to build trackers: %w", err)
	}

	e := &Engine{sink: sink, trackers: trackers}

	publishEnabled := cfg.Config.Publish.NATS.Enabled || cfg.Config.Publish.Kafka.Enabled
	if publishEnabled {
		eventLog, ok := sink.(publish.EventLog)
		if !ok {
			sink.Close()
			return nil, fmt.Errorf("publishing requires the pebble store backend")
		}
		registry, err := publish.NewRegistry(eventLog)
		if err != nil {
			sink.Close()
			return nil, fmt.Errorf("failed to initialize forwarding: %w", err)
		}
		e.registry = registry
	}

	e.status = status.NewServer()
	for _, t := range trackers {
		e.status.Register(t)
	}

	return e, nil
}

// Sink returns the engine's persistence sink.
func (e *Engine) Sink() store.Sink {
	return e.sink
}

// Start runs pre-sync for every tracker, waits for all of them to
// finish, then starts live ingestion, forwarding and the status
// endpoint.
func (e *Engine) Start(ctx context.Context) error {
	log.Info().Int("trackers", len(e.trackers)).Msg("Starting ingestion engine")

	for _, t := range e.trackers {
		t.PreSyncStart(ctx)
	}
	for _, t := range e.trackers {
		if err := t.PreSyncWait(); err != nil {
			e.stopTrackers()
			return fmt.Errorf("pre-sync failed: %w", err)
		}
	}
	log.Info().Msg("Pre-sync complete")

	for _, t := range e.trackers {
		t.Start(ctx)
	}

	if e.registry != nil {
		if err := e.registry.Start(); err != nil {
			e.stopTrackers()
			return fmt.Errorf("failed to start forwarding: %w", err)
		}
	}

	if err := e.status.Start(); err != nil {
		return err
	}

	e.started = true
	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Engine is operational")
	return nil
}

// Stop shuts everything down in reverse order of Start and closes the
// sink.
func (e *Engine) Stop() {
	log.Info().Msg("Stopping ingestion engine")

	e.status.Stop(5 * time.Second)
	if e.registry != nil {
		e.registry.Stop()
	}
	e.stopTrackers()

	if err := e.sink.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close store")
	}
	e.started = false
}

func (e *Engine) stopTrackers() {
	for _, t := range e.trackers {
		t.PreSyncStop()
		t.Stop()
	}
}
