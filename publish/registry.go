package publish

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/stitchd/stitch/cfg"
)

// Registry manages the lifecycle of all forwarding workers.
type Registry struct {
	workers []*Worker
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry builds workers for every sink enabled in the
// configuration. The event log must support cursor tracking; the
// pebble backend does.
func NewRegistry(eventLog EventLog) (*Registry, error) {
	r := &Registry{}
	categories := cfg.Config.Tracker.Categories

	if natsCfg := cfg.Config.Publish.NATS; natsCfg.Enabled {
		snk, err := NewNatsSink(natsCfg.URLs...)
		if err != nil {
			return nil, fmt.Errorf("failed to create nats sink: %w", err)
		}
		if err := r.addWorker("nats", eventLog, snk, categories, natsCfg.Subject, natsCfg.Filter); err != nil {
			snk.Close()
			return nil, err
		}
	}

	if kafkaCfg := cfg.Config.Publish.Kafka; kafkaCfg.Enabled {
		snk, err := NewKafkaSink(DefaultKafkaConfig(kafkaCfg.Brokers))
		if err != nil {
			r.closeSinks()
			return nil, fmt.Errorf("failed to create kafka sink: %w", err)
		}
		if err := r.addWorker("kafka", eventLog, snk, categories, kafkaCfg.Topic, kafkaCfg.Filter); err != nil {
			snk.Close()
			r.closeSinks()
			return nil, err
		}
	}

	log.Info().Int("workers", len(r.workers)).Msg("Forwarding registry initialized")
	return r, nil
}

func (r *Registry) addWorker(name string, eventLog EventLog, snk Sink, categories []string, topicPrefix, filterPattern string) error {
	var filter Filter
	if filterPattern != "" {
		f, err := NewGlobFilter(filterPattern)
		if err != nil {
			return fmt.Errorf("failed to create filter for %s: %w", name, err)
		}
		filter = f
	}

	worker, err := NewWorker(WorkerConfig{
		Name:        name,
		Log:         eventLog,
		Sink:        snk,
		Encoder:     MsgpackEncoder{NodeID: cfg.Config.NodeID},
		Filter:      filter,
		Categories:  categories,
		TopicPrefix: topicPrefix,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s worker: %w", name, err)
	}

	r.workers = append(r.workers, worker)
	log.Info().Str("sink", name).Str("topic_prefix", topicPrefix).Msg("Added forwarding sink")
	return nil
}

// Start starts all workers.
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}
	for _, worker := range r.workers {
		worker.Start()
	}
	r.running.Store(true)
	return nil
}

// Stop stops all workers and closes their sinks.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}
	for _, worker := range r.workers {
		worker.Stop()
	}
	r.closeSinks()
}

func (r *Registry) closeSinks() {
	for _, worker := range r.workers {
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("worker", worker.config.Name).Msg("Failed to close sink")
		}
	}
}

// Workers returns the managed workers, for inspection.
func (r *Registry) Workers() []*Worker {
	return r.workers
}
