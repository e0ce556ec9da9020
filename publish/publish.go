// Package publish forwards ingested events to downstream messaging
// systems. Workers poll a cursor-tracked event log and push each record
// to a Sink (NATS JetStream, Kafka, or a mock in tests), advancing a
// per-sink cursor only after a successful publish. Delivery is
// at-least-once: a crash between publish and cursor advance redelivers
// the record on restart.
package publish

import "github.com/stitchd/stitch/store"

// Sink is a destination for encoded event records.
type Sink interface {
	// Publish sends an event to the sink. The key routes records with
	// the same identity to the same partition or subject.
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink.
	Close() error
}

// EventLog is a readable, cursor-tracked record log. *store.PebbleSink
// satisfies it.
type EventLog interface {
	// ReadFrom returns up to limit records of a category with positions
	// strictly greater than cursor, in position order.
	ReadFrom(category string, cursor uint64, limit int) ([]store.Record, error)
	// GetCursor returns the last position the named consumer finished.
	GetCursor(consumer, category string) (uint64, error)
	// AdvanceCursor records that the named consumer finished position.
	AdvanceCursor(consumer, category string, position uint64) error
}

// Filter decides whether a record of a category should be published.
type Filter interface {
	Match(category string) bool
}

// Encoder converts a record to the wire payload handed to the sink.
type Encoder interface {
	Encode(record store.Record) ([]byte, error)
}
