// Package store persists ingested events idempotently and tracks per-category
// checkpoints so ingestion can resume after a restart.
package store

import (
	"time"

	"github.com/cespare/xxhash/v2"
)

// Record is one ingested event, uniquely identified by (Category, Key).
// Position is the event's index in the source stream and drives checkpoints.
type Record struct {
	Category string
	Key      string
	Position uint64
	At       time.Time
	Payload  []byte
}

// Sink persists records. Re-adding an existing (Category, Key) pair is a
// no-op, and the durable checkpoint for a category never moves backwards.
type Sink interface {
	// Checkpoint returns the highest durable position for a category,
	// 0 if nothing has been persisted yet.
	Checkpoint(category string) (uint64, error)

	// AddBatch writes records and advances checkpoints in one transaction.
	AddBatch(records []Record) error

	// AddOne writes a single record durably before returning.
	AddOne(record Record) error

	Close() error
}

// IdentityHash hashes a record identity for dedup structures.
// Category and key are joined to avoid cross-category collisions.
func IdentityHash(category, key string) uint64 {
	h := xxhash.New()
	h.WriteString(category)
	h.WriteString(":")
	h.WriteString(key)
	return h.Sum64()
}
