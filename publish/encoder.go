package publish

import (
	"github.com/stitchd/stitch/encoding"
	"github.com/stitchd/stitch/store"
)

// Envelope is the wire format handed to sinks: the record plus enough
// context for a downstream consumer to dedup and order without access
// to the local store.
type Envelope struct {
	Category string `msgpack:"c"`
	Key      string `msgpack:"k"`
	Position uint64 `msgpack:"p"`
	At       int64  `msgpack:"t"` // unix ms
	Payload  []byte `msgpack:"d"`
	NodeID   uint64 `msgpack:"n"`
}

// MsgpackEncoder encodes records as msgpack envelopes.
type MsgpackEncoder struct {
	NodeID uint64
}

func (e MsgpackEncoder) Encode(record store.Record) ([]byte, error) {
	return encoding.Marshal(Envelope{
		Category: record.Category,
		Key:      record.Key,
		Position: record.Position,
		At:       record.At.UnixMilli(),
		Payload:  record.Payload,
		NodeID:   e.NodeID,
	})
}
