// Package encoding is the single msgpack codec for the repo. The pebble
// event log stores record bodies with it and the publish envelopes cross
// the wire with it, so both sides have to agree on one encoder
// configuration.
//
// Marshal and Unmarshal are safe for concurrent use.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data. Loose interface decoding keeps strings
// as Go strings when the target is interface{}: consumers that decode an
// envelope generically and re-encode it must produce the bytes the
// original publisher wrote, or downstream dedup by payload breaks.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
