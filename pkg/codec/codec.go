// Package codec implements the fixed, versioned serialisation envelope
// used to persist oplog records and durability-wrapper payloads
// (spec.md §4.1, §4.8). Records are encoded with msgpack rather than JSON:
// smaller on disk and it round-trips []byte payload fields without base64
// inflation, matching how quarry/lode (pithecene-io-quarry) serialise its
// own frame envelope.
package codec

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EnvelopeVersion is bumped whenever the wire layout of an encoded value
// changes in a way that isn't forward-compatible.
const EnvelopeVersion = 1

// Envelope wraps an encoded value with the codec version it was written
// with, so a newer runtime can detect it can't read an older/newer layout
// rather than silently misinterpreting bytes.
type Envelope struct {
	Version uint8  `msgpack:"v"`
	Body    []byte `msgpack:"b"`
}

// Marshal encodes v into a versioned envelope.
func Marshal(v interface{}) ([]byte, error) {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal body: %w", err)
	}
	return msgpack.Marshal(&Envelope{Version: EnvelopeVersion, Body: body})
}

// Unmarshal decodes an envelope produced by Marshal into v.
func Unmarshal(data []byte, v interface{}) error {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("codec: unmarshal envelope: %w", err)
	}
	if env.Version != EnvelopeVersion {
		return fmt.Errorf("codec: unsupported envelope version %d (runtime supports %d)", env.Version, EnvelopeVersion)
	}
	if err := msgpack.Unmarshal(env.Body, v); err != nil {
		return fmt.Errorf("codec: unmarshal body: %w", err)
	}
	return nil
}
