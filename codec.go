package sqlsession

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
)

// payloadPool recycles the buffers session values are encoded into.
var payloadPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// idScratchPool recycles the scratch space of generateID: the raw entropy
// followed by its hex encoding.
var idScratchPool = sync.Pool{
	New: func() any {
		b := make([]byte, 16+idLength)
		return &b
	},
}

// putBuffer wipes buf and returns it to the pool, so that session payloads do
// not linger in pooled memory.
func putBuffer(buf *bytes.Buffer) {
	clear(buf.Bytes())
	buf.Reset()
	payloadPool.Put(buf)
}

// encodeValues gob-encodes values into a pooled buffer. An empty map encodes
// to an empty buffer. The caller returns the buffer with putBuffer.
func encodeValues(values map[string]any) (*bytes.Buffer, error) {
	buf := payloadPool.Get().(*bytes.Buffer)
	buf.Reset()
	if len(values) == 0 {
		return buf, nil
	}
	if err := gob.NewEncoder(buf).Encode(values); err != nil {
		putBuffer(buf)
		return nil, fmt.Errorf("failed to encode session data: %w", err)
	}
	return buf, nil
}

// decodeValues decodes a payload written by encodeValues. An empty payload
// decodes to an empty map.
func decodeValues(data []byte) (map[string]any, error) {
	values := make(map[string]any)
	if len(data) == 0 {
		return values, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&values); err != nil {
		return nil, fmt.Errorf("failed to decode session data: %w", err)
	}
	return values, nil
}

func init() {
	// Nested maps are the one composite type sessions get for free.
	gob.Register(map[string]any{})
}
