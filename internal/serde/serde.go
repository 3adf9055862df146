// Package serde provides the pluggable payload serializer used at the call
// boundary. Payloads crossing the boundary are opaque bytes; the engine only
// needs "serialize/deserialize an arbitrary value".
package serde

import "encoding/json"

// Serializer converts arbitrary values to and from opaque bytes.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON is the default serializer.
type JSON struct{}

func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Default returns the serializer used when none is configured.
func Default() Serializer { return JSON{} }
