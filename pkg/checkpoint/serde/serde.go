// Package serde converts channel values and writes to and from their stored
// (type tag, bytes) form.
//
// Stores treat values as opaque: they persist whatever tag and bytes the
// Serializer produces and never inspect the tag beyond the TagEmpty
// sentinel. Swap in a custom Serializer to control the wire encoding.
package serde

import (
	"encoding/json"
	"fmt"
)

// TagEmpty is the sentinel type tag for a channel whose version was bumped
// without a value being written this step. Stores omit such channels when
// reconstructing a checkpoint's values.
const TagEmpty = "empty"

// TagJSON is the type tag of the default JSON codec.
const TagJSON = "json"

// Serializer converts values to and from tagged byte form.
//
// Dump must be deterministic enough that identical values produce
// identical bytes; beyond that the encoding is opaque to stores.
type Serializer interface {
	// Dump encodes a value, returning its type tag and bytes.
	Dump(v any) (tag string, data []byte, err error)

	// Load decodes bytes previously produced by Dump under tag.
	Load(tag string, data []byte) (any, error)
}

// Codec encodes and decodes values for a single type tag.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// JSONCodec is the default codec. Decoded values use the generic JSON
// shapes (map[string]any, []any, float64, string, bool, nil).
type JSONCodec struct{}

// Encode implements Codec.
func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode implements Codec.
func (JSONCodec) Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return v, nil
}
