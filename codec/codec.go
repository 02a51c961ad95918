// Package codec serializes values to bytes: cached result sets in the
// interceptor and diagnostics reports in the CLI.
package codec

// Codec encodes/decodes values V to []byte.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
