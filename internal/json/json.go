// Package json centralizes JSON encoding behind sonic so the codec can be
// swapped in one place.
package json

import (
	encjson "encoding/json"
	"io"

	"github.com/bytedance/sonic"
)

// RawMessage passes pre-encoded JSON through marshalling untouched.
// Aliased from encoding/json so sonic's std-compatible config applies its
// raw-passthrough handling instead of treating the value as []byte.
type RawMessage = encjson.RawMessage

var api = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

func NewDecoder(r io.Reader) sonic.Decoder {
	return api.NewDecoder(r)
}

func NewEncoder(w io.Writer) sonic.Encoder {
	return api.NewEncoder(w)
}

// Valid reports whether data is syntactically valid JSON.
func Valid(data []byte) bool {
	return api.Valid(data)
}
