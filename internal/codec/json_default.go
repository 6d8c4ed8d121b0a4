//go:build !sonic

// Package codec selects the JSON implementation at build time.
// goccy/go-json by default, bytedance/sonic with the "sonic" tag.
package codec

import (
	"bytes"
	"io"

	"github.com/goccy/go-json"
)

const Name = "goccy/go-json"

var (
	Marshal       = json.Marshal
	Unmarshal     = json.Unmarshal
	MarshalIndent = json.MarshalIndent
	Valid         = json.Valid
)

func Encode(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}

// Compact writes src to dst with insignificant whitespace removed.
func Compact(dst *bytes.Buffer, src []byte) error {
	return json.Compact(dst, src)
}
