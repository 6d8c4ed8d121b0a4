//go:build sonic

package codec

import (
	"bytes"
	stdjson "encoding/json"
	"io"

	"github.com/bytedance/sonic"
)

const Name = "bytedance/sonic"

// ConfigStd keeps map key ordering and escaping identical to encoding/json
var api = sonic.ConfigStd

var (
	Marshal       = api.Marshal
	Unmarshal     = api.Unmarshal
	MarshalIndent = api.MarshalIndent
	Valid         = api.Valid
)

func Encode(w io.Writer, v any) error {
	return api.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return api.NewDecoder(r).Decode(v)
}

// Compact writes src to dst with insignificant whitespace removed. sonic has no
// compactor so this uses encoding/json.
func Compact(dst *bytes.Buffer, src []byte) error {
	return stdjson.Compact(dst, src)
}
