// Package codec replaces the kratos JSON codec used by the report API.
package codec

import (
	"bytes"
	"encoding/json"

	"github.com/go-kratos/kratos/v2/encoding"
)

const Name = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

// Marshal keeps captured text readable: shell metacharacters such as <, >
// and & in commands and paths are not escaped.
func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func (jsonCodec) Name() string { return Name }
