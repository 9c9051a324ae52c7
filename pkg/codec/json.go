package codec

import "encoding/json"

// JSONCodec encodes envelopes as JSON. It is the default codec for both the
// journal and fan-out topics.
type JSONCodec struct{}

func (JSONCodec) Name() string { return NameJSON }

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func init() {
	Register(JSONCodec{})
}
