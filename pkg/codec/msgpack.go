package codec

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackCodec encodes envelopes as msgpack. Denser than JSON on the wire,
// useful when journal topics carry high-volume binary payloads.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return NameMsgpack }

func (MsgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Unmarshal(data []byte, v any) error {
	return msgpack.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func init() {
	Register(MsgpackCodec{})
}
