package admin

import "github.com/vmihailenco/msgpack/v5"

// msgpackCodec is a denser MessagePack alternative to jsonCodec. No
// AdminConfig setting selects it, and the admin channel's Server and
// Client do not use it.
type msgpackCodec struct{}

func (msgpackCodec) Marshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

func (msgpackCodec) Name() string { return "msgpack" }
