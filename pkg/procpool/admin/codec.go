package admin

import (
	"encoding/json"
	"fmt"
)

// Codec encodes/decodes a payload such as a metrics snapshot or event.
// Server and Client in this package do not take a Codec: they always
// encode envelopes and their payloads with encoding/json.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	Name() string
}

// CodecType selects a Codec implementation.
type CodecType string

const (
	CodecJSON        CodecType = "json"
	CodecMessagePack CodecType = "msgpack"
)

// NewCodec builds a Codec by name.
func NewCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecJSON, "":
		return jsonCodec{}, nil
	case CodecMessagePack:
		return msgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown admin codec type: %s", codecType)
	}
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return "json" }
