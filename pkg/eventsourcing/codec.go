package eventsourcing

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
)

const (
	ContentTypeJSON  = "application/json"
	ContentTypeProto = "application/x-protobuf"
)

// Codec encodes event payloads and snapshot state.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec encodes payloads as JSON. It is the default codec.
type JSONCodec struct{}

func (JSONCodec) ContentType() string { return ContentTypeJSON }

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// ProtoCodec encodes payloads that are protobuf messages.
type ProtoCodec struct{}

func (ProtoCodec) ContentType() string { return ContentTypeProto }

func (ProtoCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("proto codec: %T is not a proto.Message", v)
	}
	return proto.Marshal(msg)
}

func (ProtoCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("proto codec: %T is not a proto.Message", v)
	}
	return proto.Unmarshal(data, msg)
}

// CodecFor returns the codec registered for a content type.
// An empty content type is treated as JSON.
func CodecFor(contentType string) (Codec, error) {
	switch contentType {
	case "", ContentTypeJSON:
		return JSONCodec{}, nil
	case ContentTypeProto:
		return ProtoCodec{}, nil
	}
	return nil, fmt.Errorf("unsupported content type %q", contentType)
}
