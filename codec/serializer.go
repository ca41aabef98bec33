package codec

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

// Serializer turns call arguments and results into body bytes and back.
type Serializer interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// ProtoSerializer encodes protobuf messages. A nil value marshals to an empty body
// and unmarshaling into nil discards the body.
type ProtoSerializer struct{}

func (ProtoSerializer) Marshal(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("codec.ProtoSerializer.Marshal: %T does not implement proto.Message", v)
	}
	return proto.Marshal(msg)
}

func (ProtoSerializer) Unmarshal(data []byte, v interface{}) error {
	if v == nil {
		return nil
	}
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("codec.ProtoSerializer.Unmarshal: %T does not implement proto.Message", v)
	}
	return proto.Unmarshal(data, msg)
}
