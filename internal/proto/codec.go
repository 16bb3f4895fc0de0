package proto

import (
	"github.com/pkg/errors"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype group members negotiate.
const CodecName = "sigcomm-json"

// Codec adapts the framing in this package to a gRPC codec, so the group
// service needs no generated code.
type Codec struct{}

var _ encoding.Codec = Codec{}

func (Codec) Marshal(v interface{}) ([]byte, error) {
	switch v.(type) {
	case *Envelope, *Ack:
		return Encode(v)
	}
	return nil, errors.Errorf("proto: can't marshal %T", v)
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	switch v.(type) {
	case *Envelope, *Ack:
		return Decode(data, v)
	}
	return errors.Errorf("proto: can't unmarshal into %T", v)
}

func (Codec) Name() string {
	return CodecName
}
