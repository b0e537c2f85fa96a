package codec

import (
	"errors"

	"google.golang.org/protobuf/proto"
)

// Protobuf encodes proto messages. New must return an empty message to decode
// into, e.g. func() *pb.Product { return new(pb.Product) }.
type Protobuf[V proto.Message] struct {
	New func() V
}

func (p Protobuf[V]) Encode(v V) ([]byte, error) {
	return proto.Marshal(v)
}

func (p Protobuf[V]) Decode(b []byte) (V, error) {
	if p.New == nil {
		var zero V
		return zero, errors.New("codec: protobuf codec requires New")
	}
	msg := p.New()
	if err := proto.Unmarshal(b, msg); err != nil {
		var zero V
		return zero, err
	}
	return msg, nil
}
