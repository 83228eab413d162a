package transport

import (
	"github.com/maxpert/beacon/encoding"
	grpcencoding "google.golang.org/grpc/encoding"
)

const codecName = "msgpack"

// msgpackCodec lets the replication service exchange plain Go structs
// without generated protobuf types
type msgpackCodec struct{}

func init() {
	grpcencoding.RegisterCodec(msgpackCodec{})
}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	return encoding.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	return encoding.Unmarshal(data, v)
}

func (msgpackCodec) Name() string {
	return codecName
}
