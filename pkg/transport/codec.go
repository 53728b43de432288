package transport

import (
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/encoding"
)

// codecName is registered with grpc's encoding package and selected per RPC
// via grpc.CallContentSubtype, replacing the protobuf wire format the
// generated stubs would otherwise assume (spec §4.6: the wire codec is
// msgpack throughout, matching every other envelope in this module).
const codecName = "msgpack"

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

type msgpackCodec struct{}

func (msgpackCodec) Marshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

func (msgpackCodec) Name() string { return codecName }
