package service

import (
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype of the gateway's wire format.
// Clients must dial with grpc.CallContentSubtype(CodecName).
const CodecName = "msgpack"

// codec serializes RPC messages with msgpack, the same format spoken on
// the worker pipes.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (codec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

func (codec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(codec{})
}
