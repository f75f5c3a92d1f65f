// Package jsoncodec registers a gRPC wire codec that marshals request and
// response messages as plain JSON instead of protobuf. There is no protoc
// toolchain in this environment to generate .pb.go types from, so every RPC
// message in internal/rpc is a plain JSON-tagged Go struct carried over this
// codec via grpc.CallContentSubtype(Name).
package jsoncodec

import "encoding/json"

// Name is the content-subtype clients must request
// (grpc.CallContentSubtype(jsoncodec.Name)) and the value grpc registers
// this codec under via encoding.RegisterCodec.
const Name = "json"

// Codec implements google.golang.org/grpc/encoding.Codec.
type Codec struct{}

func (Codec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (Codec) Name() string {
	return Name
}
