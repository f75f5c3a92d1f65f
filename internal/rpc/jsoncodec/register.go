package jsoncodec

import "google.golang.org/grpc/encoding"

// init registers Codec under Name so grpc.CallContentSubtype(Name) resolves
// on both the client and server side, the same way a generated protobuf
// codec is registered automatically by importing its package.
func init() {
	encoding.RegisterCodec(Codec{})
}
