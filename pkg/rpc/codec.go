// grpcJSONCodec registers a google.golang.org/grpc encoding.Codec that
// marshals request/response messages as plain JSON instead of protobuf
// wire format. Protoc-generated bindings for the RPC subsystem's message
// types are not available in this build environment, so this codec lets
// the real grpc-go transport (streaming, deadlines, interceptors,
// metadata) carry hand-written Go structs instead of proto.Message
// implementations - the transport semantics are the part worth keeping
// from the teacher's gRPC stack (pkg/client/client.go, pkg/api/server.go),
// not the wire format.
package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const jsonCodecName = "golem-json"

// JSONCodecName is the name golem-json registers under, for any other
// package that needs to dial or register a service using it directly.
const JSONCodecName = jsonCodecName

// JSONCallOption selects the golem-json codec for a single gRPC call.
func JSONCallOption() grpc.CallOption {
	return grpc.CallContentSubtype(jsonCodecName)
}

type grpcJSONCodec struct{}

func (grpcJSONCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal %T: %w", v, err)
	}
	return data, nil
}

func (grpcJSONCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpc: unmarshal into %T: %w", v, err)
	}
	return nil
}

func (grpcJSONCodec) Name() string {
	return jsonCodecName
}

func init() {
	encoding.RegisterCodec(grpcJSONCodec{})
}
