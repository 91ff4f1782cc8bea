package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "golem.rpc.WorkerRPC"

// InvokeRequest is a worker-to-worker call, routed either in-process
// (same node) or over gRPC to the shard's owning node.
type InvokeRequest struct {
	TargetComponentId string            `json:"target_component_id"`
	TargetWorkerName  string            `json:"target_worker_name"`
	FunctionName      string            `json:"function_name"`
	Args              []byte            `json:"args"`
	IdempotencyKey    string            `json:"idempotency_key"`
	TraceParent       string            `json:"trace_parent,omitempty"`
	Attributes        map[string]string `json:"attributes,omitempty"`
}

// InvokeResponse carries either a result or a serialized error, never
// both.
type InvokeResponse struct {
	Result       []byte `json:"result,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Server is implemented by whatever owns the target worker's shard and
// can actually invoke it (pkg/lifecycle + pkg/wasmhost, wired in by the
// top-level executor).
type Server interface {
	Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error)
}

func invokeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(InvokeRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Invoke(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Invoke"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).Invoke(ctx, req.(*InvokeRequest))
	}
	return interceptor(ctx, req, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Invoke",
			Handler:    invokeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "golem/rpc.proto",
}

// RegisterServer registers srv's Invoke method against s under the
// golem-json codec.
func RegisterServer(s *grpc.Server, srv Server) {
	s.RegisterService(&serviceDesc, srv)
}

// Client calls a remote node's Server over gRPC using the golem-json
// codec instead of protobuf.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps an existing gRPC connection to a shard-owning node.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Invoke performs a remote worker invocation.
func (c *Client) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
	resp := new(InvokeResponse)
	err := c.conn.Invoke(ctx, "/"+serviceName+"/Invoke", req, resp, grpc.CallContentSubtype(jsonCodecName))
	if err != nil {
		return nil, err
	}
	return resp, nil
}
