package executor

import (
	"context"

	"google.golang.org/grpc"

	"github.com/golem-project/worker-executor/pkg/events"
	"github.com/golem-project/worker-executor/pkg/rpc"
	"github.com/golem-project/worker-executor/pkg/types"
)

const serviceName = "golem.executor.WorkerExecutor"

// CreateWorkerRequest is the wire shape of a CreateWorker call.
type CreateWorkerRequest struct {
	WorkerId         types.WorkerId    `json:"worker_id"`
	ComponentId      types.ComponentId `json:"component_id"`
	ComponentVersion uint64            `json:"component_version"`
	Args             []string          `json:"args,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	Parent           *types.WorkerId   `json:"parent,omitempty"`
	AccountId        types.AccountId   `json:"account_id,omitempty"`
}

// InvokeWorkerRequest is the wire shape of an InvokeWorker call.
type InvokeWorkerRequest struct {
	WorkerId       types.WorkerId `json:"worker_id"`
	FunctionName   string         `json:"function_name"`
	Args           []byte         `json:"args,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// InvokeWorkerResponse is the wire shape of an InvokeWorker result.
type InvokeWorkerResponse struct {
	Result []byte `json:"result,omitempty"`
}

// GetWorkerMetadataRequest identifies the worker to describe.
type GetWorkerMetadataRequest struct {
	WorkerId types.WorkerId `json:"worker_id"`
}

// InterruptWorkerRequest identifies the worker to interrupt. Hard is
// carried to Executor.InterruptWorker, which handles hard and soft
// interrupts the same way.
type InterruptWorkerRequest struct {
	WorkerId types.WorkerId `json:"worker_id"`
	Hard     bool           `json:"hard,omitempty"`
}

// ResumeWorkerRequest identifies the worker to resume.
type ResumeWorkerRequest struct {
	WorkerId types.WorkerId `json:"worker_id"`
}

// UpdateWorkerRequest schedules a worker's move to a new component
// version under the given UpdateMode.
type UpdateWorkerRequest struct {
	WorkerId      types.WorkerId  `json:"worker_id"`
	TargetVersion uint64          `json:"target_version"`
	Mode          types.UpdateMode `json:"mode"`
}

// ConnectWorkerRequest opens a log/event stream for a worker.
type ConnectWorkerRequest struct {
	WorkerId types.WorkerId `json:"worker_id"`
}

// Empty is returned by operations with no payload beyond success/failure.
type Empty struct{}

// Service exposes the Executor's seven external operations (spec.md §6)
// over gRPC, hand-rolled the way pkg/rpc.Server is, against the same
// golem-json codec rather than protoc-generated stubs.
type Service struct {
	executor *Executor
}

// NewService wraps executor for gRPC registration.
func NewService(executor *Executor) *Service {
	return &Service{executor: executor}
}

func (s *Service) CreateWorker(ctx context.Context, req *CreateWorkerRequest) (*types.WorkerMetadata, error) {
	return s.executor.CreateWorker(ctx, req.WorkerId, req.ComponentId, req.ComponentVersion, req.Args, req.Env, req.Parent, req.AccountId)
}

func (s *Service) InvokeWorker(ctx context.Context, req *InvokeWorkerRequest) (*InvokeWorkerResponse, error) {
	result, err := s.executor.InvokeWorker(ctx, req.WorkerId, req.FunctionName, req.Args, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	return &InvokeWorkerResponse{Result: result}, nil
}

func (s *Service) GetWorkerMetadata(ctx context.Context, req *GetWorkerMetadataRequest) (*types.WorkerMetadata, error) {
	return s.executor.GetWorkerMetadata(ctx, req.WorkerId)
}

func (s *Service) InterruptWorker(ctx context.Context, req *InterruptWorkerRequest) (*Empty, error) {
	if err := s.executor.InterruptWorker(ctx, req.WorkerId, req.Hard); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Service) ResumeWorker(ctx context.Context, req *ResumeWorkerRequest) (*Empty, error) {
	if err := s.executor.ResumeWorker(ctx, req.WorkerId); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Service) UpdateWorker(ctx context.Context, req *UpdateWorkerRequest) (*Empty, error) {
	if err := s.executor.UpdateWorker(ctx, req.WorkerId, req.TargetVersion, req.Mode); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// ConnectWorkerServer is the server-streaming half of ConnectWorker; a
// hand-rolled grpc.ServerStream typed just enough for this one method,
// since there is no protoc-generated stream type in this repo.
type ConnectWorkerServer interface {
	Send(*events.Event) error
	grpc.ServerStream
}

func (s *Service) ConnectWorker(req *ConnectWorkerRequest, stream ConnectWorkerServer) error {
	sub := s.executor.ConnectWorker(req.WorkerId)
	defer s.executor.DisconnectWorker(req.WorkerId, sub)

	ctx := stream.Context()
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			if err := stream.Send(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func unaryHandler(invoke func(srv interface{}, ctx context.Context, req interface{}) (interface{}, error), reqFactory func() interface{}) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		req := reqFactory()
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return invoke(srv, ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return invoke(srv, ctx, req)
		}
		return interceptor(ctx, req, info, handler)
	}
}

func createWorkerHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler(func(srv interface{}, ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Service).CreateWorker(ctx, req.(*CreateWorkerRequest))
	}, func() interface{} { return new(CreateWorkerRequest) })(srv, ctx, dec, interceptor)
}

func invokeWorkerHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler(func(srv interface{}, ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Service).InvokeWorker(ctx, req.(*InvokeWorkerRequest))
	}, func() interface{} { return new(InvokeWorkerRequest) })(srv, ctx, dec, interceptor)
}

func getWorkerMetadataHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler(func(srv interface{}, ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Service).GetWorkerMetadata(ctx, req.(*GetWorkerMetadataRequest))
	}, func() interface{} { return new(GetWorkerMetadataRequest) })(srv, ctx, dec, interceptor)
}

func interruptWorkerHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler(func(srv interface{}, ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Service).InterruptWorker(ctx, req.(*InterruptWorkerRequest))
	}, func() interface{} { return new(InterruptWorkerRequest) })(srv, ctx, dec, interceptor)
}

func resumeWorkerHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler(func(srv interface{}, ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Service).ResumeWorker(ctx, req.(*ResumeWorkerRequest))
	}, func() interface{} { return new(ResumeWorkerRequest) })(srv, ctx, dec, interceptor)
}

func updateWorkerHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler(func(srv interface{}, ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Service).UpdateWorker(ctx, req.(*UpdateWorkerRequest))
	}, func() interface{} { return new(UpdateWorkerRequest) })(srv, ctx, dec, interceptor)
}

func connectWorkerHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(ConnectWorkerRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(*Service).ConnectWorker(req, &connectWorkerServer{ServerStream: stream})
}

type connectWorkerServer struct {
	grpc.ServerStream
}

func (s *connectWorkerServer) Send(ev *events.Event) error {
	return s.ServerStream.SendMsg(ev)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateWorker", Handler: createWorkerHandler},
		{MethodName: "InvokeWorker", Handler: invokeWorkerHandler},
		{MethodName: "GetWorkerMetadata", Handler: getWorkerMetadataHandler},
		{MethodName: "InterruptWorker", Handler: interruptWorkerHandler},
		{MethodName: "ResumeWorker", Handler: resumeWorkerHandler},
		{MethodName: "UpdateWorker", Handler: updateWorkerHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ConnectWorker",
			Handler:       connectWorkerHandler,
			ServerStreams: true,
		},
	},
	Metadata: "golem/executor.proto",
}

// RegisterService registers svc's six RPCs plus the ConnectWorker stream
// against s, against the golem-json codec pkg/rpc already registers.
func RegisterService(s *grpc.Server, svc *Service) {
	s.RegisterService(&serviceDesc, svc)
}

// Client wraps a gRPC connection to a worker executor node's Service.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) CreateWorker(ctx context.Context, req *CreateWorkerRequest) (*types.WorkerMetadata, error) {
	resp := new(types.WorkerMetadata)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/CreateWorker", req, resp, rpc.JSONCallOption()); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) InvokeWorker(ctx context.Context, req *InvokeWorkerRequest) (*InvokeWorkerResponse, error) {
	resp := new(InvokeWorkerResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/InvokeWorker", req, resp, rpc.JSONCallOption()); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) GetWorkerMetadata(ctx context.Context, req *GetWorkerMetadataRequest) (*types.WorkerMetadata, error) {
	resp := new(types.WorkerMetadata)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/GetWorkerMetadata", req, resp, rpc.JSONCallOption()); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) InterruptWorker(ctx context.Context, req *InterruptWorkerRequest) error {
	return c.conn.Invoke(ctx, "/"+serviceName+"/InterruptWorker", req, new(Empty), rpc.JSONCallOption())
}

func (c *Client) ResumeWorker(ctx context.Context, req *ResumeWorkerRequest) error {
	return c.conn.Invoke(ctx, "/"+serviceName+"/ResumeWorker", req, new(Empty), rpc.JSONCallOption())
}

func (c *Client) UpdateWorker(ctx context.Context, req *UpdateWorkerRequest) error {
	return c.conn.Invoke(ctx, "/"+serviceName+"/UpdateWorker", req, new(Empty), rpc.JSONCallOption())
}
