package rpc

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"

	"github.com/golem-project/worker-executor/pkg/shard"
	"github.com/golem-project/worker-executor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLocal struct {
	called  bool
	result  []byte
	wantErr error
}

func (f *fakeLocal) InvokeLocal(ctx context.Context, worker types.WorkerId, functionName string, args []byte, idempotencyKey string) ([]byte, error) {
	f.called = true
	if f.wantErr != nil {
		return nil, f.wantErr
	}
	return f.result, nil
}

type staticResolver struct {
	addr string
}

func (r staticResolver) NodeForShard(types.ShardId) (string, bool) {
	if r.addr == "" {
		return "", false
	}
	return r.addr, true
}

func TestInvokeDispatchesLocallyWhenShardOwned(t *testing.T) {
	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	numberOfShards := 4
	assignment := shard.New()
	assignment.Assign([]types.ShardId{shard.Of(worker, numberOfShards)})

	local := &fakeLocal{result: []byte("ok")}
	sub := New(assignment, numberOfShards, local, staticResolver{})

	resp, err := sub.Invoke(context.Background(), &InvokeRequest{
		TargetComponentId: worker.ComponentId,
		TargetWorkerName:  worker.WorkerName,
		FunctionName:      "handle",
	})
	require.NoError(t, err)
	assert.True(t, local.called)
	assert.Equal(t, []byte("ok"), resp.Result)
}

// remoteServer implements Server by delegating to an embedded Local, the
// same shape the top-level executor wires into RegisterServer.
type remoteServer struct {
	local Local
}

func (s *remoteServer) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
	target := types.WorkerId{ComponentId: req.TargetComponentId, WorkerName: req.TargetWorkerName}
	result, err := s.local.InvokeLocal(ctx, target, req.FunctionName, req.Args, req.IdempotencyKey)
	if err != nil {
		return errorResponse(err), nil
	}
	return &InvokeResponse{Result: result}, nil
}

func TestInvokeDispatchesRemotelyWhenShardNotOwned(t *testing.T) {
	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-remote"}
	numberOfShards := 4

	remoteLocal := &fakeLocal{result: []byte("remote-ok")}
	grpcServer := grpc.NewServer()
	RegisterServer(grpcServer, &remoteServer{local: remoteLocal})

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer grpcServer.Stop()
	go grpcServer.Serve(lis)

	// This node owns no shards, so every call routes to the listener above.
	assignment := shard.New()
	sub := New(assignment, numberOfShards, &fakeLocal{}, staticResolver{addr: lis.Addr().String()})
	defer sub.Close()

	resp, err := sub.Invoke(context.Background(), &InvokeRequest{
		TargetComponentId: worker.ComponentId,
		TargetWorkerName:  worker.WorkerName,
		FunctionName:      "handle",
	})
	require.NoError(t, err)
	assert.True(t, remoteLocal.called)
	assert.Equal(t, []byte("remote-ok"), resp.Result)
}

func TestInvokeRemoteReturnsErrorWhenNoNodeOwnsShard(t *testing.T) {
	assignment := shard.New()
	sub := New(assignment, 4, &fakeLocal{}, staticResolver{})

	_, err := sub.Invoke(context.Background(), &InvokeRequest{
		TargetComponentId: "comp-1",
		TargetWorkerName:  "worker-unowned",
		FunctionName:      "handle",
	})
	assert.Error(t, err)
}
