// Package rpc is the worker-to-worker call path: an invocation against a
// target WorkerId is dispatched in-process when this node's shard
// Assignment owns the target, or over gRPC (golem-json codec, no
// protoc-generated types) to whichever node the coordinator says owns it
// otherwise. Calls reach it from the executor (Executor.InvokeWorker and
// the gRPC handler Executor.Invoke); the guest's golem:rpc host import in
// pkg/wasmhost records its call as a WriteRemoteBatched effect but does
// not dispatch through this package.
package rpc

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/golem-project/worker-executor/pkg/log"
	"github.com/golem-project/worker-executor/pkg/metrics"
	"github.com/golem-project/worker-executor/pkg/shard"
	"github.com/golem-project/worker-executor/pkg/types"
)

// Local is implemented by whatever can invoke a worker already active on
// this node (pkg/executor's Executor, in practice).
type Local interface {
	InvokeLocal(ctx context.Context, worker types.WorkerId, functionName string, args []byte, idempotencyKey string) ([]byte, error)
}

// NodeResolver maps a ShardId to the gRPC address of the node currently
// owning it. Implemented by the coordinator and, for single-node mode,
// by the serve command's staticResolver.
type NodeResolver interface {
	NodeForShard(types.ShardId) (addr string, ok bool)
}

// Subsystem is the single entry point the executor's invocation handling
// goes through to reach a worker, local or remote.
type Subsystem struct {
	assignment     *shard.Assignment
	numberOfShards int
	local          Local
	resolver       NodeResolver

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// New builds a Subsystem bound to this node's shard Assignment.
func New(assignment *shard.Assignment, numberOfShards int, local Local, resolver NodeResolver) *Subsystem {
	return &Subsystem{
		assignment:     assignment,
		numberOfShards: numberOfShards,
		local:          local,
		resolver:       resolver,
		conns:          make(map[string]*grpc.ClientConn),
	}
}

// Invoke dispatches req.TargetComponentId/TargetWorkerName either
// in-process or to the owning node, depending on shard ownership.
func (s *Subsystem) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
	target := types.WorkerId{ComponentId: req.TargetComponentId, WorkerName: req.TargetWorkerName}
	shardId := shard.Of(target, s.numberOfShards)

	timer := metrics.NewTimer()
	flavour := "direct"
	defer func() {
		timer.ObserveDurationVec(metrics.RPCCallDuration, flavour)
	}()

	if s.assignment.Owns(shardId) {
		result, err := s.local.InvokeLocal(ctx, target, req.FunctionName, req.Args, req.IdempotencyKey)
		if err != nil {
			return errorResponse(err), nil
		}
		return &InvokeResponse{Result: result}, nil
	}

	flavour = "remote"
	addr, ok := s.resolver.NodeForShard(shardId)
	if !ok {
		return nil, fmt.Errorf("rpc: no node owns shard %d for worker %s", shardId, target)
	}

	conn, err := s.dial(addr)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", addr, err)
	}

	log.WithWorkerID(target.String()).Debug().
		Str("remote_addr", addr).
		Str("function_name", req.FunctionName).
		Msg("dispatching remote worker invocation")

	client := NewClient(conn)
	return client.Invoke(ctx, req)
}

func (s *Subsystem) dial(addr string) (*grpc.ClientConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conn, ok := s.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	if err != nil {
		return nil, err
	}
	s.conns[addr] = conn
	return conn, nil
}

// Close tears down every pooled outbound connection.
func (s *Subsystem) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for addr, conn := range s.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.conns, addr)
	}
	return firstErr
}

func errorResponse(err error) *InvokeResponse {
	return &InvokeResponse{ErrorKind: "invocation-failed", ErrorMessage: err.Error()}
}
