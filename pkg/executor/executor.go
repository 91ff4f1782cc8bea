// Package executor wires the twelve core components into the worker
// executor's external surface (spec.md §6): CreateWorker, InvokeWorker,
// GetWorkerMetadata, ConnectWorker, InterruptWorker, ResumeWorker, and
// UpdateWorker. Component binary resolution is delegated to a
// ComponentLoader boundary interface - the component service is an
// external collaborator out of core, per spec.md's Non-goals.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golem-project/worker-executor/pkg/cache"
	"github.com/golem-project/worker-executor/pkg/codec"
	"github.com/golem-project/worker-executor/pkg/config"
	"github.com/golem-project/worker-executor/pkg/events"
	"github.com/golem-project/worker-executor/pkg/lifecycle"
	"github.com/golem-project/worker-executor/pkg/log"
	"github.com/golem-project/worker-executor/pkg/metrics"
	"github.com/golem-project/worker-executor/pkg/oplog"
	"github.com/golem-project/worker-executor/pkg/promise"
	"github.com/golem-project/worker-executor/pkg/queue"
	"github.com/golem-project/worker-executor/pkg/recovery"
	"github.com/golem-project/worker-executor/pkg/rpc"
	"github.com/golem-project/worker-executor/pkg/scheduler"
	"github.com/golem-project/worker-executor/pkg/shard"
	"github.com/golem-project/worker-executor/pkg/storage"
	"github.com/golem-project/worker-executor/pkg/types"
	"github.com/golem-project/worker-executor/pkg/wasmhost"
)

// ComponentLoader resolves a component's compiled WASM bytes. The
// component repository itself (versioning, storage, upload) is an
// external collaborator; this executor only ever reads through it.
type ComponentLoader interface {
	Load(ctx context.Context, componentId types.ComponentId, version uint64) ([]byte, error)
}

// workerState is the in-memory bookkeeping kept alongside a worker's
// durable oplog: its last known metadata snapshot and lifecycle machine.
// Authoritative state always lives in the oplog; this is advisory,
// rebuilt by recovery whenever absent (spec.md's oplog-wins tie-break).
type workerState struct {
	mu      sync.Mutex
	meta    types.WorkerMetadata
	machine *lifecycle.Machine
}

// Executor owns every per-node component and answers the external
// interface of spec.md §6 on top of them.
type Executor struct {
	cfg     config.Config
	backend storage.Backend

	cache      *cache.Cache
	queues     *queue.Queues
	promises   *promise.Service
	scheduler  *scheduler.Scheduler
	assignment *shard.Assignment
	events     *events.Broker
	rpc        *rpc.Subsystem
	engine     *wasmhost.Engine
	components ComponentLoader

	mu      sync.Mutex
	workers map[types.WorkerId]*workerState
}

// Deps bundles the already-constructed components an Executor wires
// together. The shard count and default retry policy always come from
// the Config passed to New.
type Deps struct {
	Backend    storage.Backend
	Assignment *shard.Assignment
	Resolver   rpc.NodeResolver
	Components ComponentLoader
}

// New builds an Executor; callers provide the resolver (normally
// pkg/coordinator) and assignment tracker separately since both are
// shared with other node-level responsibilities beyond invocation.
func New(cfg config.Config, deps Deps) *Executor {
	e := &Executor{
		cfg:        cfg,
		backend:    deps.Backend,
		queues:     queue.New(cfg.QueueCapacity),
		promises:   promise.New(deps.Backend.KV),
		assignment: deps.Assignment,
		events:     events.NewBroker(),
		engine:     wasmhost.NewEngine(),
		components: deps.Components,
		workers:    make(map[types.WorkerId]*workerState),
	}

	c, err := cache.New(cfg.MaxActiveWorkers)
	if err != nil {
		// MaxActiveWorkers <= 0 is a configuration error the caller should
		// have caught; fall back to a small but functional cache rather
		// than leaving the executor unusable.
		c, _ = cache.New(1)
	}
	e.cache = c
	e.rpc = rpc.New(deps.Assignment, cfg.Shard.NumberOfShards, e, deps.Resolver)
	e.events.Start()
	return e
}

// Scheduler wires a Scheduler built from this executor's KV namespace;
// dispatch fires scheduled wake-ups back into InvokeLocal.
func (e *Executor) Scheduler(interval time.Duration) *scheduler.Scheduler {
	e.scheduler = scheduler.New(e.backend.KV, e.dispatchScheduled, interval)
	return e.scheduler
}

func (e *Executor) dispatchScheduled(ctx context.Context, action scheduler.Action) error {
	payload, err := codec.Marshal(action.Payload)
	if err != nil {
		return fmt.Errorf("executor: encode scheduled action payload: %w", err)
	}
	_, err = e.InvokeLocal(ctx, action.WorkerId, action.Kind, payload, action.ID)
	return err
}

func (e *Executor) stateFor(workerId types.WorkerId) *workerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	ws, ok := e.workers[workerId]
	if !ok {
		ws = &workerState{machine: lifecycle.NewMachine()}
		e.workers[workerId] = ws
	}
	return ws
}

// CreateWorker appends the Create record that brings workerId into
// existence and registers its in-memory metadata.
func (e *Executor) CreateWorker(ctx context.Context, workerId types.WorkerId, componentId types.ComponentId, componentVersion uint64, args []string, env map[string]string, parent *types.WorkerId, accountId types.AccountId) (*types.WorkerMetadata, error) {
	shardId := shard.Of(workerId, e.cfg.Shard.NumberOfShards)
	if !e.assignment.Owns(shardId) {
		return nil, fmt.Errorf("executor: worker %s belongs to a shard this node does not own", workerId)
	}

	workerLog := oplog.Open(e.backend.KV, e.backend.Blob, workerId)
	length, err := workerLog.Length(ctx)
	if err != nil {
		return nil, fmt.Errorf("executor: read oplog length for %s: %w", workerId, err)
	}
	if length != 0 {
		return nil, fmt.Errorf("executor: worker %s already exists", workerId)
	}

	now := time.Now().UTC()
	if _, err := workerLog.Append(ctx, types.OplogRecord{
		Kind:             types.KindCreate,
		ComponentId:      componentId,
		ComponentVersion: componentVersion,
		Args:             args,
		Env:              env,
		Parent:           parent,
		AccountId:        accountId,
		Timestamp:        now,
	}); err != nil {
		return nil, fmt.Errorf("executor: record creation of %s: %w", workerId, err)
	}

	ws := e.stateFor(workerId)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.meta = types.WorkerMetadata{
		WorkerId:         workerId,
		ComponentVersion: componentVersion,
		Status:           types.WorkerStatusIdle,
		AccountId:        accountId,
		CreatedAt:        now,
		LastIndex:        1,
	}

	log.WithWorkerID(workerId.String()).Info().
		Str("component_id", string(componentId)).
		Uint64("component_version", componentVersion).
		Msg("worker created")

	meta := ws.meta
	return &meta, nil
}

// GetWorkerMetadata returns a worker's current metadata, recovering it
// from the oplog if this node has no in-memory record (e.g. after a
// restart or a fresh shard takeover).
func (e *Executor) GetWorkerMetadata(ctx context.Context, workerId types.WorkerId) (*types.WorkerMetadata, error) {
	ws := e.stateFor(workerId)
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.meta.WorkerId.ComponentId != "" {
		meta := ws.meta
		meta.Status = ws.machine.Status()
		return &meta, nil
	}

	workerLog := oplog.Open(e.backend.KV, e.backend.Blob, workerId)
	length, err := workerLog.Length(ctx)
	if err != nil {
		return nil, fmt.Errorf("executor: read oplog length for %s: %w", workerId, err)
	}
	if length == 0 {
		return nil, storage.ErrNotFound
	}

	records, err := workerLog.Read(ctx, 1, 1)
	if err != nil || len(records) == 0 {
		return nil, fmt.Errorf("executor: read creation record for %s: %w", workerId, err)
	}
	create := records[0]

	result, err := recovery.Recover(ctx, workerLog, workerId, e.cfg.DefaultRetryPolicy)
	if err != nil {
		return nil, fmt.Errorf("executor: recover %s: %w", workerId, err)
	}

	ws.machine = result.Machine
	ws.meta = types.WorkerMetadata{
		WorkerId:         workerId,
		ComponentVersion: create.ComponentVersion,
		AccountId:        create.AccountId,
		CreatedAt:        create.Timestamp,
		LastIndex:        result.LastIndex,
	}
	meta := ws.meta
	meta.Status = result.Machine.Status()
	return &meta, nil
}

// InterruptWorker transitions a worker to Interrupted, recording the
// transition in its oplog. Hard and soft interrupts are handled the same
// way: hard is not consulted, and invocations still in the worker's queue
// are left there in both cases.
func (e *Executor) InterruptWorker(ctx context.Context, workerId types.WorkerId, hard bool) error {
	return e.transition(ctx, workerId, types.WorkerStatusInterrupted, types.KindInterrupted)
}

// ResumeWorker transitions an Interrupted or Suspended worker back to
// Running.
func (e *Executor) ResumeWorker(ctx context.Context, workerId types.WorkerId) error {
	ws := e.stateFor(workerId)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.machine.Transition(types.WorkerStatusRunning)
}

func (e *Executor) transition(ctx context.Context, workerId types.WorkerId, status types.WorkerStatus, kind types.OplogEntryKind) error {
	ws := e.stateFor(workerId)
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if err := ws.machine.Transition(status); err != nil {
		return err
	}
	workerLog := oplog.Open(e.backend.KV, e.backend.Blob, workerId)
	_, err := workerLog.Append(ctx, types.OplogRecord{Kind: kind})
	if err != nil {
		return fmt.Errorf("executor: record %s for %s: %w", kind, workerId, err)
	}
	e.events.Publish(&events.Event{WorkerId: workerId, Type: events.EventStatusChanged, Message: string(status)})
	return nil
}

// UpdateWorker records a PendingUpdate entry describing the target
// component version and update mode. It does not apply the update:
// activation (instantiate) loads the component version named by the
// Create record and does not read PendingUpdate entries.
func (e *Executor) UpdateWorker(ctx context.Context, workerId types.WorkerId, targetVersion uint64, mode types.UpdateMode) error {
	workerLog := oplog.Open(e.backend.KV, e.backend.Blob, workerId)
	_, err := workerLog.Append(ctx, types.OplogRecord{
		Kind:          types.KindPendingUpdate,
		TargetVersion: targetVersion,
		Description:   string(mode),
	})
	if err != nil {
		return fmt.Errorf("executor: record update for %s: %w", workerId, err)
	}
	return nil
}

// Invoke implements pkg/rpc.Server: it is the handler a remote node's
// gRPC call lands on when dispatching against a worker this node owns.
func (e *Executor) Invoke(ctx context.Context, req *rpc.InvokeRequest) (*rpc.InvokeResponse, error) {
	return e.rpc.Invoke(ctx, req)
}

// ConnectWorker returns a live subscription to workerId's log/event
// stream; callers must Unsubscribe when done watching.
func (e *Executor) ConnectWorker(workerId types.WorkerId) events.Subscriber {
	return e.events.Subscribe(workerId)
}

// DisconnectWorker releases a ConnectWorker subscription.
func (e *Executor) DisconnectWorker(workerId types.WorkerId, sub events.Subscriber) {
	e.events.Unsubscribe(workerId, sub)
}

// InvokeWorker is the external entry point for a function call: it routes
// through the RPC subsystem so a call against a worker this node does not
// own transparently dispatches to whichever node does.
func (e *Executor) InvokeWorker(ctx context.Context, workerId types.WorkerId, functionName string, args []byte, idempotencyKey string) ([]byte, error) {
	resp, err := e.rpc.Invoke(ctx, &rpc.InvokeRequest{
		TargetComponentId: string(workerId.ComponentId),
		TargetWorkerName:  workerId.WorkerName,
		FunctionName:      functionName,
		Args:              args,
		IdempotencyKey:    idempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	if resp.ErrorMessage != "" {
		return nil, &types.SerializableError{Kind: resp.ErrorKind, Message: resp.ErrorMessage}
	}
	return resp.Result, nil
}

// InvokeLocal implements pkg/rpc.Local: it runs functionName against a
// worker this node owns, serializing concurrent calls to the same worker
// through its invocation queue. A non-empty idempotencyKey is first
// checked against the oplog itself (spec.md §4.7): if a prior invocation
// with the same key already recorded a KindExportedFunctionComplete entry,
// its response is returned directly and the worker is never re-invoked.
// The queue's own byKey dedup (pkg/queue) only covers the narrower window
// of concurrently queued, not-yet-completed duplicates.
func (e *Executor) InvokeLocal(ctx context.Context, workerId types.WorkerId, functionName string, args []byte, idempotencyKey string) ([]byte, error) {
	if idempotencyKey != "" {
		result, found, err := e.findCompletedInvocation(ctx, workerId, idempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("executor: check idempotency key for %s: %w", workerId, err)
		}
		if found {
			return result, nil
		}
	}

	ws := e.stateFor(workerId)

	inv := &queue.Invocation{
		FunctionName:   functionName,
		Args:           types.PayloadRef{Inline: args},
		IdempotencyKey: idempotencyKey,
	}
	queued, err := e.queues.Enqueue(ctx, workerId, inv)
	if err != nil {
		return nil, err
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()

	dequeued, ok := e.queues.Dequeue(workerId)
	if !ok {
		// Another caller's concurrent invocation already drained ours;
		// wait for the result delivered on our own channel instead.
		dequeued = queued
	}

	if err := ws.machine.Transition(types.WorkerStatusRunning); err != nil && ws.machine.Status() != types.WorkerStatusRunning {
		dequeued.Result <- queue.InvocationResult{Err: err}
		return nil, err
	}
	e.events.Publish(&events.Event{WorkerId: workerId, Type: events.EventInvocationStart, Message: functionName})

	instance, err := e.cache.GetOrCreate(workerId, e.instantiate)
	if err != nil {
		_ = ws.machine.Transition(types.WorkerStatusFailed)
		dequeued.Result <- queue.InvocationResult{Err: err}
		return nil, err
	}

	wc := instance.(*wasmhost.WorkerContext)
	result, callErr := wc.InvokeBytes(ctx, dequeued.FunctionName, dequeued.IdempotencyKey, dequeued.Args.Inline)

	if callErr != nil {
		_ = ws.machine.Transition(types.WorkerStatusFailed)
		dequeued.Result <- queue.InvocationResult{Err: callErr}
		e.events.Publish(&events.Event{WorkerId: workerId, Type: events.EventInvocationDone, Message: callErr.Error()})
		return nil, callErr
	}

	_ = ws.machine.Transition(types.WorkerStatusIdle)
	dequeued.Result <- queue.InvocationResult{Response: types.PayloadRef{Inline: result}}
	e.events.Publish(&events.Event{WorkerId: workerId, Type: events.EventInvocationDone, Message: functionName})
	metrics.ActiveWorkers.Set(float64(e.cache.Len()))
	return result, nil
}

// findCompletedInvocation scans workerId's oplog for a KindExportedFunctionComplete
// record carrying idempotencyKey, returning its recorded response (nil if the
// function returned no result). found is false if no completed invocation
// with that key has been recorded yet.
func (e *Executor) findCompletedInvocation(ctx context.Context, workerId types.WorkerId, idempotencyKey string) (result []byte, found bool, err error) {
	workerLog := oplog.Open(e.backend.KV, e.backend.Blob, workerId)
	length, err := workerLog.Length(ctx)
	if err != nil {
		return nil, false, err
	}
	if length == 0 {
		return nil, false, nil
	}

	records, err := workerLog.Read(ctx, 1, length)
	if err != nil {
		return nil, false, err
	}
	for _, r := range records {
		if r.Kind != types.KindExportedFunctionComplete || r.IdempotencyKey != idempotencyKey {
			continue
		}
		if r.ResponseRef == nil {
			return nil, true, nil
		}
		data, err := workerLog.DownloadPayload(ctx, *r.ResponseRef)
		if err != nil {
			return nil, false, err
		}
		return data, true, nil
	}
	return nil, false, nil
}

func (e *Executor) instantiate(workerId types.WorkerId) (cache.Instance, error) {
	ctx := context.Background()
	workerLog := oplog.Open(e.backend.KV, e.backend.Blob, workerId)

	records, err := workerLog.Read(ctx, 1, 1)
	if err != nil || len(records) == 0 {
		return nil, fmt.Errorf("executor: worker %s has no creation record", workerId)
	}
	componentId := records[0].ComponentId
	componentVersion := records[0].ComponentVersion

	wasmBytes, err := e.components.Load(ctx, componentId, componentVersion)
	if err != nil {
		return nil, fmt.Errorf("executor: load component %s@%d: %w", componentId, componentVersion, err)
	}

	result, err := recovery.Recover(ctx, workerLog, workerId, e.cfg.DefaultRetryPolicy)
	if err != nil {
		return nil, fmt.Errorf("executor: recover %s: %w", workerId, err)
	}

	ws := e.stateFor(workerId)
	ws.mu.Lock()
	ws.machine = result.Machine
	ws.mu.Unlock()

	return wasmhost.Instantiate(e.engine, workerId, wasmBytes, result.Wrapper, e.backend.KV, e.backend.Blob, e.cfg.MemoryLimitBytes, e.cfg.FuelPerInvocation)
}

// Close releases the event broker and scheduler, if started.
func (e *Executor) Close() {
	e.events.Stop()
	if e.scheduler != nil {
		e.scheduler.Stop()
	}
	if e.rpc != nil {
		_ = e.rpc.Close()
	}
}
