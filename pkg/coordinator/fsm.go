package coordinator

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/golem-project/worker-executor/pkg/types"
)

// pointer is the committed (ShardId, OplogIndex) position of a worker, as
// last reported by whichever node was executing it. The coordinator never
// stores oplog payloads, only these pointers, so a worker's actual history
// stays single-writer on its owning node's KV/Blob backend.
type pointer struct {
	ShardId   types.ShardId    `json:"shard_id"`
	LastIndex types.OplogIndex `json:"last_index"`
}

// Command is one committed Raft log entry.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opAssignShard   = "assign_shard"
	opRevokeShard   = "revoke_shard"
	opUpdatePointer = "update_pointer"
)

type assignShardPayload struct {
	ShardId types.ShardId `json:"shard_id"`
	NodeID  string        `json:"node_id"`
	Addr    string        `json:"addr"`
}

type revokeShardPayload struct {
	ShardId types.ShardId `json:"shard_id"`
}

type updatePointerPayload struct {
	WorkerId  types.WorkerId   `json:"worker_id"`
	ShardId   types.ShardId    `json:"shard_id"`
	LastIndex types.OplogIndex `json:"last_index"`
}

// node is one registered cluster member as known to the FSM: its gRPC
// address. Shard ownership is kept in the FSM's separate shard map.
type node struct {
	Addr string `json:"addr"`
}

// fsm is the Raft FSM for the Replicated Index Coordinator: it owns the
// authoritative (ShardId -> owning node) table and the per-worker
// (ShardId, last known OplogIndex) pointer table, grounded on the
// teacher's WarrenFSM (pkg/manager/fsm.go), generalized from cluster
// resource CRUD to shard/pointer bookkeeping.
type fsm struct {
	mu sync.RWMutex

	nodes       map[string]node                  // node id -> node
	shardOwners map[types.ShardId]string         // shard id -> node id
	pointers    map[types.WorkerId]pointer
}

func newFSM() *fsm {
	return &fsm{
		nodes:       make(map[string]node),
		shardOwners: make(map[types.ShardId]string),
		pointers:    make(map[types.WorkerId]pointer),
	}
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("coordinator: unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opAssignShard:
		var p assignShardPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		f.nodes[p.NodeID] = node{Addr: p.Addr}
		f.shardOwners[p.ShardId] = p.NodeID
		return nil

	case opRevokeShard:
		var p revokeShardPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		delete(f.shardOwners, p.ShardId)
		return nil

	case opUpdatePointer:
		var p updatePointerPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		existing, ok := f.pointers[p.WorkerId]
		if ok && existing.LastIndex >= p.LastIndex {
			return nil
		}
		f.pointers[p.WorkerId] = pointer{ShardId: p.ShardId, LastIndex: p.LastIndex}
		return nil

	default:
		return fmt.Errorf("coordinator: unknown command %q", cmd.Op)
	}
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap := &fsmSnapshot{
		Nodes:       copyNodes(f.nodes),
		ShardOwners: copyShardOwners(f.shardOwners),
		Pointers:    copyPointers(f.pointers),
	}
	return snap, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var wire wireSnapshot
	if err := json.NewDecoder(rc).Decode(&wire); err != nil {
		return fmt.Errorf("coordinator: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes = wire.Nodes
	f.shardOwners = wire.ShardOwners
	f.pointers = make(map[types.WorkerId]pointer, len(wire.Pointers))
	for _, wp := range wire.Pointers {
		f.pointers[wp.WorkerId] = wp.Pointer
	}
	if f.nodes == nil {
		f.nodes = make(map[string]node)
	}
	if f.shardOwners == nil {
		f.shardOwners = make(map[types.ShardId]string)
	}
	if f.pointers == nil {
		f.pointers = make(map[types.WorkerId]pointer)
	}
	return nil
}

func (f *fsm) nodeForShard(shardId types.ShardId) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	nodeID, ok := f.shardOwners[shardId]
	if !ok {
		return "", false
	}
	n, ok := f.nodes[nodeID]
	if !ok {
		return "", false
	}
	return n.Addr, true
}

func (f *fsm) pointerFor(workerId types.WorkerId) (pointer, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.pointers[workerId]
	return p, ok
}

// fsmSnapshot is the wire form of fsm's state. types.WorkerId isn't a
// valid JSON object key, so pointers are flattened to a slice for
// encoding and rebuilt into a map on restore.
type fsmSnapshot struct {
	Nodes       map[string]node
	ShardOwners map[types.ShardId]string
	Pointers    map[types.WorkerId]pointer `json:"-"`
}

type wirePointer struct {
	WorkerId types.WorkerId `json:"worker_id"`
	Pointer  pointer        `json:"pointer"`
}

type wireSnapshot struct {
	Nodes       map[string]node         `json:"nodes"`
	ShardOwners map[types.ShardId]string `json:"shard_owners"`
	Pointers    []wirePointer           `json:"pointers"`
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		wire := wireSnapshot{Nodes: s.Nodes, ShardOwners: s.ShardOwners}
		for workerId, p := range s.Pointers {
			wire.Pointers = append(wire.Pointers, wirePointer{WorkerId: workerId, Pointer: p})
		}
		if err := json.NewEncoder(sink).Encode(wire); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}

func copyNodes(in map[string]node) map[string]node {
	out := make(map[string]node, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyShardOwners(in map[types.ShardId]string) map[types.ShardId]string {
	out := make(map[types.ShardId]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyPointers(in map[types.WorkerId]pointer) map[types.WorkerId]pointer {
	out := make(map[types.WorkerId]pointer, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
