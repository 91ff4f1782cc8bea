// Package shard implements the stable hash partitioning that assigns each
// worker to exactly one shard, and tracks which shards this node currently
// owns. Hashing is delegated to cespare/xxhash/v2, already present in the
// teacher's dependency graph (pulled in transitively by hashicorp/raft)
// and promoted here to a direct, load-bearing use.
package shard

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/golem-project/worker-executor/pkg/metrics"
	"github.com/golem-project/worker-executor/pkg/types"
)

// Of returns the shard a worker belongs to, given the cluster-wide shard
// count. The mapping is a pure function of WorkerId and numberOfShards;
// nodes never need to coordinate to compute it, only to agree on
// numberOfShards and on who owns which shard (that agreement is
// pkg/coordinator's job).
func Of(workerId types.WorkerId, numberOfShards int) types.ShardId {
	if numberOfShards <= 0 {
		numberOfShards = 1
	}
	h := xxhash.Sum64String(workerId.String())
	return types.ShardId(h % uint64(numberOfShards))
}

// Assignment is the set of shards this node currently owns, changed only
// through Assign/Revoke (the serve command assigns every shard in
// single-node mode) and consulted on every worker activation to decide
// whether this node may serve it.
type Assignment struct {
	mu    sync.RWMutex
	owned map[types.ShardId]struct{}
	ready bool
}

// New returns an empty, not-yet-ready Assignment. A node should refuse to
// activate workers until IsReady reports true, to avoid serving stale or
// absent shard ownership.
func New() *Assignment {
	return &Assignment{owned: make(map[types.ShardId]struct{})}
}

// IsReady reports whether this node has received at least one shard
// assignment since startup.
func (a *Assignment) IsReady() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ready
}

// Assign grants ownership of the given shards to this node.
func (a *Assignment) Assign(shards []types.ShardId) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range shards {
		a.owned[s] = struct{}{}
	}
	a.ready = true
	metrics.ShardsOwned.Set(float64(len(a.owned)))
}

// Revoke removes ownership of the given shards from this node, typically
// because the coordinator reassigned them elsewhere.
func (a *Assignment) Revoke(shards []types.ShardId) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range shards {
		delete(a.owned, s)
	}
	metrics.ShardsOwned.Set(float64(len(a.owned)))
}

// Current returns the shards currently owned by this node.
func (a *Assignment) Current() []types.ShardId {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]types.ShardId, 0, len(a.owned))
	for s := range a.owned {
		out = append(out, s)
	}
	return out
}

// Owns reports whether this node owns shard s.
func (a *Assignment) Owns(s types.ShardId) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.owned[s]
	return ok
}

// CheckWorker reports whether this node currently owns the shard a worker
// hashes to, given numberOfShards.
func (a *Assignment) CheckWorker(workerId types.WorkerId, numberOfShards int) bool {
	return a.Owns(Of(workerId, numberOfShards))
}
