// Package coordinator is the Replicated Index Coordinator: a small Raft
// group (hashicorp/raft + raft-boltdb) that agrees on which node owns
// each shard and on the last committed OplogIndex a node has reported for
// a worker. It never replicates oplog payloads - those stay single-writer
// on the owning node's KV/Blob backend - only the pointers needed to
// detect a stale owner after a failover, grounded on the teacher's
// Manager (pkg/manager/manager.go) with the CRUD command set replaced by
// shard/pointer bookkeeping.
package coordinator

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/golem-project/worker-executor/pkg/log"
	"github.com/golem-project/worker-executor/pkg/metrics"
	"github.com/golem-project/worker-executor/pkg/types"
)

// Config configures a single Coordinator node.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Coordinator is one member of the shard-assignment Raft group.
type Coordinator struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft *raft.Raft
	fsm  *fsm
}

// New constructs a Coordinator; call Bootstrap or Join to actually start
// the Raft group.
func New(cfg Config) (*Coordinator, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("coordinator: create data dir: %w", err)
	}
	return &Coordinator{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      newFSM(),
	}, nil
}

func (c *Coordinator) raftConfig() (*raft.Config, *raft.TCPTransport, raft.SnapshotStore, raft.LogStore, raft.StableStore, error) {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(c.nodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", c.bindAddr)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("coordinator: resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(c.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("coordinator: create transport: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(c.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("coordinator: create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("coordinator: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("coordinator: create stable store: %w", err)
	}
	return config, transport, snapshotStore, logStore, stableStore, nil
}

// Bootstrap starts a brand-new single-node Raft cluster with this node as
// its only member.
func (c *Coordinator) Bootstrap() error {
	config, transport, snapshotStore, logStore, stableStore, err := c.raftConfig()
	if err != nil {
		return err
	}

	r, err := raft.NewRaft(config, c.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("coordinator: create raft: %w", err)
	}
	c.raft = r

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{
			{ID: config.LocalID, Address: transport.LocalAddr()},
		},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("coordinator: bootstrap cluster: %w", err)
	}

	go c.reportLeadership()
	return nil
}

// Join starts this node's Raft instance and returns without waiting; the
// existing leader must then add it as a voter via AddVoter.
func (c *Coordinator) Join() error {
	config, transport, snapshotStore, logStore, stableStore, err := c.raftConfig()
	if err != nil {
		return err
	}
	r, err := raft.NewRaft(config, c.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("coordinator: create raft: %w", err)
	}
	c.raft = r
	go c.reportLeadership()
	return nil
}

// AddVoter admits a new node into the Raft configuration; only the
// leader may call this successfully.
func (c *Coordinator) AddVoter(nodeID, raftAddr string) error {
	if c.raft == nil {
		return fmt.Errorf("coordinator: raft not initialized")
	}
	future := c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, 10*time.Second)
	return future.Error()
}

func (c *Coordinator) reportLeadership() {
	for isLeader := range c.raft.LeaderCh() {
		if isLeader {
			metrics.CoordinatorIsLeader.Set(1)
		} else {
			metrics.CoordinatorIsLeader.Set(0)
		}
		log.WithComponent("coordinator").Info().Bool("is_leader", isLeader).Msg("leadership changed")
	}
}

// IsLeader reports whether this node currently holds the Raft leadership.
func (c *Coordinator) IsLeader() bool {
	return c.raft != nil && c.raft.State() == raft.Leader
}

func (c *Coordinator) apply(cmd Command) error {
	if c.raft.State() != raft.Leader {
		return fmt.Errorf("coordinator: not leader")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("coordinator: marshal command: %w", err)
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CoordinatorApplyDuration)

	future := c.raft.Apply(data, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("coordinator: apply: %w", err)
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return fmt.Errorf("coordinator: fsm rejected command: %w", err)
	}
	return nil
}

// AssignShard grants nodeID ownership of shardId, reachable at addr.
func (c *Coordinator) AssignShard(shardId types.ShardId, nodeID, addr string) error {
	data, err := json.Marshal(assignShardPayload{ShardId: shardId, NodeID: nodeID, Addr: addr})
	if err != nil {
		return err
	}
	return c.apply(Command{Op: opAssignShard, Data: data})
}

// RevokeShard removes shardId's current ownership assignment.
func (c *Coordinator) RevokeShard(shardId types.ShardId) error {
	data, err := json.Marshal(revokeShardPayload{ShardId: shardId})
	if err != nil {
		return err
	}
	return c.apply(Command{Op: opRevokeShard, Data: data})
}

// UpdatePointer records the highest OplogIndex a node has durably
// appended for worker, so that after a failover the new owner knows
// where replay must resume from at minimum.
func (c *Coordinator) UpdatePointer(workerId types.WorkerId, shardId types.ShardId, lastIndex types.OplogIndex) error {
	data, err := json.Marshal(updatePointerPayload{WorkerId: workerId, ShardId: shardId, LastIndex: lastIndex})
	if err != nil {
		return err
	}
	return c.apply(Command{Op: opUpdatePointer, Data: data})
}

// NodeForShard implements pkg/rpc.NodeResolver: it reports the address of
// the node currently owning shardId, per the last committed assignment.
func (c *Coordinator) NodeForShard(shardId types.ShardId) (string, bool) {
	return c.fsm.nodeForShard(shardId)
}

// PointerFor returns the last committed (ShardId, OplogIndex) pointer
// known for a worker, if any.
func (c *Coordinator) PointerFor(workerId types.WorkerId) (shardId types.ShardId, lastIndex types.OplogIndex, ok bool) {
	p, ok := c.fsm.pointerFor(workerId)
	if !ok {
		return 0, 0, false
	}
	return p.ShardId, p.LastIndex, true
}

// Shutdown gracefully stops the Raft instance.
func (c *Coordinator) Shutdown() error {
	if c.raft == nil {
		return nil
	}
	return c.raft.Shutdown().Error()
}
