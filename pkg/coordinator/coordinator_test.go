package coordinator

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golem-project/worker-executor/pkg/types"
)

func freePort(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

func bootstrapSingleNode(t *testing.T) *Coordinator {
	t.Helper()
	c, err := New(Config{
		NodeID:   "node-1",
		BindAddr: freePort(t),
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, c.Bootstrap())

	assert.Eventually(t, c.IsLeader, 5*time.Second, 10*time.Millisecond)
	return c
}

func TestBootstrapBecomesLeader(t *testing.T) {
	c := bootstrapSingleNode(t)
	defer c.Shutdown()
	assert.True(t, c.IsLeader())
}

func TestAssignAndResolveShard(t *testing.T) {
	c := bootstrapSingleNode(t)
	defer c.Shutdown()

	require.NoError(t, c.AssignShard(types.ShardId(3), "node-1", "127.0.0.1:9000"))

	assert.Eventually(t, func() bool {
		addr, ok := c.NodeForShard(types.ShardId(3))
		return ok && addr == "127.0.0.1:9000"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRevokeShardRemovesOwnership(t *testing.T) {
	c := bootstrapSingleNode(t)
	defer c.Shutdown()

	require.NoError(t, c.AssignShard(types.ShardId(1), "node-1", "127.0.0.1:9001"))
	assert.Eventually(t, func() bool {
		_, ok := c.NodeForShard(types.ShardId(1))
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.RevokeShard(types.ShardId(1)))
	assert.Eventually(t, func() bool {
		_, ok := c.NodeForShard(types.ShardId(1))
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUpdatePointerOnlyMovesForward(t *testing.T) {
	c := bootstrapSingleNode(t)
	defer c.Shutdown()

	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	require.NoError(t, c.UpdatePointer(worker, types.ShardId(0), types.OplogIndex(5)))
	require.NoError(t, c.UpdatePointer(worker, types.ShardId(0), types.OplogIndex(2)))

	var lastIndex types.OplogIndex
	assert.Eventually(t, func() bool {
		_, idx, ok := c.PointerFor(worker)
		lastIndex = idx
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 5, lastIndex)
}

func TestNodeForUnassignedShardReturnsNotOK(t *testing.T) {
	c := bootstrapSingleNode(t)
	defer c.Shutdown()

	_, ok := c.NodeForShard(types.ShardId(42))
	assert.False(t, ok)
}
