package shard

import (
	"testing"

	"github.com/golem-project/worker-executor/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestOfIsStable(t *testing.T) {
	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	first := Of(worker, 1024)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Of(worker, 1024))
	}
}

func TestOfDistributesAcrossShards(t *testing.T) {
	seen := map[types.ShardId]int{}
	for i := 0; i < 2000; i++ {
		worker := types.WorkerId{ComponentId: "comp-1", WorkerName: string(rune('a' + i%26)) + string(rune(i))}
		seen[Of(worker, 16)]++
	}
	assert.Greater(t, len(seen), 1, "expected workers to spread across more than one shard")
}

func TestAssignmentReadiness(t *testing.T) {
	a := New()
	assert.False(t, a.IsReady())

	a.Assign([]types.ShardId{3, 7})
	assert.True(t, a.IsReady())
	assert.True(t, a.Owns(3))
	assert.True(t, a.Owns(7))
	assert.False(t, a.Owns(1))

	a.Revoke([]types.ShardId{3})
	assert.False(t, a.Owns(3))
	assert.ElementsMatch(t, []types.ShardId{7}, a.Current())
}

func TestCheckWorker(t *testing.T) {
	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	shardId := Of(worker, 16)

	a := New()
	a.Assign([]types.ShardId{shardId})
	assert.True(t, a.CheckWorker(worker, 16))
}
