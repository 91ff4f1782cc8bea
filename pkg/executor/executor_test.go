package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golem-project/worker-executor/pkg/config"
	"github.com/golem-project/worker-executor/pkg/oplog"
	"github.com/golem-project/worker-executor/pkg/shard"
	"github.com/golem-project/worker-executor/pkg/storage"
	"github.com/golem-project/worker-executor/pkg/types"
)

type staticResolver struct{}

func (staticResolver) NodeForShard(types.ShardId) (string, bool) { return "", false }

// fakeComponents serves a tiny, fixed WASM module body for every
// component requested, so tests never need a real compiled component.
type fakeComponents struct {
	bytes []byte
	err   error
}

func (f *fakeComponents) Load(ctx context.Context, componentId types.ComponentId, version uint64) ([]byte, error) {
	return f.bytes, f.err
}

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	cfg := config.Default()
	cfg.Shard.NumberOfShards = 4
	cfg.MaxActiveWorkers = 16
	cfg.QueueCapacity = 16

	assignment := shard.New()
	assignment.Assign([]types.ShardId{0, 1, 2, 3})

	e := New(cfg, Deps{
		Backend:    storage.NewMemory(),
		Assignment: assignment,
		Resolver:   staticResolver{},
		Components: &fakeComponents{},
	})
	t.Cleanup(e.Close)
	return e
}

func TestCreateWorkerRegistersMetadata(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()
	workerId := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}

	meta, err := e.CreateWorker(ctx, workerId, "comp-1", 1, nil, nil, nil, "account-1")
	require.NoError(t, err)
	assert.Equal(t, workerId, meta.WorkerId)
	assert.Equal(t, types.WorkerStatusIdle, meta.Status)
	assert.Equal(t, types.OplogIndex(1), meta.LastIndex)
}

func TestCreateWorkerTwiceFails(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()
	workerId := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-2"}

	_, err := e.CreateWorker(ctx, workerId, "comp-1", 1, nil, nil, nil, "account-1")
	require.NoError(t, err)

	_, err = e.CreateWorker(ctx, workerId, "comp-1", 1, nil, nil, nil, "account-1")
	assert.Error(t, err)
}

func TestCreateWorkerRejectsUnownedShard(t *testing.T) {
	e := newTestExecutor(t)
	e.assignment = shard.New() // owns nothing
	ctx := context.Background()
	workerId := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-3"}

	_, err := e.CreateWorker(ctx, workerId, "comp-1", 1, nil, nil, nil, "account-1")
	assert.Error(t, err)
}

func TestGetWorkerMetadataUnknownWorkerReturnsNotFound(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()
	workerId := types.WorkerId{ComponentId: "comp-1", WorkerName: "never-created"}

	_, err := e.GetWorkerMetadata(ctx, workerId)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetWorkerMetadataRecoversAfterLostInMemoryState(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()
	workerId := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-4"}

	_, err := e.CreateWorker(ctx, workerId, "comp-1", 3, []string{"--flag"}, nil, nil, "account-9")
	require.NoError(t, err)

	// Simulate a restart: drop the in-memory bookkeeping, keep the oplog.
	delete(e.workers, workerId)

	meta, err := e.GetWorkerMetadata(ctx, workerId)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), meta.ComponentVersion)
	assert.Equal(t, types.AccountId("account-9"), meta.AccountId)
}

func TestInterruptThenResume(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()
	workerId := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-5"}

	_, err := e.CreateWorker(ctx, workerId, "comp-1", 1, nil, nil, nil, "account-1")
	require.NoError(t, err)

	ws := e.stateFor(workerId)
	require.NoError(t, ws.machine.Transition(types.WorkerStatusRunning))

	require.NoError(t, e.InterruptWorker(ctx, workerId, false))
	assert.Equal(t, types.WorkerStatusInterrupted, ws.machine.Status())

	require.NoError(t, e.ResumeWorker(ctx, workerId))
	assert.Equal(t, types.WorkerStatusRunning, ws.machine.Status())
}

func TestUpdateWorkerRecordsPendingUpdate(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()
	workerId := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-6"}

	_, err := e.CreateWorker(ctx, workerId, "comp-1", 1, nil, nil, nil, "account-1")
	require.NoError(t, err)

	err = e.UpdateWorker(ctx, workerId, 2, types.UpdateModeAuto)
	assert.NoError(t, err)

	records, err := oplog.Open(e.backend.KV, e.backend.Blob, workerId).Read(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, types.KindPendingUpdate, records[1].Kind)
	assert.Equal(t, uint64(2), records[1].TargetVersion)
}

func TestConnectWorkerReceivesStatusChangeEvents(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()
	workerId := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-7"}

	_, err := e.CreateWorker(ctx, workerId, "comp-1", 1, nil, nil, nil, "account-1")
	require.NoError(t, err)

	ws := e.stateFor(workerId)
	require.NoError(t, ws.machine.Transition(types.WorkerStatusRunning))

	sub := e.ConnectWorker(workerId)
	defer e.DisconnectWorker(workerId, sub)

	require.NoError(t, e.InterruptWorker(ctx, workerId, false))

	ev := <-sub
	assert.Equal(t, workerId, ev.WorkerId)
	assert.Equal(t, string(types.WorkerStatusInterrupted), ev.Message)
}
