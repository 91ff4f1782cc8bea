package recovery

import (
	"context"
	"testing"

	"github.com/golem-project/worker-executor/pkg/oplog"
	"github.com/golem-project/worker-executor/pkg/storage"
	"github.com/golem-project/worker-executor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverFreshWorkerStartsLive(t *testing.T) {
	backend := storage.NewMemory()
	defer backend.Close()
	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	log := oplog.Open(backend.KV, backend.Blob, worker)

	result, err := Recover(context.Background(), log, worker, types.DefaultRetryPolicy())
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusIdle, result.Machine.Status())
	assert.EqualValues(t, 0, result.LastIndex)
}

func TestRecoverReplaysRecordedCallsAndStatus(t *testing.T) {
	backend := storage.NewMemory()
	defer backend.Close()
	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	log := oplog.Open(backend.KV, backend.Blob, worker)

	ctx := context.Background()
	_, err := log.Append(ctx, types.OplogRecord{Kind: types.KindCreate})
	require.NoError(t, err)
	_, err = log.Append(ctx, types.OplogRecord{Kind: types.KindExportedFunctionInvoked, FunctionName: "handle"})
	require.NoError(t, err)
	ref, err := log.UploadPayload(ctx, []byte("recorded-response"))
	require.NoError(t, err)
	_, err = log.Append(ctx, types.OplogRecord{
		Kind:                types.KindImportedFunctionInvoked,
		FunctionName:        "wasi:clocks/now",
		DurableFunctionType: types.ReadRemote,
		PayloadRef:          &ref,
	})
	require.NoError(t, err)

	result, err := Recover(ctx, log, worker, types.DefaultRetryPolicy())
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusRunning, result.Machine.Status())
	assert.Equal(t, 1, result.Wrapper.PendingReplayCount())
}

func TestRecoverHonoursLatestSnapshot(t *testing.T) {
	backend := storage.NewMemory()
	defer backend.Close()
	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	log := oplog.Open(backend.KV, backend.Blob, worker)

	ctx := context.Background()
	_, err := log.Append(ctx, types.OplogRecord{Kind: types.KindCreate})
	require.NoError(t, err)
	_, err = log.Append(ctx, types.OplogRecord{
		Kind:                types.KindImportedFunctionInvoked,
		FunctionName:        "stale-call",
		DurableFunctionType: types.ReadRemote,
	})
	require.NoError(t, err)
	_, err = log.Append(ctx, types.OplogRecord{Kind: types.KindSnapshot})
	require.NoError(t, err)

	result, err := Recover(ctx, log, worker, types.DefaultRetryPolicy())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Wrapper.PendingReplayCount())
}

func TestRecoverCarriesBatchMarkersIntoReplayQueue(t *testing.T) {
	backend := storage.NewMemory()
	defer backend.Close()
	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	log := oplog.Open(backend.KV, backend.Blob, worker)

	ctx := context.Background()
	_, err := log.Append(ctx, types.OplogRecord{Kind: types.KindCreate})
	require.NoError(t, err)
	_, err = log.Append(ctx, types.OplogRecord{Kind: types.KindBeginRemoteWrite})
	require.NoError(t, err)
	_, err = log.Append(ctx, types.OplogRecord{
		Kind:                types.KindImportedFunctionInvoked,
		FunctionName:        "wasi:keyvalue/eventual-batch.set-many",
		DurableFunctionType: types.WriteRemoteBatched,
	})
	require.NoError(t, err)
	_, err = log.Append(ctx, types.OplogRecord{Kind: types.KindEndRemoteWrite})
	require.NoError(t, err)

	result, err := Recover(ctx, log, worker, types.DefaultRetryPolicy())
	require.NoError(t, err)

	require.NoError(t, result.Wrapper.BeginBatch(ctx))
	_, err = result.Wrapper.Invoke(ctx, "wasi:keyvalue/eventual-batch.set-many", types.WriteRemoteBatched, func(ctx context.Context) ([]byte, error) {
		t.Fatal("effect must not re-execute during replay")
		return nil, nil
	})
	require.NoError(t, err)
	require.NoError(t, result.Wrapper.EndBatch(ctx))
	assert.Equal(t, 0, result.Wrapper.PendingReplayCount())
}
