package durability

import (
	"context"
	"testing"

	"github.com/golem-project/worker-executor/pkg/oplog"
	"github.com/golem-project/worker-executor/pkg/storage"
	"github.com/golem-project/worker-executor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiveInvokeRecordsAndReturnsResult(t *testing.T) {
	backend := storage.NewMemory()
	defer backend.Close()
	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	log := oplog.Open(backend.KV, backend.Blob, worker)

	w := NewLive(log, worker)
	result, err := w.Invoke(context.Background(), "wasi:clocks/now", types.ReadRemote, func(ctx context.Context) ([]byte, error) {
		return []byte("123456"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("123456"), result)

	length, err := log.Length(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, length)
}

func TestReadLocalIsNeverRecorded(t *testing.T) {
	backend := storage.NewMemory()
	defer backend.Close()
	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	log := oplog.Open(backend.KV, backend.Blob, worker)

	w := NewLive(log, worker)
	calls := 0
	_, err := w.Invoke(context.Background(), "local-read", types.ReadLocal, func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte("v"), nil
	})
	require.NoError(t, err)

	length, err := log.Length(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, length)
	assert.Equal(t, 1, calls)
}

func TestReplayServesRecordedResultWithoutReexecuting(t *testing.T) {
	backend := storage.NewMemory()
	defer backend.Close()
	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	log := oplog.Open(backend.KV, backend.Blob, worker)

	live := NewLive(log, worker)
	_, err := live.Invoke(context.Background(), "wasi:clocks/now", types.ReadRemote, func(ctx context.Context) ([]byte, error) {
		return []byte("123456"), nil
	})
	require.NoError(t, err)

	records, err := log.Read(context.Background(), 1, 1)
	require.NoError(t, err)

	replaying := NewReplaying(log, worker, records)
	calls := 0
	result, err := replaying.Invoke(context.Background(), "wasi:clocks/now", types.ReadRemote, func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte("should-not-be-called"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("123456"), result)
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, replaying.PendingReplayCount())
}

func TestReplayMismatchIsFatal(t *testing.T) {
	backend := storage.NewMemory()
	defer backend.Close()
	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	log := oplog.Open(backend.KV, backend.Blob, worker)

	live := NewLive(log, worker)
	_, err := live.Invoke(context.Background(), "wasi:clocks/now", types.ReadRemote, func(ctx context.Context) ([]byte, error) {
		return []byte("123456"), nil
	})
	require.NoError(t, err)

	records, err := log.Read(context.Background(), 1, 1)
	require.NoError(t, err)

	replaying := NewReplaying(log, worker, records)
	_, err = replaying.Invoke(context.Background(), "wasi:random/get-random-bytes", types.ReadRemote, func(ctx context.Context) ([]byte, error) {
		return nil, nil
	})
	require.Error(t, err)
	var nd *NonDeterministicReplayError
	assert.ErrorAs(t, err, &nd)
}

func TestBatchBracketsRecordAndReplayInOrder(t *testing.T) {
	backend := storage.NewMemory()
	defer backend.Close()
	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	log := oplog.Open(backend.KV, backend.Blob, worker)

	live := NewLive(log, worker)
	ctx := context.Background()
	require.NoError(t, live.BeginBatch(ctx))
	_, err := live.Invoke(ctx, "wasi:keyvalue/eventual-batch.set-many", types.WriteRemoteBatched, func(ctx context.Context) ([]byte, error) {
		return nil, nil
	})
	require.NoError(t, err)
	require.NoError(t, live.EndBatch(ctx))

	length, err := log.Length(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, length)

	records, err := log.Read(ctx, 1, length)
	require.NoError(t, err)
	assert.Equal(t, types.KindBeginRemoteWrite, records[0].Kind)
	assert.Equal(t, types.KindImportedFunctionInvoked, records[1].Kind)
	assert.Equal(t, types.KindEndRemoteWrite, records[2].Kind)

	replaying := NewReplaying(log, worker, records)
	calls := 0
	require.NoError(t, replaying.BeginBatch(ctx))
	_, err = replaying.Invoke(ctx, "wasi:keyvalue/eventual-batch.set-many", types.WriteRemoteBatched, func(ctx context.Context) ([]byte, error) {
		calls++
		return nil, nil
	})
	require.NoError(t, err)
	require.NoError(t, replaying.EndBatch(ctx))
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, replaying.PendingReplayCount())
}
