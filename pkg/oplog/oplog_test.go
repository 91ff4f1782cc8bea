package oplog

import (
	"bytes"
	"context"
	"testing"

	"github.com/golem-project/worker-executor/pkg/storage"
	"github.com/golem-project/worker-executor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsDenseIndices(t *testing.T) {
	backend := storage.NewMemory()
	defer backend.Close()

	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	log := Open(backend.KV, backend.Blob, worker)

	idx1, err := log.Append(context.Background(), types.OplogRecord{Kind: types.KindCreate})
	require.NoError(t, err)
	assert.EqualValues(t, 1, idx1)

	idx2, err := log.Append(context.Background(), types.OplogRecord{Kind: types.KindExportedFunctionInvoked})
	require.NoError(t, err)
	assert.EqualValues(t, 2, idx2)

	length, err := log.Length(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, length)
}

func TestReadRange(t *testing.T) {
	backend := storage.NewMemory()
	defer backend.Close()

	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	log := Open(backend.KV, backend.Blob, worker)

	for i := 0; i < 5; i++ {
		_, err := log.Append(context.Background(), types.OplogRecord{Kind: types.KindNoOp})
		require.NoError(t, err)
	}

	records, err := log.Read(context.Background(), 2, 4)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.EqualValues(t, 2, records[0].Index)
	assert.EqualValues(t, 4, records[2].Index)
}

func TestReadFromStreamsToTail(t *testing.T) {
	backend := storage.NewMemory()
	defer backend.Close()

	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	log := Open(backend.KV, backend.Blob, worker)

	for i := 0; i < 3; i++ {
		_, err := log.Append(context.Background(), types.OplogRecord{Kind: types.KindNoOp})
		require.NoError(t, err)
	}

	var seen []types.OplogIndex
	err := log.ReadFrom(context.Background(), 1, func(r types.OplogRecord) error {
		seen = append(seen, r.Index)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []types.OplogIndex{1, 2, 3}, seen)
}

func TestUploadPayloadInlinesSmallValues(t *testing.T) {
	backend := storage.NewMemory()
	defer backend.Close()

	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	log := Open(backend.KV, backend.Blob, worker)

	ref, err := log.UploadPayload(context.Background(), []byte("small"))
	require.NoError(t, err)
	assert.Equal(t, []byte("small"), ref.Inline)
	assert.Empty(t, ref.Digest)

	big := bytes.Repeat([]byte("x"), inlineThreshold+1)
	ref, err = log.UploadPayload(context.Background(), big)
	require.NoError(t, err)
	assert.Nil(t, ref.Inline)
	assert.NotEmpty(t, ref.Digest)

	roundTripped, err := log.DownloadPayload(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, big, roundTripped)
}

func TestDropPrefix(t *testing.T) {
	backend := storage.NewMemory()
	defer backend.Close()

	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	log := Open(backend.KV, backend.Blob, worker)

	for i := 0; i < 3; i++ {
		_, err := log.Append(context.Background(), types.OplogRecord{Kind: types.KindNoOp})
		require.NoError(t, err)
	}

	require.NoError(t, log.DropPrefix(context.Background(), 3))

	records, err := log.Read(context.Background(), 1, 3)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.EqualValues(t, 3, records[0].Index)
}
