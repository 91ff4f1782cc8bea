package promise

import (
	"context"
	"testing"
	"time"

	"github.com/golem-project/worker-executor/pkg/storage"
	"github.com/golem-project/worker-executor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePollComplete(t *testing.T) {
	backend := storage.NewMemory()
	defer backend.Close()
	svc := New(backend.KV)

	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	id, err := svc.Create(context.Background(), worker, "")
	require.NoError(t, err)

	_, done, err := svc.Poll(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, svc.Complete(context.Background(), id, types.PayloadRef{Inline: []byte("result")}))

	data, done, err := svc.Poll(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []byte("result"), data.Inline)
}

func TestAwaitUnblocksOnComplete(t *testing.T) {
	backend := storage.NewMemory()
	defer backend.Close()
	svc := New(backend.KV)

	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	id, err := svc.Create(context.Background(), worker, "wake")
	require.NoError(t, err)

	done := make(chan types.PayloadRef, 1)
	go func() {
		data, err := svc.Await(context.Background(), id)
		assert.NoError(t, err)
		done <- data
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, svc.Complete(context.Background(), id, types.PayloadRef{Inline: []byte("woken")}))

	select {
	case data := <-done:
		assert.Equal(t, []byte("woken"), data.Inline)
	case <-time.After(time.Second):
		t.Fatal("Await did not unblock")
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	backend := storage.NewMemory()
	defer backend.Close()
	svc := New(backend.KV)

	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	id, err := svc.Create(context.Background(), worker, "once")
	require.NoError(t, err)

	require.NoError(t, svc.Complete(context.Background(), id, types.PayloadRef{Inline: []byte("first")}))
	require.NoError(t, svc.Complete(context.Background(), id, types.PayloadRef{Inline: []byte("second")}))

	data, _, err := svc.Poll(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), data.Inline)
}
