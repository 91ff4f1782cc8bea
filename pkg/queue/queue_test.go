package queue

import (
	"context"
	"testing"

	"github.com/golem-project/worker-executor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDequeueFIFOOrder(t *testing.T) {
	q := New(10)
	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}

	first, err := q.Enqueue(context.Background(), worker, &Invocation{FunctionName: "a"})
	require.NoError(t, err)
	second, err := q.Enqueue(context.Background(), worker, &Invocation{FunctionName: "b"})
	require.NoError(t, err)

	got, ok := q.Dequeue(worker)
	require.True(t, ok)
	assert.Same(t, first, got)

	got, ok = q.Dequeue(worker)
	require.True(t, ok)
	assert.Same(t, second, got)

	_, ok = q.Dequeue(worker)
	assert.False(t, ok)
}

func TestEnqueueDedupesIdempotencyKey(t *testing.T) {
	q := New(10)
	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}

	first, err := q.Enqueue(context.Background(), worker, &Invocation{FunctionName: "a", IdempotencyKey: "key-1"})
	require.NoError(t, err)
	second, err := q.Enqueue(context.Background(), worker, &Invocation{FunctionName: "a", IdempotencyKey: "key-1"})
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, q.Depth(worker))
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q := New(1)
	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}

	_, err := q.Enqueue(context.Background(), worker, &Invocation{FunctionName: "a"})
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), worker, &Invocation{FunctionName: "b"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestCancelRemovesPendingInvocation(t *testing.T) {
	q := New(10)
	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}

	_, err := q.Enqueue(context.Background(), worker, &Invocation{FunctionName: "a", IdempotencyKey: "key-1"})
	require.NoError(t, err)

	assert.True(t, q.Cancel(worker, "key-1"))
	assert.Equal(t, 0, q.Depth(worker))
	assert.False(t, q.Cancel(worker, "key-1"))
}
