package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golem-project/worker-executor/pkg/storage"
	"github.com/golem-project/worker-executor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleFiresAfterDeadline(t *testing.T) {
	backend := storage.NewMemory()
	defer backend.Close()

	var mu sync.Mutex
	var fired []Action

	sched := New(backend.KV, func(_ context.Context, action Action) error {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, action)
		return nil
	}, 20*time.Millisecond)
	sched.Start()
	defer sched.Stop()

	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	_, err := sched.Schedule(context.Background(), Action{
		WorkerId: worker,
		Kind:     "retry",
		Deadline: time.Now().Add(10 * time.Millisecond),
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, worker, fired[0].WorkerId)
	mu.Unlock()
}

func TestCancelPreventsFiring(t *testing.T) {
	backend := storage.NewMemory()
	defer backend.Close()

	var mu sync.Mutex
	fired := 0

	sched := New(backend.KV, func(_ context.Context, _ Action) error {
		mu.Lock()
		defer mu.Unlock()
		fired++
		return nil
	}, 20*time.Millisecond)
	sched.Start()
	defer sched.Stop()

	id, err := sched.Schedule(context.Background(), Action{
		WorkerId: types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"},
		Kind:     "retry",
		Deadline: time.Now().Add(100 * time.Millisecond),
	})
	require.NoError(t, err)
	require.NoError(t, sched.Cancel(context.Background(), id))

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, fired)
}
