package cache

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/golem-project/worker-executor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInstance struct {
	suspended atomic.Bool
}

func (f *fakeInstance) Suspend() {
	f.suspended.Store(true)
}

func TestGetOrCreateInvokesFactoryOnce(t *testing.T) {
	c, err := New(10)
	require.NoError(t, err)

	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	var calls atomic.Int32
	factory := func(types.WorkerId) (Instance, error) {
		calls.Add(1)
		return &fakeInstance{}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetOrCreate(worker, factory)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestEvictionSuspendsInstance(t *testing.T) {
	c, err := New(1)
	require.NoError(t, err)

	var instances []*fakeInstance
	factory := func(workerId types.WorkerId) (Instance, error) {
		inst := &fakeInstance{}
		instances = append(instances, inst)
		return inst, nil
	}

	w1 := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	w2 := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-2"}

	_, err = c.GetOrCreate(w1, factory)
	require.NoError(t, err)
	_, err = c.GetOrCreate(w2, factory)
	require.NoError(t, err)

	assert.Equal(t, 1, c.Len())
	assert.True(t, instances[0].suspended.Load())
	assert.False(t, instances[1].suspended.Load())
}

func TestReleaseSuspends(t *testing.T) {
	c, err := New(10)
	require.NoError(t, err)

	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	inst := &fakeInstance{}
	_, err = c.GetOrCreate(worker, func(types.WorkerId) (Instance, error) { return inst, nil })
	require.NoError(t, err)

	c.Release(worker)
	assert.True(t, inst.suspended.Load())
	_, ok := c.Get(worker)
	assert.False(t, ok)
}
