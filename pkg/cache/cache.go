// Package cache implements the bounded active-worker cache: at most one
// live instance per WorkerId per node, evicted on an LRU basis once the
// configured capacity is reached. Eviction flushes the worker back to
// suspended state and lets the scheduler/recovery layers reactivate it on
// demand, so the cache bounds memory without bounding the number of
// workers a node can serve over time.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/golem-project/worker-executor/pkg/metrics"
	"github.com/golem-project/worker-executor/pkg/types"
)

// Instance is whatever a running worker's in-memory handle looks like to
// callers of this cache; pkg/lifecycle and pkg/wasmhost populate this.
type Instance interface {
	// Suspend flushes in-memory state so the instance can be safely
	// dropped; called on eviction or explicit release.
	Suspend()
}

// Factory constructs a new Instance for a worker not currently cached. It
// is invoked with the cache's single-flight lock held for that key only,
// so concurrent GetOrCreate calls for the same worker never race.
type Factory func(workerId types.WorkerId) (Instance, error)

// Cache is the bounded, single-flight active-worker cache.
type Cache struct {
	lru *lru.Cache[types.WorkerId, Instance]

	mu      sync.Mutex
	inFlight map[types.WorkerId]*sync.WaitGroup
}

// New creates a Cache holding at most capacity instances. Eviction calls
// Instance.Suspend on the dropped entry.
func New(capacity int) (*Cache, error) {
	c := &Cache{inFlight: make(map[types.WorkerId]*sync.WaitGroup)}
	evictCallback := func(_ types.WorkerId, instance Instance) {
		instance.Suspend()
		metrics.ActiveWorkers.Dec()
	}
	l, err := lru.NewWithEvict(capacity, evictCallback)
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// Get returns the cached instance for workerId, if resident.
func (c *Cache) Get(workerId types.WorkerId) (Instance, bool) {
	return c.lru.Get(workerId)
}

// GetOrCreate returns the cached instance, creating one via factory if
// absent. Concurrent calls for the same workerId are serialized so only
// one factory invocation happens per activation.
func (c *Cache) GetOrCreate(workerId types.WorkerId, factory Factory) (Instance, error) {
	if instance, ok := c.lru.Get(workerId); ok {
		return instance, nil
	}

	c.mu.Lock()
	if wg, ok := c.inFlight[workerId]; ok {
		c.mu.Unlock()
		wg.Wait()
		instance, ok := c.lru.Get(workerId)
		if !ok {
			return nil, errNotCreated
		}
		return instance, nil
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.inFlight[workerId] = wg
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inFlight, workerId)
		c.mu.Unlock()
		wg.Done()
	}()

	instance, err := factory(workerId)
	if err != nil {
		return nil, err
	}
	c.lru.Add(workerId, instance)
	metrics.ActiveWorkers.Inc()
	return instance, nil
}

// Release evicts workerId from the cache immediately, suspending it.
func (c *Cache) Release(workerId types.WorkerId) {
	c.lru.Remove(workerId)
}

// Len returns the number of resident instances.
func (c *Cache) Len() int {
	return c.lru.Len()
}

var errNotCreated = &creationError{}

type creationError struct{}

func (*creationError) Error() string {
	return "cache: factory invocation by concurrent caller did not populate the entry"
}
