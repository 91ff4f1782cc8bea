// Package queue implements the per-worker invocation FIFO: incoming
// exported-function calls queue up behind whatever invocation is currently
// executing, deduplicate against a recent idempotency key, and reject new
// work with QueueFull once a worker's backlog exceeds its configured
// capacity (spec.md's Invocation Queue).
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/golem-project/worker-executor/pkg/metrics"
	"github.com/golem-project/worker-executor/pkg/types"
)

// ErrQueueFull is returned by Enqueue when a worker's queue is at
// capacity.
var ErrQueueFull = errors.New("queue: full")

// Invocation is a single exported-function call request.
type Invocation struct {
	IdempotencyKey    string
	FunctionName      string
	Args              types.PayloadRef
	InvocationContext types.InvocationContext

	// Result, once the invocation completes, is delivered here.
	Result chan InvocationResult
}

// InvocationResult is delivered on Invocation.Result exactly once.
type InvocationResult struct {
	Response types.PayloadRef
	Err      error
}

// queueState is the per-worker FIFO plus its dedup index.
type queueState struct {
	mu       sync.Mutex
	pending  []*Invocation
	byKey    map[string]*Invocation
	capacity int
}

// Queues manages one FIFO per worker.
type Queues struct {
	mu       sync.Mutex
	perWorker map[types.WorkerId]*queueState
	capacity int
}

// New creates a Queues manager; capacity bounds each worker's individual
// backlog (spec.md's per-worker QueueFull threshold, not a cluster-wide
// one).
func New(capacity int) *Queues {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queues{
		perWorker: make(map[types.WorkerId]*queueState),
		capacity:  capacity,
	}
}

func (q *Queues) stateFor(workerId types.WorkerId) *queueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.perWorker[workerId]
	if !ok {
		s = &queueState{byKey: make(map[string]*Invocation), capacity: q.capacity}
		q.perWorker[workerId] = s
	}
	return s
}

// Enqueue adds inv to workerId's queue. If an invocation with the same
// non-empty IdempotencyKey is still queued, that existing invocation is
// returned instead of creating a duplicate. A key is forgotten once its
// invocation is dequeued or cancelled, so this dedup covers only
// invocations still waiting in the queue.
func (q *Queues) Enqueue(ctx context.Context, workerId types.WorkerId, inv *Invocation) (*Invocation, error) {
	s := q.stateFor(workerId)
	s.mu.Lock()
	defer s.mu.Unlock()

	if inv.IdempotencyKey != "" {
		if existing, ok := s.byKey[inv.IdempotencyKey]; ok {
			metrics.InvocationsDeduped.Inc()
			return existing, nil
		}
	}

	if len(s.pending) >= s.capacity {
		metrics.QueueFullTotal.Inc()
		return nil, ErrQueueFull
	}

	if inv.Result == nil {
		inv.Result = make(chan InvocationResult, 1)
	}
	s.pending = append(s.pending, inv)
	if inv.IdempotencyKey != "" {
		s.byKey[inv.IdempotencyKey] = inv
	}
	metrics.QueueDepth.WithLabelValues(workerId.String()).Set(float64(len(s.pending)))
	return inv, nil
}

// Dequeue removes and returns the next invocation for workerId, or false
// if the queue is empty.
func (q *Queues) Dequeue(workerId types.WorkerId) (*Invocation, bool) {
	s := q.stateFor(workerId)
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil, false
	}
	inv := s.pending[0]
	s.pending = s.pending[1:]
	if inv.IdempotencyKey != "" {
		delete(s.byKey, inv.IdempotencyKey)
	}
	metrics.QueueDepth.WithLabelValues(workerId.String()).Set(float64(len(s.pending)))
	return inv, true
}

// Cancel removes a not-yet-dequeued invocation matching idempotencyKey,
// delivering context.Canceled to its Result channel.
func (q *Queues) Cancel(workerId types.WorkerId, idempotencyKey string) bool {
	s := q.stateFor(workerId)
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.byKey[idempotencyKey]
	if !ok {
		return false
	}
	for i, candidate := range s.pending {
		if candidate == inv {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	delete(s.byKey, idempotencyKey)
	metrics.QueueDepth.WithLabelValues(workerId.String()).Set(float64(len(s.pending)))
	select {
	case inv.Result <- InvocationResult{Err: context.Canceled}:
	default:
	}
	return true
}

// Depth returns the number of pending invocations for workerId.
func (q *Queues) Depth(workerId types.WorkerId) int {
	s := q.stateFor(workerId)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
