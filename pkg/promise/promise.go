// Package promise implements durable, one-shot awaitables: a promise
// transitions Pending -> Completed exactly once and every awaiter sees the
// same completion value, surviving node restarts because its state lives
// in the same KV namespace convention as the rest of the durable index
// (spec.md's Promise Service).
package promise

import (
	"context"
	"fmt"
	"sync"

	"github.com/golem-project/worker-executor/pkg/codec"
	"github.com/golem-project/worker-executor/pkg/metrics"
	"github.com/golem-project/worker-executor/pkg/storage"
	"github.com/golem-project/worker-executor/pkg/types"
	"github.com/google/uuid"
)

const namespace = "internal/promises"

// Id identifies a promise, scoped to the worker that created it.
type Id struct {
	WorkerId types.WorkerId `msgpack:"worker_id"`
	Key      string         `msgpack:"key"`
}

func (id Id) storageKey() string {
	return id.WorkerId.String() + "/" + id.Key
}

type state string

const (
	statePending   state = "Pending"
	stateCompleted state = "Completed"
)

type record struct {
	State state             `msgpack:"state"`
	Data  types.PayloadRef  `msgpack:"data,omitempty"`
}

// Service is the durable promise store. An in-memory fan-out map lets
// Await wake immediately on local Complete calls without polling storage;
// storage remains the source of truth across restarts.
type Service struct {
	kv storage.KV

	mu       sync.Mutex
	waiters  map[string][]chan struct{}
}

// New returns a Service backed by kv.
func New(kv storage.KV) *Service {
	return &Service{
		kv:      kv,
		waiters: make(map[string][]chan struct{}),
	}
}

// Create allocates a new pending promise scoped to workerId. The key
// component is caller-chosen (e.g. derived from the oplog index of the
// CreatePromise entry) so replay can recreate the same Id deterministically.
func (s *Service) Create(ctx context.Context, workerId types.WorkerId, key string) (Id, error) {
	if key == "" {
		key = uuid.New().String()
	}
	id := Id{WorkerId: workerId, Key: key}
	existing, err := s.get(ctx, id)
	if err != nil {
		return Id{}, err
	}
	if existing.State == stateCompleted {
		return id, nil
	}
	data, err := codec.Marshal(record{State: statePending})
	if err != nil {
		return Id{}, fmt.Errorf("promise: encode: %w", err)
	}
	if err := s.kv.Set(ctx, namespace, id.storageKey(), data); err != nil {
		return Id{}, fmt.Errorf("promise: persist: %w", err)
	}
	return id, nil
}

// Complete resolves a pending promise with data, exactly once. Completing
// an already-completed promise is a no-op success, matching an
// idempotent-retry-safe API surface.
func (s *Service) Complete(ctx context.Context, id Id, data types.PayloadRef) error {
	existing, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if existing.State == stateCompleted {
		return nil
	}
	encoded, err := codec.Marshal(record{State: stateCompleted, Data: data})
	if err != nil {
		return fmt.Errorf("promise: encode: %w", err)
	}
	if err := s.kv.Set(ctx, namespace, id.storageKey(), encoded); err != nil {
		return fmt.Errorf("promise: persist completion: %w", err)
	}
	metrics.PromisesCompletedTotal.Inc()

	s.mu.Lock()
	chans := s.waiters[id.storageKey()]
	delete(s.waiters, id.storageKey())
	s.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
	return nil
}

// Poll returns the completion value and true if the promise has already
// completed, without blocking.
func (s *Service) Poll(ctx context.Context, id Id) (types.PayloadRef, bool, error) {
	rec, err := s.get(ctx, id)
	if err != nil {
		return types.PayloadRef{}, false, err
	}
	return rec.Data, rec.State == stateCompleted, nil
}

// Await blocks until the promise completes or ctx is cancelled.
func (s *Service) Await(ctx context.Context, id Id) (types.PayloadRef, error) {
	rec, err := s.get(ctx, id)
	if err != nil {
		return types.PayloadRef{}, err
	}
	if rec.State == stateCompleted {
		return rec.Data, nil
	}

	s.mu.Lock()
	ch := make(chan struct{})
	s.waiters[id.storageKey()] = append(s.waiters[id.storageKey()], ch)
	s.mu.Unlock()

	select {
	case <-ch:
		rec, err := s.get(ctx, id)
		if err != nil {
			return types.PayloadRef{}, err
		}
		return rec.Data, nil
	case <-ctx.Done():
		return types.PayloadRef{}, ctx.Err()
	}
}

// Delete removes a promise's state once it is no longer needed.
func (s *Service) Delete(ctx context.Context, id Id) error {
	return s.kv.Delete(ctx, namespace, id.storageKey())
}

func (s *Service) get(ctx context.Context, id Id) (record, error) {
	data, err := s.kv.Get(ctx, namespace, id.storageKey())
	if err == storage.ErrNotFound {
		return record{State: statePending}, nil
	}
	if err != nil {
		return record{}, fmt.Errorf("promise: read: %w", err)
	}
	var rec record
	if err := codec.Unmarshal(data, &rec); err != nil {
		return record{}, fmt.Errorf("promise: decode: %w", err)
	}
	return rec, nil
}
