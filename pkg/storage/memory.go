package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
)

// memoryKV is an in-process KV, used by tests and single-process dev runs.
type memoryKV struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemory returns a Backend backed entirely by process memory.
func NewMemory() Backend {
	kv := &memoryKV{data: make(map[string]map[string][]byte)}
	return Backend{KV: kv, Blob: &memoryBlob{kv: kv}}
}

func (m *memoryKV) Get(_ context.Context, namespace, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ns, ok := m.data[namespace]
	if !ok {
		return nil, ErrNotFound
	}
	v, ok := ns[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *memoryKV) Set(_ context.Context, namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.data[namespace] = ns
	}
	ns[key] = append([]byte(nil), value...)
	return nil
}

func (m *memoryKV) Delete(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ns, ok := m.data[namespace]; ok {
		delete(ns, key)
	}
	return nil
}

func (m *memoryKV) Exists(ctx context.Context, namespace, key string) (bool, error) {
	_, err := m.Get(ctx, namespace, key)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (m *memoryKV) Scan(_ context.Context, namespace, prefix string, fn func(key string, value []byte) error) error {
	m.mu.RLock()
	ns := m.data[namespace]
	keys := make([]string, 0, len(ns))
	for k := range ns {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	snapshot := make(map[string][]byte, len(keys))
	for _, k := range keys {
		snapshot[k] = append([]byte(nil), ns[k]...)
	}
	m.mu.RUnlock()

	for _, k := range keys {
		if err := fn(k, snapshot[k]); err != nil {
			return err
		}
	}
	return nil
}

func (m *memoryKV) Close() error { return nil }

type memoryBlob struct {
	kv *memoryKV
}

func (b *memoryBlob) PutRaw(ctx context.Context, digest string, data []byte) error {
	return b.kv.Set(ctx, blobBucket, digest, data)
}

func (b *memoryBlob) GetRaw(ctx context.Context, digest string) ([]byte, error) {
	return b.kv.Get(ctx, blobBucket, digest)
}

func (b *memoryBlob) GetStream(ctx context.Context, digest string) (io.ReadCloser, error) {
	data, err := b.GetRaw(ctx, digest)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *memoryBlob) Delete(ctx context.Context, digest string) error {
	return b.kv.Delete(ctx, blobBucket, digest)
}

func (b *memoryBlob) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.kv.Scan(ctx, blobBucket, prefix, func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	return keys, err
}

func (b *memoryBlob) Close() error { return nil }
