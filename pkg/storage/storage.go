// Package storage provides the namespaced key-value and content-addressed
// blob abstractions that back the oplog, the promise/scheduler indices and
// payload offloading. Concrete backends live in this package behind a
// single pair of interfaces so pkg/oplog, pkg/promise and pkg/scheduler
// never deal in bucket names or SQL directly - the same shape the teacher
// hides its bucket layout behind in pkg/storage.Store.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by KV.Get and Blob.GetRaw/GetStream when the key/digest is
// absent.
var ErrNotFound = errors.New("storage: not found")

// KV is a namespaced key-value store. Namespaces partition unrelated
// concerns (oplog index, promises, scheduler entries, shard assignments)
// within one backend without key collisions.
type KV interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
	Exists(ctx context.Context, namespace, key string) (bool, error)
	// Scan calls fn for every key in namespace with the given prefix, in
	// unspecified order. fn returning an error stops the scan early.
	Scan(ctx context.Context, namespace, prefix string, fn func(key string, value []byte) error) error
	Close() error
}

// Blob is content-addressed storage for oplog payloads too large to
// inline (spec.md §4.1's PayloadRef.Digest side).
type Blob interface {
	PutRaw(ctx context.Context, digest string, data []byte) error
	GetRaw(ctx context.Context, digest string) ([]byte, error)
	GetStream(ctx context.Context, digest string) (io.ReadCloser, error)
	Delete(ctx context.Context, digest string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Backend bundles the KV and Blob views a single configured storage
// backend offers; most backends (bbolt, sqlite, filesystem, memory) serve
// both from the same underlying store, but S3 and Redis are normally
// paired (Redis for KV, S3 for blob) via config.
type Backend struct {
	KV   KV
	Blob Blob
}

func (b Backend) Close() error {
	var err error
	if b.KV != nil {
		if e := b.KV.Close(); e != nil {
			err = e
		}
	}
	if b.Blob != nil {
		if e := b.Blob.Close(); e != nil {
			err = e
		}
	}
	return err
}
