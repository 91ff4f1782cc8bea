package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// boltKV implements KV on top of a bbolt database, one top-level bucket
// per namespace, lazily created - adapted from the teacher's
// bucket-per-entity BoltStore (pkg/storage/boltdb.go), generalised from a
// fixed bucket list to arbitrary caller-chosen namespaces.
type boltKV struct {
	db *bolt.DB

	closeOnce sync.Once
	closeErr  error
}

// boltBlob shares the same database handle as boltKV under a dedicated
// "__blobs" bucket, so a single bbolt file can serve both roles.
type boltBlob struct {
	kv *boltKV
}

const blobBucket = "__blobs"

// NewBolt opens (creating if absent) a bbolt-backed Backend at path.
func NewBolt(path string) (Backend, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return Backend{}, fmt.Errorf("storage: open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(blobBucket))
		return err
	}); err != nil {
		db.Close()
		return Backend{}, fmt.Errorf("storage: init bbolt: %w", err)
	}
	kv := &boltKV{db: db}
	return Backend{KV: kv, Blob: &boltBlob{kv: kv}}, nil
}

func (s *boltKV) Get(_ context.Context, namespace, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *boltKV) Set(_ context.Context, namespace, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

func (s *boltKV) Delete(_ context.Context, namespace, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (s *boltKV) Exists(ctx context.Context, namespace, key string) (bool, error) {
	_, err := s.Get(ctx, namespace, key)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (s *boltKV) Scan(_ context.Context, namespace, prefix string, fn func(key string, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && hasPrefix(k, p); k, v = c.Next() {
			if err := fn(string(k), append([]byte(nil), v...)); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(prefix) == 0 {
		return true
	}
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (s *boltKV) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (b *boltBlob) PutRaw(ctx context.Context, digest string, data []byte) error {
	return b.kv.Set(ctx, blobBucket, digest, data)
}

func (b *boltBlob) GetRaw(ctx context.Context, digest string) ([]byte, error) {
	return b.kv.Get(ctx, blobBucket, digest)
}

func (b *boltBlob) GetStream(ctx context.Context, digest string) (io.ReadCloser, error) {
	data, err := b.GetRaw(ctx, digest)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *boltBlob) Delete(ctx context.Context, digest string) error {
	return b.kv.Delete(ctx, blobBucket, digest)
}

func (b *boltBlob) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.kv.Scan(ctx, blobBucket, prefix, func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	return keys, err
}

func (b *boltBlob) Close() error {
	return b.kv.Close()
}
