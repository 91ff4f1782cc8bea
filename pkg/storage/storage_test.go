package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backendsUnderTest(t *testing.T) map[string]Backend {
	t.Helper()

	fsBackend, err := NewFilesystem(filepath.Join(t.TempDir(), "fs"))
	require.NoError(t, err)

	boltBackend, err := NewBolt(filepath.Join(t.TempDir(), "bolt.db"))
	require.NoError(t, err)

	sqliteBackend, err := NewSQLite(filepath.Join(t.TempDir(), "sqlite.db"))
	require.NoError(t, err)

	return map[string]Backend{
		"memory":     NewMemory(),
		"filesystem": fsBackend,
		"bbolt":      boltBackend,
		"sqlite":     sqliteBackend,
	}
}

func TestKVGetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, b := range backendsUnderTest(t) {
		b := b
		t.Run(name, func(t *testing.T) {
			defer b.Close()

			_, err := b.KV.Get(ctx, "ns", "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, b.KV.Set(ctx, "ns", "a", []byte("1")))
			v, err := b.KV.Get(ctx, "ns", "a")
			require.NoError(t, err)
			assert.Equal(t, []byte("1"), v)

			exists, err := b.KV.Exists(ctx, "ns", "a")
			require.NoError(t, err)
			assert.True(t, exists)

			require.NoError(t, b.KV.Delete(ctx, "ns", "a"))
			exists, err = b.KV.Exists(ctx, "ns", "a")
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestKVScanPrefix(t *testing.T) {
	ctx := context.Background()
	for name, b := range backendsUnderTest(t) {
		b := b
		t.Run(name, func(t *testing.T) {
			defer b.Close()

			require.NoError(t, b.KV.Set(ctx, "ns", "worker/1", []byte("a")))
			require.NoError(t, b.KV.Set(ctx, "ns", "worker/2", []byte("b")))
			require.NoError(t, b.KV.Set(ctx, "ns", "other/1", []byte("c")))

			seen := map[string][]byte{}
			err := b.KV.Scan(ctx, "ns", "worker/", func(key string, value []byte) error {
				seen[key] = value
				return nil
			})
			require.NoError(t, err)
			assert.Len(t, seen, 2)
		})
	}
}

func TestBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, b := range backendsUnderTest(t) {
		b := b
		t.Run(name, func(t *testing.T) {
			defer b.Close()

			require.NoError(t, b.Blob.PutRaw(ctx, "digest-1", []byte("payload")))
			data, err := b.Blob.GetRaw(ctx, "digest-1")
			require.NoError(t, err)
			assert.Equal(t, []byte("payload"), data)

			rc, err := b.Blob.GetStream(ctx, "digest-1")
			require.NoError(t, err)
			defer rc.Close()

			require.NoError(t, b.Blob.Delete(ctx, "digest-1"))
			_, err = b.Blob.GetRaw(ctx, "digest-1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}
