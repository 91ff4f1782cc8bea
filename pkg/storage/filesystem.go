package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// filesystemKV lays namespaces out as subdirectories and keys as files,
// for operators who want a durable backend without a database dependency.
type filesystemKV struct {
	root string
}

// NewFilesystem returns a Backend rooted at dir, creating it if absent.
func NewFilesystem(dir string) (Backend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return Backend{}, err
	}
	kv := &filesystemKV{root: dir}
	return Backend{KV: kv, Blob: &filesystemBlob{kv: kv}}, nil
}

func (f *filesystemKV) nsDir(namespace string) string {
	return filepath.Join(f.root, safeName(namespace))
}

func (f *filesystemKV) path(namespace, key string) string {
	return filepath.Join(f.nsDir(namespace), safeName(key))
}

// safeName escapes path separators so namespace/key values can't escape
// the root via "..", matching how keys are expected to be opaque IDs.
func safeName(s string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "__").Replace(s)
}

func (f *filesystemKV) Get(_ context.Context, namespace, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(namespace, key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}

func (f *filesystemKV) Set(_ context.Context, namespace, key string, value []byte) error {
	dir := f.nsDir(namespace)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp := f.path(namespace, key) + ".tmp"
	if err := os.WriteFile(tmp, value, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path(namespace, key))
}

func (f *filesystemKV) Delete(_ context.Context, namespace, key string) error {
	err := os.Remove(f.path(namespace, key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *filesystemKV) Exists(ctx context.Context, namespace, key string) (bool, error) {
	_, err := f.Get(ctx, namespace, key)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (f *filesystemKV) Scan(_ context.Context, namespace, prefix string, fn func(key string, value []byte) error) error {
	entries, err := os.ReadDir(f.nsDir(namespace))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		if !strings.HasPrefix(e.Name(), safeName(prefix)) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.nsDir(namespace), e.Name()))
		if err != nil {
			return err
		}
		if err := fn(e.Name(), data); err != nil {
			return err
		}
	}
	return nil
}

func (f *filesystemKV) Close() error { return nil }

type filesystemBlob struct {
	kv *filesystemKV
}

func (b *filesystemBlob) PutRaw(ctx context.Context, digest string, data []byte) error {
	return b.kv.Set(ctx, blobBucket, digest, data)
}

func (b *filesystemBlob) GetRaw(ctx context.Context, digest string) ([]byte, error) {
	return b.kv.Get(ctx, blobBucket, digest)
}

func (b *filesystemBlob) GetStream(ctx context.Context, digest string) (io.ReadCloser, error) {
	f, err := os.Open(b.kv.path(blobBucket, digest))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return f, err
}

func (b *filesystemBlob) Delete(ctx context.Context, digest string) error {
	return b.kv.Delete(ctx, blobBucket, digest)
}

func (b *filesystemBlob) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.kv.Scan(ctx, blobBucket, prefix, func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	return keys, err
}

func (b *filesystemBlob) Close() error { return nil }
