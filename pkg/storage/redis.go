package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

// redisKV namespaces keys as "<namespace>:<key>" Redis strings, and uses
// SCAN with a prefix pattern for Scan - the same go-redis client
// construction (ParseURL-or-explicit-options) as the teacher's pub/sub
// adapter (pithecene-io-quarry/quarry/adapter/redis), repointed at GET/SET
// instead of PUBLISH.
type redisKV struct {
	client *goredis.Client
}

// NewRedis connects to Redis at addr (host:port) and returns a Backend.
func NewRedis(addr string, db int, password string) (Backend, error) {
	if addr == "" {
		return Backend{}, errors.New("storage: redis addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		DB:       db,
		Password: password,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return Backend{}, fmt.Errorf("storage: connect to redis: %w", err)
	}
	kv := &redisKV{client: client}
	return Backend{KV: kv, Blob: &redisBlob{kv: kv}}, nil
}

func redisKey(namespace, key string) string {
	return namespace + ":" + key
}

func (r *redisKV) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, redisKey(namespace, key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

func (r *redisKV) Set(ctx context.Context, namespace, key string, value []byte) error {
	return r.client.Set(ctx, redisKey(namespace, key), value, 0).Err()
}

func (r *redisKV) Delete(ctx context.Context, namespace, key string) error {
	return r.client.Del(ctx, redisKey(namespace, key)).Err()
}

func (r *redisKV) Exists(ctx context.Context, namespace, key string) (bool, error) {
	n, err := r.client.Exists(ctx, redisKey(namespace, key)).Result()
	return n > 0, err
}

func (r *redisKV) Scan(ctx context.Context, namespace, prefix string, fn func(key string, value []byte) error) error {
	pattern := redisKey(namespace, prefix) + "*"
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		fullKey := iter.Val()
		v, err := r.client.Get(ctx, fullKey).Bytes()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				continue
			}
			return err
		}
		key := strings.TrimPrefix(fullKey, namespace+":")
		if err := fn(key, v); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (r *redisKV) Close() error {
	return r.client.Close()
}

type redisBlob struct {
	kv *redisKV
}

func (b *redisBlob) PutRaw(ctx context.Context, digest string, data []byte) error {
	return b.kv.Set(ctx, blobBucket, digest, data)
}

func (b *redisBlob) GetRaw(ctx context.Context, digest string) ([]byte, error) {
	return b.kv.Get(ctx, blobBucket, digest)
}

func (b *redisBlob) GetStream(ctx context.Context, digest string) (io.ReadCloser, error) {
	data, err := b.GetRaw(ctx, digest)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(string(data))), nil
}

func (b *redisBlob) Delete(ctx context.Context, digest string) error {
	return b.kv.Delete(ctx, blobBucket, digest)
}

func (b *redisBlob) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.kv.Scan(ctx, blobBucket, prefix, func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	return keys, err
}

func (b *redisBlob) Close() error { return nil }
