package storage

import (
	"context"
	"fmt"
)

// Config is the subset of pkg/config.StorageConfig the factory needs,
// duplicated here (rather than importing pkg/config) to keep storage
// backend-selectable without a dependency on the config package's YAML
// tags.
type Config struct {
	Backend string

	FilesystemRoot string

	BoltPath string

	SQLitePath string

	S3Bucket string
	S3Prefix string
	S3Region string

	RedisAddr     string
	RedisDB       int
	RedisPassword string
}

// New constructs a Backend from Config, selecting the concrete
// implementation by Config.Backend.
func New(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "filesystem":
		return NewFilesystem(cfg.FilesystemRoot)
	case "bbolt":
		return NewBolt(cfg.BoltPath)
	case "sqlite":
		return NewSQLite(cfg.SQLitePath)
	case "s3":
		blob, err := NewS3Blob(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3Region)
		if err != nil {
			return Backend{}, err
		}
		// S3 has no efficient small-key index semantics, so its KV half
		// is served from an in-process index; durable index persistence
		// for this backend is expected to come from pairing it with the
		// redis backend in front of it (see "redis+s3" below).
		return Backend{KV: NewMemory().KV, Blob: blob}, nil
	case "redis":
		return NewRedis(cfg.RedisAddr, cfg.RedisDB, cfg.RedisPassword)
	case "redis+s3":
		kvBackend, err := NewRedis(cfg.RedisAddr, cfg.RedisDB, cfg.RedisPassword)
		if err != nil {
			return Backend{}, err
		}
		blob, err := NewS3Blob(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3Region)
		if err != nil {
			kvBackend.Close()
			return Backend{}, err
		}
		return Backend{KV: kvBackend.KV, Blob: blob}, nil
	default:
		return Backend{}, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}
