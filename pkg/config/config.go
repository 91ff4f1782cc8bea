// Package config loads the worker executor's YAML configuration file,
// following the same gopkg.in/yaml.v3 struct-tag pattern the teacher uses
// for its resource manifests (cmd/warren/apply.go), applied instead to a
// single process-wide settings document.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/golem-project/worker-executor/pkg/types"
)

// Config is the top-level worker executor configuration (spec.md §6).
type Config struct {
	NodeID string `yaml:"node_id"`

	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	Log LogConfig `yaml:"log"`

	Storage StorageConfig `yaml:"storage"`

	Shard ShardConfig `yaml:"shard"`

	Coordinator CoordinatorConfig `yaml:"coordinator"`

	// MaxActiveWorkers bounds the active-worker cache size.
	MaxActiveWorkers int `yaml:"max_active_workers"`
	// ActiveWorkerTTL is loaded from the config file but not applied: the
	// active-worker cache evicts by size only.
	ActiveWorkerTTL time.Duration `yaml:"active_worker_ttl"`

	DefaultRetryPolicy types.RetryPolicy `yaml:"default_retry_policy"`

	// OplogSnapshotInterval is loaded from the config file but not
	// applied: nothing writes Snapshot entries automatically.
	OplogSnapshotInterval uint64 `yaml:"oplog_snapshot_interval"`

	// ForwardTraceContextHeaders is loaded from the config file but not
	// applied: outgoing wasi:http requests carry no trace headers.
	ForwardTraceContextHeaders bool `yaml:"forward_trace_context_headers"`
	// SetOutgoingHTTPIdempotencyKey is loaded from the config file but not
	// applied: outgoing wasi:http requests carry no Idempotency-Key header.
	SetOutgoingHTTPIdempotencyKey bool `yaml:"set_outgoing_http_idempotency_key"`

	// FuelPerInvocation is handed to each WorkerContext but not enforced;
	// exported function calls run without a compute bound.
	FuelPerInvocation uint64 `yaml:"fuel_per_invocation"`
	// MemoryLimitBytes is handed to each WorkerContext but not enforced;
	// a worker's linear memory is not bounded by it.
	MemoryLimitBytes uint64 `yaml:"memory_limit_bytes"`

	QueueCapacity int `yaml:"queue_capacity"`
}

// LogConfig mirrors pkg/log.Config with YAML tags.
type LogConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json_output"`
}

// StorageConfig selects and configures the KV/Blob storage backend
// (pkg/storage). Backend selects which of the fields below are used;
// redis+s3 uses both the Redis and the S3 fields.
type StorageConfig struct {
	Backend string `yaml:"backend"` // memory | filesystem | bbolt | sqlite | s3 | redis | redis+s3

	FilesystemRoot string `yaml:"filesystem_root"`

	BoltPath string `yaml:"bolt_path"`

	SQLitePath string `yaml:"sqlite_path"`

	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
	S3Region string `yaml:"s3_region"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPassword string `yaml:"redis_password"`
}

// ShardConfig configures the shard assignment the node expects to operate
// under (spec.md §4.4).
type ShardConfig struct {
	NumberOfShards int `yaml:"number_of_shards"`
}

// CoordinatorConfig configures the replicated index coordinator raft
// cluster (pkg/coordinator), grounded on the teacher's cluster bootstrap
// flags (cmd/warren/main.go cluster init/join).
type CoordinatorConfig struct {
	Enabled   bool     `yaml:"enabled"`
	BindAddr  string   `yaml:"bind_addr"`
	DataDir   string   `yaml:"data_dir"`
	Bootstrap bool     `yaml:"bootstrap"`
	JoinAddrs []string `yaml:"join_addrs"`
}

// Default returns the baseline configuration; callers overlay a YAML file
// and CLI flags on top of this.
func Default() Config {
	return Config{
		GRPCAddr:    ":9090",
		MetricsAddr: ":9100",
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			Backend:  "bbolt",
			BoltPath: "./data/executor.db",
		},
		Shard: ShardConfig{
			NumberOfShards: 1024,
		},
		Coordinator: CoordinatorConfig{
			BindAddr: "127.0.0.1:9091",
			DataDir:  "./data/coordinator",
		},
		MaxActiveWorkers:              10000,
		ActiveWorkerTTL:               10 * time.Minute,
		DefaultRetryPolicy:            types.DefaultRetryPolicy(),
		OplogSnapshotInterval:         1000,
		ForwardTraceContextHeaders:    true,
		SetOutgoingHTTPIdempotencyKey: true,
		QueueCapacity:                 1024,
	}
}

// Load reads and parses a YAML config file, overlaying it onto Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
