package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/golem-project/worker-executor/pkg/config"
	"github.com/golem-project/worker-executor/pkg/oplog"
	"github.com/golem-project/worker-executor/pkg/recovery"
	"github.com/golem-project/worker-executor/pkg/storage"
	"github.com/golem-project/worker-executor/pkg/types"
)

var oplogCmd = &cobra.Command{
	Use:   "oplog",
	Short: "Inspect a worker's oplog directly against the configured storage backend",
}

func init() {
	oplogCmd.AddCommand(oplogDumpCmd)
	oplogCmd.AddCommand(oplogReplayCmd)
}

var oplogDumpCmd = &cobra.Command{
	Use:   "dump <worker-id>",
	Short: "Print every oplog record for a worker",
	Args:  cobra.ExactArgs(1),
	RunE:  runOplogDump,
}

var oplogReplayCmd = &cobra.Command{
	Use:   "replay <worker-id>",
	Short: "Recompute a worker's metadata by replaying its oplog from scratch",
	Args:  cobra.ExactArgs(1),
	RunE:  runOplogReplay,
}

// parseWorkerId parses the "component-id/worker-name" form produced by
// types.WorkerId.String.
func parseWorkerId(s string) (types.WorkerId, error) {
	idx := strings.LastIndex(s, "/")
	if idx < 0 {
		return types.WorkerId{}, fmt.Errorf("invalid worker id %q, expected component-id/worker-name", s)
	}
	return types.WorkerId{
		ComponentId: types.ComponentId(s[:idx]),
		WorkerName:  s[idx+1:],
	}, nil
}

func openBackend(ctx context.Context) (storage.Backend, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return storage.Backend{}, err
	}
	return storage.New(ctx, storage.Config{
		Backend:        cfg.Storage.Backend,
		FilesystemRoot: cfg.Storage.FilesystemRoot,
		BoltPath:       cfg.Storage.BoltPath,
		SQLitePath:     cfg.Storage.SQLitePath,
		S3Bucket:       cfg.Storage.S3Bucket,
		S3Prefix:       cfg.Storage.S3Prefix,
		S3Region:       cfg.Storage.S3Region,
		RedisAddr:      cfg.Storage.RedisAddr,
		RedisDB:        cfg.Storage.RedisDB,
		RedisPassword:  cfg.Storage.RedisPassword,
	})
}

func runOplogDump(cmd *cobra.Command, args []string) error {
	workerId, err := parseWorkerId(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	backend, err := openBackend(ctx)
	if err != nil {
		return fmt.Errorf("oplog dump: %w", err)
	}
	defer backend.Close()

	workerLog := oplog.Open(backend.KV, backend.Blob, workerId)
	length, err := workerLog.Length(ctx)
	if err != nil {
		return fmt.Errorf("oplog dump: %w", err)
	}
	if length == 0 {
		return fmt.Errorf("oplog dump: no records for %s", workerId)
	}

	records, err := workerLog.Read(ctx, 1, length)
	if err != nil {
		return fmt.Errorf("oplog dump: %w", err)
	}
	for _, record := range records {
		fmt.Printf("%6d  %-28s  %s\n", record.Index, record.Kind, record.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"))
	}
	return nil
}

func runOplogReplay(cmd *cobra.Command, args []string) error {
	workerId, err := parseWorkerId(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	backend, err := openBackend(ctx)
	if err != nil {
		return fmt.Errorf("oplog replay: %w", err)
	}
	defer backend.Close()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("oplog replay: %w", err)
	}

	workerLog := oplog.Open(backend.KV, backend.Blob, workerId)
	length, err := workerLog.Length(ctx)
	if err != nil {
		return fmt.Errorf("oplog replay: %w", err)
	}
	if length == 0 {
		return fmt.Errorf("oplog replay: no records for %s", workerId)
	}
	records, err := workerLog.Read(ctx, 1, 1)
	if err != nil || len(records) == 0 {
		return fmt.Errorf("oplog replay: read creation record for %s: %w", workerId, err)
	}
	create := records[0]

	result, err := recovery.Recover(ctx, workerLog, workerId, cfg.DefaultRetryPolicy)
	if err != nil {
		return fmt.Errorf("oplog replay: %w", err)
	}

	fmt.Printf("worker:            %s\n", workerId)
	fmt.Printf("status:            %s\n", result.Machine.Status())
	fmt.Printf("component version: %d\n", create.ComponentVersion)
	fmt.Printf("last index:        %d\n", result.LastIndex)
	if create.AccountId != "" {
		fmt.Printf("account:           %s\n", create.AccountId)
	}
	return nil
}
