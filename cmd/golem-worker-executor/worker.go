package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/golem-project/worker-executor/pkg/config"
	"github.com/golem-project/worker-executor/pkg/oplog"
	"github.com/golem-project/worker-executor/pkg/recovery"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Inspect worker state",
}

func init() {
	workerCmd.AddCommand(workerStatusCmd)
}

var workerStatusCmd = &cobra.Command{
	Use:   "status <worker-id>",
	Short: "Print a worker's current status, recovered from its oplog",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkerStatus,
}

func runWorkerStatus(cmd *cobra.Command, args []string) error {
	workerId, err := parseWorkerId(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	backend, err := openBackend(ctx)
	if err != nil {
		return fmt.Errorf("worker status: %w", err)
	}
	defer backend.Close()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("worker status: %w", err)
	}

	workerLog := oplog.Open(backend.KV, backend.Blob, workerId)
	length, err := workerLog.Length(ctx)
	if err != nil {
		return fmt.Errorf("worker status: %w", err)
	}
	if length == 0 {
		return fmt.Errorf("worker status: %s does not exist", workerId)
	}

	result, err := recovery.Recover(ctx, workerLog, workerId, cfg.DefaultRetryPolicy)
	if err != nil {
		return fmt.Errorf("worker status: %w", err)
	}

	fmt.Printf("%s  %s  (oplog length %d)\n", workerId, result.Machine.Status(), length)
	return nil
}
