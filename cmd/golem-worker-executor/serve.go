package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/golem-project/worker-executor/pkg/config"
	"github.com/golem-project/worker-executor/pkg/coordinator"
	"github.com/golem-project/worker-executor/pkg/executor"
	"github.com/golem-project/worker-executor/pkg/log"
	"github.com/golem-project/worker-executor/pkg/rpc"
	"github.com/golem-project/worker-executor/pkg/shard"
	"github.com/golem-project/worker-executor/pkg/storage"
	"github.com/golem-project/worker-executor/pkg/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker executor node",
	RunE:  runServe,
}

// staticResolver is used when the coordinator is disabled (single-node
// dev mode): there is never a remote node to dial, so every shard not
// owned locally is simply unreachable rather than resolved.
type staticResolver struct{}

func (staticResolver) NodeForShard(types.ShardId) (string, bool) { return "", false }

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger := log.WithNodeID(cfg.NodeID)
	logger.Info().Msg("starting worker executor")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := storage.New(ctx, storage.Config{
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
	if err != nil {
		return fmt.Errorf("serve: open storage backend: %w", err)
	}
	defer backend.Close()

	assignment := shard.New()

	var coord *coordinator.Coordinator
	var resolver rpc.NodeResolver = staticResolver{}

	if cfg.Coordinator.Enabled {
		coord, err = coordinator.New(coordinator.Config{
			NodeID:   cfg.NodeID,
			BindAddr: cfg.Coordinator.BindAddr,
			DataDir:  cfg.Coordinator.DataDir,
		})
		if err != nil {
			return fmt.Errorf("serve: start coordinator: %w", err)
		}
		defer coord.Shutdown()

		if cfg.Coordinator.Bootstrap {
			if err := coord.Bootstrap(); err != nil {
				return fmt.Errorf("serve: bootstrap coordinator: %w", err)
			}
		} else {
			if err := coord.Join(); err != nil {
				return fmt.Errorf("serve: join coordinator cluster: %w", err)
			}
			logger.Info().Strs("join_addrs", cfg.Coordinator.JoinAddrs).
				Msg("raft started, waiting for the cluster leader to admit this node via AddVoter")
		}
		resolver = coord
	} else {
		// Single-node dev mode: this node owns every shard.
		all := make([]types.ShardId, cfg.Shard.NumberOfShards)
		for i := range all {
			all[i] = types.ShardId(i)
		}
		assignment.Assign(all)
	}

	exec := executor.New(cfg, executor.Deps{
		Backend:    backend,
		Assignment: assignment,
		Resolver:   resolver,
		Components: noopComponentLoader{},
	})
	defer exec.Close()

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("serve: listen on %s: %w", cfg.GRPCAddr, err)
	}
	grpcServer := grpc.NewServer()
	executor.RegisterService(grpcServer, executor.NewService(exec))
	rpc.RegisterServer(grpcServer, exec)

	go func() {
		logger.Info().Str("addr", cfg.GRPCAddr).Msg("grpc server listening")
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("grpc server exited")
		}
	}()

	health := executor.NewHealthServer(assignment, coord)
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("health/metrics server listening")
		if err := health.Start(cfg.MetricsAddr); err != nil {
			logger.Error().Err(err).Msg("health server exited")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		grpcServer.Stop()
	}
	return nil
}

// noopComponentLoader is the default ComponentLoader until this node is
// wired to a real component repository (an external collaborator, per
// spec.md's Non-goals).
type noopComponentLoader struct{}

func (noopComponentLoader) Load(ctx context.Context, componentId types.ComponentId, version uint64) ([]byte, error) {
	return nil, fmt.Errorf("serve: no component repository configured, cannot load %s@%d", componentId, version)
}
