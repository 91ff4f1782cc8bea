/*
Package log provides structured logging for the worker-executor using zerolog.

The package wraps zerolog with a global logger, JSON or console output, and
helper constructors for child loggers scoped to a worker, component, or node,
so a single log line can be traced back to the invocation that produced it.

# Usage

Initializing the logger:

	import "github.com/golem-project/worker-executor/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("executor starting")
	log.Debug("polling scheduler queue")
	log.Warn("oplog compaction lagging behind retention window")
	log.Error("failed to dial shard owner")
	log.Fatal("cannot open storage backend") // exits process

Structured logging:

	log.Logger.Info().
		Str("component_id", componentId).
		Int("shard_count", numberOfShards).
		Msg("worker created")

Context loggers:

	workerLog := log.WithWorkerID(workerId.String())
	workerLog.Info().Msg("replaying oplog from last snapshot")

	componentLog := log.WithComponentID(componentId)
	componentLog.Debug().Str("function_name", fn).Msg("dispatching exported function invocation")

	nodeLog := log.WithNodeID(nodeID)
	nodeLog.Warn().Msg("lost raft leadership, stepping down as coordinator")

# Design

Logger is a single package-level zerolog.Logger, initialized once via Init
and read by every package without being threaded through call signatures.
WithWorkerID, WithComponentID, and WithNodeID each return a child logger with
one additional field rather than mutating the global instance, so callers
can hold onto a context logger across a request without affecting logging
anywhere else. Init has a zero-value-safe default (Info level, stdout) so
packages and tests can log before main calls Init.

# Best Practices

  - Use structured fields (.Str, .Int, .Err) instead of string interpolation
  - Never log WASM guest payloads, oplog blob contents, or component secrets
  - Attach worker_id/component_id to any log tied to a specific invocation
  - Reserve Fatal for startup failures the process cannot recover from
*/
package log
