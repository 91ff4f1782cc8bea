// Package recovery implements the Recovery Manager: positioning a worker
// at its last snapshot (or the beginning, if none), replaying the oplog to
// reconstruct in-memory status and the Durability Wrapper's replay queue,
// then handing control back in Live mode once the tail is reached
// (spec.md §4.1, §7).
package recovery

import (
	"context"
	"fmt"

	"github.com/golem-project/worker-executor/pkg/durability"
	"github.com/golem-project/worker-executor/pkg/lifecycle"
	"github.com/golem-project/worker-executor/pkg/log"
	"github.com/golem-project/worker-executor/pkg/metrics"
	"github.com/golem-project/worker-executor/pkg/oplog"
	"github.com/golem-project/worker-executor/pkg/types"
)

// Result is what a successful recovery hands back to the caller
// activating a worker.
type Result struct {
	Wrapper     *durability.Wrapper
	Machine     *lifecycle.Machine
	LastIndex   types.OplogIndex
	RetryPolicy types.RetryPolicy
}

// Recover replays workerLog from its last Snapshot entry (or the
// beginning) to the tail, and returns a Wrapper primed to serve the
// recorded host calls during the guest's own replay of its program.
func Recover(ctx context.Context, workerLog *oplog.Oplog, workerId types.WorkerId, defaultRetryPolicy types.RetryPolicy) (*Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReplayDuration)

	length, err := workerLog.Length(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: read length: %w", err)
	}
	if length == 0 {
		return &Result{
			Wrapper:     durability.NewLive(workerLog, workerId),
			Machine:     lifecycle.NewMachine(),
			RetryPolicy: defaultRetryPolicy,
		}, nil
	}

	startFrom := types.OplogIndex(1)
	records, err := workerLog.Read(ctx, 1, length)
	if err != nil {
		return nil, fmt.Errorf("recovery: read oplog: %w", err)
	}

	// A Snapshot entry lets recovery skip everything before it; only the
	// most recent one matters.
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Kind == types.KindSnapshot {
			startFrom = records[i].Index
			records = records[i:]
			break
		}
	}

	status := types.WorkerStatusIdle
	retryPolicy := defaultRetryPolicy
	var recorded []types.OplogRecord
	for _, r := range records {
		switch r.Kind {
		case types.KindImportedFunctionInvoked, types.KindBeginRemoteWrite, types.KindEndRemoteWrite:
			// Begin/EndRemoteWrite are part of the replay protocol, not just
			// the status derivation below: Wrapper.BeginBatch/EndBatch match
			// against them the same way serveFromReplay matches a call.
			recorded = append(recorded, r)
		case types.KindExportedFunctionInvoked:
			status = types.WorkerStatusRunning
		case types.KindExportedFunctionComplete:
			status = types.WorkerStatusIdle
		case types.KindSuspend:
			status = types.WorkerStatusSuspended
		case types.KindInterrupted:
			status = types.WorkerStatusInterrupted
		case types.KindExited:
			status = types.WorkerStatusExited
		case types.KindError:
			status = types.WorkerStatusFailed
		case types.KindChangeRetryPolicy:
			if r.Policy != nil {
				retryPolicy = *r.Policy
			}
		}
	}

	logger := log.WithWorkerID(workerId.String())
	logger.Info().
		Uint64("start_from", uint64(startFrom)).
		Uint64("length", uint64(length)).
		Int("recorded_calls", len(recorded)).
		Str("status", string(status)).
		Msg("replayed oplog for worker recovery")

	wrapper := durability.NewReplaying(workerLog, workerId, recorded)

	machine := lifecycle.RestoreMachine(status)

	return &Result{
		Wrapper:     wrapper,
		Machine:     machine,
		LastIndex:   length,
		RetryPolicy: retryPolicy,
	}, nil
}
