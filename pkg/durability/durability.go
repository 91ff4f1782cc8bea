// Package durability implements the Durability Wrapper: the single choke
// point every host-exposed side effect passes through. In live mode it
// executes the real effect and records the result; in replay mode it
// serves the previously recorded result without re-executing, so a
// worker's observable behaviour is identical across a crash and restart.
// A recorded call that does not match what replay expects is a fatal
// NonDeterministicReplay (spec.md §4.1, §7).
package durability

import (
	"context"
	"fmt"

	"github.com/golem-project/worker-executor/pkg/metrics"
	"github.com/golem-project/worker-executor/pkg/oplog"
	"github.com/golem-project/worker-executor/pkg/types"
)

// NonDeterministicReplayError is fatal: the worker cannot be recovered
// past this point without operator intervention (spec.md's Recovery
// Manager treats it as such).
type NonDeterministicReplayError struct {
	Expected string
	Actual   string
}

func (e *NonDeterministicReplayError) Error() string {
	return fmt.Sprintf("durability: non-deterministic replay: expected %s, got %s", e.Expected, e.Actual)
}

// Mode is whether the wrapper is serving calls from the oplog (Replaying)
// or executing them live (Live).
type Mode int

const (
	Live Mode = iota
	Replaying
)

// Effect is a host call's real implementation, invoked only in Live mode
// or for non-recorded DurableFunctionTypes.
type Effect func(ctx context.Context) ([]byte, error)

// Wrapper interposes on every host function call for a single worker
// instance.
type Wrapper struct {
	log      *oplog.Oplog
	workerId types.WorkerId

	mode Mode
	// replayQueue holds the remaining recorded ImportedFunctionInvoked
	// entries to be matched against calls made during replay, in order.
	replayQueue []types.OplogRecord
}

// NewLive returns a Wrapper that executes every call and records it.
func NewLive(log *oplog.Oplog, workerId types.WorkerId) *Wrapper {
	return &Wrapper{log: log, workerId: workerId, mode: Live}
}

// NewReplaying returns a Wrapper that serves calls from recorded, in
// replayQueue order, until SwitchToLive is called at the oplog tail.
func NewReplaying(log *oplog.Oplog, workerId types.WorkerId, recorded []types.OplogRecord) *Wrapper {
	return &Wrapper{log: log, workerId: workerId, mode: Replaying, replayQueue: recorded}
}

// SwitchToLive transitions the wrapper out of replay once recovery has
// reached the oplog tail; any remaining unmatched replay entries indicate
// the worker's program took a different path than before and should have
// already surfaced as NonDeterministicReplayError.
func (w *Wrapper) SwitchToLive() {
	w.mode = Live
	w.replayQueue = nil
}

// Invoke runs a host function through the wrapper. functionName and
// durableType identify the call for oplog purposes; effect is the real
// implementation.
func (w *Wrapper) Invoke(ctx context.Context, functionName string, durableType types.DurableFunctionType, effect Effect) ([]byte, error) {
	metrics.HostFunctionInvocationsTotal.WithLabelValues(functionName, string(durableType)).Inc()

	if !durableType.IsRecorded() {
		// ReadLocal/WriteLocal calls are never persisted; they are
		// assumed safe to re-execute identically on every replay (e.g.
		// in-memory only, or already idempotent against local state).
		return effect(ctx)
	}

	if w.mode == Replaying {
		return w.serveFromReplay(functionName, durableType)
	}
	return w.executeAndRecord(ctx, functionName, durableType, effect)
}

func (w *Wrapper) executeAndRecord(ctx context.Context, functionName string, durableType types.DurableFunctionType, effect Effect) ([]byte, error) {
	result, effectErr := effect(ctx)

	record := types.OplogRecord{
		Kind:                types.KindImportedFunctionInvoked,
		FunctionName:        functionName,
		DurableFunctionType: durableType,
	}
	if effectErr != nil {
		record.Detail = &types.SerializableError{Kind: "host-effect-error", Message: effectErr.Error()}
	} else {
		ref, err := w.log.UploadPayload(ctx, result)
		if err != nil {
			return nil, fmt.Errorf("durability: persist result of %s: %w", functionName, err)
		}
		record.PayloadRef = &ref
	}

	if _, err := w.log.Append(ctx, record); err != nil {
		return nil, fmt.Errorf("durability: record invocation of %s: %w", functionName, err)
	}
	return result, effectErr
}

func (w *Wrapper) serveFromReplay(functionName string, durableType types.DurableFunctionType) ([]byte, error) {
	if len(w.replayQueue) == 0 {
		metrics.ReplayMismatchesTotal.WithLabelValues(w.workerId.String()).Inc()
		return nil, &NonDeterministicReplayError{Expected: "end of recorded calls", Actual: functionName}
	}
	next := w.replayQueue[0]
	w.replayQueue = w.replayQueue[1:]

	if next.Kind != types.KindImportedFunctionInvoked || next.FunctionName != functionName || next.DurableFunctionType != durableType {
		metrics.ReplayMismatchesTotal.WithLabelValues(w.workerId.String()).Inc()
		return nil, &NonDeterministicReplayError{
			Expected: fmt.Sprintf("%s (%s)", next.FunctionName, next.DurableFunctionType),
			Actual:   fmt.Sprintf("%s (%s)", functionName, durableType),
		}
	}

	if next.Detail != nil {
		return nil, next.Detail
	}
	if next.PayloadRef == nil {
		return nil, nil
	}
	return w.log.DownloadPayload(context.Background(), *next.PayloadRef)
}

// BeginBatch brackets a run of WriteRemoteBatched calls (e.g. a keyvalue
// eventual-batch.set-many) with a KindBeginRemoteWrite marker, so replay
// can tell where a batch started even though the individual writes inside
// it are each recorded as their own ImportedFunctionInvoked entry. In
// Replaying mode it only consumes the matching marker; it never
// re-executes anything.
func (w *Wrapper) BeginBatch(ctx context.Context) error {
	if w.mode == Replaying {
		if len(w.replayQueue) == 0 || w.replayQueue[0].Kind != types.KindBeginRemoteWrite {
			return &NonDeterministicReplayError{Expected: string(types.KindBeginRemoteWrite), Actual: "end of batch or mismatched entry"}
		}
		w.replayQueue = w.replayQueue[1:]
		return nil
	}
	_, err := w.log.Append(ctx, types.OplogRecord{Kind: types.KindBeginRemoteWrite})
	return err
}

// EndBatch closes a batch opened by BeginBatch with a KindEndRemoteWrite
// marker.
func (w *Wrapper) EndBatch(ctx context.Context) error {
	if w.mode == Replaying {
		if len(w.replayQueue) == 0 || w.replayQueue[0].Kind != types.KindEndRemoteWrite {
			return &NonDeterministicReplayError{Expected: string(types.KindEndRemoteWrite), Actual: "end of batch or mismatched entry"}
		}
		w.replayQueue = w.replayQueue[1:]
		return nil
	}
	_, err := w.log.Append(ctx, types.OplogRecord{Kind: types.KindEndRemoteWrite})
	return err
}

// Log returns the oplog this wrapper records against, so callers bracket
// export-level invocations (ExportedFunctionInvoked/Completed) the same
// way the wrapper brackets host imports.
func (w *Wrapper) Log() *oplog.Oplog {
	return w.log
}

// PendingReplayCount reports how many recorded calls remain to be matched
// during replay; zero means the wrapper has caught up to the tail and
// SwitchToLive can safely be called.
func (w *Wrapper) PendingReplayCount() int {
	return len(w.replayQueue)
}
