// Package lifecycle implements the worker status state machine: Idle ->
// Running -> {Suspended, Interrupted, Failed, Retrying, Exited, Idle};
// Suspended, Interrupted and Retrying may return to Running; Interrupted
// may also go to Exited and Retrying to Failed; Exited and Failed are
// terminal. Transitions are
// advisory in memory only; on any disagreement with the oplog, the oplog
// wins (spec.md's open question on status tie-breaking, resolved in
// DESIGN.md).
package lifecycle

import (
	"fmt"
	"sync"

	"github.com/golem-project/worker-executor/pkg/metrics"
	"github.com/golem-project/worker-executor/pkg/types"
)

// transitions enumerates every legal edge in the state machine. An edge
// not listed here is rejected by Transition.
var transitions = map[types.WorkerStatus]map[types.WorkerStatus]bool{
	types.WorkerStatusIdle: {
		types.WorkerStatusRunning: true,
	},
	types.WorkerStatusRunning: {
		types.WorkerStatusSuspended:   true,
		types.WorkerStatusInterrupted: true,
		types.WorkerStatusFailed:      true,
		types.WorkerStatusRetrying:    true,
		types.WorkerStatusExited:      true,
		types.WorkerStatusIdle:        true,
	},
	types.WorkerStatusSuspended: {
		types.WorkerStatusRunning: true,
	},
	types.WorkerStatusInterrupted: {
		types.WorkerStatusRunning: true,
		types.WorkerStatusExited:  true,
	},
	types.WorkerStatusRetrying: {
		types.WorkerStatusRunning: true,
		types.WorkerStatusFailed:  true,
	},
	types.WorkerStatusFailed:  {},
	types.WorkerStatusExited:  {},
}

// IsTerminal reports whether status has no outgoing transitions.
func IsTerminal(status types.WorkerStatus) bool {
	return len(transitions[status]) == 0
}

// ErrIllegalTransition is returned by Transition for an edge not present
// in the state machine.
type ErrIllegalTransition struct {
	From, To types.WorkerStatus
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("lifecycle: illegal transition %s -> %s", e.From, e.To)
}

// Machine tracks one worker's in-memory status.
type Machine struct {
	mu     sync.Mutex
	status types.WorkerStatus
}

// NewMachine starts a worker's lifecycle at Idle, matching a freshly
// created worker before its first invocation.
func NewMachine() *Machine {
	return &Machine{status: types.WorkerStatusIdle}
}

// RestoreMachine constructs a Machine already in the given status, for use
// after recovery repositions a worker mid-lifecycle.
func RestoreMachine(status types.WorkerStatus) *Machine {
	return &Machine{status: status}
}

// Status returns the current in-memory status.
func (m *Machine) Status() types.WorkerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Transition moves to next if the edge is legal and records the move in
// the worker_status gauge. An illegal edge returns ErrIllegalTransition
// and leaves both the status and the gauge unchanged (callers choose
// whether to treat it as fatal).
func (m *Machine) Transition(next types.WorkerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !transitions[m.status][next] {
		return &ErrIllegalTransition{From: m.status, To: next}
	}
	metrics.WorkerStatusTotal.WithLabelValues(string(m.status)).Dec()
	m.status = next
	metrics.WorkerStatusTotal.WithLabelValues(string(next)).Inc()
	return nil
}
