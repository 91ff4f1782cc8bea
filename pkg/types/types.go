// Package types defines the core data model shared across the worker
// executor: worker identity, the oplog record sum type, and the lifecycle
// status enumeration.
package types

import (
	"fmt"
	"time"
)

// ComponentId identifies an immutable WASM component binary. A component
// has a monotonically increasing version; (ComponentId, Version) is
// content-addressed.
type ComponentId string

// WorkerId uniquely identifies a worker (agent) across the cluster: the
// component it was instantiated from plus a worker-chosen name.
type WorkerId struct {
	ComponentId ComponentId `json:"component_id" yaml:"component_id"`
	WorkerName  string      `json:"worker_name" yaml:"worker_name"`
}

func (w WorkerId) String() string {
	return fmt.Sprintf("%s/%s", w.ComponentId, w.WorkerName)
}

// ShardId is the bucket of the WorkerId hash space, in [0, N).
type ShardId uint32

// OplogIndex is a 64-bit monotonically increasing per-worker sequence
// number. Index 1 is always the worker's Create record; indices are dense.
type OplogIndex uint64

// AccountId identifies the owning account of a worker, for namespacing
// storage and billing. Opaque to the core.
type AccountId string

// WorkerStatus is the lifecycle status derived from the oplog (see
// pkg/lifecycle). In-memory status is advisory only; the oplog is
// authoritative.
type WorkerStatus string

const (
	WorkerStatusIdle        WorkerStatus = "Idle"
	WorkerStatusRunning     WorkerStatus = "Running"
	WorkerStatusSuspended   WorkerStatus = "Suspended"
	WorkerStatusInterrupted WorkerStatus = "Interrupted"
	WorkerStatusExited      WorkerStatus = "Exited"
	WorkerStatusFailed      WorkerStatus = "Failed"
	WorkerStatusRetrying    WorkerStatus = "Retrying"
)

// DurableFunctionType classifies how a host call is replayed. Every
// registered host function must declare exactly one of these; there is no
// default (see pkg/durability).
type DurableFunctionType string

const (
	ReadLocal           DurableFunctionType = "ReadLocal"
	WriteLocal          DurableFunctionType = "WriteLocal"
	ReadRemote          DurableFunctionType = "ReadRemote"
	WriteRemote         DurableFunctionType = "WriteRemote"
	WriteRemoteBatched  DurableFunctionType = "WriteRemoteBatched"
)

// IsRecorded reports whether an invocation of this type produces an
// ImportedFunctionInvoked oplog entry.
func (t DurableFunctionType) IsRecorded() bool {
	return t != ReadLocal && t != WriteLocal
}

// RetryPolicy configures how a trapped worker is retried.
type RetryPolicy struct {
	MaxAttempts   int           `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay  time.Duration `json:"initial_delay" yaml:"initial_delay"`
	Multiplier    float64       `json:"multiplier" yaml:"multiplier"`
	MaxDelay      time.Duration `json:"max_delay" yaml:"max_delay"`
	Jitter        float64       `json:"jitter" yaml:"jitter"`
}

// DefaultRetryPolicy mirrors the config surface default in spec.md §6.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
		Jitter:       0.2,
	}
}

// InvocationContext carries caller-supplied tracing/deadline metadata
// through the invocation queue and into the oplog.
type InvocationContext struct {
	TraceParent string            `json:"trace_parent,omitempty"`
	TraceState  string            `json:"trace_state,omitempty"`
	Deadline    *time.Time        `json:"deadline,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// SerializableError captures a guest-visible error so replay can
// reconstruct the exact result the guest originally saw (spec.md §4.8, §7).
type SerializableError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	// Payload is an optional structured error body (e.g. an HTTP status
	// body), stored verbatim.
	Payload []byte `json:"payload,omitempty"`
}

func (e *SerializableError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// UpdateMode selects how UpdateWorker moves a worker to a new component
// version (spec.md §6): auto-replay or stop-and-resume from a snapshot.
type UpdateMode string

const (
	UpdateModeAuto           UpdateMode = "auto"
	UpdateModeManualSnapshot UpdateMode = "manual-snapshot"
)

// WorkerMetadata is what GetWorkerMetadata returns: the worker's identity,
// current lifecycle status, component version, and accounting fields an
// external caller needs without reading the oplog directly.
type WorkerMetadata struct {
	WorkerId         WorkerId     `json:"worker_id"`
	ComponentVersion uint64       `json:"component_version"`
	Status           WorkerStatus `json:"status"`
	AccountId        AccountId    `json:"account_id,omitempty"`
	LastError        *SerializableError `json:"last_error,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	LastIndex        OplogIndex   `json:"last_index"`
	RetryCount       int          `json:"retry_count"`
}
