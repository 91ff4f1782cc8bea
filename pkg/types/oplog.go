package types

import "time"

// OplogEntryKind tags the variant carried by an OplogRecord. Kinds are
// plain strings; recovery acts on the kinds it recognises and passes over
// any other kind, unknown ones included, without aborting replay.
type OplogEntryKind string

const (
	KindCreate                   OplogEntryKind = "Create"
	KindImportedFunctionInvoked  OplogEntryKind = "ImportedFunctionInvoked"
	KindExportedFunctionInvoked  OplogEntryKind = "ExportedFunctionInvoked"
	KindExportedFunctionComplete OplogEntryKind = "ExportedFunctionCompleted"
	KindSuspend                  OplogEntryKind = "Suspend"
	KindError                    OplogEntryKind = "Error"
	KindNoOp                     OplogEntryKind = "NoOp"
	KindJump                     OplogEntryKind = "Jump"
	KindInterrupted              OplogEntryKind = "Interrupted"
	KindExited                   OplogEntryKind = "Exited"
	KindChangeRetryPolicy        OplogEntryKind = "ChangeRetryPolicy"
	KindBeginAtomicRegion        OplogEntryKind = "BeginAtomicRegion"
	KindEndAtomicRegion          OplogEntryKind = "EndAtomicRegion"
	KindBeginRemoteWrite         OplogEntryKind = "BeginRemoteWrite"
	KindEndRemoteWrite           OplogEntryKind = "EndRemoteWrite"
	KindPendingWorkerInvocation  OplogEntryKind = "PendingWorkerInvocation"
	KindPendingUpdate            OplogEntryKind = "PendingUpdate"
	KindSuccessfulUpdate         OplogEntryKind = "SuccessfulUpdate"
	KindFailedUpdate             OplogEntryKind = "FailedUpdate"
	KindCreatePromise            OplogEntryKind = "CreatePromise"
	KindCompletePromise          OplogEntryKind = "CompletePromise"
	KindGrowMemory               OplogEntryKind = "GrowMemory"
	KindCreateResource           OplogEntryKind = "CreateResource"
	KindDropResource             OplogEntryKind = "DropResource"
	KindDescribeResource         OplogEntryKind = "DescribeResource"
	KindLog                      OplogEntryKind = "Log"
	KindRestart                  OplogEntryKind = "Restart"
	KindSnapshot                 OplogEntryKind = "Snapshot"
)

// PayloadRef points at a blob in the payload store, or inlines small
// values directly. Content-addressed: identical bytes are stored once
// (spec.md §4.1).
type PayloadRef struct {
	Inline []byte `json:"inline,omitempty"`
	Digest string `json:"digest,omitempty"`
}

// OplogRecord is the self-describing tagged union persisted by the oplog.
// Only the fields relevant to Kind are populated; this mirrors the
// Command{Op, Data} envelope in the teacher's pkg/manager/fsm.go, adapted
// to a single struct instead of a raw-json payload so the msgpack codec in
// pkg/codec can round-trip it without reflection on an interface type.
type OplogRecord struct {
	Index     OplogIndex     `json:"index" msgpack:"index"`
	Kind      OplogEntryKind `json:"kind" msgpack:"kind"`
	Timestamp time.Time      `json:"timestamp" msgpack:"timestamp"`

	// Create
	ComponentId      ComponentId       `json:"component_id,omitempty" msgpack:"component_id,omitempty"`
	ComponentVersion uint64            `json:"component_version,omitempty" msgpack:"component_version,omitempty"`
	Args             []string          `json:"args,omitempty" msgpack:"args,omitempty"`
	Env              map[string]string `json:"env,omitempty" msgpack:"env,omitempty"`
	Parent           *WorkerId         `json:"parent,omitempty" msgpack:"parent,omitempty"`
	AccountId        AccountId         `json:"account_id,omitempty" msgpack:"account_id,omitempty"`

	// ImportedFunctionInvoked
	FunctionName        string              `json:"function_name,omitempty" msgpack:"function_name,omitempty"`
	PayloadRef           *PayloadRef         `json:"payload_ref,omitempty" msgpack:"payload_ref,omitempty"`
	WrappedFunctionType  string              `json:"wrapped_function_type,omitempty" msgpack:"wrapped_function_type,omitempty"`
	DurableFunctionType  DurableFunctionType `json:"durable_function_type,omitempty" msgpack:"durable_function_type,omitempty"`

	// ExportedFunctionInvoked / Completed
	RequestRef        *PayloadRef        `json:"request_ref,omitempty" msgpack:"request_ref,omitempty"`
	ResponseRef       *PayloadRef        `json:"response_ref,omitempty" msgpack:"response_ref,omitempty"`
	IdempotencyKey    string             `json:"idempotency_key,omitempty" msgpack:"idempotency_key,omitempty"`
	InvocationContext *InvocationContext `json:"invocation_context,omitempty" msgpack:"invocation_context,omitempty"`
	ConsumedFuel      uint64             `json:"consumed_fuel,omitempty" msgpack:"consumed_fuel,omitempty"`

	// Error / Log
	Detail  *SerializableError `json:"detail,omitempty" msgpack:"detail,omitempty"`
	Level   string             `json:"level,omitempty" msgpack:"level,omitempty"`
	Context string             `json:"context,omitempty" msgpack:"context,omitempty"`
	Message string             `json:"message,omitempty" msgpack:"message,omitempty"`

	// Jump
	Target OplogIndex `json:"target,omitempty" msgpack:"target,omitempty"`

	// ChangeRetryPolicy
	Policy *RetryPolicy `json:"policy,omitempty" msgpack:"policy,omitempty"`

	// BeginAtomicRegion / EndAtomicRegion / BeginRemoteWrite / EndRemoteWrite
	BeginIndex OplogIndex `json:"begin_index,omitempty" msgpack:"begin_index,omitempty"`

	// PendingWorkerInvocation / PendingUpdate
	TargetVersion uint64 `json:"target_version,omitempty" msgpack:"target_version,omitempty"`

	// CreatePromise / CompletePromise
	PromiseId OplogIndex  `json:"promise_id,omitempty" msgpack:"promise_id,omitempty"`
	DataRef   *PayloadRef `json:"data_ref,omitempty" msgpack:"data_ref,omitempty"`

	// GrowMemory
	Delta int64 `json:"delta,omitempty" msgpack:"delta,omitempty"`

	// CreateResource / DropResource / DescribeResource
	ResourceId  uint64 `json:"resource_id,omitempty" msgpack:"resource_id,omitempty"`
	Description string `json:"description,omitempty" msgpack:"description,omitempty"`

	// Snapshot
	SnapshotRef *PayloadRef `json:"snapshot_ref,omitempty" msgpack:"snapshot_ref,omitempty"`
}

// IsBeginMarker reports whether this record opens a region that requires a
// matching end marker before it can be considered durable-complete
// (spec.md I4/I5).
func (r *OplogRecord) IsBeginMarker() bool {
	return r.Kind == KindBeginAtomicRegion || r.Kind == KindBeginRemoteWrite
}
