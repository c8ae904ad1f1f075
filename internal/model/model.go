// Package model holds the data types shared by the subscription router and
// the BPMN event-subscription behavior: the partition/key primitives,
// workflow and element-instance snapshots, event triggers, deferred records,
// the five subscription wire commands, and the partition leader table.
package model

import "time"

// PartitionId identifies one shard of the replicated event log.
type PartitionId int32

// Key is a 64-bit identifier minted by a KeyGenerator; unique within the
// partition that minted it.
type Key uint64

// ElementState is the lifecycle state of an ElementInstance.
type ElementState int

const (
	// StateActivating is the initial transient state of a new element instance.
	StateActivating ElementState = iota
	// StateActivated marks a running, non-terminal element instance.
	StateActivated
	// StateCompleting marks an element instance that is wrapping up normally.
	StateCompleting
	// StateCompleted is the terminal successful state.
	StateCompleted
	// StateTerminating marks an element instance being torn down by an
	// interrupting event.
	StateTerminating
	// StateTerminated is the terminal torn-down state.
	StateTerminated
)

// Intent names the kind of record an ElementInstance-scoped event describes.
// Only the subset the router/behavior core actually emits is modeled.
type Intent string

const (
	// IntentElementActivating is emitted (directly or via a DeferredRecord)
	// whenever a new child element instance is being created.
	IntentElementActivating Intent = "ELEMENT_ACTIVATING"
)

// Purpose tags why a record was staged rather than appended immediately.
type Purpose string

// PurposeDeferredActivation marks a DeferredRecord staged until its owning
// scope reaches the state required to publish it.
const PurposeDeferredActivation Purpose = "DEFERRED_ACTIVATION"

// BpmnElementType is the BPMN element kind a record or instance refers to,
// used to disambiguate deferred records staged under the same scope.
type BpmnElementType string

const (
	// ElementTypeBoundaryEvent tags a boundary-event activation.
	ElementTypeBoundaryEvent BpmnElementType = "BOUNDARY_EVENT"
	// ElementTypeIntermediateCatchEvent tags an event-based-gateway target activation.
	ElementTypeIntermediateCatchEvent BpmnElementType = "INTERMEDIATE_CATCH_EVENT"
	// ElementTypeStartEvent tags a workflow-instance start-event activation.
	ElementTypeStartEvent BpmnElementType = "START_EVENT"
	// ElementTypeSubProcess tags an event-sub-process activation.
	ElementTypeSubProcess BpmnElementType = "SUB_PROCESS"
)

// Workflow is the immutable, once-deployed description of a process
// definition. The loader that produces these is out of scope; this core
// only reads them by key.
type Workflow struct {
	WorkflowKey   Key
	BpmnProcessID string
	Version       int32
	RootElementID string
	ElementType   BpmnElementType
}

// ElementInstance is a live execution node inside a running workflow
// instance.
type ElementInstance struct {
	Key                  Key
	ParentKey             Key // flow-scope key; 0 for the workflow-instance root
	ElementID            string
	State                ElementState
	ActiveTokens         int32
	Interrupted          bool
	InterruptingEventKey Key // 0 if none
}

// IsInterrupted reports whether the instance's scope has been claimed by an
// interrupting event: true once InterruptingEventKey is set to the key of
// the event that claimed it.
func (e *ElementInstance) IsInterrupted() bool {
	return e.InterruptingEventKey > 0
}

// SpawnToken increments the instance's active-token count by one.
func (e *ElementInstance) SpawnToken() {
	e.ActiveTokens++
}

// IsActive reports whether the instance has not yet reached a terminal
// state (completed or terminated); a terminating instance still counts as
// active. This is the "active" predicate used by the event-sub-process
// publish-readiness test.
func (e *ElementInstance) IsActive() bool {
	switch e.State {
	case StateActivating, StateActivated, StateCompleting, StateTerminating:
		return true
	default:
		return false
	}
}

// EventTrigger is a pending event queued against an event-scope instance,
// awaiting consumption by a trigger* operation.
type EventTrigger struct {
	ScopeKey   Key
	EventKey   Key
	ElementID  string
	Variables  []byte
}

// DeferredRecord is a record staged under an owner scope, to be appended to
// the log only when that scope reaches the state required to publish it.
type DeferredRecord struct {
	OwnerScopeKey    Key
	ChildInstanceKey Key
	Intent           Intent
	ElementType      BpmnElementType
	ElementID        string
	Purpose          Purpose
	Variables        []byte
	// StagedAt is when the record was deferred, used only to observe
	// publish latency; the zero value (e.g. records decoded from a store
	// written before this field existed) simply skips that observation.
	StagedAt time.Time
}

// NodeInfo is the address pair advertised by a cluster member for one
// partition's leader: where to send management traffic (topic/partition
// discovery) and where to send subscription traffic.
type NodeInfo struct {
	SubscriptionAPIAddress string
	ManagementAPIAddress   string
}

// PartitionLeaderTable is a read-mostly snapshot of PartitionId -> current
// leader, updated only by topology callbacks.
type PartitionLeaderTable struct {
	Leaders              map[PartitionId]NodeInfo
	SystemPartitionLeader string
}

// NewPartitionLeaderTable returns an empty table.
func NewPartitionLeaderTable() *PartitionLeaderTable {
	return &PartitionLeaderTable{Leaders: make(map[PartitionId]NodeInfo)}
}
