// Package store defines the persistence seams the BPMN event-subscription
// behavior and catch-event behavior read and write through, and provides
// two implementations: an in-memory one for tests and the single-partition
// actor, and a JetStream KV-backed one for the running server.
package store

import (
	"context"

	"github.com/brokerflow/eventcore/internal/model"
)

// WorkflowStore resolves deployed workflow definitions by key.
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, workflowKey model.Key) (*model.Workflow, error)
}

// EventScopeStore holds the pending EventTrigger queue for every event
// scope, in strict eventKey order per scope.
type EventScopeStore interface {
	// PeekEventTrigger returns the oldest undeleted trigger queued anywhere
	// under scopeKey, regardless of which element it targets, or (nil, nil)
	// if the scope's queue is empty. Callers inspect the returned trigger's
	// own ElementID to learn what it targets.
	PeekEventTrigger(ctx context.Context, scopeKey model.Key) (*model.EventTrigger, error)
	// QueueEventTrigger appends a new trigger to scopeKey's queue.
	QueueEventTrigger(ctx context.Context, scopeKey model.Key, trigger model.EventTrigger) error
	// DeleteTrigger atomically removes the trigger identified by
	// (scopeKey, eventKey) from the queue; it must be called only after the
	// trigger has been fully consumed so a crash between peek and delete is
	// safe to retry (the consumer observes the same trigger again).
	DeleteTrigger(ctx context.Context, scopeKey model.Key, eventKey model.Key) error
}

// ElementInstanceStore holds live ElementInstance records and the
// DeferredRecord staging area keyed by owner scope.
type ElementInstanceStore interface {
	// NewInstance allocates and stores a new ElementInstance for elementID
	// under parentKey, in StateActivating.
	NewInstance(ctx context.Context, parentKey model.Key, elementID string) (*model.ElementInstance, error)
	// GetInstance returns the current ElementInstance for key.
	GetInstance(ctx context.Context, key model.Key) (*model.ElementInstance, error)
	// UpdateInstance persists instance's current field values.
	UpdateInstance(ctx context.Context, instance *model.ElementInstance) error
	// StoreDeferredRecord stages rec until its owner scope is ready to
	// publish it.
	StoreDeferredRecord(ctx context.Context, rec model.DeferredRecord) error
	// GetDeferredRecords returns every record staged under ownerScopeKey,
	// in the order they were staged.
	GetDeferredRecords(ctx context.Context, ownerScopeKey model.Key) ([]model.DeferredRecord, error)
	// DeleteDeferredRecords removes every record staged under
	// ownerScopeKey once they have all been published.
	DeleteDeferredRecords(ctx context.Context, ownerScopeKey model.Key) error
	// ListActiveChildren returns every instance whose ParentKey is scopeKey
	// and whose IsActive() is still true, ordered by Key. An interrupting
	// event sub-process calls this to find what it must wait on before its
	// own activation can publish.
	ListActiveChildren(ctx context.Context, scopeKey model.Key) ([]*model.ElementInstance, error)
}

// VariablesStore holds the temporary per-trigger variables captured between
// a trigger's consumption and the publish of the element instance it feeds.
type VariablesStore interface {
	// SetTemporaryVariables stores variables under scopeKey/elementID,
	// overwriting any previous value.
	SetTemporaryVariables(ctx context.Context, scopeKey model.Key, elementID string, variables []byte) error
	// GetTemporaryVariables returns the variables stored by
	// SetTemporaryVariables, or nil if none were set.
	GetTemporaryVariables(ctx context.Context, scopeKey model.Key, elementID string) ([]byte, error)
}

// KeyGenerator mints unique, monotonically increasing Keys within one
// partition.
type KeyGenerator interface {
	NextKey(ctx context.Context) (model.Key, error)
}

// Record is one entry a StreamWriter appends: a BPMN element-instance record
// identified by its key and the Intent that produced it.
type Record struct {
	Key       model.Key
	Intent    model.Intent
	Instance  model.ElementInstance
	Variables []byte
}

// StreamWriter appends element-instance records to the partition's log,
// either immediately or as a deferred follow-up once a scope is ready.
type StreamWriter interface {
	// AppendNewEvent appends rec as a freshly produced record.
	AppendNewEvent(ctx context.Context, rec Record) error
	// AppendFollowUpEvent appends rec as a record that follows from an
	// already-appended one (a deferred record being published).
	AppendFollowUpEvent(ctx context.Context, rec Record) error
}
