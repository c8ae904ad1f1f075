package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/brokerflow/eventcore/internal/model"
)

// Memory is an in-process implementation of every store interface, backed
// by plain maps guarded by a single mutex. It is the store exercised by the
// bpmn and catchevent package tests, and is suitable for a single-partition
// actor that never needs to survive a process restart.
type Memory struct {
	mu sync.Mutex

	workflows map[model.Key]*model.Workflow

	triggers map[model.Key][]model.EventTrigger

	instances map[model.Key]*model.ElementInstance
	deferred  map[model.Key][]model.DeferredRecord

	variables map[varKey][]byte

	nextKey model.Key

	appended []Record
}

type varKey struct {
	scopeKey  model.Key
	elementID string
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		workflows: make(map[model.Key]*model.Workflow),
		triggers:  make(map[model.Key][]model.EventTrigger),
		instances: make(map[model.Key]*model.ElementInstance),
		deferred:  make(map[model.Key][]model.DeferredRecord),
		variables: make(map[varKey][]byte),
	}
}

// PutWorkflow seeds the store with a deployed workflow, for use by tests
// that need GetWorkflow to resolve.
func (m *Memory) PutWorkflow(wf *model.Workflow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.WorkflowKey] = wf
}

// GetWorkflow implements WorkflowStore.
func (m *Memory) GetWorkflow(ctx context.Context, workflowKey model.Key) (*model.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[workflowKey]
	if !ok {
		return nil, fmt.Errorf("no workflow found for key %d", workflowKey)
	}
	return wf, nil
}

// PeekEventTrigger implements EventScopeStore.
func (m *Memory) PeekEventTrigger(ctx context.Context, scopeKey model.Key) (*model.EventTrigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.triggers[scopeKey]
	if len(queue) == 0 {
		return nil, nil
	}
	t := queue[0]
	return &t, nil
}

// QueueEventTrigger implements EventScopeStore, preserving eventKey order.
func (m *Memory) QueueEventTrigger(ctx context.Context, scopeKey model.Key, trigger model.EventTrigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := append(m.triggers[scopeKey], trigger)
	sort.Slice(queue, func(i, j int) bool { return queue[i].EventKey < queue[j].EventKey })
	m.triggers[scopeKey] = queue
	return nil
}

// DeleteTrigger implements EventScopeStore.
func (m *Memory) DeleteTrigger(ctx context.Context, scopeKey model.Key, eventKey model.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.triggers[scopeKey]
	for i, t := range queue {
		if t.EventKey == eventKey {
			m.triggers[scopeKey] = append(queue[:i], queue[i+1:]...)
			return nil
		}
	}
	return nil
}

// NewInstance implements ElementInstanceStore.
func (m *Memory) NewInstance(ctx context.Context, parentKey model.Key, elementID string) (*model.ElementInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextKey++
	inst := &model.ElementInstance{
		Key:       m.nextKey,
		ParentKey: parentKey,
		ElementID: elementID,
		State:     model.StateActivating,
	}
	m.instances[inst.Key] = inst
	return inst, nil
}

// GetInstance implements ElementInstanceStore.
func (m *Memory) GetInstance(ctx context.Context, key model.Key) (*model.ElementInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[key]
	if !ok {
		return nil, fmt.Errorf("no element instance found for key %d", key)
	}
	return inst, nil
}

// UpdateInstance implements ElementInstanceStore.
func (m *Memory) UpdateInstance(ctx context.Context, instance *model.ElementInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *instance
	m.instances[instance.Key] = &cp
	return nil
}

// StoreDeferredRecord implements ElementInstanceStore.
func (m *Memory) StoreDeferredRecord(ctx context.Context, rec model.DeferredRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deferred[rec.OwnerScopeKey] = append(m.deferred[rec.OwnerScopeKey], rec)
	return nil
}

// GetDeferredRecords implements ElementInstanceStore.
func (m *Memory) GetDeferredRecords(ctx context.Context, ownerScopeKey model.Key) ([]model.DeferredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.deferred[ownerScopeKey]
	out := make([]model.DeferredRecord, len(recs))
	copy(out, recs)
	return out, nil
}

// DeleteDeferredRecords implements ElementInstanceStore.
func (m *Memory) DeleteDeferredRecords(ctx context.Context, ownerScopeKey model.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deferred, ownerScopeKey)
	return nil
}

// ListActiveChildren implements ElementInstanceStore.
func (m *Memory) ListActiveChildren(ctx context.Context, scopeKey model.Key) ([]*model.ElementInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var children []*model.ElementInstance
	for _, inst := range m.instances {
		if inst.ParentKey == scopeKey && inst.IsActive() {
			cp := *inst
			children = append(children, &cp)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Key < children[j].Key })
	return children, nil
}

// SetTemporaryVariables implements VariablesStore.
func (m *Memory) SetTemporaryVariables(ctx context.Context, scopeKey model.Key, elementID string, variables []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.variables[varKey{scopeKey, elementID}] = variables
	return nil
}

// GetTemporaryVariables implements VariablesStore.
func (m *Memory) GetTemporaryVariables(ctx context.Context, scopeKey model.Key, elementID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.variables[varKey{scopeKey, elementID}], nil
}

// NextKey implements KeyGenerator.
func (m *Memory) NextKey(ctx context.Context) (model.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextKey++
	return m.nextKey, nil
}

// AppendNewEvent implements StreamWriter.
func (m *Memory) AppendNewEvent(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appended = append(m.appended, rec)
	return nil
}

// AppendFollowUpEvent implements StreamWriter.
func (m *Memory) AppendFollowUpEvent(ctx context.Context, rec Record) error {
	return m.AppendNewEvent(ctx, rec)
}

// AppendedRecords returns every record appended so far, for test assertions.
func (m *Memory) AppendedRecords() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.appended))
	copy(out, m.appended)
	return out
}
