package bpmn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerflow/eventcore/internal/model"
	"github.com/brokerflow/eventcore/internal/store"
)

func newTestBehavior() (*Behavior, *store.Memory) {
	mem := store.NewMemory()
	decls := &ElementDeclarations{
		BoundaryEvents: map[string][]BoundaryEventDeclaration{
			"ServiceTask_1": {
				{ElementID: "Boundary_Interrupting", Interrupting: true},
				{ElementID: "Boundary_NonInterrupting", Interrupting: false},
			},
		},
		EventBasedGateways: map[string]EventBasedGatewayDeclaration{
			"Gateway_1": {ElementID: "Gateway_1", Targets: []string{"Catch_A", "Catch_B"}},
		},
		EventSubProcesses: map[string][]EventSubProcessDeclaration{
			"Process_1": {
				{ElementID: "SubProcess_Interrupting", Interrupting: true},
				{ElementID: "SubProcess_NonInterrupting", Interrupting: false},
			},
		},
		StartEvents: []string{"StartEvent_1"},
	}
	b := New(decls, mem, mem, mem, mem, mem, mem)
	return b, mem
}

func TestTriggerBoundaryEvent_Interrupting_ClaimsScopeAndDefers(t *testing.T) {
	ctx := context.Background()
	b, mem := newTestBehavior()

	activity := &model.ElementInstance{Key: 1, ParentKey: 100, ElementID: "ServiceTask_1", State: model.StateActivated, ActiveTokens: 1}
	require.NoError(t, mem.UpdateInstance(ctx, activity))
	require.NoError(t, mem.QueueEventTrigger(ctx, activity.Key, model.EventTrigger{ScopeKey: 1, EventKey: 1, ElementID: "Boundary_Interrupting"}))

	consumed, err := b.TriggerBoundaryOrIntermediateEvent(ctx, activity)
	require.NoError(t, err)
	assert.True(t, consumed)
	assert.Equal(t, model.StateTerminating, activity.State)
	assert.EqualValues(t, 1, activity.ActiveTokens, "interrupting branch defers, it does not spawn a token")

	recs, err := mem.GetDeferredRecords(ctx, activity.ParentKey)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Boundary_Interrupting", recs[0].ElementID)

	trig, err := mem.PeekEventTrigger(ctx, activity.Key)
	require.NoError(t, err)
	assert.Nil(t, trig, "trigger must be consumed after handling")
}

func TestPublishTriggeredBoundaryEvent_InterruptingWaitsForTermination(t *testing.T) {
	ctx := context.Background()
	b, mem := newTestBehavior()

	activity := &model.ElementInstance{Key: 1, ParentKey: 100, ElementID: "ServiceTask_1", State: model.StateActivated, ActiveTokens: 1}
	require.NoError(t, mem.UpdateInstance(ctx, activity))
	require.NoError(t, mem.QueueEventTrigger(ctx, activity.Key, model.EventTrigger{ScopeKey: 1, EventKey: 1, ElementID: "Boundary_Interrupting"}))

	_, err := b.TriggerBoundaryOrIntermediateEvent(ctx, activity)
	require.NoError(t, err)
	require.Equal(t, model.StateTerminating, activity.State)

	published, err := b.PublishTriggeredBoundaryEvent(ctx, activity)
	require.NoError(t, err)
	assert.False(t, published, "must wait until the activity has actually finished terminating")

	activity.State = model.StateTerminated
	published, err = b.PublishTriggeredBoundaryEvent(ctx, activity)
	require.NoError(t, err)
	assert.True(t, published)
}

func TestPublishTriggeredBoundaryEvent_NonInterruptingPublishesImmediately(t *testing.T) {
	ctx := context.Background()
	b, mem := newTestBehavior()

	activity := &model.ElementInstance{Key: 1, ParentKey: 100, ElementID: "ServiceTask_1", State: model.StateActivated, ActiveTokens: 1}
	require.NoError(t, mem.UpdateInstance(ctx, activity))
	require.NoError(t, mem.UpdateInstance(ctx, &model.ElementInstance{Key: 100, State: model.StateActivated, ActiveTokens: 1}))
	require.NoError(t, mem.QueueEventTrigger(ctx, activity.Key, model.EventTrigger{ScopeKey: 1, EventKey: 1, ElementID: "Boundary_NonInterrupting"}))

	_, err := b.TriggerBoundaryOrIntermediateEvent(ctx, activity)
	require.NoError(t, err)
	assert.False(t, activity.Interrupted)
	require.Len(t, mem.AppendedRecords(), 1, "non-interrupting boundary events publish immediately, not through the defer handoff")

	parent, err := mem.GetInstance(ctx, activity.ParentKey)
	require.NoError(t, err)
	assert.EqualValues(t, 2, parent.ActiveTokens, "the token is spawned in the parent scope")

	published, err := b.PublishTriggeredBoundaryEvent(ctx, activity)
	require.NoError(t, err)
	assert.False(t, published, "nothing left deferred once the immediate publish already happened")
}

func TestTriggerEventBasedGateway_RejectsUndeclaredTarget(t *testing.T) {
	ctx := context.Background()
	b, mem := newTestBehavior()
	gateway := &model.ElementInstance{Key: 1, ElementID: "Gateway_1"}
	require.NoError(t, mem.UpdateInstance(ctx, gateway))

	_, err := b.TriggerEventBasedGateway(ctx, gateway, "Gateway_1", "Catch_Unknown")
	assert.Error(t, err)
}

func TestTriggerEventBasedGateway_ConsumesAndDefersDeclaredTarget(t *testing.T) {
	ctx := context.Background()
	b, mem := newTestBehavior()
	gateway := &model.ElementInstance{Key: 1, ElementID: "Gateway_1"}
	require.NoError(t, mem.UpdateInstance(ctx, gateway))
	require.NoError(t, mem.QueueEventTrigger(ctx, gateway.Key, model.EventTrigger{ScopeKey: 1, EventKey: 1, ElementID: "Catch_A"}))

	consumed, err := b.TriggerEventBasedGateway(ctx, gateway, "Gateway_1", "Catch_A")
	require.NoError(t, err)
	assert.True(t, consumed)

	published, err := b.PublishTriggeredEventBasedGateway(ctx, gateway)
	require.NoError(t, err)
	assert.True(t, published)
	assert.Len(t, mem.AppendedRecords(), 1)
}

func TestTriggerStartEvent_CreatesInstanceAndDefersRootActivation(t *testing.T) {
	ctx := context.Background()
	b, mem := newTestBehavior()
	mem.PutWorkflow(&model.Workflow{WorkflowKey: 77, BpmnProcessID: "order-process", RootElementID: "Process_1"})
	require.NoError(t, mem.QueueEventTrigger(ctx, 77, model.EventTrigger{ScopeKey: 77, EventKey: 1, ElementID: "StartEvent_1"}))

	instance, consumed, err := b.TriggerStartEvent(ctx, 77, "StartEvent_1")
	require.NoError(t, err)
	assert.True(t, consumed)
	require.NotNil(t, instance)

	published, err := b.PublishTriggeredStartEvent(ctx, instance)
	require.NoError(t, err)
	assert.True(t, published)
}

func TestTriggerStartEvent_UnknownWorkflowIsProcessingError(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBehavior()
	_, _, err := b.TriggerStartEvent(ctx, 999, "StartEvent_1")
	assert.Error(t, err)
}

func TestTriggerEventSubProcess_InterruptingWithNoActiveChildrenPublishesImmediately(t *testing.T) {
	ctx := context.Background()
	b, mem := newTestBehavior()
	flowScope := &model.ElementInstance{Key: 5, ElementID: "Process_1", State: model.StateActivated, ActiveTokens: 1}
	require.NoError(t, mem.UpdateInstance(ctx, flowScope))
	require.NoError(t, mem.QueueEventTrigger(ctx, flowScope.Key, model.EventTrigger{ScopeKey: 5, EventKey: 1, ElementID: "SubProcess_Interrupting"}))

	consumed, err := b.TriggerEventSubProcess(ctx, flowScope, "SubProcess_Interrupting")
	require.NoError(t, err)
	assert.True(t, consumed)
	assert.True(t, flowScope.Interrupted)
	require.Len(t, mem.AppendedRecords(), 1, "no active children to wait for, so the activation publishes immediately")

	published, err := b.PublishTriggeredEventSubProcess(ctx, flowScope)
	require.NoError(t, err)
	assert.False(t, published, "nothing left deferred once the immediate publish already happened")
}

func TestTriggerEventSubProcess_InterruptingWaitsForActiveChildrenToTerminate(t *testing.T) {
	ctx := context.Background()
	b, mem := newTestBehavior()
	flowScope := &model.ElementInstance{Key: 5, ElementID: "Process_1", State: model.StateActivated, ActiveTokens: 1}
	require.NoError(t, mem.UpdateInstance(ctx, flowScope))
	childA := &model.ElementInstance{Key: 10, ParentKey: 5, ElementID: "ServiceTask_1", State: model.StateActivated}
	childB := &model.ElementInstance{Key: 11, ParentKey: 5, ElementID: "ServiceTask_2", State: model.StateActivated}
	require.NoError(t, mem.UpdateInstance(ctx, childA))
	require.NoError(t, mem.UpdateInstance(ctx, childB))
	require.NoError(t, mem.QueueEventTrigger(ctx, flowScope.Key, model.EventTrigger{ScopeKey: 5, EventKey: 1, ElementID: "SubProcess_Interrupting"}))

	consumed, err := b.TriggerEventSubProcess(ctx, flowScope, "SubProcess_Interrupting")
	require.NoError(t, err)
	assert.True(t, consumed)
	assert.True(t, flowScope.Interrupted)
	assert.Empty(t, mem.AppendedRecords(), "active children exist, so the activation must wait")

	gotA, err := mem.GetInstance(ctx, childA.Key)
	require.NoError(t, err)
	assert.Equal(t, model.StateTerminating, gotA.State)
	gotB, err := mem.GetInstance(ctx, childB.Key)
	require.NoError(t, err)
	assert.Equal(t, model.StateTerminating, gotB.State)

	published, err := b.PublishTriggeredEventSubProcess(ctx, flowScope)
	require.NoError(t, err)
	assert.False(t, published, "must wait until both children have actually terminated")

	gotA.State = model.StateTerminated
	require.NoError(t, mem.UpdateInstance(ctx, gotA))
	published, err = b.PublishTriggeredEventSubProcess(ctx, flowScope)
	require.NoError(t, err)
	assert.False(t, published, "one child is still active")

	gotB.State = model.StateTerminated
	require.NoError(t, mem.UpdateInstance(ctx, gotB))
	published, err = b.PublishTriggeredEventSubProcess(ctx, flowScope)
	require.NoError(t, err)
	assert.True(t, published)
}

func TestTriggerEventSubProcess_DiscardsOnceFlowScopeAlreadyInterrupted(t *testing.T) {
	ctx := context.Background()
	b, mem := newTestBehavior()
	flowScope := &model.ElementInstance{Key: 5, ElementID: "Process_1", State: model.StateActivated, ActiveTokens: 2, Interrupted: true, InterruptingEventKey: 99}
	require.NoError(t, mem.UpdateInstance(ctx, flowScope))
	require.NoError(t, mem.QueueEventTrigger(ctx, flowScope.Key, model.EventTrigger{ScopeKey: 5, EventKey: 1, ElementID: "SubProcess_Interrupting"}))

	consumed, err := b.TriggerEventSubProcess(ctx, flowScope, "SubProcess_Interrupting")
	require.NoError(t, err)
	assert.False(t, consumed)
	assert.EqualValues(t, 99, flowScope.InterruptingEventKey, "a second interrupting trigger must not overwrite the claim")

	trig, err := mem.PeekEventTrigger(ctx, flowScope.Key)
	require.NoError(t, err)
	assert.NotNil(t, trig, "the discarded trigger is left queued, not consumed")
}

func TestTriggerEventSubProcess_NonInterruptingPublishesImmediately(t *testing.T) {
	ctx := context.Background()
	b, mem := newTestBehavior()
	flowScope := &model.ElementInstance{Key: 5, ElementID: "Process_1", State: model.StateActivated, ActiveTokens: 1}
	require.NoError(t, mem.UpdateInstance(ctx, flowScope))
	require.NoError(t, mem.QueueEventTrigger(ctx, flowScope.Key, model.EventTrigger{ScopeKey: 5, EventKey: 1, ElementID: "SubProcess_NonInterrupting"}))

	consumed, err := b.TriggerEventSubProcess(ctx, flowScope, "SubProcess_NonInterrupting")
	require.NoError(t, err)
	assert.True(t, consumed)
	assert.False(t, flowScope.Interrupted)
	require.Len(t, mem.AppendedRecords(), 1, "non-interrupting event sub-processes publish immediately, not through the defer handoff")

	published, err := b.PublishTriggeredEventSubProcess(ctx, flowScope)
	require.NoError(t, err)
	assert.False(t, published, "nothing left deferred once the immediate publish already happened")
}

func TestTriggerBoundaryOrIntermediateEvent_FallsBackToIntermediateWhenNotABoundaryEvent(t *testing.T) {
	ctx := context.Background()
	b, mem := newTestBehavior()
	instance := &model.ElementInstance{Key: 9, ElementID: "IntermediateCatch_Plain", State: model.StateActivated}
	require.NoError(t, mem.UpdateInstance(ctx, instance))
	require.NoError(t, mem.QueueEventTrigger(ctx, instance.Key, model.EventTrigger{ScopeKey: 9, EventKey: 1, ElementID: "IntermediateCatch_Plain"}))

	consumed, err := b.TriggerBoundaryOrIntermediateEvent(ctx, instance)
	require.NoError(t, err)
	assert.True(t, consumed)
	assert.False(t, instance.Interrupted)
	assert.Equal(t, model.StateCompleting, instance.State)
}
