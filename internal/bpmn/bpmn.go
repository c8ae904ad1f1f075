package bpmn

import (
	"context"
	"fmt"
	"time"

	"github.com/brokerflow/eventcore/internal/errors"
	"github.com/brokerflow/eventcore/internal/logx"
	"github.com/brokerflow/eventcore/internal/metrics"
	"github.com/brokerflow/eventcore/internal/model"
	"github.com/brokerflow/eventcore/internal/store"
	"github.com/brokerflow/eventcore/internal/tracing"
)

// EventUnsubscriber cancels every catch-event subscription a flow scope's
// embedded boundary events, event-based gateways and event sub-processes
// still have open. Satisfied by *catchevent.Behavior.
type EventUnsubscriber interface {
	UnsubscribeFlowScope(ctx context.Context, flowScope *model.ElementInstance) error
}

// Behavior implements every trigger*/publish* operation over a single
// workflow's ElementDeclarations, backed by the element-instance, event
// scope and workflow stores.
type Behavior struct {
	decls        *ElementDeclarations
	instances    store.ElementInstanceStore
	events       store.EventScopeStore
	workflows    store.WorkflowStore
	keys         store.KeyGenerator
	variables    store.VariablesStore
	stream       store.StreamWriter
	metrics      *metrics.Metrics
	unsubscriber EventUnsubscriber
}

// New returns a Behavior bound to decls and the given stores.
func New(decls *ElementDeclarations, instances store.ElementInstanceStore, events store.EventScopeStore, workflows store.WorkflowStore, keys store.KeyGenerator, variables store.VariablesStore, stream store.StreamWriter) *Behavior {
	return &Behavior{decls: decls, instances: instances, events: events, workflows: workflows, keys: keys, variables: variables, stream: stream}
}

// WithMetrics attaches m so every consumed trigger and published deferred
// record is counted/timed; passing nil disables metrics again.
func (b *Behavior) WithMetrics(m *metrics.Metrics) *Behavior {
	b.metrics = m
	return b
}

// WithUnsubscriber attaches u so an interrupting event sub-process closes
// its flow scope's other open catch-event subscriptions before claiming it;
// passing nil skips that step.
func (b *Behavior) WithUnsubscriber(u EventUnsubscriber) *Behavior {
	b.unsubscriber = u
	return b
}

// recordConsumed counts one trigger of elementType as consumed, once the
// handler that acted on it has fully succeeded.
func (b *Behavior) recordConsumed(elementType model.BpmnElementType) {
	if b.metrics != nil {
		b.metrics.TriggerConsumed(string(elementType))
	}
}

// triggerEvent is the generic atomic-consume helper every trigger*
// operation funnels through: it peeks the oldest trigger queued anywhere
// under scopeKey, hands it to handle, stores the trigger's variables as
// temporary variables against the scope it was consumed under, and only
// deletes it once all of that has succeeded. A crash between peek and
// delete is safe: the next call observes the same trigger and retries
// handle from scratch. handle learns which element the trigger targets from
// the trigger itself, not from a caller-supplied element id — scopeKey
// holds exactly one FIFO, and whichever operation calls in first gets its
// globally-oldest entry.
func (b *Behavior) triggerEvent(ctx context.Context, scopeKey model.Key, handle func(trigger *model.EventTrigger) error) (consumed bool, err error) {
	ctx, span := tracing.StartSpan(ctx, "bpmn.triggerEvent", tracing.StringAttr("scopeKey", fmt.Sprintf("%d", scopeKey)))
	defer func() { tracing.End(span, err) }()

	trigger, err := b.events.PeekEventTrigger(ctx, scopeKey)
	if err != nil {
		return false, fmt.Errorf("peek event trigger at scope %d: %w", scopeKey, err)
	}
	if trigger == nil {
		return false, nil
	}
	if err := handle(trigger); err != nil {
		return false, err
	}
	if err := b.variables.SetTemporaryVariables(ctx, scopeKey, trigger.ElementID, trigger.Variables); err != nil {
		return false, fmt.Errorf("store temporary variables for %s at scope %d: %w", trigger.ElementID, scopeKey, err)
	}
	if err := b.events.DeleteTrigger(ctx, scopeKey, trigger.EventKey); err != nil {
		return false, fmt.Errorf("delete consumed event trigger at scope %d: %w", scopeKey, err)
	}
	return true, nil
}

// transitionToCompleting moves instance into StateCompleting, the shared
// step behind triggerIntermediateEvent and the non-boundary branch of
// triggerBoundaryOrIntermediateEvent.
func (b *Behavior) transitionToCompleting(ctx context.Context, instance *model.ElementInstance) error {
	instance.State = model.StateCompleting
	if err := b.instances.UpdateInstance(ctx, instance); err != nil {
		return fmt.Errorf("transition %s to completing: %w", instance.ElementID, err)
	}
	return nil
}

// TriggerBoundaryOrIntermediateEvent consumes the oldest trigger queued at
// instance's scope. If the trigger's own target element id names one of
// instance's declared boundary events, it follows boundary-event semantics;
// otherwise the trigger matched instance's own message and instance
// transitions directly to COMPLETING.
func (b *Behavior) TriggerBoundaryOrIntermediateEvent(ctx context.Context, instance *model.ElementInstance) (bool, error) {
	return b.triggerEvent(ctx, instance.Key, func(trigger *model.EventTrigger) error {
		if decl, ok := b.decls.FindBoundaryEvent(instance.ElementID, trigger.ElementID); ok {
			return b.activateBoundaryEvent(ctx, instance, trigger, decl)
		}
		if err := b.transitionToCompleting(ctx, instance); err != nil {
			return err
		}
		b.recordConsumed(model.ElementTypeIntermediateCatchEvent)
		return nil
	})
}

// TriggerIntermediateEvent consumes the oldest trigger queued at instance's
// scope and transitions instance straight to COMPLETING: a plain
// intermediate catch event, reached directly rather than through the
// boundary-vs-intermediate resolution above.
func (b *Behavior) TriggerIntermediateEvent(ctx context.Context, instance *model.ElementInstance) (bool, error) {
	return b.triggerEvent(ctx, instance.Key, func(trigger *model.EventTrigger) error {
		if err := b.transitionToCompleting(ctx, instance); err != nil {
			return err
		}
		b.recordConsumed(model.ElementTypeIntermediateCatchEvent)
		return nil
	})
}

// TriggerBoundaryEvent is the public entry point used directly by callers
// that already know elementID names a boundary event attached to instance,
// skipping the boundary-vs-intermediate resolution
// TriggerBoundaryOrIntermediateEvent does. It consumes the oldest trigger
// queued at instance's scope.
func (b *Behavior) TriggerBoundaryEvent(ctx context.Context, instance *model.ElementInstance, elementID string) (bool, error) {
	decl, ok := b.decls.FindBoundaryEvent(instance.ElementID, elementID)
	if !ok {
		return false, errors.UnknownBoundaryEvent(elementID)
	}
	return b.triggerEvent(ctx, instance.Key, func(trigger *model.EventTrigger) error {
		return b.activateBoundaryEvent(ctx, instance, trigger, decl)
	})
}

// activateBoundaryEvent mints the boundary event's own instance key and
// either defers its activation under instance's parent scope (interrupting:
// no token spawn here, instance is marked interrupted by the boundary event
// and transitions straight to TERMINATING instead) or publishes it there
// immediately, creating the child and spawning a token in the parent scope
// (non-interrupting).
func (b *Behavior) activateBoundaryEvent(ctx context.Context, instance *model.ElementInstance, trigger *model.EventTrigger, decl BoundaryEventDeclaration) error {
	boundaryElementInstanceKey, err := b.keys.NextKey(ctx)
	if err != nil {
		return fmt.Errorf("mint boundary event instance key for %s: %w", trigger.ElementID, err)
	}
	if decl.Interrupting {
		if err := b.deferActivatingEvent(ctx, instance.ParentKey, boundaryElementInstanceKey, trigger.ElementID, model.ElementTypeBoundaryEvent, trigger.Variables); err != nil {
			return err
		}
		instance.Interrupted = true
		instance.InterruptingEventKey = boundaryElementInstanceKey
		instance.State = model.StateTerminating
		if err := b.instances.UpdateInstance(ctx, instance); err != nil {
			return fmt.Errorf("transition %s to terminating: %w", instance.ElementID, err)
		}
	} else {
		parent, err := b.instances.GetInstance(ctx, instance.ParentKey)
		if err != nil {
			return fmt.Errorf("load parent scope %d for boundary event %s: %w", instance.ParentKey, trigger.ElementID, err)
		}
		parent.SpawnToken()
		if err := b.instances.UpdateInstance(ctx, parent); err != nil {
			return fmt.Errorf("spawn token in parent scope %d: %w", instance.ParentKey, err)
		}
		child := &model.ElementInstance{Key: boundaryElementInstanceKey, ParentKey: instance.ParentKey, ElementID: trigger.ElementID, State: model.StateActivating}
		if err := b.PublishActivatingEvent(ctx, child, trigger.Variables); err != nil {
			return err
		}
	}
	b.recordConsumed(model.ElementTypeBoundaryEvent)
	return nil
}

// deferActivatingEvent stages an ELEMENT_ACTIVATING record for a new child
// of ownerScopeKey, identified by the already-minted childKey, to be
// published once publishTriggeredEvent runs for ownerScopeKey. This handoff
// lets a boundary event's activation wait for its interrupted scope to
// actually finish terminating before the new element appears.
func (b *Behavior) deferActivatingEvent(ctx context.Context, ownerScopeKey, childKey model.Key, elementID string, elementType model.BpmnElementType, variables []byte) error {
	if err := b.instances.StoreDeferredRecord(ctx, model.DeferredRecord{
		OwnerScopeKey:    ownerScopeKey,
		ChildInstanceKey: childKey,
		Intent:           model.IntentElementActivating,
		ElementType:      elementType,
		ElementID:        elementID,
		Purpose:          model.PurposeDeferredActivation,
		Variables:        variables,
		StagedAt:         time.Now(),
	}); err != nil {
		return fmt.Errorf("defer activating event for %s: %w", elementID, err)
	}
	return nil
}

// PublishTriggeredBoundaryEvent publishes the deferred interrupting
// boundary-event activation staged under instance's parent scope, but only
// once instance has actually finished terminating. A non-interrupting
// boundary event already published its activation immediately when
// triggered and leaves nothing deferred to publish here.
func (b *Behavior) PublishTriggeredBoundaryEvent(ctx context.Context, instance *model.ElementInstance) (bool, error) {
	if instance.Interrupted && instance.State != model.StateTerminated {
		return false, nil
	}
	return b.publishTriggeredEvent(ctx, instance.ParentKey)
}

// publishTriggeredEvent is the shared publish step: every staged
// DeferredRecord under scopeKey is appended as a follow-up
// ELEMENT_ACTIVATING record and the staging area is cleared.
func (b *Behavior) publishTriggeredEvent(ctx context.Context, scopeKey model.Key) (bool, error) {
	log := logx.FromContext(ctx)
	recs, err := b.instances.GetDeferredRecords(ctx, scopeKey)
	if err != nil {
		return false, fmt.Errorf("get deferred records for scope %d: %w", scopeKey, err)
	}
	if len(recs) == 0 {
		return false, nil
	}
	for _, rec := range recs {
		child := model.ElementInstance{Key: rec.ChildInstanceKey, ParentKey: rec.OwnerScopeKey, ElementID: rec.ElementID, State: model.StateActivating}
		if err := b.instances.UpdateInstance(ctx, &child); err != nil {
			return false, fmt.Errorf("store published child instance %s: %w", rec.ElementID, err)
		}
		if err := b.stream.AppendFollowUpEvent(ctx, store.Record{Key: rec.ChildInstanceKey, Intent: rec.Intent, Instance: child, Variables: rec.Variables}); err != nil {
			return false, fmt.Errorf("publish deferred record %s: %w", rec.ElementID, err)
		}
		if b.metrics != nil && !rec.StagedAt.IsZero() {
			b.metrics.ObservePublishLatency(string(rec.ElementType), time.Since(rec.StagedAt).Seconds())
		}
	}
	if err := b.instances.DeleteDeferredRecords(ctx, scopeKey); err != nil {
		return false, fmt.Errorf("clear deferred records for scope %d: %w", scopeKey, err)
	}
	log.Debug("published deferred records", "scope", scopeKey, "count", len(recs))
	return true, nil
}

// PublishActivatingEvent appends rec as a freshly produced (not deferred)
// ELEMENT_ACTIVATING record, for callers that know the owning scope is
// already ready and skip the defer/publish handoff entirely.
func (b *Behavior) PublishActivatingEvent(ctx context.Context, instance *model.ElementInstance, variables []byte) error {
	if err := b.instances.UpdateInstance(ctx, instance); err != nil {
		return fmt.Errorf("store activating instance %s: %w", instance.ElementID, err)
	}
	return b.stream.AppendNewEvent(ctx, store.Record{Key: instance.Key, Intent: model.IntentElementActivating, Instance: *instance, Variables: variables})
}

// TriggerEventBasedGateway consumes the oldest trigger queued at the
// gateway instance's scope on behalf of elementID, which must be one of
// gatewayElementID's declared targets (verified before peeking; the
// trigger's own ElementID is not consulted), defers elementID's activation
// under the gateway's own scope, and transitions the gateway to COMPLETING.
func (b *Behavior) TriggerEventBasedGateway(ctx context.Context, instance *model.ElementInstance, gatewayElementID, elementID string) (bool, error) {
	if !b.decls.FindEventBasedGatewayTarget(gatewayElementID, elementID) {
		return false, errors.UnknownEventBasedGatewayTarget(elementID)
	}
	return b.triggerEvent(ctx, instance.Key, func(trigger *model.EventTrigger) error {
		childKey, err := b.keys.NextKey(ctx)
		if err != nil {
			return fmt.Errorf("allocate event-based gateway target key for %s: %w", elementID, err)
		}
		if err := b.deferActivatingEvent(ctx, instance.Key, childKey, elementID, model.ElementTypeIntermediateCatchEvent, trigger.Variables); err != nil {
			return err
		}
		instance.State = model.StateCompleting
		if err := b.instances.UpdateInstance(ctx, instance); err != nil {
			return fmt.Errorf("transition gateway %s to completing: %w", instance.ElementID, err)
		}
		b.recordConsumed(model.ElementTypeIntermediateCatchEvent)
		return nil
	})
}

// PublishTriggeredEventBasedGateway publishes the deferred activation an
// event-based gateway staged, exactly like publishTriggeredEvent, exposed
// under its own name because the gateway never interrupts its scope and so
// never needs the instance.State gate PublishTriggeredBoundaryEvent applies.
func (b *Behavior) PublishTriggeredEventBasedGateway(ctx context.Context, instance *model.ElementInstance) (bool, error) {
	return b.publishTriggeredEvent(ctx, instance.Key)
}

// TriggerStartEvent consumes the oldest trigger queued at workflowKey's
// scope for one of the workflow's declared start events and creates a new
// workflow instance from it.
func (b *Behavior) TriggerStartEvent(ctx context.Context, workflowKey model.Key, elementID string) (*model.ElementInstance, bool, error) {
	if !b.decls.IsStartEvent(elementID) {
		return nil, false, errors.UnknownBoundaryEvent(elementID)
	}
	wf, err := b.workflows.GetWorkflow(ctx, workflowKey)
	if err != nil {
		return nil, false, errors.NoWorkflow(uint64(workflowKey))
	}

	var created *model.ElementInstance
	consumed, err := b.triggerEvent(ctx, workflowKey, func(trigger *model.EventTrigger) error {
		instance, err := b.createWorkflowInstance(ctx, wf, elementID, trigger.Variables)
		if err != nil {
			return err
		}
		created = instance
		b.recordConsumed(model.ElementTypeStartEvent)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !consumed {
		return nil, false, errors.NoTriggeredEvent(uint64(workflowKey))
	}
	return created, true, nil
}

// createWorkflowInstance allocates a fresh root ElementInstance for a new
// run of wf and stages the triggered start event as a deferred activation
// under its own key — start events publish through the same handoff as
// boundary events so a start event subscribed via an event sub-process
// waits on its parent scope exactly like any other catch event would.
func (b *Behavior) createWorkflowInstance(ctx context.Context, wf *model.Workflow, startElementID string, variables []byte) (*model.ElementInstance, error) {
	instance, err := b.instances.NewInstance(ctx, 0, wf.RootElementID)
	if err != nil {
		return nil, fmt.Errorf("create workflow instance for %s: %w", wf.BpmnProcessID, err)
	}
	childKey, err := b.keys.NextKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate start event instance key for %s: %w", wf.BpmnProcessID, err)
	}
	if err := b.deferActivatingEvent(ctx, instance.Key, childKey, startElementID, model.ElementTypeStartEvent, variables); err != nil {
		return nil, fmt.Errorf("defer start event activation for %s: %w", wf.BpmnProcessID, err)
	}
	return instance, nil
}

// PublishTriggeredStartEvent publishes the deferred start-event activation
// TriggerStartEvent staged under the new instance's key.
func (b *Behavior) PublishTriggeredStartEvent(ctx context.Context, instance *model.ElementInstance) (bool, error) {
	return b.publishTriggeredEvent(ctx, instance.Key)
}

// TriggerEventSubProcess consumes the oldest trigger queued for an event
// sub-process embedded in flowScope. Once flowScope.InterruptingEventKey is
// set, every further call discards its trigger rather than dispatching:
// the scope has already been claimed, and a second interrupting trigger
// must never overwrite that claim.
func (b *Behavior) TriggerEventSubProcess(ctx context.Context, flowScope *model.ElementInstance, elementID string) (bool, error) {
	if flowScope.IsInterrupted() {
		return false, nil
	}
	decl, ok := findEventSubProcess(b.decls, flowScope.ElementID, elementID)
	if !ok {
		return false, errors.UnknownBoundaryEvent(elementID)
	}
	if decl.Interrupting {
		return b.triggerInterruptingEventSubProcess(ctx, flowScope, elementID)
	}
	return b.triggerEvent(ctx, flowScope.Key, func(trigger *model.EventTrigger) error {
		childKey, err := b.keys.NextKey(ctx)
		if err != nil {
			return fmt.Errorf("allocate event sub-process instance key for %s: %w", elementID, err)
		}
		child := &model.ElementInstance{Key: childKey, ParentKey: flowScope.Key, ElementID: elementID, State: model.StateActivating}
		if err := b.PublishActivatingEvent(ctx, child, trigger.Variables); err != nil {
			return err
		}
		b.recordConsumed(model.ElementTypeSubProcess)
		return nil
	})
}

// triggerInterruptingEventSubProcess is TriggerEventSubProcess's
// interrupting path: it claims flowScope, closes every other catch-event
// subscription still open directly under it, and requests termination of
// every active child. With nothing active to wait for, the sub-process's
// own activation publishes immediately; otherwise it is deferred until
// PublishTriggeredEventSubProcess observes the last child has terminated.
func (b *Behavior) triggerInterruptingEventSubProcess(ctx context.Context, flowScope *model.ElementInstance, elementID string) (bool, error) {
	return b.triggerEvent(ctx, flowScope.Key, func(trigger *model.EventTrigger) error {
		eventElementInstanceKey, err := b.keys.NextKey(ctx)
		if err != nil {
			return fmt.Errorf("allocate interrupting event sub-process key: %w", err)
		}
		flowScope.SpawnToken()
		flowScope.Interrupted = true
		flowScope.InterruptingEventKey = eventElementInstanceKey
		if err := b.instances.UpdateInstance(ctx, flowScope); err != nil {
			return fmt.Errorf("mark flow scope interrupted: %w", err)
		}

		if b.unsubscriber != nil {
			if err := b.unsubscriber.UnsubscribeFlowScope(ctx, flowScope); err != nil {
				return fmt.Errorf("unsubscribe flow scope %d from events: %w", flowScope.Key, err)
			}
		}

		children, err := b.instances.ListActiveChildren(ctx, flowScope.Key)
		if err != nil {
			return fmt.Errorf("list active children of flow scope %d: %w", flowScope.Key, err)
		}
		for _, child := range children {
			child.State = model.StateTerminating
			if err := b.instances.UpdateInstance(ctx, child); err != nil {
				return fmt.Errorf("request termination of child %d: %w", child.Key, err)
			}
		}

		if len(children) == 0 {
			child := &model.ElementInstance{Key: eventElementInstanceKey, ParentKey: flowScope.Key, ElementID: elementID, State: model.StateActivating}
			if err := b.PublishActivatingEvent(ctx, child, trigger.Variables); err != nil {
				return err
			}
		} else if err := b.deferActivatingEvent(ctx, flowScope.Key, eventElementInstanceKey, elementID, model.ElementTypeSubProcess, trigger.Variables); err != nil {
			return err
		}
		b.recordConsumed(model.ElementTypeSubProcess)
		return nil
	})
}

// PublishTriggeredEventSubProcess publishes the deferred activation an
// interrupting event sub-process staged, once every child it requested
// termination of has actually finished terminating. A non-interrupting
// sub-process, or an interrupting one that found no active children to
// wait for, already published its activation directly and leaves nothing
// deferred here.
func (b *Behavior) PublishTriggeredEventSubProcess(ctx context.Context, flowScope *model.ElementInstance) (bool, error) {
	if flowScope.Interrupted {
		children, err := b.instances.ListActiveChildren(ctx, flowScope.Key)
		if err != nil {
			return false, fmt.Errorf("list active children of flow scope %d: %w", flowScope.Key, err)
		}
		if len(children) > 0 {
			return false, nil
		}
	}
	return b.publishTriggeredEvent(ctx, flowScope.Key)
}

func findEventSubProcess(decls *ElementDeclarations, flowScopeElementID, elementID string) (EventSubProcessDeclaration, bool) {
	for _, d := range decls.EventSubProcesses[flowScopeElementID] {
		if d.ElementID == elementID {
			return d, true
		}
	}
	return EventSubProcessDeclaration{}, false
}
