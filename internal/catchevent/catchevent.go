// Package catchevent implements subscribeToEvents/unsubscribeFromEvents:
// the behavior that turns an element's catch-event declarations into either
// a routed message subscription or a directly recorded timer/signal
// subscription, and tears both kinds down again.
package catchevent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/brokerflow/eventcore/internal/errors"
	"github.com/brokerflow/eventcore/internal/expression"
	"github.com/brokerflow/eventcore/internal/logx"
	"github.com/brokerflow/eventcore/internal/model"
	"github.com/brokerflow/eventcore/internal/router"
	"github.com/brokerflow/eventcore/internal/store"
)

// CatchEventKind distinguishes how a declared catch event is subscribed.
type CatchEventKind int

const (
	// KindMessage catch events correlate against a published message by
	// name and correlation key, and go through the subscription router.
	KindMessage CatchEventKind = iota
	// KindTimer catch events fire at a computed due time, recorded
	// directly in the EventScopeStore without a router round-trip.
	KindTimer
	// KindSignal catch events correlate against a broadcast signal name,
	// also recorded directly in the EventScopeStore.
	KindSignal
)

// CatchEventDeclaration is the static, per-element description of one catch
// event a workflow's BPMN model declares: which kind it is and the
// expressions needed to subscribe to it.
type CatchEventDeclaration struct {
	ElementID          string
	Kind               CatchEventKind
	MessageNameExpr    string // KindMessage: literal or "=expr" message name
	CorrelationKeyExpr string // KindMessage: "=expr" correlation key
	SignalNameExpr     string // KindSignal: literal or "=expr" signal name
	TimerDueDateExpr   string // KindTimer: "=expr" producing a due-date value
}

// directKey names one direct (timer or signal) subscription: the scope it
// was opened against and the element that declared it.
type directKey struct {
	scopeKey  model.Key
	elementID string
}

// pendingSignal is a signal subscription waiting to be resolved by a
// matching broadcast.
type pendingSignal struct {
	key directKey
}

// Behavior subscribes to and unsubscribes from the catch events declared on
// an element instance.
type Behavior struct {
	router      *router.Router
	expr        expression.Engine
	eventScopes store.EventScopeStore
	keys        store.KeyGenerator
	partitionID model.PartitionId

	mu          sync.Mutex
	timers      map[directKey]*time.Timer
	signalWaits map[string][]pendingSignal

	flowScopeCatchEvents map[string][]CatchEventDeclaration
}

// WithFlowScopeCatchEvents attaches the catalogue of catch events declared
// directly under each flow scope's element id, so UnsubscribeFlowScope has
// something to close; passing nil leaves UnsubscribeFlowScope a no-op.
func (b *Behavior) WithFlowScopeCatchEvents(m map[string][]CatchEventDeclaration) *Behavior {
	b.flowScopeCatchEvents = m
	return b
}

// New returns a Behavior bound to the given router, expression engine, event
// scope store, key generator, and the owning workflow-instance partition id.
func New(r *router.Router, expr expression.Engine, eventScopes store.EventScopeStore, keys store.KeyGenerator, partitionID model.PartitionId) *Behavior {
	return &Behavior{
		router:      r,
		expr:        expr,
		eventScopes: eventScopes,
		keys:        keys,
		partitionID: partitionID,
		timers:      make(map[directKey]*time.Timer),
		signalWaits: make(map[string][]pendingSignal),
	}
}

// SubscribeToEvents opens a subscription or directly records a pending
// catch for every declaration in decls, scoped to instance. An expression
// failure computing a correlation key becomes an EXTRACT_VALUE_ERROR
// Failure, and a failure computing the message name becomes a
// MESSAGE_NAME_ERROR Failure; both are keyed at instance's own key and
// carried straight back to the caller.
func (b *Behavior) SubscribeToEvents(ctx context.Context, instance *model.ElementInstance, vars map[string]interface{}, decls []CatchEventDeclaration) (*errors.Failure, error) {
	log := logx.FromContext(ctx)
	for _, decl := range decls {
		switch decl.Kind {
		case KindMessage:
			if failure, err := b.subscribeMessage(ctx, instance, vars, decl); failure != nil || err != nil {
				return failure, err
			}
		case KindTimer, KindSignal:
			if err := b.subscribeDirect(ctx, instance, vars, decl); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("subscribe to events: unknown catch event kind %d for %s", decl.Kind, decl.ElementID)
		}
		log.Debug("subscribed to catch event", "element", decl.ElementID, "scope", instance.Key)
	}
	return nil, nil
}

func (b *Behavior) subscribeMessage(ctx context.Context, instance *model.ElementInstance, vars map[string]interface{}, decl CatchEventDeclaration) (*errors.Failure, error) {
	messageName, err := expression.EvalAny(ctx, b.expr, decl.MessageNameExpr, vars)
	if err != nil {
		return &errors.Failure{Kind: errors.MessageNameError, Message: err.Error(), ScopeKey: uint64(instance.Key)}, nil
	}
	correlationKey, err := expression.EvalAny(ctx, b.expr, decl.CorrelationKeyExpr, vars)
	if err != nil {
		return &errors.Failure{Kind: errors.ExtractValueError, Message: err.Error(), ScopeKey: uint64(instance.Key)}, nil
	}

	nameBytes := []byte(fmt.Sprintf("%v", messageName))
	keyBytes := []byte(fmt.Sprintf("%v", correlationKey))

	if _, err := b.router.OpenMessageSubscription(ctx, b.partitionID, instance.ParentKey, instance.Key, nameBytes, keyBytes); err != nil {
		return nil, fmt.Errorf("open message subscription for %s: %w", decl.ElementID, err)
	}
	return nil, nil
}

// subscribeDirect installs a pending timer or signal subscription. Neither
// kind queues an EventTrigger here: a trigger only exists once the event has
// actually occurred, so a timer is armed to fire at its due date and a
// signal is registered to wait for a matching broadcast.
func (b *Behavior) subscribeDirect(ctx context.Context, instance *model.ElementInstance, vars map[string]interface{}, decl CatchEventDeclaration) error {
	switch decl.Kind {
	case KindTimer:
		return b.armTimer(ctx, instance, vars, decl)
	case KindSignal:
		return b.awaitSignal(ctx, instance, vars, decl)
	}
	return fmt.Errorf("subscribe direct: unexpected catch event kind %d for %s", decl.Kind, decl.ElementID)
}

func (b *Behavior) armTimer(ctx context.Context, instance *model.ElementInstance, vars map[string]interface{}, decl CatchEventDeclaration) error {
	dueAt, err := evalDueDate(ctx, b.expr, decl.TimerDueDateExpr, vars)
	if err != nil {
		return fmt.Errorf("evaluate timer due date for %s: %w", decl.ElementID, err)
	}

	key := directKey{scopeKey: instance.Key, elementID: decl.ElementID}
	delay := time.Until(dueAt)
	if delay < 0 {
		delay = 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.timers[key]; ok {
		existing.Stop()
	}
	b.timers[key] = time.AfterFunc(delay, func() {
		fireCtx := context.Background()
		if err := b.fireDirect(fireCtx, key, nil); err != nil {
			logx.FromContext(fireCtx).Error("fire timer catch event", "element", decl.ElementID, "scope", instance.Key, "error", err)
		}
	})
	return nil
}

func (b *Behavior) awaitSignal(ctx context.Context, instance *model.ElementInstance, vars map[string]interface{}, decl CatchEventDeclaration) error {
	signalName, err := expression.EvalAny(ctx, b.expr, decl.SignalNameExpr, vars)
	if err != nil {
		return fmt.Errorf("evaluate signal name for %s: %w", decl.ElementID, err)
	}
	name := fmt.Sprintf("%v", signalName)
	key := directKey{scopeKey: instance.Key, elementID: decl.ElementID}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.signalWaits[name] = append(b.signalWaits[name], pendingSignal{key: key})
	return nil
}

// fireDirect queues the EventTrigger that a timer firing or a signal
// broadcast actually produces, allocating the trigger's own event key at
// fire time rather than at subscribe time.
func (b *Behavior) fireDirect(ctx context.Context, key directKey, variables []byte) error {
	eventKey, err := b.keys.NextKey(ctx)
	if err != nil {
		return fmt.Errorf("allocate event key for %s: %w", key.elementID, err)
	}
	return b.eventScopes.QueueEventTrigger(ctx, key.scopeKey, model.EventTrigger{
		ScopeKey:  key.scopeKey,
		EventKey:  eventKey,
		ElementID: key.elementID,
		Variables: variables,
	})
}

// BroadcastSignal resolves every pending signal subscription waiting on
// name into a queued EventTrigger at its own scope, carrying variables.
// Broadcasting a name nothing is waiting for is not an error.
func (b *Behavior) BroadcastSignal(ctx context.Context, name string, variables []byte) error {
	b.mu.Lock()
	waiting := b.signalWaits[name]
	delete(b.signalWaits, name)
	b.mu.Unlock()

	for _, w := range waiting {
		if err := b.fireDirect(ctx, w.key, variables); err != nil {
			return fmt.Errorf("fire signal %s for %s: %w", name, w.key.elementID, err)
		}
	}
	return nil
}

// UnsubscribeFromEvents closes every open message subscription and clears
// the direct-subscription records for instance's declared catch events. It
// is idempotent: closing a subscription that never opened, or unsubscribing
// a timer or signal that never armed, is not an error.
func (b *Behavior) UnsubscribeFromEvents(ctx context.Context, instance *model.ElementInstance, vars map[string]interface{}, decls []CatchEventDeclaration) error {
	log := logx.FromContext(ctx)
	for _, decl := range decls {
		switch decl.Kind {
		case KindMessage:
			messageName, err := expression.EvalAny(ctx, b.expr, decl.MessageNameExpr, vars)
			if err != nil {
				log.Warn("skip close: could not evaluate message name", "element", decl.ElementID, "error", err)
				continue
			}
			correlationKey, err := expression.EvalAny(ctx, b.expr, decl.CorrelationKeyExpr, vars)
			if err != nil {
				log.Warn("skip close: could not evaluate correlation key", "element", decl.ElementID, "error", err)
				continue
			}
			nameBytes := []byte(fmt.Sprintf("%v", messageName))
			keyBytes := []byte(fmt.Sprintf("%v", correlationKey))
			subscriptionPartitionId, err := b.router.PartitionForCorrelationKey(keyBytes)
			if err != nil {
				return fmt.Errorf("resolve subscription partition to close %s: %w", decl.ElementID, err)
			}
			if _, err := b.router.CloseMessageSubscription(ctx, subscriptionPartitionId, b.partitionID, instance.ParentKey, instance.Key, nameBytes); err != nil {
				return fmt.Errorf("close message subscription for %s: %w", decl.ElementID, err)
			}
		case KindTimer, KindSignal:
			if err := b.unsubscribeDirect(ctx, instance, vars, decl); err != nil {
				return err
			}
		}
	}
	return nil
}

// UnsubscribeFlowScope cancels every catch event declared directly under
// flowScope's element id — the subscriptions an interrupting event
// sub-process must close before its own activation can claim the scope.
// Closing a scope with no declared catch events is not an error.
func (b *Behavior) UnsubscribeFlowScope(ctx context.Context, flowScope *model.ElementInstance) error {
	decls := b.flowScopeCatchEvents[flowScope.ElementID]
	if len(decls) == 0 {
		return nil
	}
	return b.UnsubscribeFromEvents(ctx, flowScope, nil, decls)
}

func (b *Behavior) unsubscribeDirect(ctx context.Context, instance *model.ElementInstance, vars map[string]interface{}, decl CatchEventDeclaration) error {
	key := directKey{scopeKey: instance.Key, elementID: decl.ElementID}

	b.mu.Lock()
	if timer, ok := b.timers[key]; ok {
		timer.Stop()
		delete(b.timers, key)
	}
	for name, waiters := range b.signalWaits {
		for i, w := range waiters {
			if w.key == key {
				b.signalWaits[name] = append(waiters[:i], waiters[i+1:]...)
				break
			}
		}
	}
	b.mu.Unlock()

	// A timer or signal may already have fired before the unsubscribe
	// reached us. Only the oldest trigger queued at the scope is checked:
	// if it belongs to this element it is deleted, while a trigger this
	// element queued behind another element's trigger stays queued.
	trigger, err := b.eventScopes.PeekEventTrigger(ctx, instance.Key)
	if err != nil {
		return fmt.Errorf("peek direct subscription for %s: %w", decl.ElementID, err)
	}
	if trigger == nil || trigger.ElementID != decl.ElementID {
		return nil
	}
	if err := b.eventScopes.DeleteTrigger(ctx, instance.Key, trigger.EventKey); err != nil {
		return fmt.Errorf("delete direct subscription for %s: %w", decl.ElementID, err)
	}
	return nil
}

// evalDueDate evaluates exp and interprets the result as a due time: a
// time.Time or RFC3339 string is used as-is, and a number is interpreted as
// epoch milliseconds. An empty expression is due immediately.
func evalDueDate(ctx context.Context, eng expression.Engine, exp string, vars map[string]interface{}) (time.Time, error) {
	if exp == "" {
		return time.Now(), nil
	}
	res, err := expression.EvalAny(ctx, eng, exp, vars)
	if err != nil {
		return time.Time{}, err
	}
	switch v := res.(type) {
	case nil:
		return time.Now(), nil
	case time.Time:
		return v, nil
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse due date %q: %w", v, err)
		}
		return t, nil
	case int:
		return time.UnixMilli(int64(v)), nil
	case int64:
		return time.UnixMilli(v), nil
	case float64:
		return time.UnixMilli(int64(v)), nil
	default:
		return time.Time{}, fmt.Errorf("due date expression %q produced unsupported type %T", exp, res)
	}
}
