package catchevent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerflow/eventcore/internal/expression"
	"github.com/brokerflow/eventcore/internal/model"
	"github.com/brokerflow/eventcore/internal/partition"
	"github.com/brokerflow/eventcore/internal/router"
	"github.com/brokerflow/eventcore/internal/store"
	"github.com/brokerflow/eventcore/internal/topology"
)

type fakeTransport struct{}

func (fakeTransport) SendMessage(ctx context.Context, subject string, framed []byte) error {
	return nil
}

func (fakeTransport) SendRequestWithRetry(ctx context.Context, subject string, framed []byte, perAttemptTimeout time.Duration) ([]byte, error) {
	return nil, nil
}

func newTestBehavior(t *testing.T) (*Behavior, *store.Memory) {
	t.Helper()
	topo := topology.NewView()
	topo.UpdateLeader(1, model.NodeInfo{SubscriptionAPIAddress: "a", ManagementAPIAddress: "b"})
	r := router.New("testns", partition.NewHasher(), topo, fakeTransport{})
	r.SetPartitionIds([]model.PartitionId{1, 2, 3})
	mem := store.NewMemory()
	b := New(r, expression.NewEngine(), mem, mem, 1)
	return b, mem
}

func TestSubscribeToEvents_TimerDoesNotQueueATriggerBeforeItIsDue(t *testing.T) {
	b, mem := newTestBehavior(t)
	instance := &model.ElementInstance{Key: 10, ParentKey: 1}

	decls := []CatchEventDeclaration{{ElementID: "Timer_1", Kind: KindTimer, TimerDueDateExpr: "=now"}}
	failure, err := b.SubscribeToEvents(context.Background(), instance, map[string]interface{}{"now": time.Now().Add(time.Hour)}, decls)
	require.NoError(t, err)
	assert.Nil(t, failure)

	trig, err := mem.PeekEventTrigger(context.Background(), 10)
	require.NoError(t, err)
	assert.Nil(t, trig, "a timer not yet due must not have queued a trigger")
}

func TestSubscribeToEvents_TimerQueuesATriggerOnceItFires(t *testing.T) {
	b, mem := newTestBehavior(t)
	instance := &model.ElementInstance{Key: 10, ParentKey: 1}

	decls := []CatchEventDeclaration{{ElementID: "Timer_1", Kind: KindTimer}}
	failure, err := b.SubscribeToEvents(context.Background(), instance, nil, decls)
	require.NoError(t, err)
	assert.Nil(t, failure)

	require.Eventually(t, func() bool {
		trig, err := mem.PeekEventTrigger(context.Background(), 10)
		return err == nil && trig != nil && trig.ElementID == "Timer_1"
	}, time.Second, time.Millisecond)
}

func TestSubscribeToEvents_SignalQueuesATriggerOnlyOnceBroadcast(t *testing.T) {
	b, mem := newTestBehavior(t)
	instance := &model.ElementInstance{Key: 10, ParentKey: 1}

	decls := []CatchEventDeclaration{{ElementID: "Signal_1", Kind: KindSignal, SignalNameExpr: `="orderCancelled"`}}
	_, err := b.SubscribeToEvents(context.Background(), instance, nil, decls)
	require.NoError(t, err)

	trig, err := mem.PeekEventTrigger(context.Background(), 10)
	require.NoError(t, err)
	assert.Nil(t, trig, "subscribing must not itself satisfy the subscription")

	require.NoError(t, b.BroadcastSignal(context.Background(), "orderCancelled", nil))

	trig, err = mem.PeekEventTrigger(context.Background(), 10)
	require.NoError(t, err)
	require.NotNil(t, trig)
	assert.Equal(t, "Signal_1", trig.ElementID)
}

func TestBroadcastSignal_NoSubscriberIsNotAnError(t *testing.T) {
	b, _ := newTestBehavior(t)
	assert.NoError(t, b.BroadcastSignal(context.Background(), "nobody-is-waiting", nil))
}

func TestSubscribeToEvents_BadMessageNameExpressionReturnsFailure(t *testing.T) {
	b, _ := newTestBehavior(t)
	instance := &model.ElementInstance{Key: 10, ParentKey: 1}

	decls := []CatchEventDeclaration{{
		ElementID:          "Catch_1",
		Kind:               KindMessage,
		MessageNameExpr:    "=(((",
		CorrelationKeyExpr: "=orderID",
	}}
	failure, err := b.SubscribeToEvents(context.Background(), instance, map[string]interface{}{"orderID": "abc"}, decls)
	require.NoError(t, err)
	require.NotNil(t, failure)
}

func TestUnsubscribeFromEvents_TimerCancelsBeforeItFires(t *testing.T) {
	b, mem := newTestBehavior(t)
	instance := &model.ElementInstance{Key: 10, ParentKey: 1}
	decls := []CatchEventDeclaration{{ElementID: "Timer_1", Kind: KindTimer, TimerDueDateExpr: "=now"}}

	_, err := b.SubscribeToEvents(context.Background(), instance, map[string]interface{}{"now": time.Now().Add(time.Hour)}, decls)
	require.NoError(t, err)

	require.NoError(t, b.UnsubscribeFromEvents(context.Background(), instance, nil, decls))

	time.Sleep(10 * time.Millisecond)
	trig, err := mem.PeekEventTrigger(context.Background(), 10)
	require.NoError(t, err)
	assert.Nil(t, trig)
}

func TestUnsubscribeFromEvents_SignalStopsWaiting(t *testing.T) {
	b, mem := newTestBehavior(t)
	instance := &model.ElementInstance{Key: 10, ParentKey: 1}
	decls := []CatchEventDeclaration{{ElementID: "Signal_1", Kind: KindSignal, SignalNameExpr: `="orderCancelled"`}}

	_, err := b.SubscribeToEvents(context.Background(), instance, nil, decls)
	require.NoError(t, err)
	require.NoError(t, b.UnsubscribeFromEvents(context.Background(), instance, nil, decls))

	require.NoError(t, b.BroadcastSignal(context.Background(), "orderCancelled", nil))

	trig, err := mem.PeekEventTrigger(context.Background(), 10)
	require.NoError(t, err)
	assert.Nil(t, trig, "an unsubscribed scope must not receive a trigger for a later broadcast")
}

func TestUnsubscribeFromEvents_IsIdempotentWhenNothingWasSubscribed(t *testing.T) {
	b, _ := newTestBehavior(t)
	instance := &model.ElementInstance{Key: 10, ParentKey: 1}
	decls := []CatchEventDeclaration{{ElementID: "Timer_1", Kind: KindTimer}}
	assert.NoError(t, b.UnsubscribeFromEvents(context.Background(), instance, nil, decls))
}
