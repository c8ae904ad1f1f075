package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerflow/eventcore/internal/model"
)

func TestMemory_EventTriggerQueueIsFIFOByEventKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.QueueEventTrigger(ctx, 1, model.EventTrigger{ScopeKey: 1, EventKey: 20, ElementID: "Boundary_1"}))
	require.NoError(t, m.QueueEventTrigger(ctx, 1, model.EventTrigger{ScopeKey: 1, EventKey: 10, ElementID: "Boundary_1"}))

	first, err := m.PeekEventTrigger(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, model.Key(10), first.EventKey)
}

func TestMemory_DeleteTriggerAdvancesQueue(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.QueueEventTrigger(ctx, 1, model.EventTrigger{ScopeKey: 1, EventKey: 10, ElementID: "Boundary_1"}))
	require.NoError(t, m.QueueEventTrigger(ctx, 1, model.EventTrigger{ScopeKey: 1, EventKey: 20, ElementID: "Boundary_1"}))

	require.NoError(t, m.DeleteTrigger(ctx, 1, 10))

	next, err := m.PeekEventTrigger(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, model.Key(20), next.EventKey)
}

func TestMemory_PeekEmptyQueueReturnsNilNil(t *testing.T) {
	m := NewMemory()
	trig, err := m.PeekEventTrigger(context.Background(), 99)
	require.NoError(t, err)
	assert.Nil(t, trig)
}

func TestMemory_DeferredRecordsPreserveStagingOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.StoreDeferredRecord(ctx, model.DeferredRecord{OwnerScopeKey: 5, ChildInstanceKey: 1, ElementID: "A"}))
	require.NoError(t, m.StoreDeferredRecord(ctx, model.DeferredRecord{OwnerScopeKey: 5, ChildInstanceKey: 2, ElementID: "B"}))

	recs, err := m.GetDeferredRecords(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "A", recs[0].ElementID)
	assert.Equal(t, "B", recs[1].ElementID)

	require.NoError(t, m.DeleteDeferredRecords(ctx, 5))
	recs, err = m.GetDeferredRecords(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMemory_NextKeyIsMonotonicallyIncreasing(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a, err := m.NextKey(ctx)
	require.NoError(t, err)
	b, err := m.NextKey(ctx)
	require.NoError(t, err)
	assert.Greater(t, b, a)
}

func TestMemory_TemporaryVariablesRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.SetTemporaryVariables(ctx, 1, "Catch_1", []byte("payload")))
	v, err := m.GetTemporaryVariables(ctx, 1, "Catch_1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), v)
}

func TestMemory_GetWorkflowNotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.GetWorkflow(context.Background(), 404)
	assert.Error(t, err)
}
