package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerflow/eventcore/internal/model"
	"github.com/brokerflow/eventcore/internal/partition"
	"github.com/brokerflow/eventcore/internal/topology"
)

type recordedSend struct {
	subject string
	framed  []byte
}

type fakeTransport struct {
	mu    sync.Mutex
	sent  []recordedSend
	reply []byte
	err   error
}

func (f *fakeTransport) SendMessage(ctx context.Context, subject string, framed []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recordedSend{subject: subject, framed: framed})
	return f.err
}

func (f *fakeTransport) SendRequestWithRetry(ctx context.Context, subject string, framed []byte, perAttemptTimeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recordedSend{subject: subject, framed: framed})
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestRouter(tc *fakeTransport, partitionIds []model.PartitionId) (*Router, *topology.View) {
	topo := topology.NewView()
	r := New("testns", partition.NewHasher(), topo, tc)
	r.SetPartitionIds(partitionIds)
	return r, topo
}

func knownLeader(topo *topology.View, ids ...model.PartitionId) {
	for _, id := range ids {
		topo.UpdateLeader(id, model.NodeInfo{SubscriptionAPIAddress: "addr.sub", ManagementAPIAddress: "addr.mgmt"})
	}
}

func TestOpenMessageSubscription_RoutesToPartitionOwningCorrelationKey(t *testing.T) {
	tc := &fakeTransport{}
	ids := []model.PartitionId{1, 2, 3}
	r, topo := newTestRouter(tc, ids)
	knownLeader(topo, ids...)

	key := []byte("order-987")
	expectedPartition := partition.NewHasher().PartitionFor(key, ids)

	advanced, err := r.OpenMessageSubscription(context.Background(), 1, 100, 200, []byte("OrderShipped"), key)
	require.NoError(t, err)
	assert.True(t, advanced)

	require.Equal(t, 1, tc.sentCount())
	kind, payload, err := DecodeCommand(tc.sent[0].framed)
	require.NoError(t, err)
	assert.Equal(t, CommandOpenMessageSubscription, kind)
	var decoded model.OpenMessageSubscription
	require.NoError(t, model.Decode(payload, &decoded))
	assert.Equal(t, expectedPartition, decoded.SubscriptionPartitionId)
}

func TestOpenMessageSubscription_SameKeyAlwaysRoutesToSamePartition(t *testing.T) {
	tc := &fakeTransport{}
	ids := []model.PartitionId{1, 2, 3, 4}
	r, topo := newTestRouter(tc, ids)
	knownLeader(topo, ids...)

	key := []byte("stable-customer-key")
	var firstPartition model.PartitionId
	for i := 0; i < 10; i++ {
		_, err := r.OpenMessageSubscription(context.Background(), 1, model.Key(i), model.Key(i), []byte("Msg"), key)
		require.NoError(t, err)
		_, payload, err := DecodeCommand(tc.sent[i].framed)
		require.NoError(t, err)
		var decoded model.OpenMessageSubscription
		require.NoError(t, model.Decode(payload, &decoded))
		if i == 0 {
			firstPartition = decoded.SubscriptionPartitionId
		} else {
			assert.Equal(t, firstPartition, decoded.SubscriptionPartitionId)
		}
	}
}

func TestSend_UnknownLeaderReturnsAdvanceTrueWithoutSending(t *testing.T) {
	tc := &fakeTransport{}
	ids := []model.PartitionId{1, 2}
	r, _ := newTestRouter(tc, ids) // no leader ever registered

	advanced, err := r.OpenedMessageSubscription(context.Background(), 1, 10, 20, []byte("Msg"))
	require.NoError(t, err)
	assert.True(t, advanced, "unknown leader must still report shouldAdvance=true")
	assert.Equal(t, 0, tc.sentCount())
}

func TestOpenMessageSubscription_FailsWithoutPartitionIds(t *testing.T) {
	tc := &fakeTransport{}
	r, topo := newTestRouter(tc, nil)
	knownLeader(topo, 1)

	_, err := r.OpenMessageSubscription(context.Background(), 1, 1, 1, []byte("Msg"), []byte("key"))
	assert.Error(t, err)
}

func TestFetchCreatedTopics_PopulatesPartitionIdsFromResponse(t *testing.T) {
	resp := model.FetchCreatedTopicsResponse{
		Topics: []model.Topic{
			{TopicName: "workflow-instance", PartitionIds: []model.PartitionId{1, 2, 3}},
			{TopicName: "other-topic", PartitionIds: []model.PartitionId{9}},
		},
	}
	framed, err := model.Encode(resp)
	require.NoError(t, err)

	tc := &fakeTransport{reply: framed}
	r, topo := newTestRouter(tc, nil)
	topo.UpdateSystemPartitionLeader("system.mgmt")

	require.NoError(t, r.FetchCreatedTopics(context.Background(), "workflow-instance"))
	assert.True(t, r.HasPartitionIds())
	assert.ElementsMatch(t, []model.PartitionId{1, 2, 3}, r.partitionIds)
}

func TestFetchCreatedTopics_RetriesLeaderResolutionUntilDeadline(t *testing.T) {
	tc := &fakeTransport{}
	r, _ := newTestRouter(tc, nil)
	r.WithFetchCreatedTopicsRetry(retry.NewConstant(time.Millisecond), 30*time.Millisecond)

	err := r.FetchCreatedTopics(context.Background(), "workflow-instance")
	assert.Error(t, err, "the leader never resolves, so the whole deadline is spent retrying")
	assert.Equal(t, 0, tc.sentCount(), "never having a leader to send to means nothing is ever sent")
}

func TestFetchCreatedTopics_RecoversOnceLeaderResolvesMidRetry(t *testing.T) {
	resp := model.FetchCreatedTopicsResponse{
		Topics: []model.Topic{{TopicName: "workflow-instance", PartitionIds: []model.PartitionId{1, 2, 3}}},
	}
	framed, err := model.Encode(resp)
	require.NoError(t, err)

	tc := &fakeTransport{reply: framed}
	r, topo := newTestRouter(tc, nil)
	r.WithFetchCreatedTopicsRetry(retry.NewConstant(time.Millisecond), time.Second)

	go func() {
		time.Sleep(5 * time.Millisecond)
		topo.UpdateSystemPartitionLeader("system.mgmt")
	}()

	require.NoError(t, r.FetchCreatedTopics(context.Background(), "workflow-instance"))
	assert.ElementsMatch(t, []model.PartitionId{1, 2, 3}, r.partitionIds)
}
