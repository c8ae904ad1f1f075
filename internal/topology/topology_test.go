package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/brokerflow/eventcore/internal/model"
)

func TestView_LeaderUnknownBeforeAnyUpdate(t *testing.T) {
	v := NewView()
	_, ok := v.Leader(3)
	assert.False(t, ok)
}

func TestView_UpdateLeaderThenLookup(t *testing.T) {
	v := NewView()
	leader := model.NodeInfo{SubscriptionAPIAddress: "node-1.sub", ManagementAPIAddress: "node-1.mgmt"}
	v.UpdateLeader(2, leader)

	got, ok := v.Leader(2)
	assert.True(t, ok)
	assert.Equal(t, leader, got)
}

func TestView_ClearingLeaderRemovesIt(t *testing.T) {
	v := NewView()
	v.UpdateLeader(1, model.NodeInfo{SubscriptionAPIAddress: "a", ManagementAPIAddress: "b"})
	v.UpdateLeader(1, model.NodeInfo{})

	_, ok := v.Leader(1)
	assert.False(t, ok)
}

func TestView_ListenerReplaysKnownStateThenNotifiesFutureChanges(t *testing.T) {
	v := NewView()
	existing := model.NodeInfo{SubscriptionAPIAddress: "existing.sub", ManagementAPIAddress: "existing.mgmt"}
	v.UpdateLeader(5, existing)

	var seen []model.PartitionId
	v.AddTopologyPartitionListener(func(partitionID model.PartitionId, leader model.NodeInfo) {
		seen = append(seen, partitionID)
	})
	assert.Equal(t, []model.PartitionId{5}, seen)

	v.UpdateLeader(6, model.NodeInfo{SubscriptionAPIAddress: "new.sub", ManagementAPIAddress: "new.mgmt"})
	assert.ElementsMatch(t, []model.PartitionId{5, 6}, seen)
}

func TestView_KnownPartitionIds(t *testing.T) {
	v := NewView()
	v.UpdateLeader(1, model.NodeInfo{SubscriptionAPIAddress: "a", ManagementAPIAddress: "b"})
	v.UpdateLeader(2, model.NodeInfo{SubscriptionAPIAddress: "c", ManagementAPIAddress: "d"})
	assert.ElementsMatch(t, []model.PartitionId{1, 2}, v.KnownPartitionIds())
}

func TestView_SystemPartitionLeader(t *testing.T) {
	v := NewView()
	assert.Equal(t, "", v.SystemPartitionLeader())
	v.UpdateSystemPartitionLeader("node-1.mgmt")
	assert.Equal(t, "node-1.mgmt", v.SystemPartitionLeader())
}
