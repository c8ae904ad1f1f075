// Package topology tracks which node currently leads each partition. The
// subscription router consults it before sending a command; NatsDiscovery
// keeps it current from the topology bucket. The router registers no
// listener on it, so a leader change does not by itself resend anything.
package topology

import (
	"sync"

	"github.com/brokerflow/eventcore/internal/model"
)

// Listener is notified whenever a partition's leader changes. leader is the
// zero value of model.NodeInfo when the partition currently has no known
// leader.
type Listener func(partitionID model.PartitionId, leader model.NodeInfo)

// View is a read-mostly snapshot of partition leadership, safe for
// concurrent reads from many goroutines while a single discovery source
// applies updates.
type View struct {
	mu        sync.RWMutex
	table     *model.PartitionLeaderTable
	listeners []Listener
}

// NewView returns an empty View.
func NewView() *View {
	return &View{table: model.NewPartitionLeaderTable()}
}

// AddTopologyPartitionListener registers fn to be called on every future
// leader change for any partition, and immediately replays the current
// leader of every partition already known: a "replay known state then
// subscribe" contract so a late listener never misses an earlier update.
func (v *View) AddTopologyPartitionListener(fn Listener) {
	v.mu.Lock()
	v.listeners = append(v.listeners, fn)
	snapshot := make(map[model.PartitionId]model.NodeInfo, len(v.table.Leaders))
	for id, info := range v.table.Leaders {
		snapshot[id] = info
	}
	v.mu.Unlock()

	for id, info := range snapshot {
		fn(id, info)
	}
}

// Leader returns the current known leader for partitionID and whether one is
// known.
func (v *View) Leader(partitionID model.PartitionId) (model.NodeInfo, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	info, ok := v.table.Leaders[partitionID]
	return info, ok
}

// SystemPartitionLeader returns the address of the system partition's
// leader, used for fetchCreatedTopics requests.
func (v *View) SystemPartitionLeader() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.table.SystemPartitionLeader
}

// KnownPartitionIds returns every partition this view currently has a leader
// for, in no particular order.
func (v *View) KnownPartitionIds() []model.PartitionId {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]model.PartitionId, 0, len(v.table.Leaders))
	for id := range v.table.Leaders {
		ids = append(ids, id)
	}
	return ids
}

// UpdateLeader records a new (or cleared) leader for partitionID and fans
// the change out to every registered listener. Passing the zero NodeInfo
// clears the leader, signalling "unknown" to the router.
func (v *View) UpdateLeader(partitionID model.PartitionId, leader model.NodeInfo) {
	v.mu.Lock()
	if leader == (model.NodeInfo{}) {
		delete(v.table.Leaders, partitionID)
	} else {
		v.table.Leaders[partitionID] = leader
	}
	listeners := make([]Listener, len(v.listeners))
	copy(listeners, v.listeners)
	v.mu.Unlock()

	for _, fn := range listeners {
		fn(partitionID, leader)
	}
}

// UpdateSystemPartitionLeader records the current system partition leader
// address.
func (v *View) UpdateSystemPartitionLeader(address string) {
	v.mu.Lock()
	v.table.SystemPartitionLeader = address
	v.mu.Unlock()
}
