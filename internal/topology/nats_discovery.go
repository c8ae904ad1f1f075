package topology

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/brokerflow/eventcore/internal/logx"
	"github.com/brokerflow/eventcore/internal/model"
	"github.com/brokerflow/eventcore/internal/version"
)

// topologyBucket is the JetStream KV bucket name every node watches for
// partition-leadership changes.
const topologyBucket = "topology"

// entry is the JSON value stored per partition key in the topology bucket.
// The bucket itself is exercised through NATS's own watch/update machinery,
// so the value payload only needs to round-trip cleanly; JSON keeps it
// legible for operators inspecting the bucket directly.
type entry struct {
	NodeInfo        model.NodeInfo `json:"nodeInfo"`
	SystemPartition bool           `json:"systemPartition"`
	ProtocolVersion string         `json:"protocolVersion"`
}

// NatsDiscovery feeds a View from a JetStream KV bucket: one key per
// partition, holding that partition's current leader. Every node watches
// the same bucket, so every node's View converges to the same table.
type NatsDiscovery struct {
	kv   jetstream.KeyValue
	view *View
}

// NewNatsDiscovery ensures the topology bucket exists and returns a
// discovery source bound to it.
func NewNatsDiscovery(ctx context.Context, js jetstream.JetStream, view *View) (*NatsDiscovery, error) {
	kv, err := js.KeyValue(ctx, topologyBucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: topologyBucket})
		if err != nil {
			return nil, fmt.Errorf("ensure topology bucket: %w", err)
		}
	}
	return &NatsDiscovery{kv: kv, view: view}, nil
}

// PublishLeader announces this node as the leader of partitionID (or clears
// it, if leader is the zero NodeInfo) by writing the topology bucket; every
// watching node's View is updated by Watch once the write lands.
func (d *NatsDiscovery) PublishLeader(ctx context.Context, partitionID model.PartitionId, leader model.NodeInfo, systemPartition bool) error {
	key := partitionKey(partitionID)
	if leader == (model.NodeInfo{}) {
		if err := d.kv.Delete(ctx, key); err != nil && err != jetstream.ErrKeyNotFound {
			return fmt.Errorf("clear topology entry for partition %d: %w", partitionID, err)
		}
		return nil
	}
	v, err := json.Marshal(entry{NodeInfo: leader, SystemPartition: systemPartition, ProtocolVersion: version.ProtocolVersion.String()})
	if err != nil {
		return fmt.Errorf("marshal topology entry for partition %d: %w", partitionID, err)
	}
	if _, err := d.kv.Put(ctx, key, v); err != nil {
		return fmt.Errorf("publish topology entry for partition %d: %w", partitionID, err)
	}
	return nil
}

// Watch runs until ctx is cancelled, applying every topology bucket change
// to the bound View. Call it from its own goroutine.
func (d *NatsDiscovery) Watch(ctx context.Context) error {
	log := logx.FromContext(ctx)
	watcher, err := d.kv.WatchAll(ctx)
	if err != nil {
		return fmt.Errorf("watch topology bucket: %w", err)
	}
	defer func() {
		if err := watcher.Stop(); err != nil {
			log.Warn("stop topology watcher", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-watcher.Updates():
			if !ok {
				return nil
			}
			if update == nil {
				continue
			}
			partitionID, err := parsePartitionKey(update.Key())
			if err != nil {
				log.Warn("ignoring malformed topology key", "key", update.Key(), "error", err)
				continue
			}
			if update.Operation() == jetstream.KeyValueDelete || update.Operation() == jetstream.KeyValuePurge {
				d.view.UpdateLeader(partitionID, model.NodeInfo{})
				continue
			}
			var e entry
			if err := json.Unmarshal(update.Value(), &e); err != nil {
				log.Warn("ignoring malformed topology value", "key", update.Key(), "error", err)
				continue
			}
			if e.ProtocolVersion != "" && !version.Compatible(e.ProtocolVersion) {
				log.Warn("ignoring topology entry from incompatible peer",
					"key", update.Key(), "peerVersion", e.ProtocolVersion, "minimum", version.MinimumSupportedVersion.String())
				continue
			}
			d.view.UpdateLeader(partitionID, e.NodeInfo)
			if e.SystemPartition {
				d.view.UpdateSystemPartitionLeader(e.NodeInfo.ManagementAPIAddress)
			}
		}
	}
}

func partitionKey(id model.PartitionId) string {
	return fmt.Sprintf("partition.%d", id)
}

func parsePartitionKey(key string) (model.PartitionId, error) {
	var id int32
	if _, err := fmt.Sscanf(key, "partition.%d", &id); err != nil {
		return 0, fmt.Errorf("parse partition key %q: %w", key, err)
	}
	return model.PartitionId(id), nil
}
