package transport

import (
	"fmt"

	"github.com/brokerflow/eventcore/internal/model"
)

// ManagementSubject is the subject a partition's node listens on for
// fetchCreatedTopics requests and other cluster-management traffic.
func ManagementSubject(namespace string, partitionID model.PartitionId) string {
	return fmt.Sprintf("eventcore.%s.mgmt.%d", namespace, partitionID)
}

// SubscriptionSubject is the subject a partition's node listens on for the
// five subscription wire commands.
func SubscriptionSubject(namespace string, partitionID model.PartitionId) string {
	return fmt.Sprintf("eventcore.%s.sub.%d", namespace, partitionID)
}

// SignalBroadcastSubject is the namespace-wide subject a BPMN signal
// broadcast is published on; every node's catch-event behavior subscribes
// to it and resolves the signal locally against its own partition's
// pending signal waits.
func SignalBroadcastSubject(namespace string) string {
	return fmt.Sprintf("eventcore.%s.signal.broadcast", namespace)
}
