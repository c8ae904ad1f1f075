package model

// CommandEnvelope wraps one of the five subscription wire commands with the
// name of its concrete type, since every command for a given partition
// travels on the same subject and a receiver otherwise has no way to know
// which one it decoded off the wire.
type CommandEnvelope struct {
	Kind    string
	Payload []byte
}

// The five subscription wire commands. OpenMessageSubscription
// additionally carries the SubscriptionPartitionId the router computed,
// so the receiving partition can echo it back on the acknowledgement
// path.

// OpenMessageSubscription asks the subscription partition to start
// correlating messages named MessageName against CorrelationKey on behalf of
// the named activity instance.
type OpenMessageSubscription struct {
	SubscriptionPartitionId     PartitionId
	WorkflowInstancePartitionId PartitionId
	WorkflowInstanceKey         Key
	ActivityInstanceKey         Key
	MessageName                 []byte
	CorrelationKey              []byte
}

// OpenedMessageSubscription acknowledges, back to the workflow-instance
// partition, that the subscription partition accepted an
// OpenMessageSubscription.
type OpenedMessageSubscription struct {
	WorkflowInstancePartitionId PartitionId
	WorkflowInstanceKey         Key
	ActivityInstanceKey         Key
	MessageName                 []byte
}

// CorrelateWorkflowInstanceSubscription delivers a matched message's payload
// to the workflow-instance partition that owns the subscribed activity.
type CorrelateWorkflowInstanceSubscription struct {
	WorkflowInstancePartitionId PartitionId
	WorkflowInstanceKey         Key
	ActivityInstanceKey         Key
	MessageName                 []byte
	Payload                     []byte
}

// CloseMessageSubscription asks the subscription partition to drop a
// previously opened subscription (boundary-event/event-based-gateway
// cleanup, or explicit unsubscribe).
type CloseMessageSubscription struct {
	SubscriptionPartitionId     PartitionId
	WorkflowInstancePartitionId PartitionId
	WorkflowInstanceKey         Key
	ActivityInstanceKey         Key
	MessageName                 []byte
}

// RejectCorrelateMessageSubscription is the subscription-partition-side
// acknowledgement that a correlation attempt found no interested
// subscription.
type RejectCorrelateMessageSubscription struct {
	SubscriptionPartitionId PartitionId
	WorkflowInstanceKey     Key
	ActivityInstanceKey     Key
	MessageName             []byte
	CorrelationKey          []byte
	Reason                  string
}

// SignalBroadcast is published on the namespace-wide signal broadcast
// subject and resolves every pending signal catch-event subscription named
// Name, on every node, regardless of which partition holds the waiting
// scope.
type SignalBroadcast struct {
	Name    string
	Payload []byte
}

// FetchCreatedTopicsRequest is the bootstrap request sent to the system
// partition leader to learn the current partitionIds set.
type FetchCreatedTopicsRequest struct {
	TopicName string
}

// Topic names one deployed topic and the partition ids that back it.
type Topic struct {
	TopicName    string
	PartitionIds []PartitionId
}

// FetchCreatedTopicsResponse is the bootstrap response carrying every known
// topic's partition set.
type FetchCreatedTopicsResponse struct {
	Topics []Topic
}
