// Package router implements the subscription command router: the piece
// that decides which partition owns a correlation key, looks up that
// partition's current leader, and sends (or defers sending) the five
// subscription wire commands.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/brokerflow/eventcore/internal/errors"
	"github.com/brokerflow/eventcore/internal/logx"
	"github.com/brokerflow/eventcore/internal/metrics"
	"github.com/brokerflow/eventcore/internal/model"
	"github.com/brokerflow/eventcore/internal/partition"
	"github.com/brokerflow/eventcore/internal/topology"
	"github.com/brokerflow/eventcore/internal/tracing"
	"github.com/brokerflow/eventcore/internal/transport"
)

// fetchCreatedTopicsDeadline is the overall deadline for a
// fetchCreatedTopics round-trip.
const fetchCreatedTopicsDeadline = 15 * time.Second

// The CommandEnvelope.Kind tags for the five subscription wire commands, so
// a consumer decoding an envelope off the wire can dispatch on the same
// names router.go uses to send them.
const (
	CommandOpenMessageSubscription               = "OpenMessageSubscription"
	CommandOpenedMessageSubscription             = "OpenedMessageSubscription"
	CommandCorrelateWorkflowInstanceSubscription = "CorrelateWorkflowInstanceSubscription"
	CommandCloseMessageSubscription               = "CloseMessageSubscription"
	CommandRejectCorrelateMessageSubscription     = "RejectCorrelateMessageSubscription"
)

// Router computes target partitions and routes the five subscription wire
// commands to them, consulting a topology.View for leader addresses and
// falling back to request-with-retry for the one bootstrap request.
type Router struct {
	namespace                 string
	hasher                    *partition.Hasher
	topo                      *topology.View
	transport                 transport.Client
	partitionIds              []model.PartitionId
	metrics                   *metrics.Metrics
	fetchBackoff              retry.Backoff
	fetchCreatedTopicsDeadline time.Duration
}

// New returns a Router bound to namespace, using hasher to pick a
// subscription partition and topo/transport to reach it.
func New(namespace string, hasher *partition.Hasher, topo *topology.View, tc transport.Client) *Router {
	return &Router{
		namespace:                  namespace,
		hasher:                     hasher,
		topo:                       topo,
		transport:                  tc,
		fetchBackoff:               transport.NewBootstrapBackoff(),
		fetchCreatedTopicsDeadline: fetchCreatedTopicsDeadline,
	}
}

// WithMetrics attaches m so every send records a commands_sent_total or
// commands_dropped_total observation; passing nil disables metrics again.
func (r *Router) WithMetrics(m *metrics.Metrics) *Router {
	r.metrics = m
	return r
}

// WithFetchCreatedTopicsRetry overrides the backoff and overall deadline
// fetchCreatedTopics uses to re-resolve the system partition leader, for
// tests that need a fast-failing router instead of the 15s production
// default.
func (r *Router) WithFetchCreatedTopicsRetry(backoff retry.Backoff, deadline time.Duration) *Router {
	r.fetchBackoff = backoff
	r.fetchCreatedTopicsDeadline = deadline
	return r
}

// SetPartitionIds replaces the router's known partition set, typically
// called once fetchCreatedTopics resolves it during bootstrap, and again
// whenever the cluster's partition count changes.
func (r *Router) SetPartitionIds(ids []model.PartitionId) {
	r.partitionIds = ids
}

// HasPartitionIds reports whether the router has a non-empty partition set
// to hash correlation keys against; callers must not attempt to open
// subscriptions before this is true.
func (r *Router) HasPartitionIds() bool {
	return len(r.partitionIds) > 0
}

// PartitionForCorrelationKey returns the partition OpenMessageSubscription
// would route correlationKey to, so callers that need to close a
// subscription later (without re-sending the open command) can recompute
// the same subscriptionPartitionId.
func (r *Router) PartitionForCorrelationKey(correlationKey []byte) (model.PartitionId, error) {
	if !r.HasPartitionIds() {
		return 0, fmt.Errorf("partition for correlation key: router has no partition ids yet")
	}
	return r.hasher.PartitionFor(correlationKey, r.partitionIds), nil
}

// send resolves partitionID's leader and, if known, wraps payload in a
// CommandEnvelope tagged command and sends it on the subscription subject;
// if unknown, it returns (true, nil) without sending anything, a deliberate
// backpressure signal: the caller advances its own state as though delivery
// happened, and the eventual topology update plus the caller's own
// retry/resend path is responsible for actually getting the command to the
// new leader.
func (r *Router) send(ctx context.Context, command string, partitionID model.PartitionId, payload []byte) (shouldAdvance bool, err error) {
	ctx, span := tracing.StartSpan(ctx, "router.send", tracing.StringAttr("command", command))
	defer func() { tracing.End(span, err) }()

	log := logx.FromContext(ctx)
	if _, ok := r.topo.Leader(partitionID); !ok {
		log.Debug("no known leader for partition, treating as sent", "partition", partitionID)
		if r.metrics != nil {
			r.metrics.CommandDropped(command)
		}
		return true, nil
	}
	framed, err := model.Encode(model.CommandEnvelope{Kind: command, Payload: payload})
	if err != nil {
		return false, fmt.Errorf("envelope subscription command %s: %w", command, err)
	}
	// The subject is per-partition, not per-node: once some leader is known
	// NATS itself routes the message to whichever node currently subscribes.
	subject := transport.SubscriptionSubject(r.namespace, partitionID)
	if err := r.transport.SendMessage(ctx, subject, framed); err != nil {
		return false, fmt.Errorf("send subscription command to partition %d: %w", partitionID, err)
	}
	if r.metrics != nil {
		r.metrics.CommandSent(command)
	}
	return true, nil
}

// DecodeCommand unwraps envelope bytes received off a subscription subject,
// returning the command's tagged kind and the still-encoded inner payload
// so a consumer can route on kind before decoding into the concrete type it
// expects.
func DecodeCommand(framed []byte) (kind string, payload []byte, err error) {
	var env model.CommandEnvelope
	if err := model.Decode(framed, &env); err != nil {
		return "", nil, fmt.Errorf("decode command envelope: %w", err)
	}
	return env.Kind, env.Payload, nil
}

// OpenMessageSubscription computes the subscription partition for
// correlationKey, stamps it onto the command, and sends it. The returned
// bool follows the send contract above.
func (r *Router) OpenMessageSubscription(
	ctx context.Context,
	workflowInstancePartitionId model.PartitionId,
	workflowInstanceKey, activityInstanceKey model.Key,
	messageName, correlationKey []byte,
) (bool, error) {
	if !r.HasPartitionIds() {
		return false, fmt.Errorf("open message subscription: router has no partition ids yet")
	}
	subscriptionPartitionId := r.hasher.PartitionFor(correlationKey, r.partitionIds)
	cmd := model.OpenMessageSubscription{
		SubscriptionPartitionId:     subscriptionPartitionId,
		WorkflowInstancePartitionId: workflowInstancePartitionId,
		WorkflowInstanceKey:         workflowInstanceKey,
		ActivityInstanceKey:         activityInstanceKey,
		MessageName:                 messageName,
		CorrelationKey:              correlationKey,
	}
	framed, err := model.Encode(cmd)
	if err != nil {
		return false, fmt.Errorf("open message subscription: %w", err)
	}
	return r.send(ctx, CommandOpenMessageSubscription, subscriptionPartitionId, framed)
}

// OpenedMessageSubscription acknowledges an OpenMessageSubscription back to
// the workflow-instance partition.
func (r *Router) OpenedMessageSubscription(
	ctx context.Context,
	workflowInstancePartitionId model.PartitionId,
	workflowInstanceKey, activityInstanceKey model.Key,
	messageName []byte,
) (bool, error) {
	cmd := model.OpenedMessageSubscription{
		WorkflowInstancePartitionId: workflowInstancePartitionId,
		WorkflowInstanceKey:         workflowInstanceKey,
		ActivityInstanceKey:         activityInstanceKey,
		MessageName:                 messageName,
	}
	framed, err := model.Encode(cmd)
	if err != nil {
		return false, fmt.Errorf("opened message subscription: %w", err)
	}
	return r.send(ctx, CommandOpenedMessageSubscription, workflowInstancePartitionId, framed)
}

// CorrelateWorkflowInstanceSubscription delivers a matched message's payload
// to the workflow-instance partition.
func (r *Router) CorrelateWorkflowInstanceSubscription(
	ctx context.Context,
	workflowInstancePartitionId model.PartitionId,
	workflowInstanceKey, activityInstanceKey model.Key,
	messageName, payload []byte,
) (bool, error) {
	cmd := model.CorrelateWorkflowInstanceSubscription{
		WorkflowInstancePartitionId: workflowInstancePartitionId,
		WorkflowInstanceKey:         workflowInstanceKey,
		ActivityInstanceKey:         activityInstanceKey,
		MessageName:                 messageName,
		Payload:                     payload,
	}
	framed, err := model.Encode(cmd)
	if err != nil {
		return false, fmt.Errorf("correlate workflow instance subscription: %w", err)
	}
	return r.send(ctx, CommandCorrelateWorkflowInstanceSubscription, workflowInstancePartitionId, framed)
}

// CloseMessageSubscription asks the subscription partition to drop a
// previously opened subscription.
func (r *Router) CloseMessageSubscription(
	ctx context.Context,
	subscriptionPartitionId, workflowInstancePartitionId model.PartitionId,
	workflowInstanceKey, activityInstanceKey model.Key,
	messageName []byte,
) (bool, error) {
	cmd := model.CloseMessageSubscription{
		SubscriptionPartitionId:     subscriptionPartitionId,
		WorkflowInstancePartitionId: workflowInstancePartitionId,
		WorkflowInstanceKey:         workflowInstanceKey,
		ActivityInstanceKey:         activityInstanceKey,
		MessageName:                 messageName,
	}
	framed, err := model.Encode(cmd)
	if err != nil {
		return false, fmt.Errorf("close message subscription: %w", err)
	}
	return r.send(ctx, CommandCloseMessageSubscription, subscriptionPartitionId, framed)
}

// RejectCorrelateMessageSubscription tells the workflow-instance side that a
// correlation attempt found no interested subscription.
func (r *Router) RejectCorrelateMessageSubscription(
	ctx context.Context,
	subscriptionPartitionId model.PartitionId,
	workflowInstanceKey, activityInstanceKey model.Key,
	messageName, correlationKey []byte,
	reason string,
) (bool, error) {
	cmd := model.RejectCorrelateMessageSubscription{
		SubscriptionPartitionId: subscriptionPartitionId,
		WorkflowInstanceKey:     workflowInstanceKey,
		ActivityInstanceKey:     activityInstanceKey,
		MessageName:             messageName,
		CorrelationKey:          correlationKey,
		Reason:                  reason,
	}
	framed, err := model.Encode(cmd)
	if err != nil {
		return false, fmt.Errorf("reject correlate message subscription: %w", err)
	}
	return r.send(ctx, CommandRejectCorrelateMessageSubscription, subscriptionPartitionId, framed)
}

// FetchCreatedTopics resolves the current partition set from the system
// partition leader and stores it on the router. The system partition leader
// is not just unknown at startup but can go unknown again mid-retry (a
// topology update clearing it out from under us), so each attempt
// re-resolves it from scratch rather than resolving it once up front;
// retries continue with the configured backoff until
// fetchCreatedTopicsDeadline elapses.
func (r *Router) FetchCreatedTopics(ctx context.Context, topicName string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "router.FetchCreatedTopics", tracing.StringAttr("topic", topicName))
	defer func() { tracing.End(span, err) }()

	log := logx.FromContext(ctx)
	ctx, cancel := context.WithTimeout(ctx, r.fetchCreatedTopicsDeadline)
	defer cancel()

	req := model.FetchCreatedTopicsRequest{TopicName: topicName}
	framed, err := model.Encode(req)
	if err != nil {
		return fmt.Errorf("fetch created topics: %w", err)
	}

	var reply []byte
	err = retry.Do(ctx, r.fetchBackoff, func(ctx context.Context) error {
		leaderAddr := r.topo.SystemPartitionLeader()
		if leaderAddr == "" {
			log.Debug("system partition leader unknown, retrying")
			return retry.RetryableError(fmt.Errorf("system partition leader unknown"))
		}
		resp, err := r.transport.SendRequestWithRetry(ctx, leaderAddr, framed, 2*time.Second)
		if err != nil {
			return retry.RetryableError(err)
		}
		reply = resp
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return &errors.TimeoutError{Deadline: r.fetchCreatedTopicsDeadline.String(), Last: err}
		}
		return fmt.Errorf("fetch created topics: %w", err)
	}

	var resp model.FetchCreatedTopicsResponse
	if err := model.Decode(reply, &resp); err != nil {
		return fmt.Errorf("fetch created topics: decode response: %w", err)
	}

	var ids []model.PartitionId
	for _, t := range resp.Topics {
		if t.TopicName == topicName {
			ids = append(ids, t.PartitionIds...)
		}
	}
	r.SetPartitionIds(ids)
	log.Info("resolved partition ids", "topic", topicName, "count", len(ids))
	return nil
}
