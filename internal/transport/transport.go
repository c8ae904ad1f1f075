// Package transport carries the subscription wire commands between
// partitions over NATS, one subject per partition per traffic class
// (management vs subscription).
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sethvargo/go-retry"

	"github.com/brokerflow/eventcore/internal/logx"
)

// Client is the trimmed-down transport surface the router needs: fire-and-
// forget sends for the five one-way commands, and a request/response path
// with retry for bootstrap's fetchCreatedTopics.
type Client interface {
	// SendMessage publishes framed on subject without waiting for a reply.
	SendMessage(ctx context.Context, subject string, framed []byte) error
	// SendRequestWithRetry publishes framed on subject and waits up to
	// timeout per attempt for a reply, retrying attempts failures according
	// to the client's configured backoff until deadline elapses.
	SendRequestWithRetry(ctx context.Context, subject string, framed []byte, perAttemptTimeout time.Duration) ([]byte, error)
}

// NatsClient is the Client backed by a live NATS connection.
type NatsClient struct {
	conn    *nats.Conn
	backoff retry.Backoff
}

// NewNatsClient wraps conn with the given retry backoff for
// SendRequestWithRetry. Callers typically build backoff with
// NewBootstrapBackoff.
func NewNatsClient(conn *nats.Conn, backoff retry.Backoff) *NatsClient {
	return &NatsClient{conn: conn, backoff: backoff}
}

// NewBootstrapBackoff returns the capped exponential backoff used for
// fetchCreatedTopics retries: 100ms base, factor 2, capped at 5s.
func NewBootstrapBackoff() retry.Backoff {
	b := retry.NewExponential(100 * time.Millisecond)
	return retry.WithCappedDuration(5*time.Second, b)
}

// SendMessage publishes framed to subject and returns immediately; it never
// blocks waiting on a peer, matching the one-way semantics of
// OpenMessageSubscription/OpenedMessageSubscription/
// CorrelateWorkflowInstanceSubscription/CloseMessageSubscription/
// RejectCorrelateMessageSubscription.
func (c *NatsClient) SendMessage(ctx context.Context, subject string, framed []byte) error {
	log := logx.FromContext(ctx)
	msg := nats.NewMsg(subject)
	msg.Data = framed
	if err := c.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	log.Debug("sent subscription command", "subject", subject, "bytes", len(framed))
	return nil
}

// SendRequestWithRetry mirrors sendRequestWithRetry: it issues a
// request/reply call, and on any failure (timeout, no responder, transport
// error) retries with the client's backoff until ctx is done, returning the
// last error once the overall deadline elapses.
func (c *NatsClient) SendRequestWithRetry(ctx context.Context, subject string, framed []byte, perAttemptTimeout time.Duration) ([]byte, error) {
	log := logx.FromContext(ctx)
	var reply []byte
	err := retry.Do(ctx, c.backoff, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
		defer cancel()
		msg, err := c.conn.RequestWithContext(attemptCtx, subject, framed)
		if err != nil {
			log.Warn("request attempt failed, retrying", "subject", subject, "error", err)
			return retry.RetryableError(fmt.Errorf("request %s: %w", subject, err))
		}
		reply = msg.Data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("send request with retry to %s: %w", subject, err)
	}
	return reply, nil
}
