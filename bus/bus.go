// Package bus defines the publish/subscribe and request/response substrate
// shared by every agent in the platform. Two implementations exist: an
// in-process bus (bus/inmem) used in tests and Redis-less deployments, and a
// Redis Streams bus (bus/redis) used in production. Both guarantee
// at-least-once delivery to subscribed handlers; consumers are expected to
// be idempotent.
package bus

import (
	"context"
	"time"
)

type (
	// Handler processes a single delivered message. Returning an error leaves
	// the message unacknowledged so the recovery loop can redeliver it; the
	// error never propagates to the publisher.
	Handler func(ctx context.Context, msg Message) error

	// Bus is the messaging substrate. Topics are opaque strings; the A2A
	// layer derives them from agent IDs.
	Bus interface {
		// Publish appends the message to the topic. Response and ack messages
		// carrying ReplyTo are additionally routed to the pending request
		// future they correlate with. Publish fails when the transport is
		// unreachable; it never waits for consumers.
		Publish(ctx context.Context, topic string, msg Message) error

		// Subscribe registers a handler for the topic as a member of the
		// bus's consumer group and returns a subscription that stops delivery
		// when closed. Handler errors are logged and the message is left for
		// recovery.
		Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)

		// Request publishes the message and waits for a response correlated
		// by the message ID. On timeout the pending future and any transport
		// state are cleaned up and ErrTimeout is returned.
		Request(ctx context.Context, topic string, msg Message, timeout time.Duration) (Message, error)

		// History returns up to limit messages appended to the conversation,
		// oldest first.
		History(ctx context.Context, conversationID string, limit int) ([]Message, error)

		// Close cancels all subscriptions and releases transport resources.
		Close(ctx context.Context) error
	}

	// Subscription represents an active topic registration. Close is
	// idempotent.
	Subscription interface {
		Close() error
	}
)

// Default tuning shared by implementations.
const (
	// DefaultRequestTimeout bounds Request when the caller passes zero.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultHistoryTTL bounds how long conversation history is retained.
	DefaultHistoryTTL = time.Hour
	// DefaultHistoryCap bounds how many messages a conversation retains.
	DefaultHistoryCap = 1000
	// MaxDeliveries caps redelivery attempts before a message is
	// dead-lettered.
	MaxDeliveries = 5
)
