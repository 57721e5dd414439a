package bus

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type (
	// MessageType tags the role a message plays on the bus. Dispatch,
	// acknowledgment and correlation behavior all key off this value.
	MessageType string

	// Priority hints delivery urgency to consumers. The bus itself does not
	// reorder messages; priority is carried for consumers that maintain
	// their own work queues.
	Priority string

	// Message is the envelope exchanged over the bus. Payload values must be
	// JSON-serializable; the codec encodes each field independently so that
	// consumers in other runtimes can decode them one at a time.
	Message struct {
		// ID uniquely identifies the message. Callers may assign their own;
		// WithDefaults generates one otherwise.
		ID string `json:"message_id"`
		// Type is the message role (request, response, event, ...).
		Type MessageType `json:"message_type"`
		// From is the sending agent ID.
		From string `json:"from_agent"`
		// To is the receiving agent ID. Empty means broadcast; only events
		// may be broadcast.
		To string `json:"to_agent,omitempty"`
		// ConversationID scopes the message to a conversation. Messages with
		// the same conversation ID on the same topic are delivered in
		// insertion order.
		ConversationID string `json:"conversation_id,omitempty"`
		// Timestamp records when the message was created (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload carries the message body.
		Payload map[string]any `json:"payload,omitempty"`
		// ReplyTo correlates responses and acks with the originating
		// request's message ID.
		ReplyTo string `json:"reply_to,omitempty"`
		// Priority is a delivery hint, normal when empty.
		Priority Priority `json:"priority,omitempty"`
		// TTLSeconds bounds how long the message stays relevant. Zero means
		// no expiry.
		TTLSeconds float64 `json:"ttl,omitempty"`
		// RequiresAck asks the recipient to emit an ack message carrying
		// this message's ID in ReplyTo before handling it.
		RequiresAck bool `json:"requires_ack,omitempty"`
	}
)

const (
	MessageRequest  MessageType = "request"
	MessageResponse MessageType = "response"
	MessageEvent    MessageType = "event"
	MessageQuery    MessageType = "query"
	MessageCommand  MessageType = "command"
	MessageAck      MessageType = "ack"
)

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var (
	// ErrTimeout reports that a request future expired before a response
	// arrived.
	ErrTimeout = errors.New("bus: request timed out")
	// ErrClosed reports an operation on a closed bus.
	ErrClosed = errors.New("bus: closed")
)

// WithDefaults fills in the generated ID, timestamp and normal priority when
// the caller left them empty, returning the completed message.
func (m Message) WithDefaults() Message {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if m.Priority == "" {
		m.Priority = PriorityNormal
	}
	return m
}

// Validate enforces the envelope invariants: responses and acks carry
// ReplyTo, and only events may be broadcast.
func (m Message) Validate() error {
	switch m.Type {
	case MessageResponse, MessageAck:
		if m.ReplyTo == "" {
			return errors.New("bus: " + string(m.Type) + " message requires reply_to")
		}
	case MessageEvent:
		// Events may be directed or broadcast.
	case MessageRequest, MessageQuery, MessageCommand:
		if m.To == "" {
			return errors.New("bus: " + string(m.Type) + " message must be directed")
		}
	default:
		return errors.New("bus: unknown message type " + string(m.Type))
	}
	return nil
}

// Expired reports whether the message TTL has elapsed at the given instant.
func (m Message) Expired(now time.Time) bool {
	if m.TTLSeconds <= 0 || m.Timestamp.IsZero() {
		return false
	}
	return now.Sub(m.Timestamp).Seconds() > m.TTLSeconds
}
