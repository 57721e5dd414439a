// Package router manages WebSocket session state across a fleet of server
// processes. Each process holds the live sockets it accepted; session
// metadata and unacknowledged chunk state live in Redis so any process can
// route frames to the session's current owner. Chunks carry a per-session
// strictly increasing sequence and are retransmitted with exponential
// backoff until acknowledged or the retry budget is spent.
package router

import (
	"context"
	"errors"
	"time"
)

type (
	// Conn abstracts the transport connection so managers and tests never
	// depend on a concrete socket. Implementations must serialize writes.
	Conn interface {
		// WriteJSON encodes v as JSON and writes it as one frame.
		WriteJSON(v any) error
		// Close tears down the connection.
		Close() error
	}

	// Frame is one server-to-client JSON message. Frames sent through
	// SendChunk gain a "sequence" field that the client must acknowledge.
	Frame map[string]any

	// Manager is the session router. Implementations are safe for
	// concurrent use.
	Manager interface {
		// Connect records the session and attaches the live connection.
		// Reconnecting an existing session transfers ownership to this
		// process.
		Connect(ctx context.Context, sessionID, userID string, conn Conn) error

		// Disconnect detaches the connection and deletes the session record.
		Disconnect(ctx context.Context, sessionID string) error

		// SendJSON delivers a fire-and-forget frame: written directly when
		// the session is local, otherwise published for the owning process.
		SendJSON(ctx context.Context, sessionID string, frame Frame) error

		// SendChunk assigns the next sequence number, records the chunk as
		// unacknowledged and delivers it. The assigned sequence is returned.
		SendChunk(ctx context.Context, sessionID string, frame Frame) (uint64, error)

		// AckChunk clears the unacknowledged record for the sequence.
		AckChunk(ctx context.Context, sessionID string, sequence uint64) error

		// IsDuplicateTurn reports whether the turn was marked seen within
		// the guard window.
		IsDuplicateTurn(ctx context.Context, sessionID, turnID string) (bool, error)

		// MarkTurnSeen records the turn so replays are rejected for the
		// guard window.
		MarkTurnSeen(ctx context.Context, sessionID, turnID string) error

		// Close stops background loops and closes local connections.
		Close(ctx context.Context) error
	}

	// UnackedChunk is the persisted state of one undelivered chunk.
	UnackedChunk struct {
		// Payload is the frame as sent, sequence included.
		Payload Frame `json:"payload"`
		// SentAt is when the chunk was last (re)transmitted, UTC.
		SentAt time.Time `json:"sent_at"`
		// Retries counts retransmissions performed so far.
		Retries int `json:"retries"`
	}
)

// ErrSessionNotFound reports an operation on an unknown session.
var ErrSessionNotFound = errors.New("router: session not found")

const (
	// MaxRetries bounds retransmissions per chunk.
	MaxRetries = 5
	// RetransmitInterval paces the retransmission scan.
	RetransmitInterval = 2 * time.Second
	// TurnGuardTTL is how long a processed turn rejects replays.
	TurnGuardTTL = 5 * time.Minute
	// TurnCleanupInterval paces eviction of expired turn-guard entries.
	TurnCleanupInterval = time.Minute
	// DefaultSessionTTL bounds session metadata and unacked chunk retention.
	DefaultSessionTTL = time.Hour
)

// RetransmitDue reports whether the chunk's backoff window has elapsed:
// 2·2^retries seconds since the last transmission.
func (c UnackedChunk) RetransmitDue(now time.Time) bool {
	wait := time.Duration(2<<c.Retries) * time.Second
	return now.Sub(c.SentAt) > wait
}
