package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFields(t *testing.T) {
	msg := Message{
		ID:             "m1",
		Type:           MessageRequest,
		From:           "sdr",
		To:             "coach",
		ConversationID: "conv1",
		Timestamp:      time.Date(2026, 3, 1, 8, 30, 0, 500000000, time.UTC),
		Payload:        map[string]any{"action": "get_suggestion", "top_k": float64(3)},
		ReplyTo:        "m0",
		Priority:       PriorityHigh,
		TTLSeconds:     30,
		RequiresAck:    true,
	}
	fields, err := EncodeFields(msg)
	require.NoError(t, err)
	// All values are strings on the wire.
	for k, v := range fields {
		require.IsType(t, "", v, "field %s", k)
	}

	out := DecodeFields(fields)
	require.Equal(t, msg.ID, out.ID)
	require.Equal(t, msg.Type, out.Type)
	require.Equal(t, msg.From, out.From)
	require.Equal(t, msg.To, out.To)
	require.Equal(t, msg.ConversationID, out.ConversationID)
	require.Equal(t, msg.ReplyTo, out.ReplyTo)
	require.Equal(t, msg.Priority, out.Priority)
	require.Equal(t, msg.TTLSeconds, out.TTLSeconds)
	require.True(t, out.RequiresAck)
	require.Equal(t, msg.Payload, out.Payload)
	require.WithinDuration(t, msg.Timestamp, out.Timestamp, time.Millisecond)
}

func TestDecodeFieldsMalformedPayload(t *testing.T) {
	out := DecodeFields(map[string]any{
		"message_id":   "m2",
		"message_type": "event",
		"from_agent":   "a",
		"payload":      "not json",
	})
	require.Equal(t, map[string]any{"raw": "not json"}, out.Payload)
}

func TestDecodeFieldsMissingTimestamp(t *testing.T) {
	out := DecodeFields(map[string]any{
		"message_id":   "m3",
		"message_type": "event",
		"from_agent":   "a",
	})
	require.True(t, out.Timestamp.IsZero())
}
