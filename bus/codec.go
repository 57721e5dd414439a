package bus

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EncodeFields flattens a message into a map of string keys to JSON-encoded
// string values, the wire format used for Redis stream entries. Every value
// is encoded independently so consumers can decode fields one at a time.
func EncodeFields(msg Message) (map[string]any, error) {
	fields := map[string]any{
		"message_id":   msg.ID,
		"message_type": string(msg.Type),
		"from_agent":   msg.From,
		"timestamp":    strconv.FormatFloat(float64(msg.Timestamp.UnixNano())/1e9, 'f', -1, 64),
	}
	if msg.To != "" {
		fields["to_agent"] = msg.To
	}
	if msg.ConversationID != "" {
		fields["conversation_id"] = msg.ConversationID
	}
	if msg.ReplyTo != "" {
		fields["reply_to"] = msg.ReplyTo
	}
	if msg.Priority != "" {
		fields["priority"] = string(msg.Priority)
	}
	if msg.TTLSeconds > 0 {
		fields["ttl"] = strconv.FormatFloat(msg.TTLSeconds, 'f', -1, 64)
	}
	if msg.RequiresAck {
		fields["requires_ack"] = "true"
	}
	if msg.Payload != nil {
		raw, err := json.Marshal(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		fields["payload"] = string(raw)
	}
	return fields, nil
}

// DecodeFields rebuilds a message from stream entry fields. Values that fail
// to parse are passed through as strings inside the payload rather than
// failing the whole entry, so one malformed field cannot poison delivery.
func DecodeFields(fields map[string]any) Message {
	str := func(key string) string {
		v, ok := fields[key]
		if !ok {
			return ""
		}
		s, ok := v.(string)
		if !ok {
			return fmt.Sprint(v)
		}
		return s
	}
	msg := Message{
		ID:             str("message_id"),
		Type:           MessageType(str("message_type")),
		From:           str("from_agent"),
		To:             str("to_agent"),
		ConversationID: str("conversation_id"),
		ReplyTo:        str("reply_to"),
		Priority:       Priority(str("priority")),
		RequiresAck:    str("requires_ack") == "true",
	}
	if ts, err := strconv.ParseFloat(str("timestamp"), 64); err == nil && ts > 0 {
		sec := int64(ts)
		msg.Timestamp = time.Unix(sec, int64((ts-float64(sec))*1e9)).UTC()
	}
	if ttl, err := strconv.ParseFloat(str("ttl"), 64); err == nil {
		msg.TTLSeconds = ttl
	}
	if raw := str("payload"); raw != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(raw), &payload); err == nil {
			msg.Payload = payload
		} else {
			msg.Payload = map[string]any{"raw": raw}
		}
	}
	return msg
}
