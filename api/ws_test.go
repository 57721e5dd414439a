package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/pitchline/pitchline/bus"
	"github.com/pitchline/pitchline/router"
)

func dialWS(t *testing.T, f *fixture, sessionID, token string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(f.srv)
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + sessionID + "?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/s1?token=garbage"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Nil(t, conn)
	require.Equal(t, 401, resp.StatusCode)
	resp.Body.Close()
}

func TestWebSocketConnectAndPing(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f, "s1", f.token(t))

	frame := readFrame(t, conn)
	require.Equal(t, "connected", frame["type"])
	require.Equal(t, "s1", frame["session_id"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	frame = readFrame(t, conn)
	require.Equal(t, "message", frame["type"])
	require.Equal(t, "pong", frame["data"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "bogus"}))
	frame = readFrame(t, conn)
	require.Equal(t, "error", frame["type"])
}

func TestWebSocketTurnPublishesAndDedupes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	turns := make(chan bus.Message, 2)
	_, err := f.bus.Subscribe(ctx, TopicSessionTurns, func(ctx context.Context, msg bus.Message) error {
		turns <- msg
		return nil
	})
	require.NoError(t, err)

	conn := dialWS(t, f, "s1", f.token(t))
	require.Equal(t, "connected", readFrame(t, conn)["type"])

	send := map[string]any{"type": "user_message", "turn_id": "turn-1", "text": "客户问年费"}
	require.NoError(t, conn.WriteJSON(send))

	var msg bus.Message
	select {
	case msg = <-turns:
	case <-time.After(3 * time.Second):
		t.Fatal("turn not published")
	}
	require.Equal(t, "s1", msg.Payload["session_id"])
	require.Equal(t, "alice", msg.Payload["user_id"])
	inner := msg.Payload["frame"].(map[string]any)
	require.Equal(t, "客户问年费", inner["text"])

	// A retried turn with the same turn_id is dropped silently. The ping
	// round trip after it proves the duplicate produced no bus message.
	require.NoError(t, conn.WriteJSON(send))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	require.Equal(t, "pong", readFrame(t, conn)["data"])
	select {
	case <-turns:
		t.Fatal("duplicate turn was published")
	default:
	}
}

func TestWebSocketAckFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn := dialWS(t, f, "s1", f.token(t))
	require.Equal(t, "connected", readFrame(t, conn)["type"])

	// A coaching chunk pushed through the session manager reaches the
	// socket with a sequence number.
	seq, err := f.srv.opts.Sessions.SendChunk(ctx, "s1", router.Frame{"type": "message", "hint": "先讲免年费权益"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	frame := readFrame(t, conn)
	require.Equal(t, float64(1), frame["sequence"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ack", "sequence": 1}))

	// An ack without a sequence is rejected.
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ack"}))
	frame = readFrame(t, conn)
	require.Equal(t, "error", frame["type"])
}
