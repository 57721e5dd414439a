package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"goa.design/clue/log"

	"github.com/pitchline/pitchline/bus"
	"github.com/pitchline/pitchline/router"
)

// TopicSessionTurns carries user turns accepted by the socket surface.
const TopicSessionTurns = "session_turns"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin enforcement belongs to the fronting proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket upgrades the connection, registers the session and pumps
// client frames: acks clear unacked chunks, user turns dedupe on turn_id
// and publish to the bus, pings get echoed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	claims, err := s.opts.Auth.Verify(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
		return
	}
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf(r.Context(), err, "websocket upgrade for session %s", sessionID)
		return
	}
	ctx := log.With(r.Context(), log.KV{K: "session_id", V: sessionID})
	conn := router.NewWSConn(sock)
	if err := s.opts.Sessions.Connect(ctx, sessionID, claims.Subject, conn); err != nil {
		log.Errorf(ctx, err, "register session")
		_ = conn.Close()
		return
	}
	defer func() {
		if err := s.opts.Sessions.Disconnect(ctx, sessionID); err != nil {
			log.Errorf(ctx, err, "disconnect session")
		}
	}()

	if err := conn.WriteJSON(router.Frame{"type": "connected", "session_id": sessionID}); err != nil {
		log.Errorf(ctx, err, "send connected frame")
		return
	}

	for {
		var frame map[string]any
		if _, raw, err := sock.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Errorf(ctx, err, "websocket read")
			}
			return
		} else if err := json.Unmarshal(raw, &frame); err != nil {
			_ = conn.WriteJSON(router.Frame{"type": "error", "error": "invalid frame"})
			continue
		}
		if done := s.dispatchFrame(ctx, sessionID, claims.Subject, conn, frame); done {
			return
		}
	}
}

// dispatchFrame handles one client frame, returning true when the client
// asked to close.
func (s *Server) dispatchFrame(ctx context.Context, sessionID, userID string, conn router.Conn, frame map[string]any) bool {
	switch frameType(frame) {
	case "ping":
		_ = conn.WriteJSON(router.Frame{"type": "message", "data": "pong"})
	case "close":
		return true
	case "ack":
		seq, ok := frameSequence(frame)
		if !ok {
			_ = conn.WriteJSON(router.Frame{"type": "error", "error": "ack requires sequence"})
			return false
		}
		if err := s.opts.Sessions.AckChunk(ctx, sessionID, seq); err != nil {
			log.Errorf(ctx, err, "ack chunk %d", seq)
		}
	case "user_message", "transcript_chunk":
		s.handleTurn(ctx, sessionID, userID, conn, frame)
	default:
		_ = conn.WriteJSON(router.Frame{"type": "error", "error": "unknown frame type"})
	}
	return false
}

// handleTurn dedupes on turn_id and publishes the turn to the bus. A
// duplicate turn is acknowledged silently so client retries stay
// idempotent.
func (s *Server) handleTurn(ctx context.Context, sessionID, userID string, conn router.Conn, frame map[string]any) {
	turnID, _ := frame["turn_id"].(string)
	if turnID != "" {
		dup, err := s.opts.Sessions.IsDuplicateTurn(ctx, sessionID, turnID)
		if err != nil {
			log.Errorf(ctx, err, "turn guard check")
		}
		if dup {
			log.Printf(ctx, "duplicate turn %s, dropping", turnID)
			return
		}
		if err := s.opts.Sessions.MarkTurnSeen(ctx, sessionID, turnID); err != nil {
			log.Errorf(ctx, err, "mark turn seen")
		}
	}
	payload := map[string]any{
		"session_id": sessionID,
		"user_id":    userID,
		"frame":      frame,
	}
	msg := bus.Message{
		Type:           bus.MessageEvent,
		From:           "ws:" + sessionID,
		ConversationID: sessionID,
		Payload:        payload,
	}
	if err := s.opts.Bus.Publish(ctx, TopicSessionTurns, msg.WithDefaults()); err != nil {
		log.Errorf(ctx, err, "publish turn")
		_ = conn.WriteJSON(router.Frame{"type": "error", "error": "turn not accepted"})
	}
}

func frameType(frame map[string]any) string {
	t, _ := frame["type"].(string)
	return t
}

func frameSequence(frame map[string]any) (uint64, bool) {
	switch v := frame["sequence"].(type) {
	case float64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case string:
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return seq, true
	default:
		return 0, false
	}
}
