// Package redis implements the distributed session manager. Session
// metadata, unacknowledged chunks and turn guards live in Redis; frames for
// sessions owned by another process travel over per-session Pub/Sub
// channels. A process only writes to sockets it holds locally, so ownership
// transfers implicitly when a session reconnects elsewhere: the old owner
// drops incoming frames because its local map no longer has the session.
//
// Key layout:
//
//	ws:session:{id}      hash {server, user, connected_at, seq}, TTL-bound
//	ws:unacked:{id}      hash sequence → JSON unacked chunk
//	ws:turn_guard:{id}   hash turn_id → unix seconds
//	ws:broadcast:{id}    pub/sub channel for the session
//	ws:broadcast:all     best-effort fleet-wide channel
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/pitchline/pitchline/router"
)

type (
	// Options configures the distributed manager.
	Options struct {
		// Client is the Redis connection. Required.
		Client *redis.Client
		// ServerID identifies this process. Defaults to a random ID per boot.
		ServerID string
		// SessionTTL bounds session metadata and unacked chunk retention.
		// Defaults to router.DefaultSessionTTL.
		SessionTTL time.Duration
	}

	// Manager is the Redis-backed session manager. Safe for concurrent use.
	Manager struct {
		rdb      *redis.Client
		serverID string
		ttl      time.Duration

		mu     sync.Mutex
		local  map[string]*localSession
		closed bool

		cancel context.CancelFunc
		wg     sync.WaitGroup
		now    func() time.Time
	}

	localSession struct {
		conn   router.Conn
		pubsub *redis.PubSub
	}
)

// Channel and key prefixes.
const (
	sessionPrefix   = "ws:session:"
	unackedPrefix   = "ws:unacked:"
	turnGuardPrefix = "ws:turn_guard:"
	broadcastPrefix = "ws:broadcast:"
	broadcastAll    = "ws:broadcast:all"
)

// New constructs the manager, subscribes to the fleet-wide broadcast channel
// and starts the retransmission and turn-guard cleanup loops.
func New(opts Options) (*Manager, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.ServerID == "" {
		opts.ServerID = uuid.NewString()
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = router.DefaultSessionTTL
	}
	m := &Manager{
		rdb:      opts.Client,
		serverID: opts.ServerID,
		ttl:      opts.SessionTTL,
		local:    make(map[string]*localSession),
		now:      func() time.Time { return time.Now().UTC() },
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(3)
	go m.loop(ctx, router.RetransmitInterval, m.retransmitPass)
	go m.loop(ctx, router.TurnCleanupInterval, m.cleanupPass)
	go m.consumeBroadcast(ctx)
	return m, nil
}

// ServerID returns this process's identity.
func (m *Manager) ServerID() string { return m.serverID }

func sessionKey(id string) string   { return sessionPrefix + id }
func unackedKey(id string) string   { return unackedPrefix + id }
func turnGuardKey(id string) string { return turnGuardPrefix + id }
func sessionChannel(id string) string {
	return broadcastPrefix + id
}

// Connect stores the session record, claims ownership and subscribes to the
// session channel. A record previously owned by another server is simply
// overwritten; the old owner drops frames once its socket closes.
func (m *Manager) Connect(ctx context.Context, sessionID, userID string, conn router.Conn) error {
	key := sessionKey(sessionID)
	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"server":       m.serverID,
		"user":         userID,
		"connected_at": strconv.FormatFloat(float64(m.now().UnixNano())/1e9, 'f', -1, 64),
	})
	pipe.Expire(ctx, key, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store session %s: %w", sessionID, err)
	}

	pubsub := m.rdb.Subscribe(ctx, sessionChannel(sessionID))
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = pubsub.Close()
		return errors.New("router: manager closed")
	}
	if prev, ok := m.local[sessionID]; ok {
		_ = prev.pubsub.Close()
	}
	m.local[sessionID] = &localSession{conn: conn, pubsub: pubsub}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.consumeSession(sessionID, pubsub)
	return nil
}

// consumeSession forwards frames published on the session channel to the
// local connection. Frames for sessions this process no longer holds are
// dropped, which is what abandons a stale owner after a reconnect.
func (m *Manager) consumeSession(sessionID string, pubsub *redis.PubSub) {
	defer m.wg.Done()
	ctx := context.Background()
	for msg := range pubsub.Channel() {
		m.mu.Lock()
		s, ok := m.local[sessionID]
		m.mu.Unlock()
		if !ok {
			return
		}
		var frame router.Frame
		if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
			log.Errorf(ctx, err, "malformed frame for session %s", sessionID)
			continue
		}
		if err := s.conn.WriteJSON(frame); err != nil {
			log.Errorf(ctx, err, "write to session %s", sessionID)
		}
	}
}

// consumeBroadcast fans fleet-wide frames to every local connection.
// Delivery is best effort: no unacked state is recorded.
func (m *Manager) consumeBroadcast(ctx context.Context) {
	defer m.wg.Done()
	pubsub := m.rdb.Subscribe(ctx, broadcastAll)
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var frame router.Frame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				continue
			}
			m.mu.Lock()
			conns := make([]router.Conn, 0, len(m.local))
			for _, s := range m.local {
				conns = append(conns, s.conn)
			}
			m.mu.Unlock()
			for _, conn := range conns {
				_ = conn.WriteJSON(frame)
			}
		}
	}
}

// Disconnect drops local state and deletes the session record. Unacked
// chunks stay in Redis until their TTL so a quick reconnect can recover.
func (m *Manager) Disconnect(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	if s, ok := m.local[sessionID]; ok {
		_ = s.pubsub.Close()
		delete(m.local, sessionID)
	}
	m.mu.Unlock()
	return m.rdb.Del(ctx, sessionKey(sessionID)).Err()
}

// SendJSON writes directly when the session is local, otherwise publishes to
// the session channel for the owning process.
func (m *Manager) SendJSON(ctx context.Context, sessionID string, frame router.Frame) error {
	m.mu.Lock()
	s, ok := m.local[sessionID]
	m.mu.Unlock()
	if ok {
		return s.conn.WriteJSON(frame)
	}
	exists, err := m.rdb.Exists(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("route frame: %w", err)
	}
	if exists == 0 {
		return router.ErrSessionNotFound
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return m.rdb.Publish(ctx, sessionChannel(sessionID), raw).Err()
}

// SendChunk reserves the next sequence via the shared session counter,
// records the chunk as unacknowledged and delivers it. The unacked record is
// written before delivery so a crash between the two cannot lose the chunk.
func (m *Manager) SendChunk(ctx context.Context, sessionID string, frame router.Frame) (uint64, error) {
	seq, err := m.rdb.HIncrBy(ctx, sessionKey(sessionID), "seq", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate sequence: %w", err)
	}
	sent := router.Frame{}
	for k, v := range frame {
		sent[k] = v
	}
	sent["sequence"] = uint64(seq)

	chunk := router.UnackedChunk{Payload: sent, SentAt: m.now()}
	raw, err := json.Marshal(chunk)
	if err != nil {
		return 0, err
	}
	key := unackedKey(sessionID)
	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, key, strconv.FormatInt(seq, 10), raw)
	pipe.Expire(ctx, key, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("record unacked chunk: %w", err)
	}
	if err := m.SendJSON(ctx, sessionID, sent); err != nil {
		return uint64(seq), err
	}
	return uint64(seq), nil
}

// AckChunk deletes the unacknowledged record for the sequence.
func (m *Manager) AckChunk(ctx context.Context, sessionID string, sequence uint64) error {
	return m.rdb.HDel(ctx, unackedKey(sessionID), strconv.FormatUint(sequence, 10)).Err()
}

// IsDuplicateTurn reports whether the turn was marked seen within the guard
// window.
func (m *Manager) IsDuplicateTurn(ctx context.Context, sessionID, turnID string) (bool, error) {
	raw, err := m.rdb.HGet(ctx, turnGuardKey(sessionID), turnID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	seen, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, nil
	}
	age := m.now().Sub(time.Unix(int64(seen), 0))
	return age < router.TurnGuardTTL, nil
}

// MarkTurnSeen records the turn with the current timestamp.
func (m *Manager) MarkTurnSeen(ctx context.Context, sessionID, turnID string) error {
	key := turnGuardKey(sessionID)
	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, key, turnID, strconv.FormatInt(m.now().Unix(), 10))
	pipe.Expire(ctx, key, router.TurnGuardTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Close stops the loops, unsubscribes and closes every held connection.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	local := m.local
	m.local = make(map[string]*localSession)
	m.mu.Unlock()
	for _, s := range local {
		_ = s.pubsub.Close()
		_ = s.conn.Close()
	}
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop(ctx context.Context, interval time.Duration, pass func(context.Context)) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pass(ctx)
		}
	}
}

// localSessions snapshots the IDs of sessions this process owns. The
// retransmission and cleanup loops only ever touch these, so no cross-key
// scan of Redis is needed.
func (m *Manager) localSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.local))
	for id := range m.local {
		ids = append(ids, id)
	}
	return ids
}

// retransmitPass resends due chunks for locally owned sessions and drops
// chunks that spent their retry budget.
func (m *Manager) retransmitPass(ctx context.Context) {
	now := m.now()
	for _, sessionID := range m.localSessions() {
		key := unackedKey(sessionID)
		entries, err := m.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			log.Errorf(ctx, err, "unacked scan for session %s", sessionID)
			continue
		}
		for field, raw := range entries {
			var chunk router.UnackedChunk
			if err := json.Unmarshal([]byte(raw), &chunk); err != nil {
				_ = m.rdb.HDel(ctx, key, field).Err()
				continue
			}
			if !chunk.RetransmitDue(now) {
				continue
			}
			if chunk.Retries >= router.MaxRetries {
				_ = m.rdb.HDel(ctx, key, field).Err()
				log.Printf(ctx, "dropping chunk %s on session %s after %d retries", field, sessionID, chunk.Retries)
				continue
			}
			if err := m.SendJSON(ctx, sessionID, chunk.Payload); err != nil {
				log.Errorf(ctx, err, "retransmit session %s seq %s", sessionID, field)
			}
			chunk.Retries++
			chunk.SentAt = now
			if updated, err := json.Marshal(chunk); err == nil {
				_ = m.rdb.HSet(ctx, key, field, updated).Err()
			}
		}
	}
}

// cleanupPass evicts turn-guard entries older than the TTL for locally
// owned sessions.
func (m *Manager) cleanupPass(ctx context.Context) {
	now := m.now()
	for _, sessionID := range m.localSessions() {
		key := turnGuardKey(sessionID)
		entries, err := m.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			continue
		}
		for turn, raw := range entries {
			seen, err := strconv.ParseFloat(raw, 64)
			if err != nil || now.Sub(time.Unix(int64(seen), 0)) >= router.TurnGuardTTL {
				_ = m.rdb.HDel(ctx, key, turn).Err()
			}
		}
	}
}
