// Package inmem provides a process-local session manager for tests and
// single-instance deployments. Semantics match the Redis manager minus
// cross-process routing: frames for unknown sessions fail instead of being
// forwarded.
package inmem

import (
	"context"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/pitchline/pitchline/router"
)

type (
	session struct {
		userID  string
		conn    router.Conn
		seq     uint64
		unacked map[uint64]router.UnackedChunk
		turns   map[string]time.Time
	}

	// Manager is the in-memory session manager. Safe for concurrent use.
	Manager struct {
		mu       sync.Mutex
		sessions map[string]*session
		cancel   context.CancelFunc
		wg       sync.WaitGroup
		now      func() time.Time
	}
)

// New constructs the manager and starts its retransmission and turn-guard
// cleanup loops.
func New() *Manager {
	m := &Manager{
		sessions: make(map[string]*session),
		now:      func() time.Time { return time.Now().UTC() },
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(2)
	go m.loop(ctx, router.RetransmitInterval, m.retransmitPass)
	go m.loop(ctx, router.TurnCleanupInterval, m.cleanupPass)
	return m
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

// Connect records the session. Reconnecting replaces the held connection but
// keeps sequence and unacked state so retransmits survive a reconnect.
func (m *Manager) Connect(ctx context.Context, sessionID, userID string, conn router.Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.conn = conn
		s.userID = userID
		return nil
	}
	m.sessions[sessionID] = &session{
		userID:  userID,
		conn:    conn,
		unacked: make(map[uint64]router.UnackedChunk),
		turns:   make(map[string]time.Time),
	}
	return nil
}

// Disconnect removes the session.
func (m *Manager) Disconnect(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

// SendJSON writes the frame to the live connection.
func (m *Manager) SendJSON(ctx context.Context, sessionID string, frame router.Frame) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return router.ErrSessionNotFound
	}
	return s.conn.WriteJSON(frame)
}

// SendChunk assigns the next sequence, records the chunk and delivers it.
func (m *Manager) SendChunk(ctx context.Context, sessionID string, frame router.Frame) (uint64, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return 0, router.ErrSessionNotFound
	}
	s.seq++
	seq := s.seq
	sent := router.Frame{}
	for k, v := range frame {
		sent[k] = v
	}
	sent["sequence"] = seq
	s.unacked[seq] = router.UnackedChunk{Payload: sent, SentAt: m.now()}
	conn := s.conn
	m.mu.Unlock()
	if err := conn.WriteJSON(sent); err != nil {
		return seq, err
	}
	return seq, nil
}

// AckChunk clears the unacknowledged record.
func (m *Manager) AckChunk(ctx context.Context, sessionID string, sequence uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		delete(s.unacked, sequence)
	}
	return nil
}

// IsDuplicateTurn reports whether the turn is inside its guard window.
func (m *Manager) IsDuplicateTurn(ctx context.Context, sessionID, turnID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false, nil
	}
	seen, ok := s.turns[turnID]
	return ok && m.now().Sub(seen) < router.TurnGuardTTL, nil
}

// MarkTurnSeen records the turn.
func (m *Manager) MarkTurnSeen(ctx context.Context, sessionID, turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.turns[turnID] = m.now()
	}
	return nil
}

// Close stops the loops and closes every held connection.
func (m *Manager) Close(ctx context.Context) error {
	m.cancel()
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		_ = s.conn.Close()
	}
	m.sessions = make(map[string]*session)
	return nil
}

// retransmitPass resends every due chunk and drops those that exhausted
// their retry budget.
func (m *Manager) retransmitPass(ctx context.Context) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		for seq, chunk := range s.unacked {
			if !chunk.RetransmitDue(now) {
				continue
			}
			if chunk.Retries >= router.MaxRetries {
				delete(s.unacked, seq)
				log.Printf(ctx, "dropping chunk %d on session %s after %d retries", seq, id, chunk.Retries)
				continue
			}
			if err := s.conn.WriteJSON(chunk.Payload); err != nil {
				log.Errorf(ctx, err, "retransmit session %s seq %d", id, seq)
			}
			chunk.Retries++
			chunk.SentAt = now
			s.unacked[seq] = chunk
		}
	}
}

// cleanupPass evicts turn-guard entries older than the TTL.
func (m *Manager) cleanupPass(ctx context.Context) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		for turn, seen := range s.turns {
			if now.Sub(seen) >= router.TurnGuardTTL {
				delete(s.turns, turn)
			}
		}
	}
}
