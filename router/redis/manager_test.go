package redis

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/pitchline/pitchline/router"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []router.Frame
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, v.(router.Frame))
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) sent() []router.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]router.Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

func newTestManager(t *testing.T, mr *miniredis.Miniredis, serverID string) *Manager {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	m, err := New(Options{Client: client, ServerID: serverID})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

// newStopped halts the manager's background loops so tests can drive passes
// with an injected clock.
func newStopped(t *testing.T, mr *miniredis.Miniredis) *Manager {
	t.Helper()
	m := newTestManager(t, mr, "srv-1")
	m.cancel()
	m.wg.Wait()
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestConnectStoresSessionRecord(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, mr, "srv-1")
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, "s1", "u1", &fakeConn{}))
	require.Equal(t, "srv-1", mr.HGet("ws:session:s1", "server"))
	require.Equal(t, "u1", mr.HGet("ws:session:s1", "user"))

	require.NoError(t, m.Disconnect(ctx, "s1"))
	require.False(t, mr.Exists("ws:session:s1"))
}

func TestSendChunkSequencesAndUnacked(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, mr, "srv-1")
	ctx := context.Background()
	conn := &fakeConn{}
	require.NoError(t, m.Connect(ctx, "s1", "u1", conn))

	for want := uint64(1); want <= 3; want++ {
		seq, err := m.SendChunk(ctx, "s1", router.Frame{"type": "message"})
		require.NoError(t, err)
		require.Equal(t, want, seq)
	}
	require.Len(t, conn.sent(), 3)
	require.Equal(t, uint64(2), conn.sent()[1]["sequence"])

	// Every chunk is recorded unacknowledged until the client acks it.
	keys, err := mr.HKeys("ws:unacked:s1")
	require.NoError(t, err)
	require.Len(t, keys, 3)
	var chunk router.UnackedChunk
	require.NoError(t, json.Unmarshal([]byte(mr.HGet("ws:unacked:s1", "2")), &chunk))
	require.Equal(t, 0, chunk.Retries)

	require.NoError(t, m.AckChunk(ctx, "s1", 2))
	keys, err = mr.HKeys("ws:unacked:s1")
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func TestSendJSONRoutesToOwningServer(t *testing.T) {
	mr := miniredis.RunT(t)
	owner := newTestManager(t, mr, "srv-1")
	other := newTestManager(t, mr, "srv-2")
	ctx := context.Background()

	conn := &fakeConn{}
	require.NoError(t, owner.Connect(ctx, "s1", "u1", conn))

	// srv-2 has no socket for s1; the frame travels over the session channel.
	require.NoError(t, other.SendJSON(ctx, "s1", router.Frame{"type": "message", "text": "hi"}))
	waitFor(t, func() bool { return len(conn.sent()) == 1 })
	require.Equal(t, "hi", conn.sent()[0]["text"])
}

func TestSendJSONUnknownSession(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, mr, "srv-1")
	err := m.SendJSON(context.Background(), "missing", router.Frame{"type": "message"})
	require.ErrorIs(t, err, router.ErrSessionNotFound)
}

func TestRetransmitBackoffAndDrop(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newStopped(t, mr)
	ctx := context.Background()
	conn := &fakeConn{}
	require.NoError(t, m.Connect(ctx, "s1", "u1", conn))

	base := time.Now().UTC()
	m.now = func() time.Time { return base }
	seq, err := m.SendChunk(ctx, "s1", router.Frame{"type": "message"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	// Inside the 2s window nothing resends.
	m.now = func() time.Time { return base.Add(time.Second) }
	m.retransmitPass(ctx)
	require.Len(t, conn.sent(), 1)

	// Past the window the retry fires and the counter advances.
	m.now = func() time.Time { return base.Add(3 * time.Second) }
	m.retransmitPass(ctx)
	require.Len(t, conn.sent(), 2)
	var chunk router.UnackedChunk
	require.NoError(t, json.Unmarshal([]byte(mr.HGet("ws:unacked:s1", "1")), &chunk))
	require.Equal(t, 1, chunk.Retries)

	// Spend the rest of the budget; the chunk is then dropped.
	for i := 0; i < router.MaxRetries; i++ {
		base = base.Add(10 * time.Minute)
		now := base
		m.now = func() time.Time { return now }
		m.retransmitPass(ctx)
	}
	require.Len(t, conn.sent(), 1+router.MaxRetries)
	unacked, _ := mr.HKeys("ws:unacked:s1")
	require.Empty(t, unacked)
}

func TestTurnGuard(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newStopped(t, mr)
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, "s1", "u1", &fakeConn{}))

	base := time.Now().UTC()
	m.now = func() time.Time { return base }

	dup, err := m.IsDuplicateTurn(ctx, "s1", "turn-1")
	require.NoError(t, err)
	require.False(t, dup)

	require.NoError(t, m.MarkTurnSeen(ctx, "s1", "turn-1"))
	dup, err = m.IsDuplicateTurn(ctx, "s1", "turn-1")
	require.NoError(t, err)
	require.True(t, dup)

	// Past the guard window replays are allowed again and the cleanup pass
	// evicts the stale entry.
	m.now = func() time.Time { return base.Add(router.TurnGuardTTL + time.Second) }
	dup, err = m.IsDuplicateTurn(ctx, "s1", "turn-1")
	require.NoError(t, err)
	require.False(t, dup)

	m.cleanupPass(ctx)
	guard, _ := mr.HKeys("ws:turn_guard:s1")
	require.Empty(t, guard)
}

func TestReconnectKeepsSharedSequence(t *testing.T) {
	mr := miniredis.RunT(t)
	first := newTestManager(t, mr, "srv-1")
	second := newTestManager(t, mr, "srv-2")
	ctx := context.Background()

	require.NoError(t, first.Connect(ctx, "s1", "u1", &fakeConn{}))
	seq, err := first.SendChunk(ctx, "s1", router.Frame{"type": "message"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	// Reconnecting on another server continues the counter.
	conn := &fakeConn{}
	require.NoError(t, second.Connect(ctx, "s1", "u1", conn))
	require.Equal(t, "srv-2", mr.HGet("ws:session:s1", "server"))
	seq, err = second.SendChunk(ctx, "s1", router.Frame{"type": "message"})
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq)
}
