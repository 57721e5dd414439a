package redis

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/pitchline/pitchline/bus"
)

func newTestBus(t *testing.T, opts Options) (*Bus, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	opts.Client = client
	b, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return b, mr, client
}

func groupOf(s bus.Subscription) string { return s.(*subscription).group }

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

func TestPublishAppendsToStream(t *testing.T) {
	b, mr, _ := newTestBus(t, Options{})
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "deals", bus.Message{
		Type: bus.MessageEvent, From: "sdr", ConversationID: "conv1",
		Payload: map[string]any{"stage": "discovery"},
	}))

	require.True(t, mr.Exists("stream:deals"))
	require.True(t, mr.Exists("a2a:history:conv1"))
}

func TestSubscribeDeliversAndAcks(t *testing.T) {
	b, _, client := newTestBus(t, Options{Block: 20 * time.Millisecond})
	ctx := context.Background()

	got := make(chan bus.Message, 1)
	sub, err := b.Subscribe(ctx, "deals", func(ctx context.Context, msg bus.Message) error {
		got <- msg
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "deals", bus.Message{
		Type: bus.MessageEvent, From: "sdr",
		Payload: map[string]any{"stage": "discovery"},
	}))

	select {
	case msg := <-got:
		require.Equal(t, "sdr", msg.From)
		require.Equal(t, "discovery", msg.Payload["stage"])
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}

	// Successful dispatch acknowledges the entry.
	waitFor(t, func() bool {
		pending, err := client.XPending(ctx, "stream:deals", groupOf(sub)).Result()
		return err == nil && pending.Count == 0
	})
}

func TestHandlerErrorLeavesPending(t *testing.T) {
	b, _, client := newTestBus(t, Options{Block: 20 * time.Millisecond})
	ctx := context.Background()

	delivered := make(chan struct{}, 1)
	sub, err := b.Subscribe(ctx, "deals", func(ctx context.Context, msg bus.Message) error {
		select {
		case delivered <- struct{}{}:
		default:
		}
		return errors.New("boom")
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "deals", bus.Message{Type: bus.MessageEvent, From: "sdr"}))
	<-delivered

	pending, err := client.XPending(ctx, "stream:deals", groupOf(sub)).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), pending.Count)
}

func TestRecoveryRedelivers(t *testing.T) {
	b, _, client := newTestBus(t, Options{
		Block:            20 * time.Millisecond,
		RecoveryInterval: 20 * time.Millisecond,
		MinIdle:          time.Millisecond,
	})
	ctx := context.Background()

	var calls atomic.Int32
	sub, err := b.Subscribe(ctx, "deals", func(ctx context.Context, msg bus.Message) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "deals", bus.Message{Type: bus.MessageEvent, From: "sdr"}))

	// First delivery fails, the recovery loop claims and re-runs it.
	waitFor(t, func() bool { return calls.Load() >= 2 })
	waitFor(t, func() bool {
		pending, err := client.XPending(ctx, "stream:deals", groupOf(sub)).Result()
		return err == nil && pending.Count == 0
	})
}

func TestDeadLetterAfterDeliveryBudget(t *testing.T) {
	b, _, client := newTestBus(t, Options{
		Block:            20 * time.Millisecond,
		RecoveryInterval: 10 * time.Millisecond,
		MinIdle:          time.Millisecond,
	})
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "deals", func(ctx context.Context, msg bus.Message) error {
		return errors.New("always fails")
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "deals", bus.Message{Type: bus.MessageEvent, From: "sdr"}))

	waitFor(t, func() bool {
		n, err := client.XLen(ctx, "dlq:deals").Result()
		return err == nil && n == 1
	})
	entries, err := client.XRange(ctx, "dlq:deals", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotEmpty(t, entries[0].Values["origin_entry_id"])

	// Original entry is acked so the group stops redelivering it.
	waitFor(t, func() bool {
		pending, err := client.XPending(ctx, "stream:deals", groupOf(sub)).Result()
		return err == nil && pending.Count == 0
	})
}

func TestEverySubscriberReceivesEachMessage(t *testing.T) {
	b, _, _ := newTestBus(t, Options{Block: 20 * time.Millisecond})
	ctx := context.Background()

	// Lifecycle topics are observed by several agents at once. Each
	// subscription owns its consumer group, so one publish must reach
	// every handler rather than load-balancing across them.
	var coach, scorer atomic.Int32
	_, err := b.Subscribe(ctx, "broadcast", func(ctx context.Context, msg bus.Message) error {
		coach.Add(1)
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "broadcast", func(ctx context.Context, msg bus.Message) error {
		scorer.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "broadcast", bus.Message{
		Type: bus.MessageEvent, From: "router",
		Payload: map[string]any{"event": "session_closed"},
	}))

	waitFor(t, func() bool { return coach.Load() == 1 && scorer.Load() == 1 })
}

func TestSubscriptionCloseDestroysGroup(t *testing.T) {
	b, _, client := newTestBus(t, Options{Block: 20 * time.Millisecond})
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "deals", func(ctx context.Context, msg bus.Message) error {
		return nil
	})
	require.NoError(t, err)
	group := groupOf(sub)

	groups, err := client.XInfoGroups(ctx, "stream:deals").Result()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, group, groups[0].Name)

	require.NoError(t, sub.Close())
	waitFor(t, func() bool {
		groups, err := client.XInfoGroups(ctx, "stream:deals").Result()
		return err == nil && len(groups) == 0
	})
}

func TestRequestResponse(t *testing.T) {
	b, _, _ := newTestBus(t, Options{Block: 20 * time.Millisecond})
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "agent:coach", func(ctx context.Context, msg bus.Message) error {
		return b.Publish(ctx, "unused", bus.Message{
			Type:    bus.MessageResponse,
			From:    "coach",
			To:      msg.From,
			ReplyTo: msg.ID,
			Payload: map[string]any{"success": true},
		})
	})
	require.NoError(t, err)

	resp, err := b.Request(ctx, "agent:coach", bus.Message{
		Type: bus.MessageRequest, From: "sdr", To: "coach",
	}, 3*time.Second)
	require.NoError(t, err)
	require.Equal(t, bus.MessageResponse, resp.Type)
	require.Equal(t, true, resp.Payload["success"])
}

func TestRequestTimeoutCleansUp(t *testing.T) {
	b, mr, _ := newTestBus(t, Options{})
	ctx := context.Background()

	msg := bus.Message{ID: "req-1", Type: bus.MessageRequest, From: "sdr", To: "nobody"}
	_, err := b.Request(ctx, "agent:nobody", msg, 50*time.Millisecond)
	require.ErrorIs(t, err, bus.ErrTimeout)
	require.False(t, mr.Exists("a2a:response:req-1"))
}

func TestExpiredMessageSkipped(t *testing.T) {
	b, _, client := newTestBus(t, Options{Block: 20 * time.Millisecond})
	ctx := context.Background()

	got := make(chan bus.Message, 1)
	sub, err := b.Subscribe(ctx, "deals", func(ctx context.Context, msg bus.Message) error {
		got <- msg
		return nil
	})
	require.NoError(t, err)

	stale := bus.Message{
		Type: bus.MessageEvent, From: "sdr",
		Timestamp:  time.Now().UTC().Add(-time.Minute),
		TTLSeconds: 1,
	}
	require.NoError(t, b.Publish(ctx, "deals", stale))

	// Expired entries are acked without reaching the handler.
	waitFor(t, func() bool {
		pending, err := client.XPending(ctx, "stream:deals", groupOf(sub)).Result()
		return err == nil && pending.Count == 0
	})
	select {
	case <-got:
		t.Fatal("expired message dispatched")
	default:
	}
}

func TestHistoryOrder(t *testing.T) {
	b, _, _ := newTestBus(t, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, "deals", bus.Message{
			Type: bus.MessageEvent, From: "sdr", ConversationID: "conv1",
			Payload: map[string]any{"n": float64(i)},
		}))
	}
	hist, err := b.History(ctx, "conv1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	require.Equal(t, float64(0), hist[0].Payload["n"])
	require.Equal(t, float64(2), hist[2].Payload["n"])
}
