// Package redis implements the bus on Redis Streams. Each topic maps to a
// durable stream consumed through a consumer group, giving at-least-once
// delivery with pending-entry recovery when a consumer dies. Responses to
// in-flight requests travel over per-correlation-ID Redis lists so
// concurrent requests from the same caller never interfere.
//
// Key layout:
//
//	stream:{topic}          durable delivery (XADD / XREADGROUP / XACK)
//	{topic}                 pub/sub channel mirroring publishes for live listeners
//	a2a:response:{id}       response list, consumed with BLPOP, ephemeral
//	a2a:history:{conv}      capped conversation history list with TTL
//	dlq:{topic}             entries that exhausted their delivery budget
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/pitchline/pitchline/bus"
)

type (
	// Options configures the Redis bus.
	Options struct {
		// Client is the Redis connection backing the bus. Required.
		Client *redis.Client
		// Group prefixes the consumer group each subscription creates for
		// itself. Separate groups mean every subscriber observes every
		// entry, so topics fan out the way the in-process bus does;
		// unacknowledged entries are recovered within the subscriber's own
		// group. Defaults to "pitchline".
		Group string
		// Consumer names this group member. Defaults to Group plus a random
		// suffix so multiple processes never collide.
		Consumer string
		// StreamPrefix prefixes topic names to form stream keys. Defaults to
		// "stream:".
		StreamPrefix string
		// ResponsePrefix prefixes correlation IDs to form response list keys.
		// Defaults to "a2a:response:".
		ResponsePrefix string
		// HistoryPrefix prefixes conversation IDs to form history list keys.
		// Defaults to "a2a:history:".
		HistoryPrefix string
		// DLQPrefix prefixes topic names to form dead-letter stream keys.
		// Defaults to "dlq:".
		DLQPrefix string
		// HistoryTTL bounds conversation history retention. Defaults to
		// bus.DefaultHistoryTTL.
		HistoryTTL time.Duration
		// HistoryCap bounds conversation history length. Defaults to
		// bus.DefaultHistoryCap.
		HistoryCap int64
		// Block bounds each consumer-group read. Defaults to one second.
		Block time.Duration
		// BatchSize bounds messages per read. Defaults to 10.
		BatchSize int64
		// RecoveryInterval paces the pending-entry claim loop. Defaults to
		// ten seconds.
		RecoveryInterval time.Duration
		// MinIdle is how long a pending entry must sit unacknowledged before
		// another consumer may claim it. Defaults to one minute.
		MinIdle time.Duration
		// ResponseTTL bounds how long an unconsumed response list survives.
		// Defaults to one minute.
		ResponseTTL time.Duration
	}

	// Bus is the Redis Streams bus. Safe for concurrent use.
	Bus struct {
		rdb  *redis.Client
		opts Options

		mu     sync.Mutex
		subs   map[*subscription]struct{}
		closed bool
		wg     sync.WaitGroup
	}

	subscription struct {
		bus    *Bus
		stream string
		group  string
		cancel context.CancelFunc
		once   sync.Once
	}
)

// recoveryBatch bounds how many pending entries one recovery pass claims.
const recoveryBatch = 16

// New constructs a Redis-backed bus. The Client field in opts is required;
// all other fields default as documented on Options.
func New(opts Options) (*Bus, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Group == "" {
		opts.Group = "pitchline"
	}
	if opts.Consumer == "" {
		opts.Consumer = opts.Group + "-" + uuid.NewString()[:8]
	}
	if opts.StreamPrefix == "" {
		opts.StreamPrefix = "stream:"
	}
	if opts.ResponsePrefix == "" {
		opts.ResponsePrefix = "a2a:response:"
	}
	if opts.HistoryPrefix == "" {
		opts.HistoryPrefix = "a2a:history:"
	}
	if opts.DLQPrefix == "" {
		opts.DLQPrefix = "dlq:"
	}
	if opts.HistoryTTL <= 0 {
		opts.HistoryTTL = bus.DefaultHistoryTTL
	}
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = bus.DefaultHistoryCap
	}
	if opts.Block <= 0 {
		opts.Block = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.RecoveryInterval <= 0 {
		opts.RecoveryInterval = 10 * time.Second
	}
	if opts.MinIdle <= 0 {
		opts.MinIdle = time.Minute
	}
	if opts.ResponseTTL <= 0 {
		opts.ResponseTTL = time.Minute
	}
	return &Bus{
		rdb:  opts.Client,
		opts: opts,
		subs: make(map[*subscription]struct{}),
	}, nil
}

func (b *Bus) streamKey(topic string) string { return b.opts.StreamPrefix + topic }
func (b *Bus) dlqKey(topic string) string    { return b.opts.DLQPrefix + topic }
func (b *Bus) responseKey(id string) string  { return b.opts.ResponsePrefix + id }
func (b *Bus) historyKey(conv string) string { return b.opts.HistoryPrefix + conv }

// Publish appends the message to the topic stream and mirrors it on the
// topic pub/sub channel for live listeners. Response messages carrying
// ReplyTo are routed to the correlation list instead of the stream so only
// the awaiting requester sees them.
func (b *Bus) Publish(ctx context.Context, topic string, msg bus.Message) error {
	msg = msg.WithDefaults()
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.ConversationID != "" {
		if err := b.appendHistory(ctx, msg); err != nil {
			return fmt.Errorf("append history: %w", err)
		}
	}
	if msg.Type == bus.MessageResponse && msg.ReplyTo != "" {
		return b.pushResponse(ctx, msg)
	}
	fields, err := bus.EncodeFields(msg)
	if err != nil {
		return err
	}
	if err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(topic),
		Values: fields,
	}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", topic, err)
	}
	// Live mirror is best effort; stream delivery is authoritative.
	if raw, err := json.Marshal(msg); err == nil {
		if err := b.rdb.Publish(ctx, topic, raw).Err(); err != nil {
			log.Debugf(ctx, "bus live publish failed: topic=%s err=%v", topic, err)
		}
	}
	return nil
}

// pushResponse delivers a response to the requester's BLPOP list.
func (b *Bus) pushResponse(ctx context.Context, msg bus.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	key := b.responseKey(msg.ReplyTo)
	pipe := b.rdb.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.Expire(ctx, key, b.opts.ResponseTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push response %s: %w", msg.ReplyTo, err)
	}
	return nil
}

func (b *Bus) appendHistory(ctx context.Context, msg bus.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := b.historyKey(msg.ConversationID)
	pipe := b.rdb.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, b.opts.HistoryCap-1)
	pipe.Expire(ctx, key, b.opts.HistoryTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Subscribe creates this subscription's consumer group at the stream tail
// and starts a read loop plus a pending-entry recovery loop. Both stop when
// the returned subscription is closed or the bus shuts down; closing also
// destroys the group so abandoned subscriptions never accrete pending
// entries.
func (b *Bus) Subscribe(ctx context.Context, topic string, h bus.Handler) (bus.Subscription, error) {
	stream := b.streamKey(topic)
	group := b.opts.Group + ":" + uuid.NewString()[:8]
	if err := b.ensureGroup(ctx, stream, group); err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, bus.ErrClosed
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{bus: b, stream: stream, group: group, cancel: cancel}
	b.subs[sub] = struct{}{}
	b.wg.Add(2)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		b.readLoop(runCtx, topic, group, h)
	}()
	go func() {
		defer b.wg.Done()
		b.recoveryLoop(runCtx, topic, group, h)
	}()
	return sub, nil
}

// ensureGroup creates the consumer group with MKSTREAM semantics starting at
// the stream tail, ignoring the BUSYGROUP error on re-creation.
func (b *Bus) ensureGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group on %s: %w", stream, err)
	}
	return nil
}

// readLoop consumes new entries for the subscription's group. Handler
// success acks the entry; handler failure leaves it pending for the recovery
// loop. Transient Redis errors back off and retry rather than killing the
// subscription.
func (b *Bus) readLoop(ctx context.Context, topic, group string, h bus.Handler) {
	stream := b.streamKey(topic)
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.opts.Consumer,
			Streams:  []string{stream, ">"},
			Count:    b.opts.BatchSize,
			Block:    b.opts.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				backoff = time.Second
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Errorf(ctx, err, "bus read on %s", topic)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		for _, str := range res {
			for _, entry := range str.Messages {
				b.dispatch(ctx, topic, group, entry, h)
			}
		}
	}
}

// dispatch decodes one entry and runs the handler, acking on success.
// Expired messages are acked without dispatch.
func (b *Bus) dispatch(ctx context.Context, topic, group string, entry redis.XMessage, h bus.Handler) {
	stream := b.streamKey(topic)
	msg := bus.DecodeFields(entry.Values)
	if msg.Expired(time.Now().UTC()) {
		b.ack(ctx, stream, group, entry.ID)
		return
	}
	if err := h(ctx, msg); err != nil {
		log.Errorf(ctx, err, "bus handler on %s for message %s", topic, msg.ID)
		return
	}
	b.ack(ctx, stream, group, entry.ID)
}

func (b *Bus) ack(ctx context.Context, stream, group, id string) {
	if err := b.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		log.Errorf(ctx, err, "bus ack %s on %s", id, stream)
	}
}

// Request publishes the message and blocks on its correlation list until a
// response arrives or the timeout elapses. On timeout the list is deleted so
// a late response cannot leak a key.
func (b *Bus) Request(ctx context.Context, topic string, msg bus.Message, timeout time.Duration) (bus.Message, error) {
	msg = msg.WithDefaults()
	if timeout <= 0 {
		timeout = bus.DefaultRequestTimeout
	}
	if err := b.Publish(ctx, topic, msg); err != nil {
		return bus.Message{}, err
	}
	key := b.responseKey(msg.ID)
	res, err := b.rdb.BLPop(ctx, timeout, key).Result()
	if err != nil {
		_ = b.rdb.Del(context.WithoutCancel(ctx), key).Err()
		if errors.Is(err, redis.Nil) {
			return bus.Message{}, bus.ErrTimeout
		}
		return bus.Message{}, fmt.Errorf("await response: %w", err)
	}
	// BLPOP returns [key, value].
	var resp bus.Message
	if err := json.Unmarshal([]byte(res[1]), &resp); err != nil {
		return bus.Message{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// History returns up to limit messages for the conversation, oldest first.
func (b *Bus) History(ctx context.Context, conversationID string, limit int) ([]bus.Message, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raws, err := b.rdb.LRange(ctx, b.historyKey(conversationID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	// LPUSH stores newest first; reverse into chronological order.
	out := make([]bus.Message, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var msg bus.Message
		if err := json.Unmarshal([]byte(raws[i]), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Close cancels all subscriptions, waits for their loops to drain and
// destroys their consumer groups.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		sub.cancel()
		subs = append(subs, sub)
	}
	b.subs = make(map[*subscription]struct{})
	b.mu.Unlock()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		for _, sub := range subs {
			_ = b.rdb.XGroupDestroy(ctx, sub.stream, sub.group).Err()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops this subscription's read and recovery loops and destroys its
// consumer group. Idempotent.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.bus.rdb.XGroupDestroy(ctx, s.stream, s.group).Err()
	})
	return nil
}
