package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/pitchline/pitchline/bus"
)

// recoveryLoop periodically claims entries delivered to the subscription's
// group but never acknowledged, yielding failover when the consumer dies
// mid-dispatch. Entries that exhausted their delivery budget move to the
// topic's dead-letter stream instead of cycling forever.
func (b *Bus) recoveryLoop(ctx context.Context, topic, group string, h bus.Handler) {
	ticker := time.NewTicker(b.opts.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.recoverPending(ctx, topic, group, h); err != nil && ctx.Err() == nil {
				log.Errorf(ctx, err, "bus recovery on %s", topic)
			}
		}
	}
}

// recoverPending claims one batch of entries idle longer than MinIdle and
// processes them as this consumer. Safe to run concurrently across group
// members: XAUTOCLAIM hands each entry to exactly one claimant.
func (b *Bus) recoverPending(ctx context.Context, topic, group string, h bus.Handler) error {
	stream := b.streamKey(topic)
	claimed, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: b.opts.Consumer,
		MinIdle:  b.opts.MinIdle,
		Start:    "0-0",
		Count:    recoveryBatch,
	}).Result()
	if err != nil {
		return err
	}
	for _, entry := range claimed {
		if b.deliveryCount(ctx, stream, group, entry.ID) > bus.MaxDeliveries {
			b.deadLetter(ctx, topic, group, entry)
			continue
		}
		b.dispatch(ctx, topic, group, entry, h)
	}
	return nil
}

// deliveryCount reads the PEL retry counter for one entry. Zero on error so
// a transient Redis failure never dead-letters a healthy message.
func (b *Bus) deliveryCount(ctx context.Context, stream, group, id string) int64 {
	pending, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 0
	}
	return pending[0].RetryCount
}

// deadLetter copies the entry to dlq:{topic} with its origin ID and acks the
// original so the group stops redelivering it.
func (b *Bus) deadLetter(ctx context.Context, topic, group string, entry redis.XMessage) {
	values := make(map[string]any, len(entry.Values)+1)
	for k, v := range entry.Values {
		values[k] = v
	}
	values["origin_entry_id"] = entry.ID
	if err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.dlqKey(topic),
		Values: values,
	}).Err(); err != nil {
		log.Errorf(ctx, err, "bus dead-letter %s on %s", entry.ID, topic)
		return
	}
	b.ack(ctx, b.streamKey(topic), group, entry.ID)
	log.Printf(ctx, "bus dead-lettered entry %s on %s", entry.ID, topic)
}
