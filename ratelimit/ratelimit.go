// Package ratelimit implements a sliding-window limiter over Redis sorted
// sets. Limits are shared across processes; when Redis is unreachable the
// limiter fails open through a process-local token bucket sized from the
// same limit and window.
package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/pitchline/pitchline/bus"
)

type (
	// Limiter enforces a fixed limit of events per window per key.
	Limiter struct {
		rdb    redis.UniversalClient
		limit  int
		window time.Duration
		bus    bus.Bus
		local  *rate.Limiter
		now    func() time.Time
	}

	// Options configures the limiter.
	Options struct {
		// Redis backs the shared window state. Required.
		Redis redis.UniversalClient
		// Limit is the number of events allowed per window. Required.
		Limit int
		// Window is the sliding window length. Defaults to one minute.
		Window time.Duration
		// Bus receives REQUEST_DEGRADED events on denial. Optional.
		Bus bus.Bus
	}
)

// keyPrefix namespaces the window sets.
const keyPrefix = "rate_limit:"

// TopicRequestDegraded carries rate-limit denial events.
const TopicRequestDegraded = "request_degraded"

// New validates the options and builds the limiter.
func New(opts Options) (*Limiter, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	perSecond := rate.Limit(float64(opts.Limit) / opts.Window.Seconds())
	return &Limiter{
		rdb:    opts.Redis,
		limit:  opts.Limit,
		window: opts.Window,
		bus:    opts.Bus,
		local:  rate.NewLimiter(perSecond, opts.Limit),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Allow records one event for the key and reports whether it fits in the
// window. Redis failures fall back to the local limiter and never deny on
// error alone.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	now := l.now()
	member := strconv.FormatInt(now.UnixNano(), 10)
	windowStart := now.Add(-l.window)
	zkey := keyPrefix + key

	pipe := l.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, zkey, "0", strconv.FormatInt(windowStart.UnixMilli(), 10))
	card := pipe.ZCard(ctx, zkey)
	pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.Expire(ctx, zkey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Errorf(ctx, err, "rate limiter failing open for %s", key)
		return l.local.Allow(), nil
	}

	current := int(card.Val())
	if current < l.limit {
		return true, nil
	}
	l.publishDenial(ctx, key, current)
	return false, nil
}

func (l *Limiter) publishDenial(ctx context.Context, key string, current int) {
	if l.bus == nil {
		return
	}
	msg := bus.Message{
		Type: bus.MessageEvent,
		From: "ratelimit",
		Payload: map[string]any{
			"event":         "REQUEST_DEGRADED",
			"key":           key,
			"limit":         l.limit,
			"window":        l.window.Seconds(),
			"current_count": current,
		},
	}
	if err := l.bus.Publish(ctx, TopicRequestDegraded, msg.WithDefaults()); err != nil {
		log.Errorf(ctx, err, "publish rate limit denial for %s", key)
	}
}
