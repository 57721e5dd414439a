// Package outcome aggregates recorded outcomes into per-strategy adoption
// statistics. The aggregator consumes MEMORY_OUTCOME_RECORDED events and is
// idempotent per outcome ID through a Redis dedupe key.
package outcome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/pitchline/pitchline/bus"
	"github.com/pitchline/pitchline/memory"
	"github.com/pitchline/pitchline/memory/store"
)

type (
	// Aggregator folds outcomes into strategy stats.
	Aggregator struct {
		rdb        redis.UniversalClient
		strategies store.StrategyStore
		events     store.EventStore
		now        func() time.Time
	}

	// Options configures the aggregator.
	Options struct {
		// Redis backs the dedupe keys. Required.
		Redis redis.UniversalClient
		// Strategies is mutated per outcome. Required.
		Strategies store.StrategyStore
		// Events resolves strategy IDs when the outcome names none.
		// Required.
		Events store.EventStore
	}
)

const (
	// dedupePrefix keys the idempotence guard per outcome.
	dedupePrefix = "memory:outcome:"
	// dedupeTTL bounds how long a processed outcome stays guarded.
	dedupeTTL = 24 * time.Hour
)

// ErrMissingOutcomeID rejects events without an outcome identifier.
var ErrMissingOutcomeID = errors.New("outcome: event carries no outcome_id")

// New validates the options and builds the aggregator.
func New(opts Options) (*Aggregator, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Strategies == nil || opts.Events == nil {
		return nil, errors.New("strategy and event stores are required")
	}
	return &Aggregator{
		rdb:        opts.Redis,
		strategies: opts.Strategies,
		events:     opts.Events,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Start subscribes the aggregator to the outcome topic.
func (a *Aggregator) Start(ctx context.Context, b bus.Bus) (bus.Subscription, error) {
	return b.Subscribe(ctx, memory.TopicOutcomeRecorded, a.Handle)
}

// Handle processes one bus message. A returned error leaves the message
// unacknowledged so pending-entry recovery redelivers it.
func (a *Aggregator) Handle(ctx context.Context, msg bus.Message) error {
	o, err := decodeOutcome(msg.Payload)
	if err != nil {
		// Malformed events can never succeed; log and ack.
		log.Errorf(ctx, err, "drop malformed outcome event %s", msg.ID)
		return nil
	}
	return a.Process(ctx, o)
}

// Process applies the outcome once. Duplicate outcome IDs inside the dedupe
// window are dropped; any failure releases the guard so a retry can
// re-process.
func (a *Aggregator) Process(ctx context.Context, o memory.Outcome) error {
	if o.OutcomeID == "" {
		return ErrMissingOutcomeID
	}
	key := dedupePrefix + o.OutcomeID
	acquired, err := a.rdb.SetNX(ctx, key, "1", dedupeTTL).Result()
	if err != nil {
		return fmt.Errorf("acquire dedupe key %s: %w", key, err)
	}
	if !acquired {
		log.Printf(ctx, "outcome %s already processed, dropping", o.OutcomeID)
		return nil
	}
	if err := a.apply(ctx, o); err != nil {
		if delErr := a.rdb.Del(ctx, key).Err(); delErr != nil {
			log.Errorf(ctx, delErr, "release dedupe key %s", key)
		}
		return err
	}
	return nil
}

func (a *Aggregator) apply(ctx context.Context, o memory.Outcome) error {
	ids, err := a.resolveStrategies(ctx, o)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		log.Printf(ctx, "outcome %s names no strategies, nothing to aggregate", o.OutcomeID)
		return nil
	}
	progressed := o.StageBefore != "" && o.StageAfter != "" && o.StageBefore != o.StageAfter
	risked := o.ComplianceResult == "blocked"

	for _, id := range ids {
		err := a.strategies.UpdateStats(ctx, o.TenantID, id, func(u *memory.StrategyUnit) error {
			u.Stats.TotalCount++
			if o.Adopted {
				u.Stats.AdoptedCount++
			}
			if progressed {
				u.Stats.ProgressCount++
			}
			if risked {
				u.Stats.RiskCount++
			}
			u.Stats.Recompute()
			if o.EventID != "" && !containsString(u.EvidenceEventIDs, o.EventID) {
				u.EvidenceEventIDs = append(u.EvidenceEventIDs, o.EventID)
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				log.Printf(ctx, "outcome %s references unknown strategy %s, skipping", o.OutcomeID, id)
				continue
			}
			return fmt.Errorf("aggregate outcome %s into strategy %s: %w", o.OutcomeID, id, err)
		}
	}
	return nil
}

// resolveStrategies returns the strategies the outcome applies to: the IDs
// on the outcome itself, else the referenced event's taken suggestions,
// else its shown suggestions when the outcome was adopted.
func (a *Aggregator) resolveStrategies(ctx context.Context, o memory.Outcome) ([]string, error) {
	if len(o.StrategyIDs) > 0 {
		return o.StrategyIDs, nil
	}
	if o.EventID == "" {
		return nil, nil
	}
	e, err := a.events.Get(ctx, o.TenantID, o.EventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolve event %s: %w", o.EventID, err)
	}
	if len(e.CoachSuggestionsTaken) > 0 {
		return e.CoachSuggestionsTaken, nil
	}
	if o.Adopted {
		return e.CoachSuggestionsShown, nil
	}
	return nil, nil
}

// decodeOutcome accepts either a payload that is the outcome itself or one
// that nests it under "outcome".
func decodeOutcome(payload map[string]any) (memory.Outcome, error) {
	src := payload
	if nested, ok := payload["outcome"].(map[string]any); ok {
		src = nested
	}
	raw, err := json.Marshal(src)
	if err != nil {
		return memory.Outcome{}, err
	}
	var o memory.Outcome
	if err := json.Unmarshal(raw, &o); err != nil {
		return memory.Outcome{}, err
	}
	if o.OutcomeID == "" {
		return memory.Outcome{}, ErrMissingOutcomeID
	}
	return o, nil
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
