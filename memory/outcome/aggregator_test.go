package outcome

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/pitchline/pitchline/bus"
	businmem "github.com/pitchline/pitchline/bus/inmem"
	"github.com/pitchline/pitchline/memory"
	"github.com/pitchline/pitchline/memory/store"
	storeinmem "github.com/pitchline/pitchline/memory/store/inmem"
)

var today = time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC)

type fixture struct {
	mr    *miniredis.Miniredis
	store *storeinmem.Store
	agg   *Aggregator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := storeinmem.New()
	s.SetClock(func() time.Time { return today })
	agg, err := New(Options{Redis: client, Strategies: s.Strategies(), Events: s.Events()})
	require.NoError(t, err)
	return &fixture{mr: mr, store: s, agg: agg}
}

func (f *fixture) seedStrategy(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.store.Strategies().Upsert(context.Background(), memory.StrategyUnit{
		TenantID: "t1", StrategyID: id, IsEnabled: true, EffectiveFrom: today.AddDate(0, -1, 0),
	}))
}

func (f *fixture) stats(t *testing.T, id string) memory.StrategyStats {
	t.Helper()
	u, err := f.store.Strategies().Get(context.Background(), "t1", id)
	require.NoError(t, err)
	return u.Stats
}

func TestProcessAggregatesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedStrategy(t, "s1")

	o := memory.Outcome{
		OutcomeID: "o1", TenantID: "t1", EventID: "ev1",
		StrategyIDs: []string{"s1"}, Adopted: true,
		StageBefore: "discovery", StageAfter: "negotiation",
	}
	require.NoError(t, f.agg.Process(ctx, o))

	stats := f.stats(t, "s1")
	require.Equal(t, 1, stats.TotalCount)
	require.Equal(t, 1, stats.AdoptedCount)
	require.Equal(t, 1, stats.ProgressCount)
	require.Equal(t, 0, stats.RiskCount)
	require.Equal(t, 1.0, stats.AdoptionRate)

	// Replaying the same outcome changes nothing.
	require.NoError(t, f.agg.Process(ctx, o))
	require.Equal(t, 1, f.stats(t, "s1").TotalCount)

	u, err := f.store.Strategies().Get(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Equal(t, []string{"ev1"}, u.EvidenceEventIDs)
}

func TestProcessRiskOnBlockedCompliance(t *testing.T) {
	f := newFixture(t)
	f.seedStrategy(t, "s1")

	require.NoError(t, f.agg.Process(context.Background(), memory.Outcome{
		OutcomeID: "o1", TenantID: "t1", StrategyIDs: []string{"s1"},
		ComplianceResult: "blocked",
	}))
	stats := f.stats(t, "s1")
	require.Equal(t, 1, stats.TotalCount)
	require.Equal(t, 0, stats.AdoptedCount)
	require.Equal(t, 1, stats.RiskCount)
	require.Equal(t, 1.0, stats.RiskRate)
}

func TestProcessFailureReleasesGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedStrategy(t, "s1")

	poison := &poisonStrategies{StrategyStore: f.store.Strategies()}
	agg, err := New(Options{Redis: f.agg.rdb, Strategies: poison, Events: f.store.Events()})
	require.NoError(t, err)

	o := memory.Outcome{OutcomeID: "o1", TenantID: "t1", StrategyIDs: []string{"s1"}}
	poison.fail = true
	require.Error(t, agg.Process(ctx, o))
	// The guard was released, so a retry can succeed.
	require.False(t, f.mr.Exists("memory:outcome:o1"))

	poison.fail = false
	require.NoError(t, agg.Process(ctx, o))
	require.Equal(t, 1, f.stats(t, "s1").TotalCount)
	require.True(t, f.mr.Exists("memory:outcome:o1"))
}

// poisonStrategies fails UpdateStats on demand to exercise the retry path.
type poisonStrategies struct {
	store.StrategyStore
	fail bool
}

func (p *poisonStrategies) UpdateStats(ctx context.Context, tenantID, strategyID string, mutate func(*memory.StrategyUnit) error) error {
	if p.fail {
		return errors.New("stats write failed")
	}
	return p.StrategyStore.UpdateStats(ctx, tenantID, strategyID, mutate)
}

func busMessage(payload map[string]any) bus.Message {
	return bus.Message{Type: bus.MessageEvent, From: "api", Payload: payload}.WithDefaults()
}

func TestResolveStrategiesFromEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedStrategy(t, "taken-1")
	f.seedStrategy(t, "shown-1")

	require.NoError(t, f.store.Events().Insert(ctx, memory.Event{
		EventID: "ev1", TenantID: "t1",
		CoachSuggestionsShown: []string{"shown-1"},
		CoachSuggestionsTaken: []string{"taken-1"},
	}))
	require.NoError(t, f.store.Events().Insert(ctx, memory.Event{
		EventID: "ev2", TenantID: "t1",
		CoachSuggestionsShown: []string{"shown-1"},
	}))

	// Taken suggestions win over shown ones.
	require.NoError(t, f.agg.Process(ctx, memory.Outcome{
		OutcomeID: "o1", TenantID: "t1", EventID: "ev1", Adopted: true,
	}))
	require.Equal(t, 1, f.stats(t, "taken-1").TotalCount)
	require.Equal(t, 0, f.stats(t, "shown-1").TotalCount)

	// Shown suggestions count only for adopted outcomes.
	require.NoError(t, f.agg.Process(ctx, memory.Outcome{
		OutcomeID: "o2", TenantID: "t1", EventID: "ev2", Adopted: true,
	}))
	require.Equal(t, 1, f.stats(t, "shown-1").TotalCount)

	require.NoError(t, f.agg.Process(ctx, memory.Outcome{
		OutcomeID: "o3", TenantID: "t1", EventID: "ev2", Adopted: false,
	}))
	require.Equal(t, 1, f.stats(t, "shown-1").TotalCount)
}

func TestProcessSkipsUnknownStrategy(t *testing.T) {
	f := newFixture(t)
	f.seedStrategy(t, "known")

	require.NoError(t, f.agg.Process(context.Background(), memory.Outcome{
		OutcomeID: "o1", TenantID: "t1", StrategyIDs: []string{"ghost", "known"},
	}))
	require.Equal(t, 1, f.stats(t, "known").TotalCount)
}

func TestHandleAcksMalformedEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := businmem.New()
	defer b.Close(ctx)
	sub, err := f.agg.Start(ctx, b)
	require.NoError(t, err)
	defer sub.Close()

	// Missing outcome_id is malformed and must not be retried.
	require.NoError(t, f.agg.Handle(ctx, busMessage(map[string]any{"adopted": true})))

	// A nested outcome payload decodes.
	f.seedStrategy(t, "s1")
	require.NoError(t, f.agg.Handle(ctx, busMessage(map[string]any{
		"event": "MEMORY_OUTCOME_RECORDED",
		"outcome": map[string]any{
			"outcome_id": "o1", "tenant_id": "t1",
			"strategy_ids": []any{"s1"}, "adopted": true,
		},
	})))
	require.Equal(t, 1, f.stats(t, "s1").TotalCount)
}
