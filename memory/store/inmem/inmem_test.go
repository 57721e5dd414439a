package inmem

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pitchline/pitchline/memory"
	"github.com/pitchline/pitchline/memory/store"
)

var today = time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC)

func newClocked() *Store {
	s := New()
	s.SetClock(func() time.Time { return today })
	return s
}

func day(y, m, d int) time.Time {
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
}

func TestKnowledgeEffectivityWindow(t *testing.T) {
	s := newClocked()
	ctx := context.Background()
	kv := s.Knowledge()

	yesterday := day(2026, 6, 14)
	endsToday := day(2026, 6, 15)
	rows := []memory.Knowledge{
		{TenantID: "t1", KnowledgeID: "open", Version: 1, IsEnabled: true, EffectiveFrom: day(2026, 1, 1)},
		{TenantID: "t1", KnowledgeID: "ends-today", Version: 1, IsEnabled: true, EffectiveFrom: day(2026, 1, 1), EffectiveTo: &endsToday},
		{TenantID: "t1", KnowledgeID: "expired", Version: 1, IsEnabled: true, EffectiveFrom: day(2026, 1, 1), EffectiveTo: &yesterday},
		{TenantID: "t1", KnowledgeID: "future", Version: 1, IsEnabled: true, EffectiveFrom: day(2026, 7, 1)},
		{TenantID: "t1", KnowledgeID: "disabled", Version: 1, IsEnabled: false, EffectiveFrom: day(2026, 1, 1)},
		{TenantID: "t2", KnowledgeID: "other-tenant", Version: 1, IsEnabled: true, EffectiveFrom: day(2026, 1, 1)},
	}
	for _, k := range rows {
		require.NoError(t, kv.Upsert(ctx, k))
	}

	got, err := kv.Effective(ctx, "t1", store.KnowledgeFilter{}, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, k := range got {
		ids = append(ids, k.KnowledgeID)
	}
	// Inclusive on both window ends; expired, future, disabled and foreign
	// tenant rows are invisible.
	require.ElementsMatch(t, []string{"open", "ends-today"}, ids)
}

func TestKnowledgeSubstringFilter(t *testing.T) {
	s := newClocked()
	ctx := context.Background()
	kv := s.Knowledge()

	require.NoError(t, kv.Upsert(ctx, memory.Knowledge{
		TenantID: "t1", KnowledgeID: "card", Version: 1, IsEnabled: true,
		EffectiveFrom:     day(2026, 1, 1),
		StructuredContent: map[string]any{"benefit": "首年免年费"},
	}))
	require.NoError(t, kv.Upsert(ctx, memory.Knowledge{
		TenantID: "t1", KnowledgeID: "loan", Version: 1, IsEnabled: true,
		EffectiveFrom:     day(2026, 1, 1),
		StructuredContent: map[string]any{"benefit": "低利率"},
	}))

	got, err := kv.Effective(ctx, "t1", store.KnowledgeFilter{Substring: "年费"}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "card", got[0].KnowledgeID)
}

func TestKnowledgeReactivate(t *testing.T) {
	s := newClocked()
	ctx := context.Background()
	kv := s.Knowledge()
	require.NoError(t, kv.Upsert(ctx, memory.Knowledge{
		TenantID: "t1", KnowledgeID: "k1", Version: 1, IsEnabled: true, EffectiveFrom: day(2026, 1, 1),
	}))

	used := day(2026, 6, 15).Add(9 * time.Hour)
	require.NoError(t, kv.Reactivate(ctx, "t1", []string{"k1", "missing"}, used))

	k, err := kv.Get(ctx, "t1", "k1")
	require.NoError(t, err)
	require.Equal(t, 1, k.UseCount)
	require.NotNil(t, k.LastUsedAt)
	require.Equal(t, used, *k.LastUsedAt)
}

func TestStrategyTriggerEqualsOrNull(t *testing.T) {
	s := newClocked()
	ctx := context.Background()
	sv := s.Strategies()

	seed := []memory.StrategyUnit{
		{TenantID: "t1", StrategyID: "any", IsEnabled: true, EffectiveFrom: day(2026, 1, 1)},
		{TenantID: "t1", StrategyID: "objection-price", IsEnabled: true, EffectiveFrom: day(2026, 1, 1), TriggerObjection: "price"},
		{TenantID: "t1", StrategyID: "objection-trust", IsEnabled: true, EffectiveFrom: day(2026, 1, 1), TriggerObjection: "trust"},
	}
	for _, u := range seed {
		require.NoError(t, sv.Upsert(ctx, u))
	}

	got, err := sv.Effective(ctx, "t1", store.StrategyFilter{Objection: "price"}, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, u := range got {
		ids = append(ids, u.StrategyID)
	}
	// Null triggers match anything; mismatched triggers are filtered out.
	require.ElementsMatch(t, []string{"any", "objection-price"}, ids)

	// An unconstrained request matches every trigger.
	got, err = sv.Effective(ctx, "t1", store.StrategyFilter{}, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
}

func TestStrategyUpdateStats(t *testing.T) {
	s := newClocked()
	ctx := context.Background()
	sv := s.Strategies()
	require.NoError(t, sv.Upsert(ctx, memory.StrategyUnit{
		TenantID: "t1", StrategyID: "s1", IsEnabled: true, EffectiveFrom: day(2026, 1, 1),
	}))

	require.NoError(t, sv.UpdateStats(ctx, "t1", "s1", func(u *memory.StrategyUnit) error {
		u.Stats.TotalCount++
		u.Stats.AdoptedCount++
		u.Stats.Recompute()
		u.EvidenceEventIDs = append(u.EvidenceEventIDs, "ev1")
		return nil
	}))

	u, err := sv.Get(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Equal(t, 1, u.Stats.TotalCount)
	require.Equal(t, 1.0, u.Stats.AdoptionRate)
	require.Equal(t, []string{"ev1"}, u.EvidenceEventIDs)

	// A mutation error leaves the row untouched.
	require.Error(t, sv.UpdateStats(ctx, "t1", "s1", func(u *memory.StrategyUnit) error {
		u.Stats.TotalCount = 99
		return errors.New("nope")
	}))
	u, err = sv.Get(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Equal(t, 1, u.Stats.TotalCount)

	require.ErrorIs(t, sv.UpdateStats(ctx, "t1", "missing", func(*memory.StrategyUnit) error { return nil }),
		store.ErrNotFound)
}

func TestStrategyFindReplacement(t *testing.T) {
	s := newClocked()
	ctx := context.Background()
	sv := s.Strategies()

	require.NoError(t, sv.Upsert(ctx, memory.StrategyUnit{
		TenantID: "t1", StrategyID: "repl-1", Type: store.ReplacementStrategyType,
		IsEnabled: true, EffectiveFrom: day(2026, 1, 1),
		TriggerCondition: map[string]any{"risk_types": []any{"guaranteed_return"}},
		Scripts:          []string{"这款产品的历史表现供您参考，收益会有波动。"},
	}))
	require.NoError(t, sv.Upsert(ctx, memory.StrategyUnit{
		TenantID: "t1", StrategyID: "normal", Type: "objection_handling",
		IsEnabled: true, EffectiveFrom: day(2026, 1, 1),
	}))

	u, err := sv.FindReplacement(ctx, "t1", []string{"guaranteed_return"})
	require.NoError(t, err)
	require.Equal(t, "repl-1", u.StrategyID)

	_, err = sv.FindReplacement(ctx, "t1", []string{"pii_phone"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestEventInsertIdempotent(t *testing.T) {
	s := newClocked()
	ctx := context.Background()
	ev := s.Events()

	first := memory.Event{EventID: "e1", TenantID: "t1", Summary: "asked about fees"}
	require.NoError(t, ev.Insert(ctx, first))

	// A retried insert never overwrites the stored row.
	require.NoError(t, ev.Insert(ctx, memory.Event{EventID: "e1", TenantID: "t1", Summary: "changed"}))
	got, err := ev.Get(ctx, "t1", "e1")
	require.NoError(t, err)
	require.Equal(t, "asked about fees", got.Summary)

	_, err = ev.Get(ctx, "t1", "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestOutcomeInsertIdempotent(t *testing.T) {
	s := newClocked()
	ctx := context.Background()
	ov := s.Outcomes()

	require.NoError(t, ov.Insert(ctx, memory.Outcome{OutcomeID: "o1", TenantID: "t1", Adopted: true}))
	require.NoError(t, ov.Insert(ctx, memory.Outcome{OutcomeID: "o1", TenantID: "t1", Adopted: false}))

	got, err := ov.Get(ctx, "t1", "o1")
	require.NoError(t, err)
	require.True(t, got.Adopted)
}
