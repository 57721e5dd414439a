// Package inmem provides in-memory implementations of the store interfaces
// for tests and database-less local development. One Store holds all four
// record kinds behind a shared lock; the typed accessors expose views that
// satisfy the store interfaces.
package inmem

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pitchline/pitchline/memory"
	"github.com/pitchline/pitchline/memory/store"
)

type (
	// Store holds every record kind. Safe for concurrent use.
	Store struct {
		mu         sync.RWMutex
		knowledge  map[string]memory.Knowledge
		strategies map[string]memory.StrategyUnit
		events     map[string]memory.Event
		outcomes   map[string]memory.Outcome
		now        func() time.Time
	}

	knowledgeView struct{ s *Store }
	strategyView  struct{ s *Store }
	eventView     struct{ s *Store }
	outcomeView   struct{ s *Store }
)

// Interface checks.
var (
	_ store.KnowledgeStore = knowledgeView{}
	_ store.StrategyStore  = strategyView{}
	_ store.EventStore     = eventView{}
	_ store.OutcomeStore   = outcomeView{}
)

// New creates an empty store.
func New() *Store {
	return &Store{
		knowledge:  make(map[string]memory.Knowledge),
		strategies: make(map[string]memory.StrategyUnit),
		events:     make(map[string]memory.Event),
		outcomes:   make(map[string]memory.Outcome),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store clock. Tests only.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Knowledge returns the knowledge view.
func (s *Store) Knowledge() store.KnowledgeStore { return knowledgeView{s} }

// Strategies returns the strategy view.
func (s *Store) Strategies() store.StrategyStore { return strategyView{s} }

// Events returns the event view.
func (s *Store) Events() store.EventStore { return eventView{s} }

// Outcomes returns the outcome view.
func (s *Store) Outcomes() store.OutcomeStore { return outcomeView{s} }

func key(tenantID, id string) string { return tenantID + "\x00" + id }

func (v knowledgeView) Upsert(ctx context.Context, k memory.Knowledge) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if k.CreatedAt.IsZero() {
		k.CreatedAt = v.s.now()
	}
	k.UpdatedAt = v.s.now()
	v.s.knowledge[key(k.TenantID, k.KnowledgeID)] = k
	return nil
}

func (v knowledgeView) Get(ctx context.Context, tenantID, knowledgeID string) (memory.Knowledge, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	k, ok := v.s.knowledge[key(tenantID, knowledgeID)]
	if !ok {
		return memory.Knowledge{}, store.ErrNotFound
	}
	return k, nil
}

func (v knowledgeView) Effective(ctx context.Context, tenantID string, f store.KnowledgeFilter, limit int) ([]memory.Knowledge, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	today := v.s.now()
	out := make([]memory.Knowledge, 0)
	for _, k := range v.s.knowledge {
		if k.TenantID != tenantID || !k.EffectiveOn(today) {
			continue
		}
		if f.Domain != "" && k.Domain != f.Domain {
			continue
		}
		if f.Substring != "" {
			raw, err := json.Marshal(k.StructuredContent)
			if err != nil || !strings.Contains(string(raw), f.Substring) {
				continue
			}
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v knowledgeView) Reactivate(ctx context.Context, tenantID string, ids []string, now time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, id := range ids {
		if k, ok := v.s.knowledge[key(tenantID, id)]; ok {
			t := now
			k.LastUsedAt = &t
			k.UseCount++
			v.s.knowledge[key(tenantID, id)] = k
		}
	}
	return nil
}

func (v strategyView) Upsert(ctx context.Context, u memory.StrategyUnit) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = v.s.now()
	}
	u.UpdatedAt = v.s.now()
	v.s.strategies[key(u.TenantID, u.StrategyID)] = u
	return nil
}

func (v strategyView) Get(ctx context.Context, tenantID, strategyID string) (memory.StrategyUnit, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	u, ok := v.s.strategies[key(tenantID, strategyID)]
	if !ok {
		return memory.StrategyUnit{}, store.ErrNotFound
	}
	return u, nil
}

func (v strategyView) Effective(ctx context.Context, tenantID string, f store.StrategyFilter, limit int) ([]memory.StrategyUnit, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	today := v.s.now()
	out := make([]memory.StrategyUnit, 0)
	for _, u := range v.s.strategies {
		if u.TenantID != tenantID || !u.EffectiveOn(today) {
			continue
		}
		if !triggerMatches(u.TriggerIntent, f.Intent) ||
			!triggerMatches(u.TriggerStage, f.Stage) ||
			!triggerMatches(u.TriggerObjection, f.Objection) {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// triggerMatches implements equals-or-null: a null (empty) trigger matches
// any requested value, and an unconstrained request matches any trigger.
func triggerMatches(trigger, requested string) bool {
	return trigger == "" || requested == "" || trigger == requested
}

func (v strategyView) Reactivate(ctx context.Context, tenantID string, ids []string, now time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, id := range ids {
		if u, ok := v.s.strategies[key(tenantID, id)]; ok {
			t := now
			u.LastUsedAt = &t
			u.UseCount++
			v.s.strategies[key(tenantID, id)] = u
		}
	}
	return nil
}

func (v strategyView) UpdateStats(ctx context.Context, tenantID, strategyID string, mutate func(*memory.StrategyUnit) error) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	u, ok := v.s.strategies[key(tenantID, strategyID)]
	if !ok {
		return store.ErrNotFound
	}
	if err := mutate(&u); err != nil {
		return err
	}
	u.UpdatedAt = v.s.now()
	v.s.strategies[key(tenantID, strategyID)] = u
	return nil
}

func (v strategyView) FindReplacement(ctx context.Context, tenantID string, riskTypes []string) (memory.StrategyUnit, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	for _, u := range v.s.strategies {
		if u.TenantID != tenantID || u.Type != store.ReplacementStrategyType || !u.IsEnabled {
			continue
		}
		raw, err := json.Marshal(u.TriggerCondition)
		if err != nil {
			continue
		}
		for _, risk := range riskTypes {
			if strings.Contains(string(raw), risk) {
				return u, nil
			}
		}
	}
	return memory.StrategyUnit{}, store.ErrNotFound
}

// Insert stores the event. Re-inserting an existing ID is a no-op so write
// retries stay idempotent; events are never mutated.
func (v eventView) Insert(ctx context.Context, e memory.Event) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	k := key(e.TenantID, e.EventID)
	if _, ok := v.s.events[k]; ok {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = v.s.now()
	}
	v.s.events[k] = e
	return nil
}

func (v eventView) Get(ctx context.Context, tenantID, eventID string) (memory.Event, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	e, ok := v.s.events[key(tenantID, eventID)]
	if !ok {
		return memory.Event{}, store.ErrNotFound
	}
	return e, nil
}

func (v outcomeView) Insert(ctx context.Context, o memory.Outcome) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	k := key(o.TenantID, o.OutcomeID)
	if _, ok := v.s.outcomes[k]; ok {
		return nil
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = v.s.now()
	}
	v.s.outcomes[k] = o
	return nil
}

func (v outcomeView) Get(ctx context.Context, tenantID, outcomeID string) (memory.Outcome, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	o, ok := v.s.outcomes[key(tenantID, outcomeID)]
	if !ok {
		return memory.Outcome{}, store.ErrNotFound
	}
	return o, nil
}
