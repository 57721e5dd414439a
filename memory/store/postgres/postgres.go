// Package postgres implements the store interfaces on PostgreSQL via pgx.
// Each handler invocation gets its own transaction where multi-row
// consistency matters; reads use the pool directly.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitchline/pitchline/memory"
	"github.com/pitchline/pitchline/memory/store"
)

type (
	// Store wraps a pgx pool. Use the typed accessors to obtain the views
	// that satisfy the store interfaces.
	Store struct {
		pool *pgxpool.Pool
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

// New wraps the pool.
func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pgx pool is required")
	}
	return &Store{pool: pool}, nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Knowledge returns the knowledge view.
func (s *Store) Knowledge() store.KnowledgeStore { return knowledgeView{s} }

// Strategies returns the strategy view.
func (s *Store) Strategies() store.StrategyStore { return strategyView{s} }

// Events returns the event view.
func (s *Store) Events() store.EventStore { return eventView{s} }

// Outcomes returns the outcome view.
func (s *Store) Outcomes() store.OutcomeStore { return outcomeView{s} }

const knowledgeColumns = `tenant_id, knowledge_id, version, domain, product_id,
	structured_content, source_ref, effective_from, effective_to, is_enabled,
	citation_snippets, last_used_at, use_count, decay_score, created_at, updated_at`

func scanKnowledge(row pgx.Row) (memory.Knowledge, error) {
	var k memory.Knowledge
	var domain, productID, sourceRef *string
	err := row.Scan(&k.TenantID, &k.KnowledgeID, &k.Version, &domain, &productID,
		&k.StructuredContent, &sourceRef, &k.EffectiveFrom, &k.EffectiveTo, &k.IsEnabled,
		&k.CitationSnippets, &k.LastUsedAt, &k.UseCount, &k.DecayScore, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return k, store.ErrNotFound
		}
		return k, err
	}
	k.Domain = deref(domain)
	k.ProductID = deref(productID)
	k.SourceRef = deref(sourceRef)
	return k, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (v knowledgeView) Upsert(ctx context.Context, k memory.Knowledge) error {
	_, err := v.s.pool.Exec(ctx, `
		INSERT INTO memory_knowledge (tenant_id, knowledge_id, version, domain, product_id,
			structured_content, source_ref, effective_from, effective_to, is_enabled,
			citation_snippets, last_used_at, use_count, decay_score, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,now(),now())
		ON CONFLICT (tenant_id, knowledge_id, version) DO UPDATE SET
			domain = EXCLUDED.domain,
			product_id = EXCLUDED.product_id,
			structured_content = EXCLUDED.structured_content,
			source_ref = EXCLUDED.source_ref,
			effective_from = EXCLUDED.effective_from,
			effective_to = EXCLUDED.effective_to,
			is_enabled = EXCLUDED.is_enabled,
			citation_snippets = EXCLUDED.citation_snippets,
			updated_at = now()`,
		k.TenantID, k.KnowledgeID, k.Version, nullable(k.Domain), nullable(k.ProductID),
		k.StructuredContent, nullable(k.SourceRef), k.EffectiveFrom, k.EffectiveTo, k.IsEnabled,
		k.CitationSnippets, k.LastUsedAt, k.UseCount, k.DecayScore)
	if err != nil {
		return fmt.Errorf("upsert knowledge %s: %w", k.KnowledgeID, err)
	}
	return nil
}

func (v knowledgeView) Get(ctx context.Context, tenantID, knowledgeID string) (memory.Knowledge, error) {
	row := v.s.pool.QueryRow(ctx, `
		SELECT `+knowledgeColumns+` FROM memory_knowledge
		WHERE tenant_id = $1 AND knowledge_id = $2
		ORDER BY version DESC LIMIT 1`, tenantID, knowledgeID)
	return scanKnowledge(row)
}

func (v knowledgeView) Effective(ctx context.Context, tenantID string, f store.KnowledgeFilter, limit int) ([]memory.Knowledge, error) {
	query := `SELECT ` + knowledgeColumns + ` FROM memory_knowledge
		WHERE tenant_id = $1 AND is_enabled
		  AND effective_from <= CURRENT_DATE
		  AND (effective_to IS NULL OR effective_to >= CURRENT_DATE)`
	args := []any{tenantID}
	if f.Domain != "" {
		args = append(args, f.Domain)
		query += ` AND domain = $` + strconv.Itoa(len(args))
	}
	if f.Substring != "" {
		args = append(args, "%"+f.Substring+"%")
		query += ` AND structured_content::text LIKE $` + strconv.Itoa(len(args))
	}
	args = append(args, limit)
	query += ` ORDER BY updated_at DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := v.s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select effective knowledge: %w", err)
	}
	defer rows.Close()
	var out []memory.Knowledge
	for rows.Next() {
		k, err := scanKnowledge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (v knowledgeView) Reactivate(ctx context.Context, tenantID string, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := v.s.pool.Exec(ctx, `
		UPDATE memory_knowledge
		SET last_used_at = $3, use_count = use_count + 1
		WHERE tenant_id = $1 AND knowledge_id = ANY($2)`, tenantID, ids, now)
	if err != nil {
		return fmt.Errorf("reactivate knowledge: %w", err)
	}
	return nil
}

const strategyColumns = `tenant_id, strategy_id, type, trigger_intent, trigger_stage,
	trigger_objection, trigger_level, trigger_condition, steps, scripts, dos_donts,
	evidence_event_ids, stats, source_ref, effective_from, effective_to, is_enabled,
	last_used_at, use_count, decay_score, created_at, updated_at`

func scanStrategy(row pgx.Row) (memory.StrategyUnit, error) {
	var u memory.StrategyUnit
	var typ, intent, stage, objection, level, sourceRef *string
	err := row.Scan(&u.TenantID, &u.StrategyID, &typ, &intent, &stage,
		&objection, &level, &u.TriggerCondition, &u.Steps, &u.Scripts, &u.DosDonts,
		&u.EvidenceEventIDs, &u.Stats, &sourceRef, &u.EffectiveFrom, &u.EffectiveTo, &u.IsEnabled,
		&u.LastUsedAt, &u.UseCount, &u.DecayScore, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return u, store.ErrNotFound
		}
		return u, err
	}
	u.Type = deref(typ)
	u.TriggerIntent = deref(intent)
	u.TriggerStage = deref(stage)
	u.TriggerObjection = deref(objection)
	u.TriggerLevel = deref(level)
	u.SourceRef = deref(sourceRef)
	return u, nil
}

func (v strategyView) Upsert(ctx context.Context, u memory.StrategyUnit) error {
	_, err := v.s.pool.Exec(ctx, `
		INSERT INTO memory_strategy_unit (tenant_id, strategy_id, type, trigger_intent,
			trigger_stage, trigger_objection, trigger_level, trigger_condition, steps,
			scripts, dos_donts, evidence_event_ids, stats, source_ref, effective_from,
			effective_to, is_enabled, last_used_at, use_count, decay_score, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,now(),now())
		ON CONFLICT (tenant_id, strategy_id) DO UPDATE SET
			type = EXCLUDED.type,
			trigger_intent = EXCLUDED.trigger_intent,
			trigger_stage = EXCLUDED.trigger_stage,
			trigger_objection = EXCLUDED.trigger_objection,
			trigger_level = EXCLUDED.trigger_level,
			trigger_condition = EXCLUDED.trigger_condition,
			steps = EXCLUDED.steps,
			scripts = EXCLUDED.scripts,
			dos_donts = EXCLUDED.dos_donts,
			evidence_event_ids = EXCLUDED.evidence_event_ids,
			source_ref = EXCLUDED.source_ref,
			effective_from = EXCLUDED.effective_from,
			effective_to = EXCLUDED.effective_to,
			is_enabled = EXCLUDED.is_enabled,
			updated_at = now()`,
		u.TenantID, u.StrategyID, nullable(u.Type), nullable(u.TriggerIntent),
		nullable(u.TriggerStage), nullable(u.TriggerObjection), nullable(u.TriggerLevel),
		u.TriggerCondition, u.Steps, u.Scripts, u.DosDonts, u.EvidenceEventIDs, u.Stats,
		nullable(u.SourceRef), u.EffectiveFrom, u.EffectiveTo, u.IsEnabled,
		u.LastUsedAt, u.UseCount, u.DecayScore)
	if err != nil {
		return fmt.Errorf("upsert strategy %s: %w", u.StrategyID, err)
	}
	return nil
}

func (v strategyView) Get(ctx context.Context, tenantID, strategyID string) (memory.StrategyUnit, error) {
	row := v.s.pool.QueryRow(ctx, `
		SELECT `+strategyColumns+` FROM memory_strategy_unit
		WHERE tenant_id = $1 AND strategy_id = $2`, tenantID, strategyID)
	return scanStrategy(row)
}

func (v strategyView) Effective(ctx context.Context, tenantID string, f store.StrategyFilter, limit int) ([]memory.StrategyUnit, error) {
	query := `SELECT ` + strategyColumns + ` FROM memory_strategy_unit
		WHERE tenant_id = $1 AND is_enabled
		  AND effective_from <= CURRENT_DATE
		  AND (effective_to IS NULL OR effective_to >= CURRENT_DATE)`
	args := []any{tenantID}
	// Equals-or-null: a strategy with a null trigger matches any value.
	if f.Intent != "" {
		args = append(args, f.Intent)
		query += ` AND (trigger_intent IS NULL OR trigger_intent = $` + strconv.Itoa(len(args)) + `)`
	}
	if f.Stage != "" {
		args = append(args, f.Stage)
		query += ` AND (trigger_stage IS NULL OR trigger_stage = $` + strconv.Itoa(len(args)) + `)`
	}
	if f.Objection != "" {
		args = append(args, f.Objection)
		query += ` AND (trigger_objection IS NULL OR trigger_objection = $` + strconv.Itoa(len(args)) + `)`
	}
	args = append(args, limit)
	query += ` ORDER BY updated_at DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := v.s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select effective strategies: %w", err)
	}
	defer rows.Close()
	var out []memory.StrategyUnit
	for rows.Next() {
		u, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (v strategyView) Reactivate(ctx context.Context, tenantID string, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := v.s.pool.Exec(ctx, `
		UPDATE memory_strategy_unit
		SET last_used_at = $3, use_count = use_count + 1
		WHERE tenant_id = $1 AND strategy_id = ANY($2)`, tenantID, ids, now)
	if err != nil {
		return fmt.Errorf("reactivate strategies: %w", err)
	}
	return nil
}

// UpdateStats loads the row FOR UPDATE, applies mutate and writes it back in
// one transaction so concurrent aggregations of the same strategy serialize.
func (v strategyView) UpdateStats(ctx context.Context, tenantID, strategyID string, mutate func(*memory.StrategyUnit) error) error {
	tx, err := v.s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+strategyColumns+` FROM memory_strategy_unit
		WHERE tenant_id = $1 AND strategy_id = $2 FOR UPDATE`, tenantID, strategyID)
	u, err := scanStrategy(row)
	if err != nil {
		return err
	}
	if err := mutate(&u); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE memory_strategy_unit
		SET stats = $3, evidence_event_ids = $4, updated_at = now()
		WHERE tenant_id = $1 AND strategy_id = $2`,
		tenantID, strategyID, u.Stats, u.EvidenceEventIDs); err != nil {
		return fmt.Errorf("update strategy stats: %w", err)
	}
	return tx.Commit(ctx)
}

func (v strategyView) FindReplacement(ctx context.Context, tenantID string, riskTypes []string) (memory.StrategyUnit, error) {
	if len(riskTypes) == 0 {
		return memory.StrategyUnit{}, store.ErrNotFound
	}
	conds := make([]string, 0, len(riskTypes))
	args := []any{tenantID, store.ReplacementStrategyType}
	for _, risk := range riskTypes {
		args = append(args, "%"+risk+"%")
		conds = append(conds, `trigger_condition::text LIKE $`+strconv.Itoa(len(args)))
	}
	row := v.s.pool.QueryRow(ctx, `
		SELECT `+strategyColumns+` FROM memory_strategy_unit
		WHERE tenant_id = $1 AND type = $2 AND is_enabled
		  AND (`+strings.Join(conds, " OR ")+`)
		LIMIT 1`, args...)
	return scanStrategy(row)
}

func (v eventView) Insert(ctx context.Context, e memory.Event) error {
	_, err := v.s.pool.Exec(ctx, `
		INSERT INTO memory_event (event_id, tenant_id, user_id, session_id, channel,
			turn_index, speaker, raw_text_ref, summary, intent_top1, intent_topk, stage,
			objection_type, entities, sentiment, tension, compliance_flags,
			coach_suggestions_shown, coach_suggestions_taken, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,now())
		ON CONFLICT (tenant_id, event_id) DO NOTHING`,
		e.EventID, e.TenantID, nullable(e.UserID), nullable(e.SessionID), nullable(e.Channel),
		e.TurnIndex, string(e.Speaker), nullable(e.RawTextRef), nullable(e.Summary),
		nullable(e.IntentTop1), e.IntentTopK, nullable(e.Stage), nullable(e.ObjectionType),
		e.Entities, nullable(e.Sentiment), e.Tension, e.ComplianceFlags,
		e.CoachSuggestionsShown, e.CoachSuggestionsTaken, e.Metadata)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.EventID, err)
	}
	return nil
}

func (v eventView) Get(ctx context.Context, tenantID, eventID string) (memory.Event, error) {
	var e memory.Event
	var userID, sessionID, channel, speaker, rawRef, summary, intent, stage, objection, sentiment *string
	err := v.s.pool.QueryRow(ctx, `
		SELECT event_id, tenant_id, user_id, session_id, channel, turn_index, speaker,
			raw_text_ref, summary, intent_top1, intent_topk, stage, objection_type,
			entities, sentiment, tension, compliance_flags, coach_suggestions_shown,
			coach_suggestions_taken, metadata, created_at
		FROM memory_event WHERE tenant_id = $1 AND event_id = $2`, tenantID, eventID).
		Scan(&e.EventID, &e.TenantID, &userID, &sessionID, &channel, &e.TurnIndex, &speaker,
			&rawRef, &summary, &intent, &e.IntentTopK, &stage, &objection,
			&e.Entities, &sentiment, &e.Tension, &e.ComplianceFlags, &e.CoachSuggestionsShown,
			&e.CoachSuggestionsTaken, &e.Metadata, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return e, store.ErrNotFound
		}
		return e, err
	}
	e.UserID = deref(userID)
	e.SessionID = deref(sessionID)
	e.Channel = deref(channel)
	e.Speaker = memory.Speaker(deref(speaker))
	e.RawTextRef = deref(rawRef)
	e.Summary = deref(summary)
	e.IntentTop1 = deref(intent)
	e.Stage = deref(stage)
	e.ObjectionType = deref(objection)
	e.Sentiment = deref(sentiment)
	return e, nil
}

func (v outcomeView) Insert(ctx context.Context, o memory.Outcome) error {
	_, err := v.s.pool.Exec(ctx, `
		INSERT INTO memory_outcome (outcome_id, event_id, session_id, tenant_id,
			strategy_ids, adopted, adopt_type, stage_before, stage_after, eval_scores,
			compliance_result, final_result, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now())
		ON CONFLICT (tenant_id, outcome_id) DO NOTHING`,
		o.OutcomeID, nullable(o.EventID), nullable(o.SessionID), o.TenantID,
		o.StrategyIDs, o.Adopted, nullable(o.AdoptType), nullable(o.StageBefore),
		nullable(o.StageAfter), o.EvalScores, nullable(o.ComplianceResult), nullable(o.FinalResult))
	if err != nil {
		return fmt.Errorf("insert outcome %s: %w", o.OutcomeID, err)
	}
	return nil
}

func (v outcomeView) Get(ctx context.Context, tenantID, outcomeID string) (memory.Outcome, error) {
	var o memory.Outcome
	var eventID, sessionID, adoptType, stageBefore, stageAfter, complianceResult, finalResult *string
	err := v.s.pool.QueryRow(ctx, `
		SELECT outcome_id, event_id, session_id, tenant_id, strategy_ids, adopted,
			adopt_type, stage_before, stage_after, eval_scores, compliance_result,
			final_result, created_at
		FROM memory_outcome WHERE tenant_id = $1 AND outcome_id = $2`, tenantID, outcomeID).
		Scan(&o.OutcomeID, &eventID, &sessionID, &o.TenantID, &o.StrategyIDs, &o.Adopted,
			&adoptType, &stageBefore, &stageAfter, &o.EvalScores, &complianceResult,
			&finalResult, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return o, store.ErrNotFound
		}
		return o, err
	}
	o.EventID = deref(eventID)
	o.SessionID = deref(sessionID)
	o.AdoptType = deref(adoptType)
	o.StageBefore = deref(stageBefore)
	o.StageAfter = deref(stageAfter)
	o.ComplianceResult = deref(complianceResult)
	o.FinalResult = deref(finalResult)
	return o, nil
}
