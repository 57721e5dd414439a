// Package memory defines the domain model of the retrieval service:
// conversation events, versioned knowledge, strategy units with adoption
// statistics, recorded outcomes, citations and the append-only audit trail.
// All multi-tenant entities carry a tenant ID; identifiers are opaque
// strings and timestamps are UTC.
package memory

import (
	"math"
	"time"
)

type (
	// Speaker identifies who produced a conversation event.
	Speaker string

	// Route is the retrieval branch chosen for a request.
	Route string

	// Event is one immutable conversation observation. Created by the write
	// surface, never mutated.
	Event struct {
		EventID               string         `json:"event_id"`
		TenantID              string         `json:"tenant_id"`
		UserID                string         `json:"user_id,omitempty"`
		SessionID             string         `json:"session_id,omitempty"`
		Channel               string         `json:"channel,omitempty"`
		TurnIndex             int            `json:"turn_index,omitempty"`
		Speaker               Speaker        `json:"speaker,omitempty"`
		RawTextRef            string         `json:"raw_text_ref,omitempty"`
		Summary               string         `json:"summary,omitempty"`
		IntentTop1            string         `json:"intent_top1,omitempty"`
		IntentTopK            []string       `json:"intent_topk,omitempty"`
		Stage                 string         `json:"stage,omitempty"`
		ObjectionType         string         `json:"objection_type,omitempty"`
		Entities              []string       `json:"entities,omitempty"`
		Sentiment             string         `json:"sentiment,omitempty"`
		Tension               float64        `json:"tension,omitempty"`
		ComplianceFlags       []string       `json:"compliance_flags,omitempty"`
		CoachSuggestionsShown []string       `json:"coach_suggestions_shown,omitempty"`
		CoachSuggestionsTaken []string       `json:"coach_suggestions_taken,omitempty"`
		Metadata              map[string]any `json:"metadata,omitempty"`
		CreatedAt             time.Time      `json:"created_at"`
	}

	// Knowledge is one versioned knowledge row. A row is retrievable iff it
	// is enabled and today falls inside its effectivity window (inclusive on
	// both ends).
	Knowledge struct {
		TenantID          string         `json:"tenant_id"`
		KnowledgeID       string         `json:"knowledge_id"`
		Version           int            `json:"version"`
		Domain            string         `json:"domain,omitempty"`
		ProductID         string         `json:"product_id,omitempty"`
		StructuredContent map[string]any `json:"structured_content,omitempty"`
		SourceRef         string         `json:"source_ref,omitempty"`
		EffectiveFrom     time.Time      `json:"effective_from"`
		EffectiveTo       *time.Time     `json:"effective_to,omitempty"`
		IsEnabled         bool           `json:"is_enabled"`
		CitationSnippets  []string       `json:"citation_snippets,omitempty"`
		LastUsedAt        *time.Time     `json:"last_used_at,omitempty"`
		UseCount          int            `json:"use_count"`
		DecayScore        float64        `json:"decay_score"`
		CreatedAt         time.Time      `json:"created_at"`
		UpdatedAt         time.Time      `json:"updated_at"`
	}

	// StrategyStats aggregates outcome signals for one strategy. Rates are
	// counts over total, rounded to four decimals.
	StrategyStats struct {
		TotalCount    int     `json:"total_count"`
		AdoptedCount  int     `json:"adopted_count"`
		ProgressCount int     `json:"progress_count"`
		RiskCount     int     `json:"risk_count"`
		AdoptionRate  float64 `json:"adoption_rate"`
		ProgressRate  float64 `json:"progress_rate"`
		RiskRate      float64 `json:"risk_rate"`
	}

	// StrategyUnit is one coaching strategy. Trigger columns use
	// equals-or-null semantics: a null trigger matches any value.
	StrategyUnit struct {
		TenantID         string         `json:"tenant_id"`
		StrategyID       string         `json:"strategy_id"`
		Type             string         `json:"type,omitempty"`
		TriggerIntent    string         `json:"trigger_intent,omitempty"`
		TriggerStage     string         `json:"trigger_stage,omitempty"`
		TriggerObjection string         `json:"trigger_objection,omitempty"`
		TriggerLevel     string         `json:"trigger_level,omitempty"`
		TriggerCondition map[string]any `json:"trigger_condition,omitempty"`
		Steps            []string       `json:"steps,omitempty"`
		Scripts          []string       `json:"scripts,omitempty"`
		DosDonts         map[string]any `json:"dos_donts,omitempty"`
		EvidenceEventIDs []string       `json:"evidence_event_ids,omitempty"`
		Stats            StrategyStats  `json:"stats"`
		SourceRef        string         `json:"source_ref,omitempty"`
		EffectiveFrom    time.Time      `json:"effective_from"`
		EffectiveTo      *time.Time     `json:"effective_to,omitempty"`
		IsEnabled        bool           `json:"is_enabled"`
		LastUsedAt       *time.Time     `json:"last_used_at,omitempty"`
		UseCount         int            `json:"use_count"`
		DecayScore       float64        `json:"decay_score"`
		CreatedAt        time.Time      `json:"created_at"`
		UpdatedAt        time.Time      `json:"updated_at"`
	}

	// Outcome records what happened after a suggestion was surfaced.
	// Immutable once written.
	Outcome struct {
		OutcomeID        string         `json:"outcome_id"`
		EventID          string         `json:"event_id,omitempty"`
		SessionID        string         `json:"session_id,omitempty"`
		TenantID         string         `json:"tenant_id"`
		StrategyIDs      []string       `json:"strategy_ids,omitempty"`
		Adopted          bool           `json:"adopted"`
		AdoptType        string         `json:"adopt_type,omitempty"`
		StageBefore      string         `json:"stage_before,omitempty"`
		StageAfter       string         `json:"stage_after,omitempty"`
		EvalScores       map[string]any `json:"eval_scores,omitempty"`
		ComplianceResult string         `json:"compliance_result,omitempty"`
		FinalResult      string         `json:"final_result,omitempty"`
		CreatedAt        time.Time      `json:"created_at"`
	}

	// Citation is a structured reference to the knowledge or strategy row
	// that contributed to a response.
	Citation struct {
		Type      string `json:"type"`
		ID        string `json:"id"`
		Version   int    `json:"version,omitempty"`
		Snippet   string `json:"snippet,omitempty"`
		SourceRef string `json:"source_ref,omitempty"`
		RuleID    string `json:"rule_id,omitempty"`
	}

	// Audit is one append-only record of a memory request: what came in,
	// which route was taken, what was retrieved and what went out.
	Audit struct {
		RequestID      string         `json:"request_id"`
		TenantID       string         `json:"tenant_id"`
		UserID         string         `json:"user_id,omitempty"`
		SessionID      string         `json:"session_id,omitempty"`
		InputDigest    string         `json:"input_digest"`
		Route          Route          `json:"route"`
		RetrievedIDs   []string       `json:"retrieved_ids,omitempty"`
		Citations      []Citation     `json:"citations,omitempty"`
		ComplianceHits []string       `json:"compliance_hits,omitempty"`
		OutputDigest   string         `json:"output_digest"`
		Metadata       map[string]any `json:"metadata,omitempty"`
		CreatedAt      time.Time      `json:"created_at"`
	}

	// Hit is one retrieval candidate surfaced to the caller.
	Hit struct {
		Type    string         `json:"type"`
		ID      string         `json:"id"`
		Score   float64        `json:"score"`
		Content map[string]any `json:"content,omitempty"`
	}

	// QueryRequest is the retrieval contract.
	QueryRequest struct {
		Query         string `json:"query"`
		TenantID      string `json:"tenant_id"`
		UserID        string `json:"user_id,omitempty"`
		SessionID     string `json:"session_id,omitempty"`
		IntentHint    string `json:"intent_hint,omitempty"`
		Stage         string `json:"stage,omitempty"`
		ObjectionType string `json:"objection_type,omitempty"`
		TopK          int    `json:"top_k,omitempty"`
		RequireCites  bool   `json:"require_citations,omitempty"`
		RoutePolicy   string `json:"route_policy,omitempty"`
	}

	// QueryResult is the retrieval response.
	QueryResult struct {
		RouteDecision Route      `json:"route_decision"`
		Hits          []Hit      `json:"hits"`
		Citations     []Citation `json:"citations"`
	}
)

const (
	SpeakerSales    Speaker = "sales"
	SpeakerCustomer Speaker = "customer"
	SpeakerNPC      Speaker = "npc"
	SpeakerAgent    Speaker = "agent"
)

const (
	RouteKnowledge  Route = "knowledge"
	RouteStrategy   Route = "strategy"
	RouteCompliance Route = "compliance"
	RouteFallback   Route = "fallback"
)

// Bus topics for domain events emitted by the memory service.
const (
	// TopicOutcomeRecorded carries MEMORY_OUTCOME_RECORDED events consumed
	// by the outcome aggregator.
	TopicOutcomeRecorded = "memory_outcome_recorded"
	// TopicComplianceViolation carries COMPLIANCE_VIOLATION audit events.
	TopicComplianceViolation = "compliance_violation"
)

// EffectiveOn reports whether the knowledge row is retrievable on the given
// day: enabled and inside the inclusive effectivity window.
func (k Knowledge) EffectiveOn(day time.Time) bool {
	return effectiveOn(day, k.IsEnabled, k.EffectiveFrom, k.EffectiveTo)
}

// EffectiveOn reports whether the strategy is retrievable on the given day.
func (s StrategyUnit) EffectiveOn(day time.Time) bool {
	return effectiveOn(day, s.IsEnabled, s.EffectiveFrom, s.EffectiveTo)
}

func effectiveOn(day time.Time, enabled bool, from time.Time, to *time.Time) bool {
	if !enabled {
		return false
	}
	d := day.Truncate(24 * time.Hour)
	if d.Before(from.Truncate(24 * time.Hour)) {
		return false
	}
	if to != nil && d.After(to.Truncate(24 * time.Hour)) {
		return false
	}
	return true
}

// Recompute recalculates the three rates from the counts, rounding to four
// decimals. A zero total yields zero rates.
func (s *StrategyStats) Recompute() {
	if s.TotalCount <= 0 {
		s.AdoptionRate, s.ProgressRate, s.RiskRate = 0, 0, 0
		return
	}
	round := func(n int) float64 {
		return math.Round(float64(n)/float64(s.TotalCount)*10000) / 10000
	}
	s.AdoptionRate = round(s.AdoptedCount)
	s.ProgressRate = round(s.ProgressCount)
	s.RiskRate = round(s.RiskCount)
}
