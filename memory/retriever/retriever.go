// Package retriever implements hybrid retrieval: keyword routing between
// the knowledge and strategy corpora, SQL plus vector recall,
// recency-weighted reciprocal-rank fusion, cross-encoder reranking,
// reactivation of served rows, citation assembly and audit logging.
package retriever

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"github.com/pitchline/pitchline/memory"
	"github.com/pitchline/pitchline/memory/audit"
	"github.com/pitchline/pitchline/memory/decay"
	"github.com/pitchline/pitchline/memory/rerank"
	"github.com/pitchline/pitchline/memory/store"
	"github.com/pitchline/pitchline/memory/vector"
	"github.com/pitchline/pitchline/telemetry"
)

type (
	// Options configures the retriever.
	Options struct {
		// Knowledge and Strategies are the relational stores. Required.
		Knowledge  store.KnowledgeStore
		Strategies store.StrategyStore
		// Events resolves evidence event IDs on strategy hits. Required.
		Events store.EventStore
		// Vector is the semantic index. Optional; recall degrades to SQL
		// only when absent or failing.
		Vector vector.Index
		// Reranker orders fused candidates. Optional; fused order is kept
		// when absent or failing.
		Reranker rerank.Reranker
		// Audits receives one record per query. Required.
		Audits audit.Store
		// Policies resolves route policies. Defaults to a registry holding
		// the built-in keyword policy.
		Policies *PolicyRegistry
		// StrictAudit aborts the query when the audit write fails instead
		// of logging and continuing.
		StrictAudit bool
		// Tracer records a span per query through the global tracer
		// provider. Optional.
		Tracer *telemetry.Tracer
	}

	// Retriever answers memory queries.
	Retriever struct {
		knowledge   store.KnowledgeStore
		strategies  store.StrategyStore
		events      store.EventStore
		vector      vector.Index
		reranker    rerank.Reranker
		audits      audit.Store
		policies    *PolicyRegistry
		strictAudit bool
		tracer      *telemetry.Tracer
		now         func() time.Time
	}
)

// ErrTenantMismatch reports a caller querying another tenant's memory.
var ErrTenantMismatch = errors.New("retriever: tenant mismatch")

// New validates the options and builds the retriever.
func New(opts Options) (*Retriever, error) {
	if opts.Knowledge == nil || opts.Strategies == nil || opts.Events == nil {
		return nil, errors.New("knowledge, strategy and event stores are required")
	}
	if opts.Audits == nil {
		return nil, errors.New("audit store is required")
	}
	if opts.Policies == nil {
		opts.Policies = NewPolicyRegistry(NewKeywordPolicy(DefaultPolicyName, KeywordLists{}))
	}
	if opts.Reranker == nil {
		opts.Reranker = rerank.Noop{}
	}
	return &Retriever{
		knowledge:   opts.Knowledge,
		strategies:  opts.Strategies,
		events:      opts.Events,
		vector:      opts.Vector,
		reranker:    opts.Reranker,
		audits:      opts.Audits,
		policies:    opts.Policies,
		strictAudit: opts.StrictAudit,
		tracer:      opts.Tracer,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock overrides the retriever clock. Tests only.
func (r *Retriever) SetClock(now func() time.Time) { r.now = now }

// Query runs the full retrieval pipeline. subjectTenant is the caller's
// authenticated tenant; when non-empty it must equal the request tenant or
// the query fails before touching any store. requestID keys the audit
// record and must match the ID the caller returns to its client; an empty
// value gets a generated one.
func (r *Retriever) Query(ctx context.Context, subjectTenant, requestID string, req memory.QueryRequest) (memory.QueryResult, error) {
	if subjectTenant != "" && subjectTenant != req.TenantID {
		return memory.QueryResult{}, ErrTenantMismatch
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "memory.query",
			"tenant_id", req.TenantID, "request_id", requestID)
		defer span.End()
	}
	policy := r.policies.Lookup(req.RoutePolicy)
	route := policy.Route(req)
	now := r.now()

	var hits []memory.Hit
	var citations []memory.Citation
	if req.TopK > 0 && route != memory.RouteFallback {
		var err error
		switch route {
		case memory.RouteKnowledge:
			hits, citations, err = r.queryKnowledge(ctx, req, policy, now)
		case memory.RouteStrategy:
			hits, citations, err = r.queryStrategy(ctx, req, now)
		}
		if err != nil {
			return memory.QueryResult{}, err
		}
	}

	result := memory.QueryResult{RouteDecision: route, Hits: hits, Citations: citations}
	if err := r.writeAudit(ctx, requestID, req, policy, route, hits, citations, now); err != nil {
		return memory.QueryResult{}, err
	}
	return result, nil
}

func (r *Retriever) queryKnowledge(ctx context.Context, req memory.QueryRequest, policy RoutePolicy, now time.Time) ([]memory.Hit, []memory.Citation, error) {
	filter := store.KnowledgeFilter{Substring: req.Query}
	if kp, ok := policy.(*KeywordPolicy); ok && kp.KnowledgeIntent(req.IntentHint) {
		filter.Domain = req.IntentHint
	}
	rows, err := r.knowledge.Effective(ctx, req.TenantID, filter, req.TopK)
	if err != nil {
		return nil, nil, fmt.Errorf("knowledge recall: %w", err)
	}
	byID := make(map[string]memory.Knowledge, len(rows))
	sqlHits := make([]memory.Hit, 0, len(rows))
	for _, k := range rows {
		byID[k.KnowledgeID] = k
		sqlHits = append(sqlHits, memory.Hit{
			Type: "knowledge", ID: k.KnowledgeID, Score: 1.0,
			Content: k.StructuredContent,
		})
	}

	vecHits := r.vectorRecall(ctx, req, vector.CollectionKnowledge)
	semantic := make([]memory.Hit, 0, len(vecHits))
	for _, vh := range vecHits {
		k, ok := byID[vh.ID]
		if !ok {
			k, err = r.knowledge.Get(ctx, req.TenantID, vh.ID)
			if err != nil || !k.EffectiveOn(now) {
				continue
			}
			byID[vh.ID] = k
		}
		semantic = append(semantic, memory.Hit{
			Type: "knowledge", ID: vh.ID, Score: vh.Score,
			Content: k.StructuredContent,
		})
	}

	fused := fuse([][]memory.Hit{sqlHits, semantic}, func(id string) float64 {
		return decay.Weight(byID[id].LastUsedAt, now)
	})
	top := r.rerankAndCut(ctx, req, fused, func(id string) string {
		k := byID[id]
		if len(k.CitationSnippets) > 0 {
			return k.CitationSnippets[0]
		}
		return jsonText(k.StructuredContent)
	})

	ids := hitIDs(top)
	if len(ids) > 0 {
		if err := r.knowledge.Reactivate(ctx, req.TenantID, ids, now); err != nil {
			return nil, nil, fmt.Errorf("reactivate knowledge: %w", err)
		}
	}

	citations := make([]memory.Citation, 0, len(top))
	for _, h := range top {
		k := byID[h.ID]
		c := memory.Citation{Type: "knowledge", ID: k.KnowledgeID, Version: k.Version, SourceRef: k.SourceRef}
		if len(k.CitationSnippets) > 0 {
			c.Snippet = k.CitationSnippets[0]
		}
		citations = append(citations, c)
	}
	return top, citations, nil
}

func (r *Retriever) queryStrategy(ctx context.Context, req memory.QueryRequest, now time.Time) ([]memory.Hit, []memory.Citation, error) {
	filter := store.StrategyFilter{Intent: req.IntentHint, Stage: req.Stage, Objection: req.ObjectionType}
	rows, err := r.strategies.Effective(ctx, req.TenantID, filter, req.TopK)
	if err != nil {
		return nil, nil, fmt.Errorf("strategy recall: %w", err)
	}
	byID := make(map[string]memory.StrategyUnit, len(rows))
	sqlHits := make([]memory.Hit, 0, len(rows))
	for _, u := range rows {
		byID[u.StrategyID] = u
		sqlHits = append(sqlHits, memory.Hit{
			Type: "strategy", ID: u.StrategyID, Score: 1.0,
			Content: strategyContent(u),
		})
	}

	vecHits := r.vectorRecall(ctx, req, vector.CollectionStrategy)
	semantic := make([]memory.Hit, 0, len(vecHits))
	for _, vh := range vecHits {
		u, ok := byID[vh.ID]
		if !ok {
			u, err = r.strategies.Get(ctx, req.TenantID, vh.ID)
			if err != nil || !u.EffectiveOn(now) {
				continue
			}
			byID[vh.ID] = u
		}
		semantic = append(semantic, memory.Hit{
			Type: "strategy", ID: vh.ID, Score: vh.Score,
			Content: strategyContent(u),
		})
	}

	fused := fuse([][]memory.Hit{sqlHits, semantic}, func(id string) float64 {
		u := byID[id]
		return decay.Weight(u.LastUsedAt, now)
	})
	top := r.rerankAndCut(ctx, req, fused, func(id string) string {
		u := byID[id]
		if len(u.Scripts) > 0 {
			return u.Scripts[0]
		}
		return jsonText(strategyContent(u))
	})

	ids := hitIDs(top)
	if len(ids) > 0 {
		if err := r.strategies.Reactivate(ctx, req.TenantID, ids, now); err != nil {
			return nil, nil, fmt.Errorf("reactivate strategies: %w", err)
		}
	}

	citations := make([]memory.Citation, 0, len(top))
	for i, h := range top {
		u := byID[h.ID]
		c := memory.Citation{Type: "strategy", ID: u.StrategyID, SourceRef: u.SourceRef}
		if len(u.Scripts) > 0 {
			c.Snippet = u.Scripts[0]
		}
		citations = append(citations, c)
		top[i].Content = r.attachEvidence(ctx, req.TenantID, u, top[i].Content)
	}
	return top, citations, nil
}

// vectorRecall is best effort: any index failure degrades to SQL-only
// recall. An empty query still reaches the index; only the SQL substring
// filter treats it specially.
func (r *Retriever) vectorRecall(ctx context.Context, req memory.QueryRequest, collection string) []vector.Hit {
	if r.vector == nil {
		return nil
	}
	hits, err := r.vector.Search(ctx, req.TenantID, collection, req.Query, vector.DefaultRecallLimit)
	if err != nil {
		log.Errorf(ctx, err, "vector recall failed, degrading to sql only")
		return nil
	}
	return hits
}

// rerankAndCut scores fused candidates with the cross-encoder and keeps the
// top K. Any reranker failure keeps the fused order.
func (r *Retriever) rerankAndCut(ctx context.Context, req memory.QueryRequest, fused []memory.Hit, textOf func(id string) string) []memory.Hit {
	if len(fused) > 1 {
		texts := make([]string, len(fused))
		for i, h := range fused {
			texts[i] = textOf(h.ID)
		}
		scores, err := r.reranker.Rerank(ctx, req.Query, texts)
		if err != nil {
			log.Errorf(ctx, err, "rerank failed, keeping fused order")
		} else if len(scores) > 0 {
			// Endpoints are not trusted to return pairs ordered by score.
			sort.SliceStable(scores, func(i, j int) bool {
				return scores[i].Score > scores[j].Score
			})
			reordered := make([]memory.Hit, 0, len(fused))
			for _, s := range scores {
				if s.Index < 0 || s.Index >= len(fused) {
					continue
				}
				h := fused[s.Index]
				h.Score = s.Score
				reordered = append(reordered, h)
			}
			if len(reordered) == len(fused) {
				fused = reordered
			}
		}
	}
	if len(fused) > req.TopK {
		fused = fused[:req.TopK]
	}
	return fused
}

// attachEvidence resolves the strategy's evidence event IDs and folds the
// summaries plus adoption stats into the hit content.
func (r *Retriever) attachEvidence(ctx context.Context, tenantID string, u memory.StrategyUnit, content map[string]any) map[string]any {
	out := make(map[string]any, len(content)+2)
	for k, v := range content {
		out[k] = v
	}
	var evidence []map[string]any
	for _, eventID := range u.EvidenceEventIDs {
		e, err := r.events.Get(ctx, tenantID, eventID)
		if err != nil {
			continue
		}
		evidence = append(evidence, map[string]any{
			"event_id": e.EventID,
			"summary":  e.Summary,
			"stage":    e.Stage,
			"speaker":  string(e.Speaker),
		})
	}
	if len(evidence) > 0 {
		out["evidence"] = evidence
	}
	out["stats"] = u.Stats
	return out
}

func (r *Retriever) writeAudit(ctx context.Context, requestID string, req memory.QueryRequest, policy RoutePolicy, route memory.Route, hits []memory.Hit, citations []memory.Citation, now time.Time) error {
	rec := memory.Audit{
		RequestID:    requestID,
		TenantID:     req.TenantID,
		UserID:       req.UserID,
		SessionID:    req.SessionID,
		InputDigest:  audit.Digest(req.Query),
		Route:        route,
		RetrievedIDs: hitIDs(hits),
		Citations:    citations,
		OutputDigest: audit.Digest(hits),
		Metadata: map[string]any{
			"route_policy": req.RoutePolicy,
			"policy":       policy.Name(),
		},
		CreatedAt: now,
	}
	if err := r.audits.Append(ctx, rec); err != nil {
		if r.strictAudit {
			return fmt.Errorf("audit append: %w", err)
		}
		log.Errorf(ctx, err, "audit append failed")
	}
	return nil
}

func hitIDs(hits []memory.Hit) []string {
	if len(hits) == 0 {
		return nil
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	return ids
}

func strategyContent(u memory.StrategyUnit) map[string]any {
	return map[string]any{
		"type":      u.Type,
		"steps":     u.Steps,
		"scripts":   u.Scripts,
		"dos_donts": u.DosDonts,
	}
}

func jsonText(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
