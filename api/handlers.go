package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/log"

	"github.com/pitchline/pitchline/auth"
	"github.com/pitchline/pitchline/bus"
	"github.com/pitchline/pitchline/memory"
	"github.com/pitchline/pitchline/memory/comply"
)

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, ok := s.opts.Users[body.Username]
	if !ok || subtle.ConstantTimeCompare([]byte(user.Password), []byte(body.Password)) != 1 {
		s.writeError(w, r, E(KindUnauthorized, "invalid credentials"))
		return
	}
	token, err := s.opts.Auth.Mint(body.Username, user.TenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		s.writeError(w, r, E(KindUnauthorized, "missing claims"))
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"user_id":   claims.Subject,
		"tenant_id": claims.TenantID,
	})
}

// handleWrite dispatches the five write kinds. Tenant comes from the
// verified claims; a payload naming a different tenant is rejected before
// any store access.
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFrom(r.Context())
	kind := chi.URLParam(r, "kind")
	var err error
	var data any
	switch kind {
	case "event", "persona":
		data, err = s.writeEvent(r, claims, kind)
	case "outcome":
		data, err = s.writeOutcome(r, claims)
	case "knowledge":
		data, err = s.writeKnowledge(r, claims)
	case "strategy":
		data, err = s.writeStrategy(r, claims)
	default:
		err = E(KindNotFound, "unknown write kind "+kind)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, data)
}

func (s *Server) writeEvent(r *http.Request, claims auth.Claims, kind string) (any, error) {
	var e memory.Event
	if err := decodeJSON(r, &e); err != nil {
		return nil, err
	}
	if e.EventID == "" {
		return nil, E(KindValidation, "event_id is required")
	}
	if err := enforceTenant(claims, &e.TenantID); err != nil {
		return nil, err
	}
	if kind == "persona" {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any)
		}
		e.Metadata["record_kind"] = "persona"
	}
	if err := s.opts.Events.Insert(r.Context(), e); err != nil {
		return nil, err
	}
	return map[string]any{"event_id": e.EventID}, nil
}

func (s *Server) writeOutcome(r *http.Request, claims auth.Claims) (any, error) {
	var o memory.Outcome
	if err := decodeJSON(r, &o); err != nil {
		return nil, err
	}
	if o.OutcomeID == "" {
		return nil, E(KindValidation, "outcome_id is required")
	}
	if err := enforceTenant(claims, &o.TenantID); err != nil {
		return nil, err
	}
	if err := s.opts.Outcomes.Insert(r.Context(), o); err != nil {
		return nil, err
	}
	msg := bus.Message{
		Type:           bus.MessageEvent,
		From:           "api",
		ConversationID: o.SessionID,
		Payload:        map[string]any{"event": "MEMORY_OUTCOME_RECORDED", "outcome": outcomeMap(o)},
	}
	if err := s.opts.Bus.Publish(r.Context(), memory.TopicOutcomeRecorded, msg.WithDefaults()); err != nil {
		log.Errorf(r.Context(), err, "publish outcome %s", o.OutcomeID)
	}
	return map[string]any{"outcome_id": o.OutcomeID}, nil
}

func (s *Server) writeKnowledge(r *http.Request, claims auth.Claims) (any, error) {
	var k memory.Knowledge
	if err := decodeJSON(r, &k); err != nil {
		return nil, err
	}
	if k.KnowledgeID == "" {
		return nil, E(KindValidation, "knowledge_id is required")
	}
	if err := enforceTenant(claims, &k.TenantID); err != nil {
		return nil, err
	}
	if k.EffectiveFrom.IsZero() {
		k.EffectiveFrom = time.Now().UTC()
	}
	if err := s.opts.Knowledge.Upsert(r.Context(), k); err != nil {
		return nil, err
	}
	return map[string]any{"knowledge_id": k.KnowledgeID, "version": k.Version}, nil
}

func (s *Server) writeStrategy(r *http.Request, claims auth.Claims) (any, error) {
	var u memory.StrategyUnit
	if err := decodeJSON(r, &u); err != nil {
		return nil, err
	}
	if u.StrategyID == "" {
		return nil, E(KindValidation, "strategy_id is required")
	}
	if err := enforceTenant(claims, &u.TenantID); err != nil {
		return nil, err
	}
	if u.EffectiveFrom.IsZero() {
		u.EffectiveFrom = time.Now().UTC()
	}
	if err := s.opts.Strategies.Upsert(r.Context(), u); err != nil {
		return nil, err
	}
	return map[string]any{"strategy_id": u.StrategyID}, nil
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFrom(r.Context())
	var req memory.QueryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.TenantID == "" {
		req.TenantID = claims.TenantID
	}
	result, err := s.opts.Retriever.Query(r.Context(), claims.TenantID, requestIDFrom(r.Context()), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, result)
}

func (s *Server) handleComplyCheck(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFrom(r.Context())
	var req comply.Request
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.TenantID == "" {
		req.TenantID = claims.TenantID
	}
	if claims.TenantID != "" && req.TenantID != claims.TenantID {
		s.writeError(w, r, E(KindForbidden, "tenant mismatch"))
		return
	}
	res, err := s.opts.Checker.Check(r.Context(), requestIDFrom(r.Context()), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := "ok"
	if res.Level == comply.LevelBlock {
		status = "blocked"
	}
	hits := res.Hits
	if hits == nil {
		hits = []string{}
	}
	// Clean scans report a null safe_response, not an empty string.
	var safe any
	if res.SafeResponse != "" {
		safe = res.SafeResponse
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"status":        status,
		"action":        string(res.Action),
		"hits":          hits,
		"safe_response": safe,
	})
}

// handleTrace returns the audit rows for a request ID, or an empty shell
// when none exist yet.
func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFrom(r.Context())
	var body struct {
		RequestID string `json:"request_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.RequestID == "" {
		s.writeError(w, r, E(KindValidation, "request_id is required"))
		return
	}
	records, err := s.opts.Audits.ByRequest(r.Context(), claims.TenantID, body.RequestID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(records) == 0 {
		s.writeJSON(w, r, http.StatusOK, map[string]any{"request_id": body.RequestID, "records": []any{}})
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{"request_id": body.RequestID, "records": records})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.opts.Health.Check(r.Context())
	status := http.StatusOK
	if snap.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		log.Errorf(r.Context(), err, "encode health snapshot")
	}
}

// enforceTenant fills an empty payload tenant from the claims and rejects a
// mismatching one.
func enforceTenant(claims auth.Claims, tenantID *string) error {
	if *tenantID == "" {
		*tenantID = claims.TenantID
	}
	if claims.TenantID != "" && *tenantID != claims.TenantID {
		return E(KindForbidden, "tenant mismatch")
	}
	if *tenantID == "" {
		return E(KindValidation, "tenant_id is required")
	}
	return nil
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return Wrap(KindValidation, "invalid request body", err)
	}
	return nil
}

func outcomeMap(o memory.Outcome) map[string]any {
	raw, err := json.Marshal(o)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
