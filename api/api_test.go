package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pitchline/pitchline/auth"
	"github.com/pitchline/pitchline/bus"
	businmem "github.com/pitchline/pitchline/bus/inmem"
	"github.com/pitchline/pitchline/health"
	auditinmem "github.com/pitchline/pitchline/memory/audit/inmem"
	"github.com/pitchline/pitchline/memory/comply"
	"github.com/pitchline/pitchline/memory/retriever"
	storeinmem "github.com/pitchline/pitchline/memory/store/inmem"
	vectorinmem "github.com/pitchline/pitchline/memory/vector/inmem"
	routerinmem "github.com/pitchline/pitchline/router/inmem"
)

type fixture struct {
	srv      *Server
	authmgr  *auth.Manager
	store    *storeinmem.Store
	audits   *auditinmem.Store
	bus      *businmem.Bus
	registry *health.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    storeinmem.New(),
		audits:   auditinmem.New(),
		bus:      businmem.New(),
		registry: health.NewRegistry(),
	}
	t.Cleanup(func() { _ = f.bus.Close(context.Background()) })

	var err error
	f.authmgr, err = auth.New("test-secret", time.Hour)
	require.NoError(t, err)

	ret, err := retriever.New(retriever.Options{
		Knowledge:  f.store.Knowledge(),
		Strategies: f.store.Strategies(),
		Events:     f.store.Events(),
		Vector:     vectorinmem.New(),
		Audits:     f.audits,
	})
	require.NoError(t, err)

	checker, err := comply.New(comply.Options{
		Strategies: f.store.Strategies(),
		Audits:     f.audits,
		Bus:        f.bus,
	})
	require.NoError(t, err)

	sessions := routerinmem.New()
	t.Cleanup(func() { _ = sessions.Close(context.Background()) })

	f.srv, err = New(Options{
		Auth:       f.authmgr,
		Users:      map[string]User{"alice": {Password: "wonder", TenantID: "t1"}},
		Retriever:  ret,
		Checker:    checker,
		Events:     f.store.Events(),
		Outcomes:   f.store.Outcomes(),
		Knowledge:  f.store.Knowledge(),
		Strategies: f.store.Strategies(),
		Audits:     f.audits,
		Bus:        f.bus,
		Sessions:   sessions,
		Health:     health.NewChecker(f.registry),
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) token(t *testing.T) string {
	t.Helper()
	token, err := f.authmgr.Mint("alice", "t1")
	require.NoError(t, err)
	return token
}

func (f *fixture) do(t *testing.T, method, path, token string, body any, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	var env envelope
	if strings.Contains(rec.Header().Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(rec.Body.Bytes(), &env)
	}
	return rec, env
}

func TestTokenEndpoint(t *testing.T) {
	f := newFixture(t)

	rec, env := f.do(t, "POST", "/api/v1/auth/token", "",
		map[string]string{"username": "alice", "password": "wonder"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", env.Status)
	require.NotEmpty(t, env.RequestID)
	require.Equal(t, env.RequestID, rec.Header().Get("X-Request-Id"))

	data := env.Data.(map[string]any)
	require.Equal(t, "bearer", data["token_type"])
	claims, err := f.authmgr.Verify(data["access_token"].(string))
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
	require.Equal(t, "t1", claims.TenantID)

	rec, env = f.do(t, "POST", "/api/v1/auth/token", "",
		map[string]string{"username": "alice", "password": "wrong"}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "error", env.Status)
}

func TestMeEndpoint(t *testing.T) {
	f := newFixture(t)

	rec, env := f.do(t, "GET", "/api/v1/auth/me", f.token(t), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := env.Data.(map[string]any)
	require.Equal(t, "alice", data["user_id"])
	require.Equal(t, "t1", data["tenant_id"])

	rec, _ = f.do(t, "GET", "/api/v1/auth/me", "", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWriteQueryTraceFlow(t *testing.T) {
	f := newFixture(t)
	token := f.token(t)

	rec, _ := f.do(t, "POST", "/api/v1/memory/write/knowledge", token, map[string]any{
		"knowledge_id": "k1", "version": 1, "is_enabled": true,
		"effective_from":     "2026-01-01T00:00:00Z",
		"structured_content": map[string]any{"benefit": "首年免年费"},
		"citation_snippets":  []string{"首年免年费"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := f.do(t, "POST", "/api/v1/memory/query", token, map[string]any{
		"query": "年费", "top_k": 3,
	}, map[string]string{"X-Request-Id": "req-42"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "req-42", env.RequestID)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-Id"))

	result := env.Data.(map[string]any)
	require.Equal(t, "knowledge", result["route_decision"])
	hits := result["hits"].([]any)
	require.Len(t, hits, 1)
	require.Equal(t, "k1", hits[0].(map[string]any)["id"])

	// The trace endpoint returns the audit row keyed by the response's
	// request ID.
	rec, env = f.do(t, "POST", "/api/v1/memory/trace", token,
		map[string]string{"request_id": "req-42"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	trace := env.Data.(map[string]any)
	records := trace["records"].([]any)
	require.Len(t, records, 1)
	require.Equal(t, "req-42", records[0].(map[string]any)["request_id"])

	// Unknown request IDs return an empty shell, not an error.
	rec, env = f.do(t, "POST", "/api/v1/memory/trace", token,
		map[string]string{"request_id": "req-none"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	trace = env.Data.(map[string]any)
	require.Empty(t, trace["records"])
}

func TestWriteEventPublishesNothingButStores(t *testing.T) {
	f := newFixture(t)
	token := f.token(t)

	rec, env := f.do(t, "POST", "/api/v1/memory/write/event", token, map[string]any{
		"event_id": "ev1", "summary": "asked about fees",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ev1", env.Data.(map[string]any)["event_id"])

	e, err := f.store.Events().Get(context.Background(), "t1", "ev1")
	require.NoError(t, err)
	require.Equal(t, "asked about fees", e.Summary)
}

func TestWritePersonaTagsMetadata(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, "POST", "/api/v1/memory/write/persona", f.token(t), map[string]any{
		"event_id": "p1", "summary": "risk averse, prefers fixed income",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	e, err := f.store.Events().Get(context.Background(), "t1", "p1")
	require.NoError(t, err)
	require.Equal(t, "persona", e.Metadata["record_kind"])
}

func TestWriteOutcomePublishesEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcomes := make(chan bus.Message, 1)
	_, err := f.bus.Subscribe(ctx, "memory_outcome_recorded", func(ctx context.Context, msg bus.Message) error {
		outcomes <- msg
		return nil
	})
	require.NoError(t, err)

	rec, _ := f.do(t, "POST", "/api/v1/memory/write/outcome", f.token(t), map[string]any{
		"outcome_id": "o1", "adopted": true, "strategy_ids": []string{"s1"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case msg := <-outcomes:
		require.Equal(t, "MEMORY_OUTCOME_RECORDED", msg.Payload["event"])
		outcome := msg.Payload["outcome"].(map[string]any)
		require.Equal(t, "o1", outcome["outcome_id"])
		require.Equal(t, "t1", outcome["tenant_id"])
	case <-time.After(time.Second):
		t.Fatal("outcome event not published")
	}
}

func TestWriteRejectsForeignTenant(t *testing.T) {
	f := newFixture(t)

	rec, env := f.do(t, "POST", "/api/v1/memory/write/event", f.token(t), map[string]any{
		"event_id": "ev1", "tenant_id": "t2",
	}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "error", env.Status)
	require.Contains(t, env.Error, "tenant mismatch")
}

func TestWriteUnknownKind(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, "POST", "/api/v1/memory/write/bogus", f.token(t), map[string]any{"x": 1}, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWriteInvalidBody(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest("POST", "/api/v1/memory/write/event", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+f.token(t))
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestQueryTenantMismatch(t *testing.T) {
	f := newFixture(t)

	// The non-production tenant header override lets a caller impersonate
	// another tenant for local testing; the query body tenant must still
	// match the effective claims.
	rec, env := f.do(t, "POST", "/api/v1/memory/query", f.token(t), map[string]any{
		"query": "年费", "tenant_id": "t1", "top_k": 3,
	}, map[string]string{"X-Tenant-ID": "t2"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "error", env.Status)
}

func TestComplyCheckEndpoint(t *testing.T) {
	f := newFixture(t)
	token := f.token(t)

	rec, env := f.do(t, "POST", "/api/v1/memory/comply/check", token, map[string]any{
		"candidate_response": "这个产品稳赚不赔。",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := env.Data.(map[string]any)
	require.Equal(t, "blocked", data["status"])
	require.Equal(t, "rewrite", data["action"])
	require.NotEmpty(t, data["safe_response"])
	require.Contains(t, data["hits"].([]any), "guaranteed_return")

	rec, env = f.do(t, "POST", "/api/v1/memory/comply/check", token, map[string]any{
		"candidate_response": "首年免年费，详情见产品说明。",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data = env.Data.(map[string]any)
	require.Equal(t, "ok", data["status"])
	require.Equal(t, "pass", data["action"])
	// A clean scan carries null safe_response and an empty hit list.
	require.Nil(t, data["safe_response"])
	hits, ok := data["hits"].([]any)
	require.True(t, ok)
	require.Empty(t, hits)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, "GET", "/health", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap health.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, "ok", snap.Status)

	f.registry.Register("postgres", "using in-memory store")
	rec, _ = f.do(t, "GET", "/health", "", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, "degraded", snap.Status)
	require.Len(t, snap.Downgrades, 1)
}
