// Package rerank scores retrieval candidates against the query with a
// cross-encoder service. The HTTP client is wrapped in a circuit breaker;
// when the service is down or the breaker is open callers fall back to the
// fused order unchanged.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
)

type (
	// Score pairs a candidate index with its relevance score.
	Score struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	}

	// Reranker orders candidate texts by relevance to the query. Scores
	// come back indexed into the input slice.
	Reranker interface {
		Rerank(ctx context.Context, query string, texts []string) ([]Score, error)
	}

	// HTTPReranker calls a text-embeddings-inference style rerank endpoint:
	// POST {"query": ..., "texts": [...]} answered with index/score pairs.
	HTTPReranker struct {
		endpoint string
		client   *http.Client
		breaker  *gobreaker.CircuitBreaker[[]Score]
	}

	// Noop returns every candidate with a zero score, preserving the
	// caller's existing order.
	Noop struct{}
)

var (
	_ Reranker = (*HTTPReranker)(nil)
	_ Reranker = Noop{}
)

// NewHTTP builds the cross-encoder client. A nil http.Client gets a 10s
// timeout default.
func NewHTTP(endpoint string, client *http.Client) *HTTPReranker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	breaker := gobreaker.NewCircuitBreaker[[]Score](gobreaker.Settings{
		Name:    "reranker",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &HTTPReranker{endpoint: endpoint, client: client, breaker: breaker}
}

// Rerank submits the query and candidates through the breaker.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, texts []string) ([]Score, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return r.breaker.Execute(func() ([]Score, error) {
		return r.call(ctx, query, texts)
	})
}

func (r *HTTPReranker) call(ctx context.Context, query string, texts []string) ([]Score, error) {
	body, err := json.Marshal(map[string]any{"query": query, "texts": texts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("rerank endpoint returned %d: %s", resp.StatusCode, raw)
	}
	var scores []Score
	if err := json.NewDecoder(resp.Body).Decode(&scores); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	return scores, nil
}

// Rerank returns identity scores.
func (Noop) Rerank(ctx context.Context, query string, texts []string) ([]Score, error) {
	scores := make([]Score, len(texts))
	for i := range texts {
		scores[i] = Score{Index: i}
	}
	return scores, nil
}
