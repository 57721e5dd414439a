package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPEmbedder returns an Embedder backed by a text-embeddings-inference
// compatible endpoint: POST {"inputs": [text]} answered with one vector per
// input.
func HTTPEmbedder(endpoint string, client *http.Client) Embedder {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context, text string) ([]float32, error) {
		body, err := json.Marshal(map[string]any{"inputs": []string{text}})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("embedding request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("embedding endpoint returned %d: %s", resp.StatusCode, raw)
		}
		var vectors [][]float32
		if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
			return nil, fmt.Errorf("decode embedding response: %w", err)
		}
		if len(vectors) == 0 || len(vectors[0]) == 0 {
			return nil, errors.New("embedding endpoint returned no vector")
		}
		return vectors[0], nil
	}
}
