// Package qdrant implements vector.Index on a Qdrant cluster. Points carry
// the originating tenant and record ID in their payload; tenant scoping is
// enforced with a payload filter on every query.
package qdrant

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/pitchline/pitchline/memory/vector"
)

type (
	// Embedder turns text into a dense vector. The HTTP implementation in
	// this package talks to a text-embeddings-inference server.
	Embedder func(ctx context.Context, text string) ([]float32, error)

	// Index is a tenant-scoped Qdrant search index.
	Index struct {
		client *qdrant.Client
		embed  Embedder
	}

	// Options configures the index.
	Options struct {
		// Client is the Qdrant gRPC client. Required.
		Client *qdrant.Client
		// Embed produces query and document vectors. Required.
		Embed Embedder
	}
)

var _ vector.Index = (*Index)(nil)

// New validates the options and builds the index.
func New(opts Options) (*Index, error) {
	if opts.Client == nil {
		return nil, errors.New("qdrant client is required")
	}
	if opts.Embed == nil {
		return nil, errors.New("embedder is required")
	}
	return &Index{client: opts.Client, embed: opts.Embed}, nil
}

// Search embeds the query and runs a filtered nearest-neighbor lookup.
func (x *Index) Search(ctx context.Context, tenantID, collection, query string, limit int) ([]vector.Hit, error) {
	if limit <= 0 {
		limit = vector.DefaultRecallLimit
	}
	vec, err := x.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	points, err := x.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("tenant_id", tenantID),
			},
		},
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	hits := make([]vector.Hit, 0, len(points))
	for _, p := range points {
		ref := p.GetPayload()["record_id"].GetStringValue()
		if ref == "" {
			continue
		}
		hits = append(hits, vector.Hit{ID: ref, Score: float64(p.GetScore())})
	}
	return hits, nil
}

// Upsert embeds the text and writes the point. The point ID is derived
// deterministically from (tenant, collection, id) so re-indexing replaces
// rather than duplicates.
func (x *Index) Upsert(ctx context.Context, tenantID, collection, id, text string) error {
	vec, err := x.embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed document: %w", err)
	}
	pointID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(tenantID+"/"+collection+"/"+id))
	_, err = x.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(pointID.String()),
			Vectors: qdrant.NewVectors(vec...),
			Payload: qdrant.NewValueMap(map[string]any{
				"tenant_id": tenantID,
				"record_id": id,
			}),
		}},
	})
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", collection, id, err)
	}
	return nil
}
