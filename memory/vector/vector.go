// Package vector defines semantic recall over the memory collections. The
// qdrant subpackage backs production; inmem backs tests and database-less
// development with a token-overlap approximation.
package vector

import "context"

type (
	// Hit is one semantic-recall candidate.
	Hit struct {
		// ID is the knowledge or strategy identifier the point carries.
		ID string
		// Score is the similarity score reported by the index, higher is
		// closer.
		Score float64
	}

	// Index performs tenant-scoped semantic search over one collection.
	Index interface {
		// Search returns up to limit candidates for the query text, scoped
		// to the tenant. Collection names which logical corpus to search.
		Search(ctx context.Context, tenantID, collection, query string, limit int) ([]Hit, error)
		// Upsert indexes or replaces the point for the given ID with the
		// supplied text.
		Upsert(ctx context.Context, tenantID, collection, id, text string) error
	}
)

// Collection names. One per retrievable corpus.
const (
	CollectionKnowledge = "memory_knowledge"
	CollectionStrategy  = "memory_strategy_unit"
)

// DefaultRecallLimit caps candidates pulled from the index per branch.
const DefaultRecallLimit = 20
