// Package inmem approximates semantic recall with token overlap. Good
// enough for tests and local development without a vector database.
package inmem

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pitchline/pitchline/memory/vector"
)

// Index stores documents per (tenant, collection) and scores candidates by
// the fraction of query tokens they contain. Safe for concurrent use.
type Index struct {
	mu   sync.RWMutex
	docs map[string]map[string]string // tenant+collection -> id -> text
}

var _ vector.Index = (*Index)(nil)

// New creates an empty index.
func New() *Index {
	return &Index{docs: make(map[string]map[string]string)}
}

func bucket(tenantID, collection string) string { return tenantID + "\x00" + collection }

// Upsert stores the document text.
func (x *Index) Upsert(ctx context.Context, tenantID, collection, id, text string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	b := bucket(tenantID, collection)
	if x.docs[b] == nil {
		x.docs[b] = make(map[string]string)
	}
	x.docs[b][id] = text
	return nil
}

// Search scores every stored document by token overlap with the query and
// returns the best matches.
func (x *Index) Search(ctx context.Context, tenantID, collection, query string, limit int) ([]vector.Hit, error) {
	if limit <= 0 {
		limit = vector.DefaultRecallLimit
	}
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	var hits []vector.Hit
	for id, text := range x.docs[bucket(tenantID, collection)] {
		matched := 0
		for _, tok := range tokens {
			if strings.Contains(text, tok) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, vector.Hit{ID: id, Score: float64(matched) / float64(len(tokens))})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// tokenize splits on whitespace and punctuation, then falls back to
// per-rune tokens so CJK queries without spaces still produce terms.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == ',' || r == '.' ||
			r == '?' || r == '!' || r == '，' || r == '。' || r == '？' || r == '！'
	})
	var tokens []string
	for _, f := range fields {
		runes := []rune(f)
		if len(runes) <= 2 || isASCII(f) {
			tokens = append(tokens, f)
			continue
		}
		// Sliding bigrams approximate word segmentation for CJK text.
		for i := 0; i+1 < len(runes); i++ {
			tokens = append(tokens, string(runes[i:i+2]))
		}
	}
	return tokens
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > 127 {
			return false
		}
	}
	return true
}
