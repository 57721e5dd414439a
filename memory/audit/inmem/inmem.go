// Package inmem keeps the audit trail in memory for tests and local runs.
package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/pitchline/pitchline/memory"
	"github.com/pitchline/pitchline/memory/audit"
)

// Store is an in-memory audit.Store. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	records []memory.Audit
}

var _ audit.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store { return &Store{} }

// Append persists the record.
func (s *Store) Append(ctx context.Context, a memory.Audit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, a)
	return nil
}

// ByRequest returns records for the request, oldest first.
func (s *Store) ByRequest(ctx context.Context, tenantID, requestID string) ([]memory.Audit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []memory.Audit
	for _, a := range s.records {
		if a.TenantID == tenantID && a.RequestID == requestID {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// BySession returns up to limit records for the session, newest first.
func (s *Store) BySession(ctx context.Context, tenantID, sessionID string, limit int) ([]memory.Audit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []memory.Audit
	for _, a := range s.records {
		if a.TenantID == tenantID && a.SessionID == sessionID {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
