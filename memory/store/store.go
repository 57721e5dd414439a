// Package store defines persistence for the memory domain. The postgres
// subpackage backs production; inmem backs tests and local development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/pitchline/pitchline/memory"
)

type (
	// KnowledgeFilter narrows effective-knowledge recall.
	KnowledgeFilter struct {
		// Domain filters rows by knowledge domain when non-empty.
		Domain string
		// Substring, when non-empty, keeps only rows whose JSON-encoded
		// structured content contains it.
		Substring string
	}

	// StrategyFilter narrows effective-strategy recall. Each filter matches
	// strategies whose corresponding trigger equals the value or is null.
	StrategyFilter struct {
		Intent    string
		Stage     string
		Objection string
	}

	// KnowledgeStore persists versioned knowledge rows.
	KnowledgeStore interface {
		// Upsert creates or replaces the row keyed by (tenant, id, version).
		Upsert(ctx context.Context, k memory.Knowledge) error
		// Get returns the latest version of the row or ErrNotFound.
		Get(ctx context.Context, tenantID, knowledgeID string) (memory.Knowledge, error)
		// Effective returns enabled, currently-effective rows matching the
		// filter, newest update first, capped at limit.
		Effective(ctx context.Context, tenantID string, f KnowledgeFilter, limit int) ([]memory.Knowledge, error)
		// Reactivate bumps last_used_at to now and use_count by one for each
		// row, committed as one unit.
		Reactivate(ctx context.Context, tenantID string, ids []string, now time.Time) error
	}

	// StrategyStore persists strategy units.
	StrategyStore interface {
		Upsert(ctx context.Context, s memory.StrategyUnit) error
		Get(ctx context.Context, tenantID, strategyID string) (memory.StrategyUnit, error)
		// Effective returns enabled, currently-effective strategies matching
		// the trigger filter with equals-or-null semantics.
		Effective(ctx context.Context, tenantID string, f StrategyFilter, limit int) ([]memory.StrategyUnit, error)
		Reactivate(ctx context.Context, tenantID string, ids []string, now time.Time) error
		// UpdateStats applies mutate to the row under a per-row transaction.
		// The mutation is retried or rolled back atomically; concurrent
		// updates to the same strategy serialize.
		UpdateStats(ctx context.Context, tenantID, strategyID string, mutate func(*memory.StrategyUnit) error) error
		// FindReplacement returns an enabled compliance_replacement strategy
		// whose trigger condition references any of the risk types, or
		// ErrNotFound.
		FindReplacement(ctx context.Context, tenantID string, riskTypes []string) (memory.StrategyUnit, error)
	}

	// EventStore persists immutable conversation events.
	EventStore interface {
		Insert(ctx context.Context, e memory.Event) error
		Get(ctx context.Context, tenantID, eventID string) (memory.Event, error)
	}

	// OutcomeStore persists immutable outcome records.
	OutcomeStore interface {
		Insert(ctx context.Context, o memory.Outcome) error
		Get(ctx context.Context, tenantID, outcomeID string) (memory.Outcome, error)
	}
)

// ErrNotFound reports a lookup miss.
var ErrNotFound = errors.New("store: not found")

// ReplacementStrategyType tags strategies used to rewrite blocked responses.
const ReplacementStrategyType = "compliance_replacement"
