// Package health tracks runtime degradation. A process-local registry
// records which components are running in degraded mode and why; the
// snapshot combines those records with live dependency pings for the
// health endpoint.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/clue/health"
)

type (
	// Registry records active downgrade reasons per component. Safe for
	// concurrent use.
	Registry struct {
		mu     sync.RWMutex
		issues map[string][]string
		now    func() time.Time
	}

	// Snapshot is the aggregated health report.
	Snapshot struct {
		// Status is "ok" when every dependency pings and no downgrade is
		// active, else "degraded".
		Status string `json:"status"`
		// System maps each dependency to "up" or "down".
		System map[string]string `json:"system_health"`
		// Downgrades lists the active downgrade reasons.
		Downgrades []string `json:"downgrades"`
	}

	// Checker produces snapshots from a downgrade registry and a set of
	// dependency pingers.
	Checker struct {
		registry *Registry
		pingers  []health.Pinger
	}
)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		issues: make(map[string][]string),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the registry clock. Tests only.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Register appends a timestamped downgrade reason for the component.
func (r *Registry) Register(component, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.now().Format(time.RFC3339) + " - " + reason
	r.issues[component] = append(r.issues[component], entry)
}

// Resolve clears every downgrade reason for the component.
func (r *Registry) Resolve(component string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.issues, component)
}

// ActiveIssues returns every active reason as "component: <ts> - <reason>",
// sorted by component.
func (r *Registry) ActiveIssues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	components := make([]string, 0, len(r.issues))
	for c := range r.issues {
		components = append(components, c)
	}
	sort.Strings(components)
	var out []string
	for _, c := range components {
		for _, reason := range r.issues[c] {
			out = append(out, c+": "+reason)
		}
	}
	return out
}

// NewChecker combines the registry with dependency pingers.
func NewChecker(registry *Registry, pingers ...health.Pinger) *Checker {
	return &Checker{registry: registry, pingers: pingers}
}

// Check pings every dependency and merges the downgrade registry into one
// snapshot.
func (c *Checker) Check(ctx context.Context) Snapshot {
	snap := Snapshot{
		Status:     "ok",
		System:     make(map[string]string, len(c.pingers)),
		Downgrades: c.registry.ActiveIssues(),
	}
	for _, p := range c.pingers {
		if err := p.Ping(ctx); err != nil {
			snap.System[p.Name()] = "down"
			snap.Status = "degraded"
			continue
		}
		snap.System[p.Name()] = "up"
	}
	if len(snap.Downgrades) > 0 {
		snap.Status = "degraded"
	}
	return snap
}
