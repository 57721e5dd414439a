package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// Registry stores agent records and answers discovery queries. Filtering
	// happens in-process after a full scan; registries hold at most a few
	// hundred agents per deployment.
	Registry interface {
		// Save creates or replaces the record.
		Save(ctx context.Context, rec AgentRecord) error
		// Get returns the record or ErrAgentNotFound.
		Get(ctx context.Context, agentID string) (AgentRecord, error)
		// Delete removes the record. Deleting an absent record is a no-op.
		Delete(ctx context.Context, agentID string) error
		// Heartbeat refreshes LastSeen and sets the status.
		Heartbeat(ctx context.Context, agentID string, status Status) error
		// Discover returns agents matching the capability and type filters.
		// Empty filters match everything; offline agents are never returned.
		Discover(ctx context.Context, capability, agentType string) ([]AgentRecord, error)
	}

	// RedisRegistry keeps records in a single Redis hash so every process
	// shares one view of the fleet.
	RedisRegistry struct {
		rdb *redis.Client
		key string
	}

	// MemRegistry is a process-local registry for tests and Redis-less
	// deployments. Safe for concurrent use.
	MemRegistry struct {
		mu      sync.RWMutex
		records map[string]AgentRecord
	}
)

// DefaultRegistryKey is the Redis hash holding agent records.
const DefaultRegistryKey = "a2a:agents"

// NewRedisRegistry builds a registry on the given Redis connection. An empty
// key uses DefaultRegistryKey.
func NewRedisRegistry(rdb *redis.Client, key string) (*RedisRegistry, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if key == "" {
		key = DefaultRegistryKey
	}
	return &RedisRegistry{rdb: rdb, key: key}, nil
}

// Save stores the record as a JSON hash field keyed by agent ID.
func (r *RedisRegistry) Save(ctx context.Context, rec AgentRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode agent record: %w", err)
	}
	return r.rdb.HSet(ctx, r.key, rec.AgentID, raw).Err()
}

// Get returns the record or ErrAgentNotFound.
func (r *RedisRegistry) Get(ctx context.Context, agentID string) (AgentRecord, error) {
	raw, err := r.rdb.HGet(ctx, r.key, agentID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return AgentRecord{}, ErrAgentNotFound
		}
		return AgentRecord{}, err
	}
	var rec AgentRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return AgentRecord{}, fmt.Errorf("decode agent record: %w", err)
	}
	return rec, nil
}

// Delete removes the record.
func (r *RedisRegistry) Delete(ctx context.Context, agentID string) error {
	return r.rdb.HDel(ctx, r.key, agentID).Err()
}

// Heartbeat refreshes LastSeen and sets the status on the stored record.
func (r *RedisRegistry) Heartbeat(ctx context.Context, agentID string, status Status) error {
	rec, err := r.Get(ctx, agentID)
	if err != nil {
		return err
	}
	rec.Status = status
	rec.LastSeen = time.Now().UTC()
	return r.Save(ctx, rec)
}

// Discover scans the hash and filters in-process.
func (r *RedisRegistry) Discover(ctx context.Context, capability, agentType string) ([]AgentRecord, error) {
	raws, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]AgentRecord, 0, len(raws))
	for _, raw := range raws {
		var rec AgentRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if matchesDiscovery(rec, capability, agentType) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// NewMemRegistry builds an empty in-memory registry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{records: make(map[string]AgentRecord)}
}

// Save creates or replaces the record.
func (m *MemRegistry) Save(ctx context.Context, rec AgentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.AgentID] = rec
	return nil
}

// Get returns the record or ErrAgentNotFound.
func (m *MemRegistry) Get(ctx context.Context, agentID string) (AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[agentID]
	if !ok {
		return AgentRecord{}, ErrAgentNotFound
	}
	return rec, nil
}

// Delete removes the record.
func (m *MemRegistry) Delete(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, agentID)
	return nil
}

// Heartbeat refreshes LastSeen and sets the status.
func (m *MemRegistry) Heartbeat(ctx context.Context, agentID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	rec.Status = status
	rec.LastSeen = time.Now().UTC()
	m.records[agentID] = rec
	return nil
}

// Discover filters the in-memory records.
func (m *MemRegistry) Discover(ctx context.Context, capability, agentType string) ([]AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AgentRecord, 0, len(m.records))
	for _, rec := range m.records {
		if matchesDiscovery(rec, capability, agentType) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// matchesDiscovery applies the shared discovery predicate: offline agents
// are invisible, empty filters match everything.
func matchesDiscovery(rec AgentRecord, capability, agentType string) bool {
	if rec.Status == StatusOffline {
		return false
	}
	if capability != "" && !rec.HasCapability(capability) {
		return false
	}
	if agentType != "" && rec.AgentType != agentType {
		return false
	}
	return true
}
