package a2a

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func registries(t *testing.T) map[string]Registry {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rr, err := NewRedisRegistry(client, "")
	require.NoError(t, err)
	return map[string]Registry{"redis": rr, "mem": NewMemRegistry()}
}

func TestRegistrySaveGetDelete(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := AgentRecord{
				AgentID:      "coach-1",
				AgentType:    "coach",
				Capabilities: []string{"get_suggestion"},
				Status:       StatusOnline,
				LastSeen:     time.Now().UTC().Truncate(time.Second),
			}
			require.NoError(t, reg.Save(ctx, rec))

			got, err := reg.Get(ctx, "coach-1")
			require.NoError(t, err)
			require.Equal(t, rec.AgentID, got.AgentID)
			require.Equal(t, rec.Capabilities, got.Capabilities)

			require.NoError(t, reg.Delete(ctx, "coach-1"))
			_, err = reg.Get(ctx, "coach-1")
			require.ErrorIs(t, err, ErrAgentNotFound)

			// Deleting again is a no-op.
			require.NoError(t, reg.Delete(ctx, "coach-1"))
		})
	}
}

func TestRegistryHeartbeat(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old := time.Now().UTC().Add(-time.Hour)
			require.NoError(t, reg.Save(ctx, AgentRecord{
				AgentID: "coach-1", AgentType: "coach", Status: StatusBusy, LastSeen: old,
			}))
			require.NoError(t, reg.Heartbeat(ctx, "coach-1", StatusOnline))

			got, err := reg.Get(ctx, "coach-1")
			require.NoError(t, err)
			require.Equal(t, StatusOnline, got.Status)
			require.True(t, got.LastSeen.After(old))

			require.ErrorIs(t, reg.Heartbeat(ctx, "missing", StatusOnline), ErrAgentNotFound)
		})
	}
}

func TestRegistryDiscover(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed := []AgentRecord{
				{AgentID: "coach-1", AgentType: "coach", Capabilities: []string{"get_suggestion"}, Status: StatusOnline},
				{AgentID: "coach-2", AgentType: "coach", Capabilities: []string{"get_suggestion"}, Status: StatusOffline},
				{AgentID: "comp-1", AgentType: "compliance", Capabilities: []string{"check_text"}, Status: StatusDegraded},
			}
			for _, rec := range seed {
				require.NoError(t, reg.Save(ctx, rec))
			}

			all, err := reg.Discover(ctx, "", "")
			require.NoError(t, err)
			// Offline agents are never discoverable.
			require.Len(t, all, 2)

			coaches, err := reg.Discover(ctx, "get_suggestion", "coach")
			require.NoError(t, err)
			require.Len(t, coaches, 1)
			require.Equal(t, "coach-1", coaches[0].AgentID)

			none, err := reg.Discover(ctx, "nonexistent", "")
			require.NoError(t, err)
			require.Empty(t, none)
		})
	}
}
