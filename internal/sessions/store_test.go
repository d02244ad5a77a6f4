package sessions

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/relay/internal/connections"
	"github.com/haasonsaas/relay/internal/mcp"
	"github.com/haasonsaas/relay/internal/observability"
)

func TestGetOrCreateStablePerIdentity(t *testing.T) {
	store := NewStore(nil)

	first := store.GetOrCreate("user:1")
	second := store.GetOrCreate("user:1")

	if first != second {
		t.Error("GetOrCreate() returned a new session for the same identity")
	}
	if first.ID == "" {
		t.Error("session has no ID")
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestGetOrCreateDistinctIdentities(t *testing.T) {
	store := NewStore(nil)

	a := store.GetOrCreate("user:1")
	b := store.GetOrCreate("guest:1")

	if a == b || a.ID == b.ID {
		t.Error("distinct identities share a session")
	}
}

func TestRemove(t *testing.T) {
	store := NewStore(nil)

	store.GetOrCreate("user:1")
	store.Remove("user:1")

	if _, ok := store.Get("user:1"); ok {
		t.Error("Get() found removed session")
	}

	// Removing again must be a no-op.
	store.Remove("user:1")
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0", store.Len())
	}
}

func TestTouchUpdatesLastActive(t *testing.T) {
	store := NewStore(nil)
	store.SetNowFunc(func() time.Time {
		return time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	})

	sess := store.GetOrCreate("user:1")
	created := sess.LastActive()

	sess.Touch()
	if !sess.LastActive().After(created) {
		t.Error("Touch() did not advance LastActive")
	}
}

// startedClient is a registry client that always establishes.
type startedClient struct{}

func (startedClient) Start(ctx context.Context) {}
func (startedClient) Started() bool             { return true }
func (startedClient) Err() error                { return nil }
func (startedClient) ServerInfo() mcp.ServerInfo {
	return mcp.ServerInfo{Name: "test"}
}
func (startedClient) Tools() map[string]*mcp.Tool {
	return map[string]*mcp.Tool{"ping": {Name: "ping"}}
}
func (startedClient) Cleanup() {}

func TestSweepExpiresIdleSessions(t *testing.T) {
	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry())
	registry := connections.NewRegistry(10, slog.Default(), metrics)
	registry.SetClientFactory(func(cfg *mcp.ServerConfig) connections.Client {
		return startedClient{}
	})

	store := NewStore(metrics)
	store.SetNowFunc(func() time.Time {
		return time.Now().Add(-time.Hour)
	})

	idle := store.GetOrCreate("idle-user")
	result := registry.Establish(context.Background(), idle.ID, &mcp.ServerConfig{ID: "echo", Command: "echo"})
	if !result.OK {
		t.Fatalf("Establish() failed: %v", result.Err)
	}

	store.SetNowFunc(time.Now)
	active := store.GetOrCreate("active-user")
	active.Touch()

	sweeper := NewSweeper(store, registry, time.Minute, 30*time.Minute, slog.Default())
	sweeper.Sweep()

	if _, ok := store.Get("idle-user"); ok {
		t.Error("idle session survived the sweep")
	}
	if _, ok := store.Get("active-user"); !ok {
		t.Error("active session was swept")
	}
	if open := registry.Open(); open != 0 {
		t.Errorf("Open() = %d after sweep, want 0 (idle session's connections torn down)", open)
	}
}

func TestSweepFollowsStoreClock(t *testing.T) {
	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry())
	registry := connections.NewRegistry(10, slog.Default(), metrics)

	store := NewStore(metrics)
	frozen := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return frozen })

	store.GetOrCreate("user:1")

	sweeper := NewSweeper(store, registry, time.Minute, 30*time.Minute, slog.Default())
	sweeper.Sweep()

	// The session is fresh on the injected clock even though its stamp is
	// far in the wall-clock past.
	if _, ok := store.Get("user:1"); !ok {
		t.Error("sweep expired a session that is fresh on the store clock")
	}

	store.SetNowFunc(func() time.Time { return frozen.Add(time.Hour) })
	sweeper.Sweep()
	if _, ok := store.Get("user:1"); ok {
		t.Error("session survived after the store clock passed the TTL")
	}
}

func TestSweepDisabledWithNonPositiveTTL(t *testing.T) {
	store := NewStore(nil)
	store.SetNowFunc(func() time.Time {
		return time.Now().Add(-time.Hour)
	})
	store.GetOrCreate("idle-user")
	store.SetNowFunc(time.Now)

	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry())
	registry := connections.NewRegistry(10, slog.Default(), metrics)

	sweeper := NewSweeper(store, registry, time.Minute, 0, slog.Default())
	sweeper.Sweep()

	if _, ok := store.Get("idle-user"); !ok {
		t.Error("sweep with disabled TTL removed a session")
	}
}
