package connections

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/relay/internal/mcp"
	"github.com/haasonsaas/relay/internal/observability"
)

// fakeClient is a Client whose handshake outcome is scripted, so
// registry behavior can be tested without spawning subprocesses.
type fakeClient struct {
	cfg      *mcp.ServerConfig
	started  bool
	startErr error
	tools    map[string]*mcp.Tool

	mu       sync.Mutex
	cleanups int
}

func (f *fakeClient) Start(ctx context.Context) {}
func (f *fakeClient) Started() bool             { return f.started }
func (f *fakeClient) Err() error                { return f.startErr }
func (f *fakeClient) ServerInfo() mcp.ServerInfo {
	return mcp.ServerInfo{Name: f.cfg.ID, Version: "test"}
}

func (f *fakeClient) Tools() map[string]*mcp.Tool {
	out := make(map[string]*mcp.Tool, len(f.tools))
	for k, v := range f.tools {
		out[k] = v
	}
	return out
}

func (f *fakeClient) Cleanup() {
	f.mu.Lock()
	f.cleanups++
	f.mu.Unlock()
}

func (f *fakeClient) cleanupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleanups
}

// fakeFactory scripts client construction and counts spawns.
type fakeFactory struct {
	mu      sync.Mutex
	spawns  int
	clients []*fakeClient
	build   func(cfg *mcp.ServerConfig) *fakeClient
}

func (f *fakeFactory) new(cfg *mcp.ServerConfig) Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawns++
	c := f.build(cfg)
	f.clients = append(f.clients, c)
	return c
}

func (f *fakeFactory) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawns
}

func healthyFactory() *fakeFactory {
	return &fakeFactory{
		build: func(cfg *mcp.ServerConfig) *fakeClient {
			return &fakeClient{
				cfg:     cfg,
				started: true,
				tools: map[string]*mcp.Tool{
					"ping": {Name: "ping", Description: "from " + cfg.ID},
				},
			}
		},
	}
}

func newTestRegistry(t *testing.T, limit int, factory *fakeFactory) *Registry {
	t.Helper()
	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry())
	r := NewRegistry(limit, slog.Default(), metrics)
	r.SetClientFactory(factory.new)
	return r
}

func serverConfig(id string) *mcp.ServerConfig {
	return &mcp.ServerConfig{ID: id, Command: "echo"}
}

func TestEstablishAndCleanupRoundTrip(t *testing.T) {
	factory := healthyFactory()
	r := newTestRegistry(t, 10, factory)

	result := r.Establish(context.Background(), "s1", serverConfig("echo"))
	if !result.OK {
		t.Fatalf("Establish() failed: %v", result.Err)
	}
	if got := r.Open(); got != 1 {
		t.Errorf("Open() = %d, want 1", got)
	}
	if _, ok := r.Lookup("s1", "echo"); !ok {
		t.Error("Lookup() did not find established connection")
	}

	r.Cleanup("s1", "echo")
	if got := r.Open(); got != 0 {
		t.Errorf("Open() after cleanup = %d, want 0", got)
	}
	if _, ok := r.Lookup("s1", "echo"); ok {
		t.Error("Lookup() found connection after cleanup")
	}
}

func TestReestablishSameServerReplacesClient(t *testing.T) {
	factory := healthyFactory()
	r := newTestRegistry(t, 10, factory)

	first := r.Establish(context.Background(), "s1", serverConfig("echo"))
	if !first.OK {
		t.Fatalf("first Establish() failed: %v", first.Err)
	}
	second := r.Establish(context.Background(), "s1", serverConfig("echo"))
	if !second.OK {
		t.Fatalf("second Establish() failed: %v", second.Err)
	}

	if n := factory.clients[0].cleanupCount(); n != 1 {
		t.Errorf("displaced client cleaned up %d times, want 1", n)
	}
	if got := r.Open(); got != 1 {
		t.Errorf("Open() after reconnect = %d, want 1", got)
	}
	client, ok := r.Lookup("s1", "echo")
	if !ok {
		t.Fatal("Lookup() lost the slot after reconnect")
	}
	if client != Client(factory.clients[1]) {
		t.Error("Lookup() returned the displaced client, want the replacement")
	}
	if status := r.Status("s1"); len(status) != 1 {
		t.Errorf("Status() returned %d entries after reconnect, want 1", len(status))
	}

	r.Cleanup("s1", "echo")
	if got := r.Open(); got != 0 {
		t.Errorf("Open() after cleanup = %d, want 0", got)
	}
	if n := factory.clients[1].cleanupCount(); n != 1 {
		t.Errorf("replacement client cleaned up %d times, want 1", n)
	}
}

func TestCleanupIdempotent(t *testing.T) {
	factory := healthyFactory()
	r := newTestRegistry(t, 10, factory)

	r.Establish(context.Background(), "s1", serverConfig("echo"))

	r.Cleanup("s1", "echo")
	r.Cleanup("s1", "echo")

	if got := r.Open(); got != 0 {
		t.Errorf("Open() after double cleanup = %d, want 0", got)
	}
	if n := factory.clients[0].cleanupCount(); n != 1 {
		t.Errorf("client cleaned up %d times, want 1", n)
	}
}

func TestCleanupUnknownSlotIsNoop(t *testing.T) {
	r := newTestRegistry(t, 10, healthyFactory())

	r.Cleanup("nope", "never")
	if got := r.Open(); got != 0 {
		t.Errorf("Open() = %d, want 0", got)
	}
}

func TestReadPathsLeaveNoSessionEntry(t *testing.T) {
	r := newTestRegistry(t, 10, healthyFactory())

	r.Cleanup("ghost", "never")
	r.Lookup("ghost", "never")
	r.Status("ghost")
	r.AggregateTools("ghost")

	r.sessionsMu.Lock()
	n := len(r.sessions)
	r.sessionsMu.Unlock()
	if n != 0 {
		t.Errorf("registry holds %d session entries after unknown-session reads, want 0", n)
	}
}

func TestRejectionAtCapacityDoesNotSpawn(t *testing.T) {
	factory := healthyFactory()
	r := newTestRegistry(t, 1, factory)

	first := r.Establish(context.Background(), "s1", serverConfig("a"))
	if !first.OK {
		t.Fatalf("first Establish() failed: %v", first.Err)
	}

	second := r.Establish(context.Background(), "s2", serverConfig("b"))
	if second.OK {
		t.Fatal("second Establish() succeeded past the limit")
	}
	if second.Err != ErrCapacity {
		t.Errorf("second Establish() error = %v, want ErrCapacity", second.Err)
	}
	if spawns := factory.spawnCount(); spawns != 1 {
		t.Errorf("factory spawned %d clients, want 1 (rejection must be free)", spawns)
	}
	if _, ok := r.Lookup("s1", "a"); !ok {
		t.Error("first connection lost after rejected second establish")
	}
}

func TestCapacityInvariantUnderConcurrency(t *testing.T) {
	const limit = 3
	factory := healthyFactory()
	r := newTestRegistry(t, limit, factory)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session := fmt.Sprintf("s%d", i%5)
			id := fmt.Sprintf("srv%d", i)
			result := r.Establish(context.Background(), session, serverConfig(id))
			if open := r.Open(); open < 0 || open > limit {
				t.Errorf("Open() = %d outside [0,%d]", open, limit)
			}
			if result.OK {
				r.Cleanup(session, id)
			}
			if open := r.Open(); open < 0 || open > limit {
				t.Errorf("Open() = %d outside [0,%d]", open, limit)
			}
		}(i)
	}
	wg.Wait()

	if got := r.Open(); got != 0 {
		t.Errorf("Open() after all cleanups = %d, want 0", got)
	}
}

func TestEstablishFailureRollsBack(t *testing.T) {
	factory := &fakeFactory{
		build: func(cfg *mcp.ServerConfig) *fakeClient {
			return &fakeClient{
				cfg:      cfg,
				started:  false,
				startErr: fmt.Errorf("handshake failed"),
			}
		},
	}
	r := newTestRegistry(t, 10, factory)

	result := r.Establish(context.Background(), "s1", serverConfig("bad"))
	if result.OK {
		t.Fatal("Establish() succeeded with a failed handshake")
	}
	if result.Err == nil {
		t.Fatal("Establish() returned no error")
	}
	if got := r.Open(); got != 0 {
		t.Errorf("Open() = %d, want 0 after failed establish", got)
	}
	if _, ok := r.Lookup("s1", "bad"); ok {
		t.Error("failed connection left in session slots")
	}
	if n := factory.clients[0].cleanupCount(); n != 1 {
		t.Errorf("failed client cleaned up %d times, want 1", n)
	}
}

func TestEstablishEmptyToolSetFails(t *testing.T) {
	factory := &fakeFactory{
		build: func(cfg *mcp.ServerConfig) *fakeClient {
			return &fakeClient{cfg: cfg, started: true, tools: map[string]*mcp.Tool{}}
		},
	}
	r := newTestRegistry(t, 10, factory)

	result := r.Establish(context.Background(), "s1", serverConfig("empty"))
	if result.OK {
		t.Fatal("Establish() succeeded with an empty tool set")
	}
	if got := r.Open(); got != 0 {
		t.Errorf("Open() = %d, want 0", got)
	}
}

func TestEstablishInvalidConfigLeavesCounterUntouched(t *testing.T) {
	factory := healthyFactory()
	r := newTestRegistry(t, 10, factory)

	if result := r.Establish(context.Background(), "s1", nil); result.OK {
		t.Fatal("Establish(nil) succeeded")
	}
	if result := r.Establish(context.Background(), "s1", &mcp.ServerConfig{ID: "x"}); result.OK {
		t.Fatal("Establish() succeeded without a command")
	}
	if got := r.Open(); got != 0 {
		t.Errorf("Open() = %d, want 0", got)
	}
	if spawns := factory.spawnCount(); spawns != 0 {
		t.Errorf("factory spawned %d clients for invalid configs, want 0", spawns)
	}
}

func TestAggregateToolsOverrideOrder(t *testing.T) {
	factory := &fakeFactory{
		build: func(cfg *mcp.ServerConfig) *fakeClient {
			return &fakeClient{
				cfg:     cfg,
				started: true,
				tools: map[string]*mcp.Tool{
					"x": {Name: "x", Description: "from " + cfg.ID},
				},
			}
		},
	}
	r := newTestRegistry(t, 10, factory)

	r.Establish(context.Background(), "s1", serverConfig("first"))
	r.Establish(context.Background(), "s1", serverConfig("second"))

	tools := r.AggregateTools("s1")
	if len(tools) != 1 {
		t.Fatalf("AggregateTools() returned %d tools, want 1", len(tools))
	}
	tool, ok := tools["x"]
	if !ok {
		t.Fatal("AggregateTools() missing tool x")
	}
	if tool.Description != "from second" {
		t.Errorf("tool x = %q, want later-registered client to win", tool.Description)
	}
}

func TestAggregateToolsMergesAcrossClients(t *testing.T) {
	factory := &fakeFactory{
		build: func(cfg *mcp.ServerConfig) *fakeClient {
			return &fakeClient{
				cfg:     cfg,
				started: true,
				tools: map[string]*mcp.Tool{
					cfg.ID + "_tool": {Name: cfg.ID + "_tool"},
				},
			}
		},
	}
	r := newTestRegistry(t, 10, factory)

	r.Establish(context.Background(), "s1", serverConfig("a"))
	r.Establish(context.Background(), "s1", serverConfig("b"))

	tools := r.AggregateTools("s1")
	if len(tools) != 2 {
		t.Fatalf("AggregateTools() returned %d tools, want 2", len(tools))
	}
	for _, name := range []string{"a_tool", "b_tool"} {
		if _, ok := tools[name]; !ok {
			t.Errorf("AggregateTools() missing %s", name)
		}
	}
}

func TestAggregateToolsIsolatedPerSession(t *testing.T) {
	r := newTestRegistry(t, 10, healthyFactory())

	r.Establish(context.Background(), "s1", serverConfig("echo"))

	if tools := r.AggregateTools("s2"); len(tools) != 0 {
		t.Errorf("session s2 sees %d tools from s1, want 0", len(tools))
	}
}

func TestCleanupSession(t *testing.T) {
	r := newTestRegistry(t, 10, healthyFactory())

	r.Establish(context.Background(), "s1", serverConfig("a"))
	r.Establish(context.Background(), "s1", serverConfig("b"))
	r.Establish(context.Background(), "s2", serverConfig("c"))

	r.CleanupSession("s1")

	if got := r.Open(); got != 1 {
		t.Errorf("Open() = %d, want 1 (s2's connection)", got)
	}
	if _, ok := r.Lookup("s2", "c"); !ok {
		t.Error("s2 connection lost during s1 cleanup")
	}
}

func TestShutdownClosesEverything(t *testing.T) {
	r := newTestRegistry(t, 10, healthyFactory())

	r.Establish(context.Background(), "s1", serverConfig("a"))
	r.Establish(context.Background(), "s2", serverConfig("b"))

	r.Shutdown()

	if got := r.Open(); got != 0 {
		t.Errorf("Open() after Shutdown = %d, want 0", got)
	}
}

func TestStatusReportsSlots(t *testing.T) {
	r := newTestRegistry(t, 10, healthyFactory())

	r.Establish(context.Background(), "s1", serverConfig("a"))
	r.Establish(context.Background(), "s1", serverConfig("b"))

	status := r.Status("s1")
	if len(status) != 2 {
		t.Fatalf("Status() returned %d entries, want 2", len(status))
	}
	if status[0].ServerID != "a" || status[1].ServerID != "b" {
		t.Errorf("Status() order = %s,%s, want insertion order a,b",
			status[0].ServerID, status[1].ServerID)
	}
	if status[0].Tools != 1 {
		t.Errorf("Status()[0].Tools = %d, want 1", status[0].Tools)
	}
}
