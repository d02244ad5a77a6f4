// Package connections implements the admission-controlled, per-session
// multiplexer over tool-server clients.
package connections

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/relay/internal/mcp"
	"github.com/haasonsaas/relay/internal/observability"
)

// Client is what the registry needs from a tool-server connection. It is
// implemented by *mcp.Client; tests substitute fakes through the factory.
type Client interface {
	Start(ctx context.Context)
	Started() bool
	Err() error
	Tools() map[string]*mcp.Tool
	ServerInfo() mcp.ServerInfo
	Cleanup()
}

// ClientFactory constructs a Client for a validated server config.
type ClientFactory func(cfg *mcp.ServerConfig) Client

// EstablishResult is the structured outcome of an establish attempt.
// Establishment failures are reported here, never panicked, so the
// admission bookkeeping always runs to completion.
type EstablishResult struct {
	OK     bool
	Client Client
	Err    error
}

// ConnStatus summarizes one connection slot.
type ConnStatus struct {
	ServerID string         `json:"server_id"`
	Name     string         `json:"name,omitempty"`
	Server   mcp.ServerInfo `json:"server"`
	Tools    int            `json:"tools"`
}

// sessionSlots is the per-session serverId -> client table. The order
// slice records insertion order so tool aggregation has a deterministic
// last-write-wins merge (Go map iteration order is randomized).
type sessionSlots struct {
	mu    sync.Mutex
	conns map[string]Client
	order []string
}

// Registry tracks tool-server connections for every session and enforces
// the process-wide concurrent-connection ceiling.
//
// The counter is the only cross-session shared mutable state. Admission
// reserves a slot with a compare-and-swap loop before any subprocess work
// begins, so a rejected establish incurs zero spawn cost and the
// invariant 0 <= counter <= limit holds under real concurrency. Per-slot
// mutation happens under the session's own lock, closing the
// same-(session, serverId) establish race.
type Registry struct {
	limit      int64
	counter    atomic.Int64
	logger     *slog.Logger
	metrics    *observability.Metrics
	newClient  ClientFactory
	sessionsMu sync.Mutex
	sessions   map[string]*sessionSlots
}

// NewRegistry creates a registry with the given connection ceiling.
// metrics may be nil.
func NewRegistry(limit int, logger *slog.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		limit:    int64(limit),
		logger:   logger.With("component", "connections"),
		metrics:  metrics,
		sessions: make(map[string]*sessionSlots),
	}
	r.newClient = func(cfg *mcp.ServerConfig) Client {
		return mcp.NewClient(cfg, logger)
	}
	return r
}

// SetClientFactory overrides client construction; used by tests.
func (r *Registry) SetClientFactory(f ClientFactory) {
	if f != nil {
		r.newClient = f
	}
}

// Open returns the number of currently open connections process-wide.
func (r *Registry) Open() int64 {
	return r.counter.Load()
}

// reserve claims one connection slot if any remain. CAS loop keeps the
// check-and-increment atomic on a parallel runtime.
func (r *Registry) reserve() bool {
	for {
		n := r.counter.Load()
		if n >= r.limit {
			return false
		}
		if r.counter.CompareAndSwap(n, n+1) {
			r.observeGauge()
			return true
		}
	}
}

// release returns a reserved slot.
func (r *Registry) release() {
	r.counter.Add(-1)
	r.observeGauge()
}

func (r *Registry) observeGauge() {
	if r.metrics != nil {
		r.metrics.ToolConnectionsOpen.Set(float64(r.counter.Load()))
	}
}

func (r *Registry) observeEstablish(status string) {
	if r.metrics != nil {
		r.metrics.ConnectionEstablishTotal.WithLabelValues(status).Inc()
	}
}

// slots returns the slot table for a session, creating it on first use.
// Only Establish goes through here; read paths use peek so probes for
// unknown sessions leave no entry behind.
func (r *Registry) slots(sessionID string) *sessionSlots {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		s = &sessionSlots{conns: make(map[string]Client)}
		r.sessions[sessionID] = s
	}
	return s
}

// peek returns the slot table for a session without creating one.
func (r *Registry) peek(sessionID string) (*sessionSlots, bool) {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Establish opens a connection to a tool server for the given session.
//
// Order matters: the capacity check runs before any subprocess work, a
// failed start rolls the reservation back, and only a fully-started
// client with a non-empty tool set is stored and counted. Reconnecting
// an already-occupied slot replaces it: the displaced client is cleaned
// up and its reservation released, so the counter stays one per live
// connection.
func (r *Registry) Establish(ctx context.Context, sessionID string, cfg *mcp.ServerConfig) EstablishResult {
	if cfg == nil {
		r.observeEstablish("error")
		return EstablishResult{Err: fmt.Errorf("server config is required")}
	}
	if err := cfg.Validate(); err != nil {
		r.observeEstablish("error")
		return EstablishResult{Err: err}
	}

	if !r.reserve() {
		r.logger.Info("connection rejected at capacity",
			"session", sessionID,
			"server", cfg.ID,
			"limit", r.limit)
		r.observeEstablish("capacity")
		return EstablishResult{Err: ErrCapacity}
	}

	client := r.newClient(cfg)
	client.Start(ctx)

	if !client.Started() || len(client.Tools()) == 0 {
		client.Cleanup()
		r.release()
		r.observeEstablish("error")

		err := client.Err()
		if err == nil {
			err = fmt.Errorf("tool server %s exposed no tools", cfg.ID)
		}
		r.logger.Warn("connection establish failed",
			"session", sessionID,
			"server", cfg.ID,
			"error", err)
		return EstablishResult{Err: err}
	}

	s := r.slots(sessionID)
	s.mu.Lock()
	displaced, replacing := s.conns[cfg.ID]
	if !replacing {
		s.order = append(s.order, cfg.ID)
	}
	s.conns[cfg.ID] = client
	s.mu.Unlock()

	if replacing {
		displaced.Cleanup()
		r.release()
		r.logger.Info("connection replaced", "session", sessionID, "server", cfg.ID)
	}

	r.observeEstablish("ok")
	r.logger.Info("connection established",
		"session", sessionID,
		"server", cfg.ID,
		"tools", len(client.Tools()))
	return EstablishResult{OK: true, Client: client}
}

// Cleanup tears down one connection slot. No-op when the slot is absent;
// client cleanup errors are swallowed (the client logs them) and the
// counter is decremented exactly once per stored slot.
func (r *Registry) Cleanup(sessionID, serverID string) {
	s, found := r.peek(sessionID)
	if !found {
		return
	}

	s.mu.Lock()
	client, ok := s.conns[serverID]
	if ok {
		delete(s.conns, serverID)
		for i, id := range s.order {
			if id == serverID {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	client.Cleanup()
	r.release()
	r.logger.Info("connection closed", "session", sessionID, "server", serverID)
}

// CleanupSession tears down every connection a session holds and forgets
// the session. Used by the idle sweeper and on shutdown.
func (r *Registry) CleanupSession(sessionID string) {
	r.sessionsMu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.sessionsMu.Unlock()

	if !ok {
		return
	}

	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]Client)
	s.order = nil
	s.mu.Unlock()

	for id, client := range conns {
		client.Cleanup()
		r.release()
		r.logger.Info("connection closed", "session", sessionID, "server", id)
	}
}

// Shutdown tears down every connection across all sessions.
func (r *Registry) Shutdown() {
	r.sessionsMu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.sessionsMu.Unlock()

	for _, id := range ids {
		r.CleanupSession(id)
	}
}

// AggregateTools merges every connection's tool set for a session into
// one name -> tool mapping. Connections are merged in establishment
// order, so a later-registered server silently shadows an earlier one on
// a name collision. Read-only; recomputed per request.
func (r *Registry) AggregateTools(sessionID string) map[string]*mcp.Tool {
	merged := make(map[string]*mcp.Tool)
	s, found := r.peek(sessionID)
	if !found {
		return merged
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, serverID := range s.order {
		client, ok := s.conns[serverID]
		if !ok {
			continue
		}
		for name, tool := range client.Tools() {
			merged[name] = tool
		}
	}
	return merged
}

// Lookup returns the client for a session's connection slot.
func (r *Registry) Lookup(sessionID, serverID string) (Client, bool) {
	s, found := r.peek(sessionID)
	if !found {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	client, ok := s.conns[serverID]
	return client, ok
}

// Status summarizes a session's connections in establishment order.
func (r *Registry) Status(sessionID string) []ConnStatus {
	s, found := r.peek(sessionID)
	if !found {
		return []ConnStatus{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]ConnStatus, 0, len(s.order))
	for _, serverID := range s.order {
		client, ok := s.conns[serverID]
		if !ok {
			continue
		}
		statuses = append(statuses, ConnStatus{
			ServerID: serverID,
			Server:   client.ServerInfo(),
			Tools:    len(client.Tools()),
		})
	}
	return statuses
}
