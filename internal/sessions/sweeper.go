package sessions

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/relay/internal/connections"
)

// Sweeper expires idle sessions in the background. Expired sessions have
// every tool connection cleaned through the registry before they are
// discarded. Best-effort: a sweep never fails loudly.
type Sweeper struct {
	store    *Store
	registry *connections.Registry
	interval time.Duration
	idleTTL  time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper. A non-positive idleTTL disables expiry.
func NewSweeper(store *Store, registry *connections.Registry, interval, idleTTL time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		store:    store,
		registry: registry,
		interval: interval,
		idleTTL:  idleTTL,
		logger:   logger.With("component", "session-sweeper"),
	}
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.idleTTL <= 0 {
		s.logger.Debug("idle expiry disabled")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep expires every session idle longer than the TTL.
func (s *Sweeper) Sweep() {
	if s.idleTTL <= 0 {
		return
	}

	cutoff := s.store.Now().Add(-s.idleTTL)
	for _, sess := range s.store.List() {
		if sess.LastActive().After(cutoff) {
			continue
		}
		s.registry.CleanupSession(sess.ID)
		s.store.Remove(sess.Identity)
		s.logger.Info("expired idle session",
			"session", sess.ID,
			"identity", sess.Identity,
			"idle_since", sess.LastActive())
	}
}
