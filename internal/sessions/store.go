// Package sessions provides the in-memory store of caller sessions.
package sessions

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/observability"
)

// Session identifies one caller. It lives in process memory for the life
// of the server; its tool connections are tracked by the connection
// registry under the session ID.
type Session struct {
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	CreatedAt time.Time `json:"created_at"`

	mu         sync.Mutex
	lastActive time.Time
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// LastActive returns the time of the most recent activity.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Store maps opaque caller identities to sessions. Exactly one session
// exists per identity at a time; sessions are created lazily on first
// request and never merged between identities.
type Store struct {
	mu       sync.Mutex
	byID     map[string]*Session
	sessions map[string]*Session
	metrics  *observability.Metrics
	nowFunc  func() time.Time
}

// NewStore creates an empty session store. metrics may be nil.
func NewStore(metrics *observability.Metrics) *Store {
	return &Store{
		byID:     map[string]*Session{},
		sessions: map[string]*Session{},
		metrics:  metrics,
		nowFunc:  time.Now,
	}
}

// SetNowFunc sets a custom time function for testing.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		s.nowFunc = fn
	}
}

// Now returns the store's current time. The sweeper uses it so expiry
// follows the same clock the store stamps sessions with.
func (s *Store) Now() time.Time {
	return s.nowFunc()
}

// GetOrCreate returns the session for an identity, creating one with no
// connections on first use.
func (s *Store) GetOrCreate(identity string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[identity]; ok {
		return sess
	}

	now := s.nowFunc()
	sess := &Session{
		ID:         uuid.NewString(),
		Identity:   identity,
		CreatedAt:  now,
		lastActive: now,
	}
	s.sessions[identity] = sess
	s.byID[sess.ID] = sess
	s.observeCount()
	return sess
}

// Get returns the session for an identity, if one exists.
func (s *Store) Get(identity string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[identity]
	return sess, ok
}

// Remove forgets a session. The caller is responsible for tearing down
// its connections first.
func (s *Store) Remove(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[identity]; ok {
		delete(s.sessions, identity)
		delete(s.byID, sess.ID)
		s.observeCount()
	}
}

// List returns a snapshot of all live sessions.
func (s *Store) List() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Store) observeCount() {
	if s.metrics != nil {
		s.metrics.ActiveSessions.Set(float64(len(s.sessions)))
	}
}
