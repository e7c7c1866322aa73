// Package session tracks MCP sessions for the HTTP transport: creation with
// the caller's auth token, last-activity tracking, idle expiry, and destroy
// listeners so dependent state (per-session clients, SSE streams) is released
// exactly once.
package session

import (
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apibridge/apibridge/pkg/apierror"
	"github.com/apibridge/apibridge/pkg/logger"
)

// DefaultTokenMaxLength bounds incoming auth tokens.
const DefaultTokenMaxLength = 1000

// sweepInterval is how often expired sessions are collected.
const sweepInterval = 60 * time.Second

// tokenRe is the RFC 6750 token68 shape: the characters a bearer token may
// contain, with optional trailing padding.
var tokenRe = regexp.MustCompile(`^[A-Za-z0-9\-._~+/]+=*$`)

// Session is one live MCP session.
type Session struct {
	ID        string
	Token     string
	CreatedAt time.Time

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

// Manager is the session store. Destroy listeners run outside the store lock
// and fire at most once per session.
type Manager struct {
	ttl time.Duration

	mu        sync.RWMutex
	sessions  map[string]*Session
	listeners []func(sessionID string)

	stopOnce sync.Once
	stop     chan struct{}
}

// NewManager returns a store expiring sessions idle longer than ttl. The
// sweep goroutine runs until Shutdown.
func NewManager(ttl time.Duration) *Manager {
	m := &Manager{
		ttl:      ttl,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
	go m.sweep()
	return m
}

// OnDestroy registers a listener invoked whenever a session is removed, for
// any reason. Register listeners before serving traffic.
func (m *Manager) OnDestroy(fn func(sessionID string)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Create mints a new session carrying the caller's token.
func (m *Manager) Create(token string) *Session {
	now := time.Now()
	s := &Session{
		ID:         uuid.New().String(),
		Token:      token,
		CreatedAt:  now,
		lastActive: now,
	}
	if token != "" {
		logger.RegisterSecret(token)
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	logger.Debugw("session created", "session_id", s.ID)
	return s
}

// Get returns the session and refreshes its activity timestamp.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		s.Touch()
	}
	return s, ok
}

// Destroy removes a session and notifies listeners. Returns false when the
// session does not exist, so repeated destroys are harmless.
func (m *Manager) Destroy(id string) bool {
	m.mu.Lock()
	_, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	listeners := m.listeners
	m.mu.Unlock()

	if !ok {
		return false
	}
	for _, fn := range listeners {
		fn(id)
	}
	logger.Debugw("session destroyed", "session_id", id)
	return true
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown stops the sweeper and destroys every remaining session.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Destroy(id)
	}
}

func (m *Manager) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.expire()
		}
	}
}

func (m *Manager) expire() {
	cutoff := time.Now().Add(-m.ttl)

	m.mu.RLock()
	var expired []string
	for id, s := range m.sessions {
		if s.LastActive().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		if m.Destroy(id) {
			logger.Infow("session expired", "session_id", id)
		}
	}
}

// ValidateToken rejects tokens that are too long or contain characters
// outside the bearer token alphabet. Empty tokens are allowed; auth
// enforcement happens elsewhere.
func ValidateToken(token string, maxLength int) error {
	if token == "" {
		return nil
	}
	if maxLength <= 0 {
		maxLength = DefaultTokenMaxLength
	}
	if len(token) > maxLength {
		return apierror.NewAuthentication("auth token exceeds maximum length of %d", maxLength)
	}
	if !tokenRe.MatchString(token) {
		return apierror.NewAuthentication("auth token contains invalid characters")
	}
	return nil
}
