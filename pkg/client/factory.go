// Package client hands out upstream HTTP clients. The HTTP transport runs one
// client per session so each caller's credentials stay isolated; the stdio
// transport runs a single global client built from the environment.
package client

import (
	"sync"

	"github.com/apibridge/apibridge/pkg/upstream"
)

// Factory builds and caches upstream clients keyed by session id.
type Factory struct {
	cfg  *upstream.Config
	opts []upstream.Option

	globalOnce sync.Once
	global     *upstream.Client
	globalErr  error

	mu       sync.RWMutex
	sessions map[string]*upstream.Client
}

// NewFactory returns a factory producing clients for the given interceptor
// configuration. Options are applied to every client it builds.
func NewFactory(cfg *upstream.Config, opts ...upstream.Option) *Factory {
	return &Factory{
		cfg:      cfg,
		opts:     opts,
		sessions: make(map[string]*upstream.Client),
	}
}

// Global returns the client authenticated from the environment, built once
// on first use.
func (f *Factory) Global() (*upstream.Client, error) {
	f.globalOnce.Do(func() {
		f.global, f.globalErr = upstream.New(f.cfg, f.opts...)
	})
	return f.global, f.globalErr
}

// ForSession returns the client bound to the session, creating it on first
// use with the session's token. Concurrent callers for the same session get
// the same instance.
func (f *Factory) ForSession(sessionID, token string) (*upstream.Client, error) {
	f.mu.RLock()
	c, ok := f.sessions[sessionID]
	f.mu.RUnlock()
	if ok {
		return c, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.sessions[sessionID]; ok {
		return c, nil
	}

	opts := append([]upstream.Option(nil), f.opts...)
	if token != "" {
		opts = append(opts, upstream.WithToken(token))
	}
	c, err := upstream.New(f.cfg, opts...)
	if err != nil {
		return nil, err
	}
	f.sessions[sessionID] = c
	return c, nil
}

// Destroy drops the cached client for a session. Safe to call for unknown
// sessions.
func (f *Factory) Destroy(sessionID string) {
	f.mu.Lock()
	delete(f.sessions, sessionID)
	f.mu.Unlock()
}

// Len reports how many session clients are cached.
func (f *Factory) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sessions)
}
