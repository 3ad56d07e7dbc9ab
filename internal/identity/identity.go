// Package identity resolves the identity id of the current device session.
package identity

import (
	"context"
	"sync"

	"github.com/matheus3301/securechat/internal/model"
)

// Provider yields the identity id of the active session, or model.ErrAuth.
type Provider interface {
	CurrentIdentity(ctx context.Context) (string, error)
}

// Session holds an identity id set at login and cleared at logout.
type Session struct {
	mu sync.RWMutex
	id string
}

// NewSession returns a session, already logged in when id is non-empty.
func NewSession(id string) *Session {
	return &Session{id: id}
}

// CurrentIdentity returns the logged-in identity id.
func (s *Session) CurrentIdentity(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.id == "" {
		return "", model.ErrAuth
	}
	return s.id, nil
}

// Login binds the session to id.
func (s *Session) Login(id string) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

// Logout clears the session.
func (s *Session) Logout() {
	s.mu.Lock()
	s.id = ""
	s.mu.Unlock()
}
