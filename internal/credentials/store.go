// Package credentials abstracts bearer-token lookup. The engine never runs
// an auth flow itself; an absent token simply means "cannot connect".
package credentials

import (
	"errors"
	"sync"
)

// ErrNoToken is returned when no bearer token is stored.
var ErrNoToken = errors.New("credentials: no token")

// Store yields the opaque bearer token for the current session.
type Store interface {
	Token() (string, error)
}

// Memory is a trivial in-process Store, used by tests and the dev binary.
type Memory struct {
	mu    sync.RWMutex
	token string
}

func NewMemory(token string) *Memory {
	return &Memory{token: token}
}

func (m *Memory) Token() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == "" {
		return "", ErrNoToken
	}
	return m.token, nil
}

// SetToken replaces the stored token ("" clears it).
func (m *Memory) SetToken(token string) {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
}
