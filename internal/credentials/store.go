// Package credentials persists the authorization token of one client identity.
//
// Stores never talk to the network. A token that cannot be read back intact is
// reported as ErrNotFound so callers fall back to a fresh exchange.
package credentials

import (
	"errors"
	"maps"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound        = errors.New("credentials: token not found")
	ErrIdentityMissing = errors.New("credentials: identity required")
	ErrTokenMissing    = errors.New("credentials: access token required")
)

// Token is the persisted authorization material for one identity.
type Token struct {
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	IssuedAt     time.Time         `json:"issued_at"`
	ExpiresAt    time.Time         `json:"expires_at,omitzero"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (t Token) Validate() error {
	if strings.TrimSpace(t.AccessToken) == "" {
		return ErrTokenMissing
	}
	return nil
}

// Expired reports whether the token carries an expiry that is not after now.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Store loads and saves tokens keyed by client identity.
type Store interface {
	Load(identity string) (Token, error)
	Save(identity string, token Token) error
}

// MemoryStore keeps tokens in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]Token
	saves  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]Token)}
}

func (m *MemoryStore) Load(identity string) (Token, error) {
	key := strings.TrimSpace(identity)
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.tokens[key]
	if !ok {
		return Token{}, ErrNotFound
	}
	return cloneToken(tok), nil
}

func (m *MemoryStore) Save(identity string, token Token) error {
	key := strings.TrimSpace(identity)
	if key == "" {
		return ErrIdentityMissing
	}
	if err := token.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[key] = cloneToken(token)
	m.saves++
	return nil
}

// Saves returns how many successful Save calls the store has seen.
func (m *MemoryStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

func cloneToken(t Token) Token {
	if t.Metadata != nil {
		t.Metadata = maps.Clone(t.Metadata)
	}
	return t
}
