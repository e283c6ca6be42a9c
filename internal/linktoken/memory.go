package linktoken

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-memory store for dev and tests. The
// conditional use-count increment runs under the store lock, matching the
// atomicity of the conditional UPDATE in Postgres.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]Token)}
}

// Insert writes a new token.
func (m *MemoryStore) Insert(ctx context.Context, t Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[t.Token] = t
	return nil
}

// Get returns a token by its opaque string.
func (m *MemoryStore) Get(ctx context.Context, token string) (Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[token]
	if !ok {
		return Token{}, ErrTokenNotFound
	}
	return t, nil
}

// ListBySession returns a session's tokens, newest first.
func (m *MemoryStore) ListBySession(ctx context.Context, sessionID string) ([]Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []Token
	for _, t := range m.tokens {
		if t.SessionID == sessionID {
			res = append(res, t)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

// RetireBySession deactivates every still-active token for a session.
func (m *MemoryStore) RetireBySession(ctx context.Context, sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, t := range m.tokens {
		if t.SessionID == sessionID && t.Active {
			t.Active = false
			stamp := at
			t.DeactivatedAt = &stamp
			m.tokens[key] = t
		}
	}
	return nil
}

// Deactivate marks one token inactive.
func (m *MemoryStore) Deactivate(ctx context.Context, token string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok {
		return ErrTokenNotFound
	}
	if t.Active {
		t.Active = false
		stamp := at
		t.DeactivatedAt = &stamp
		m.tokens[token] = t
	}
	return nil
}

// ConsumeUse increments the use count only while it is below the max.
func (m *MemoryStore) ConsumeUse(ctx context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok {
		return false, ErrTokenNotFound
	}
	if t.MaxUses != nil && t.UsesCount >= *t.MaxUses {
		return false, nil
	}
	t.UsesCount++
	m.tokens[token] = t
	return true, nil
}

// RestoreUse decrements the use count, stopping at zero.
func (m *MemoryStore) RestoreUse(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok {
		return ErrTokenNotFound
	}
	if t.UsesCount > 0 {
		t.UsesCount--
		m.tokens[token] = t
	}
	return nil
}

// MarkExpired flags tokens past their expiry as inactive.
func (m *MemoryStore) MarkExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := 0
	for key, t := range m.tokens {
		if t.Active && !now.Before(t.ExpiresAt) {
			t.Active = false
			stamp := now
			t.DeactivatedAt = &stamp
			m.tokens[key] = t
			changed++
		}
	}
	return changed, nil
}
