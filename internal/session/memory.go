package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

type collabKey struct {
	sessionID string
	userID    string
}

// MemoryStore is a mutex-guarded in-memory store for dev and tests. The
// compare-and-set runs under the store lock, so it gives the same
// serialization guarantee as the conditional UPDATE in Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	collabs  map[collabKey]Collaborator
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		collabs:  make(map[collabKey]Collaborator),
	}
}

// Insert writes a new session.
func (m *MemoryStore) Insert(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

// Get returns a session by id.
func (m *MemoryStore) Get(ctx context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

// List returns sessions owned by ownerID, newest first.
func (m *MemoryStore) List(ctx context.Context, ownerID string, limit, offset int) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var all []Session
	for _, s := range m.sessions {
		if s.OwnerID == ownerID {
			all = append(all, s)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// CompareAndSetStatus swaps the status only when it still equals expected.
func (m *MemoryStore) CompareAndSetStatus(ctx context.Context, id string, expected, next Status, endedAt *time.Time, notes *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, ErrSessionNotFound
	}
	if s.Status != expected {
		return false, nil
	}
	s.Status = next
	if endedAt != nil {
		t := *endedAt
		s.EndedAt = &t
	}
	if notes != nil {
		n := *notes
		s.Notes = &n
	}
	m.sessions[id] = s
	return true, nil
}

// Delete removes a session and its collaborator grants.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	for k := range m.collabs {
		if k.sessionID == id {
			delete(m.collabs, k)
		}
	}
	return nil
}

// PutCollaborator inserts or updates a (session,user) grant.
func (m *MemoryStore) PutCollaborator(ctx context.Context, c Collaborator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collabs[collabKey{c.SessionID, c.UserID}] = c
	return nil
}

// DeleteCollaborator removes a grant.
func (m *MemoryStore) DeleteCollaborator(ctx context.Context, sessionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collabs, collabKey{sessionID, userID})
	return nil
}

// GetCollaborator returns the grant for a (session,user) pair.
func (m *MemoryStore) GetCollaborator(ctx context.Context, sessionID, userID string) (Collaborator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collabs[collabKey{sessionID, userID}]
	if !ok {
		return Collaborator{}, ErrCollaboratorNotFound
	}
	return c, nil
}

// ListCollaborators returns every grant on a session.
func (m *MemoryStore) ListCollaborators(ctx context.Context, sessionID string) ([]Collaborator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []Collaborator
	for k, c := range m.collabs {
		if k.sessionID == sessionID {
			res = append(res, c)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].AddedAt.Before(res[j].AddedAt) })
	return res, nil
}
