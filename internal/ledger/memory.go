package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"rollcall/internal/apperr"
)

type pairKey struct {
	sessionID string
	studentID string
}

// MemoryStore is a mutex-guarded in-memory store for dev and tests. The
// uniqueness and capacity checks run with the insert under one lock,
// matching the transactional guarantee of the Postgres store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	pairs   map[pairKey]string // (session,student) -> entry id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
		pairs:   make(map[pairKey]string),
	}
}

// InsertUnique performs the atomic uniqueness+capacity check-and-insert.
func (m *MemoryStore) InsertUnique(ctx context.Context, e Entry, capacity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey{e.SessionID, e.StudentID}
	if _, exists := m.pairs[key]; exists {
		return apperr.New(apperr.KindDuplicateAttendance, "student already marked for this session")
	}
	if capacity > 0 {
		count := 0
		for _, existing := range m.entries {
			if existing.SessionID == e.SessionID {
				count++
			}
		}
		if count >= capacity {
			return apperr.Newf(apperr.KindCapacityExceeded, "session capacity of %d reached", capacity)
		}
	}
	m.entries[e.ID] = e
	m.pairs[key] = e.ID
	return nil
}

// Get returns one entry by id.
func (m *MemoryStore) Get(ctx context.Context, id string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return e, nil
}

// ListBySession returns a session's entries in recording order.
func (m *MemoryStore) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	var res []Entry
	for _, e := range m.entries {
		if e.SessionID == sessionID {
			res = append(res, e)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].RecordedAt.Before(res[j].RecordedAt) })
	if offset >= len(res) {
		return nil, nil
	}
	end := offset + limit
	if end > len(res) {
		end = len(res)
	}
	return res[offset:end], nil
}

// CountBySession returns how many entries a session holds.
func (m *MemoryStore) CountBySession(ctx context.Context, sessionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.entries {
		if e.SessionID == sessionID {
			count++
		}
	}
	return count, nil
}

// UpdateStatus changes the declared status of one entry.
func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	e.Status = status
	m.entries[id] = e
	return nil
}

// Confirm stamps the confirmation fields while the entry is still pending.
func (m *MemoryStore) Confirm(ctx context.Context, id, by string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return false, ErrEntryNotFound
	}
	if !e.RequiresConfirmation {
		return false, nil
	}
	e.RequiresConfirmation = false
	confirmedBy := by
	confirmedAt := at
	e.ConfirmedBy = &confirmedBy
	e.ConfirmedAt = &confirmedAt
	m.entries[id] = e
	return true, nil
}

// Delete removes one entry and frees its (session, student) slot.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	delete(m.entries, id)
	delete(m.pairs, pairKey{e.SessionID, e.StudentID})
	return nil
}
