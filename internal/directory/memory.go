package directory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is a mutex-guarded in-memory store for dev and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	students map[string]Student // keyed by id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{students: make(map[string]Student)}
}

// FindByID returns the student with the given id.
func (m *MemoryStore) FindByID(ctx context.Context, id string) (Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.students[id]; ok {
		return s, nil
	}
	return Student{}, ErrStudentNotFound
}

// FindByIndex returns the student with the given index number.
func (m *MemoryStore) FindByIndex(ctx context.Context, indexNumber string) (Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.students {
		if s.IndexNumber == indexNumber {
			return s, nil
		}
	}
	return Student{}, ErrStudentNotFound
}

// FindByQR returns the student whose stored QR payload matches exactly.
func (m *MemoryStore) FindByQR(ctx context.Context, payload string) (Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.students {
		if s.QRPayload != nil && *s.QRPayload == payload {
			return s, nil
		}
	}
	return Student{}, ErrStudentNotFound
}

// FindByBiometricHash returns the student enrolled with the given template hash.
func (m *MemoryStore) FindByBiometricHash(ctx context.Context, hash string, provider BiometricProvider) (Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.students {
		if s.BiometricHash != nil && *s.BiometricHash == hash &&
			s.BiometricProvider != nil && *s.BiometricProvider == string(provider) {
			return s, nil
		}
	}
	return Student{}, ErrStudentNotFound
}

// Upsert creates or updates a student keyed by index number.
func (m *MemoryStore) Upsert(ctx context.Context, s Student) (Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.students {
		if existing.IndexNumber == s.IndexNumber {
			s.ID = id
			if s.QRPayload == nil {
				s.QRPayload = existing.QRPayload
			}
			if s.BiometricHash == nil {
				s.BiometricHash = existing.BiometricHash
				s.BiometricProvider = existing.BiometricProvider
			}
			m.students[id] = s
			return s, nil
		}
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	m.students[s.ID] = s
	return s, nil
}

// List returns students ordered by index number.
func (m *MemoryStore) List(ctx context.Context, limit, offset int) ([]Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	all := make([]Student, 0, len(m.students))
	for _, s := range m.students {
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].IndexNumber < all[j].IndexNumber })
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}
