package secmap

import (
	"context"
	"sync"

	"github.com/tradewire/connector/internal/schema"
)

// MemoryStore is the in-process Store used when no database is configured and
// as the write-through cache in front of the Postgres store.
type MemoryStore struct {
	mu       sync.RWMutex
	byNative map[int64]schema.SecurityID
	bySec    map[schema.SecurityID]int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byNative: make(map[int64]schema.SecurityID),
		bySec:    make(map[schema.SecurityID]int64),
	}
}

// Add implements Store.
func (s *MemoryStore) Add(_ context.Context, m Mapping) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byNative[m.NativeID]; taken {
		return false, nil
	}
	if _, taken := s.bySec[m.SecurityID]; taken {
		return false, nil
	}
	s.byNative[m.NativeID] = m.SecurityID
	s.bySec[m.SecurityID] = m.NativeID
	return true, nil
}

// BySecurity implements Store.
func (s *MemoryStore) BySecurity(_ context.Context, id schema.SecurityID) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nativeID, ok := s.bySec[id]
	return nativeID, ok, nil
}

// ByNative implements Store.
func (s *MemoryStore) ByNative(_ context.Context, nativeID int64) (schema.SecurityID, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byNative[nativeID]
	return id, ok, nil
}

// All implements Store.
func (s *MemoryStore) All(_ context.Context) ([]Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Mapping, 0, len(s.bySec))
	for id, nativeID := range s.bySec {
		out = append(out, Mapping{SecurityID: id, NativeID: nativeID})
	}
	return out, nil
}
