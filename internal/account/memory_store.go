package account

import (
	"context"
	"sync"
)

// MemoryHealthStore keeps health records in process. It serializes all
// updates behind one mutex.
type MemoryHealthStore struct {
	mu      sync.Mutex
	records map[string]HealthRecord
}

// NewMemoryHealthStore creates an empty store.
func NewMemoryHealthStore() *MemoryHealthStore {
	return &MemoryHealthStore{records: make(map[string]HealthRecord)}
}

func (s *MemoryHealthStore) Update(_ context.Context, account string, fn func(rec *HealthRecord, found bool) error) (HealthRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, found := s.records[account]
	if err := fn(&rec, found); err != nil {
		return HealthRecord{}, err
	}
	s.records[account] = rec
	return rec, nil
}

func (s *MemoryHealthStore) Get(_ context.Context, account string) (HealthRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[account]
	return rec, ok, nil
}
