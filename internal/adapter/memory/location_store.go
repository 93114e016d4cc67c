package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pscheid92/presencepulse/internal/domain"
)

var _ domain.LocationStore = (*LocationStore)(nil)

type LocationStore struct {
	mu        sync.RWMutex
	locations map[string]domain.LocationRecord
}

func NewLocationStore() *LocationStore {
	return &LocationStore{locations: make(map[string]domain.LocationRecord)}
}

func (s *LocationStore) Put(_ context.Context, rec domain.LocationRecord) error {
	s.mu.Lock()
	s.locations[rec.UserID] = rec
	s.mu.Unlock()
	return nil
}

func (s *LocationStore) Get(_ context.Context, userID string) (domain.LocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.locations[userID]
	if !ok {
		return domain.LocationRecord{}, fmt.Errorf("%w: %s", domain.ErrLocationNotFound, userID)
	}
	return rec, nil
}

func (s *LocationStore) All(_ context.Context) ([]domain.LocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.LocationRecord, 0, len(s.locations))
	for _, rec := range s.locations {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
