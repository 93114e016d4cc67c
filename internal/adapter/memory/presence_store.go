package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/presencepulse/internal/domain"
)

var _ domain.PresenceStore = (*PresenceStore)(nil)

// PresenceStore keeps encoded activity records keyed by user id, mirroring the
// layout of the shared hash so the same parsing rules apply.
type PresenceStore struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	entries map[string][]byte
}

func NewPresenceStore(clock clockwork.Clock) *PresenceStore {
	return &PresenceStore{
		clock:   clock,
		entries: make(map[string][]byte),
	}
}

func (s *PresenceStore) MarkActive(_ context.Context, userID string, meta domain.ActivityMeta) error {
	raw, err := json.Marshal(domain.ActivityRecord{
		UserID:     userID,
		Channel:    meta.Channel,
		LastActive: s.clock.Now().UnixMilli(),
		Metadata:   meta.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to encode activity record: %w", err)
	}

	s.mu.Lock()
	s.entries[userID] = raw
	s.mu.Unlock()
	return nil
}

func (s *PresenceStore) Snapshot(_ context.Context) ([]domain.PresenceEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PresenceEntry, 0, len(s.entries))
	for userID, raw := range s.entries {
		out = append(out, domain.PresenceEntry{UserID: userID, Raw: append([]byte(nil), raw...)})
	}
	return out, nil
}

func (s *PresenceStore) Evict(_ context.Context, userIDs ...string) error {
	s.mu.Lock()
	for _, id := range userIDs {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	return nil
}
