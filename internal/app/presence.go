package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/pscheid92/presencepulse/internal/domain"
	"github.com/pscheid92/presencepulse/internal/scheduler"
)

var ErrEmptyUserID = errors.New("user id is required")

// PresenceService is the entry point for activity signals. All writes to the
// presence map go through the store it wraps.
type PresenceService struct {
	store       domain.PresenceStore
	broadcaster domain.PresenceBroadcaster
}

func NewPresenceService(store domain.PresenceStore, broadcaster domain.PresenceBroadcaster) *PresenceService {
	return &PresenceService{store: store, broadcaster: broadcaster}
}

func (s *PresenceService) MarkActive(ctx context.Context, userID string, meta domain.ActivityMeta) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	if err := s.store.MarkActive(ctx, userID, meta); err != nil {
		return fmt.Errorf("mark %s active: %w", userID, err)
	}
	return nil
}

// Logout removes the user immediately instead of waiting for the reconciler,
// then broadcasts the new list.
func (s *PresenceService) Logout(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	if err := s.store.Evict(ctx, userID); err != nil {
		return fmt.Errorf("evict %s: %w", userID, err)
	}

	if err := s.Broadcast(ctx); err != nil {
		slog.WarnContext(ctx, "Presence broadcast after logout failed", "user_id", userID, "error", err)
	}
	return nil
}

// ActiveUsers returns the well-formed records currently stored, ordered by user
// id. Records past the threshold remain visible until the next prune.
func (s *PresenceService) ActiveUsers(ctx context.Context) ([]domain.ActivityRecord, error) {
	entries, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("presence snapshot: %w", err)
	}
	records := domain.ParseSnapshot(entries)
	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })
	return records, nil
}

// Broadcast publishes the current list to every observer.
func (s *PresenceService) Broadcast(ctx context.Context) error {
	records, err := s.ActiveUsers(ctx)
	if err != nil {
		return err
	}
	return s.broadcaster.BroadcastPresence(ctx, records)
}

// HandleBroadcast is the presence.broadcast job handler.
func (s *PresenceService) HandleBroadcast(ctx context.Context, _ domain.Firing) error {
	return s.Broadcast(ctx)
}

var _ scheduler.Handler = (*PresenceService)(nil).HandleBroadcast
