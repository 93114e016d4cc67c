package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/presencepulse/internal/adapter/metrics"
	"github.com/pscheid92/presencepulse/internal/domain"
	"golang.org/x/sync/singleflight"
)

// JobProximityRefresh recomputes nearby lists, for one user or for every
// active user with a known location.
const JobProximityRefresh = "proximity.refresh"

// JobEnqueuer fires a registered job once, out of schedule.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, jobID string, payload json.RawMessage) error
}

type refreshPayload struct {
	UserID string `json:"user_id,omitempty"`
}

type ProximityService struct {
	locations  domain.LocationStore
	presence   domain.PresenceStore
	publisher  domain.NearbyPublisher
	jobs       JobEnqueuer
	clock      clockwork.Clock
	radiusKm   float64
	limit      int
	metrics    *metrics.ProximityMetrics
	queryGroup singleflight.Group
}

type ProximityOptions struct {
	RadiusKm     float64
	DefaultLimit int
}

func NewProximityService(
	locations domain.LocationStore,
	presence domain.PresenceStore,
	publisher domain.NearbyPublisher,
	jobs JobEnqueuer,
	clock clockwork.Clock,
	m *metrics.ProximityMetrics,
	opts ProximityOptions,
) *ProximityService {
	return &ProximityService{
		locations: locations,
		presence:  presence,
		publisher: publisher,
		jobs:      jobs,
		clock:     clock,
		radiusKm:  opts.RadiusKm,
		limit:     opts.DefaultLimit,
		metrics:   m,
	}
}

func (s *ProximityService) DefaultLimit() int {
	return s.limit
}

// UpdateLocation stores the user's last known position and schedules an
// asynchronous recompute of their nearby list. Out-of-range coordinates leave
// the store untouched.
func (s *ProximityService) UpdateLocation(ctx context.Context, userID string, lat, lon float64) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	if err := domain.ValidateCoordinates(lat, lon); err != nil {
		s.metrics.LocationWrites.WithLabelValues("invalid").Inc()
		return err
	}

	rec := domain.LocationRecord{
		UserID:    userID,
		Latitude:  lat,
		Longitude: lon,
		UpdatedAt: s.clock.Now().UTC(),
	}
	if err := s.locations.Put(ctx, rec); err != nil {
		s.metrics.LocationWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("store location for %s: %w", userID, err)
	}
	s.metrics.LocationWrites.WithLabelValues("ok").Inc()

	payload, _ := json.Marshal(refreshPayload{UserID: userID})
	if err := s.jobs.Enqueue(ctx, JobProximityRefresh, payload); err != nil {
		// The periodic refresh picks the user up later.
		slog.WarnContext(ctx, "Failed to enqueue nearby recompute", "user_id", userID, "error", err)
	}
	return nil
}

// NearbyCandidates ranks other users within the configured radius: nearest
// first, then most recently active, then by user id. limit <= 0 uses the
// default limit.
func (s *ProximityService) NearbyCandidates(ctx context.Context, userID string, limit int) ([]domain.Candidate, error) {
	if limit <= 0 {
		limit = s.limit
	}

	key := userID + "|" + strconv.Itoa(limit)
	v, err, shared := s.queryGroup.Do(key, func() (any, error) {
		start := time.Now()
		defer func() { s.metrics.QueryDuration.Observe(time.Since(start).Seconds()) }()
		return s.nearby(ctx, userID, limit)
	})
	s.metrics.Queries.WithLabelValues(strconv.FormatBool(shared)).Inc()
	if err != nil {
		return nil, err
	}

	candidates := v.([]domain.Candidate)
	out := make([]domain.Candidate, len(candidates))
	copy(out, candidates)
	return out, nil
}

func (s *ProximityService) nearby(ctx context.Context, userID string, limit int) ([]domain.Candidate, error) {
	origin, err := s.locations.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("location for %s: %w", userID, err)
	}

	all, err := s.locations.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}

	lastActive, err := s.lastActivity(ctx)
	if err != nil {
		return nil, err
	}

	return rankCandidates(origin, all, lastActive, s.radiusKm, limit), nil
}

func (s *ProximityService) lastActivity(ctx context.Context) (map[string]int64, error) {
	entries, err := s.presence.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("presence snapshot: %w", err)
	}
	out := make(map[string]int64, len(entries))
	for _, rec := range domain.ParseSnapshot(entries) {
		out[rec.UserID] = rec.LastActive
	}
	return out, nil
}

func rankCandidates(origin domain.LocationRecord, all []domain.LocationRecord, lastActive map[string]int64, radiusKm float64, limit int) []domain.Candidate {
	candidates := make([]domain.Candidate, 0)
	for _, loc := range all {
		if loc.UserID == origin.UserID {
			continue
		}
		d := domain.DistanceKm(origin.Latitude, origin.Longitude, loc.Latitude, loc.Longitude)
		if d > radiusKm {
			continue
		}
		active, ok := lastActive[loc.UserID]
		if !ok {
			active = loc.UpdatedAt.UnixMilli()
		}
		candidates = append(candidates, domain.Candidate{UserID: loc.UserID, DistanceKm: d, LastActive: active})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		if a.LastActive != b.LastActive {
			return a.LastActive > b.LastActive
		}
		return a.UserID < b.UserID
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// Refresh is the proximity.refresh job handler.
func (s *ProximityService) Refresh(ctx context.Context, firing domain.Firing) error {
	var p refreshPayload
	if len(firing.Payload) > 0 {
		if err := json.Unmarshal(firing.Payload, &p); err != nil {
			return fmt.Errorf("decode refresh payload: %w", err)
		}
	}

	if p.UserID != "" {
		return s.refreshUser(ctx, p.UserID)
	}
	return s.refreshActive(ctx)
}

// skippable reports whether a user's refresh can be dropped without failing
// the firing: no location yet, or a stored location that cannot be decoded.
func skippable(ctx context.Context, userID string, err error) bool {
	if errors.Is(err, domain.ErrLocationNotFound) {
		return true
	}
	if errors.Is(err, domain.ErrMalformedRecord) {
		slog.WarnContext(ctx, "Skipping nearby refresh for unreadable location", "user_id", userID, "error", err)
		return true
	}
	return false
}

func (s *ProximityService) refreshUser(ctx context.Context, userID string) error {
	candidates, err := s.NearbyCandidates(ctx, userID, s.limit)
	if skippable(ctx, userID, err) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.publisher.PublishNearby(ctx, userID, candidates)
}

func (s *ProximityService) refreshActive(ctx context.Context) error {
	entries, err := s.presence.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("presence snapshot: %w", err)
	}

	var errs []error
	refreshed := 0
	for _, rec := range domain.ParseSnapshot(entries) {
		candidates, err := s.NearbyCandidates(ctx, rec.UserID, s.limit)
		if skippable(ctx, rec.UserID, err) {
			continue
		}
		if err == nil {
			err = s.publisher.PublishNearby(ctx, rec.UserID, candidates)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("refresh %s: %w", rec.UserID, err))
			continue
		}
		refreshed++
	}

	slog.DebugContext(ctx, "Refreshed nearby lists", "users", refreshed, "failed", len(errs))
	return errors.Join(errs...)
}
