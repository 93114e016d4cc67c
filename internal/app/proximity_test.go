package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/presencepulse/internal/adapter/memory"
	"github.com/pscheid92/presencepulse/internal/adapter/metrics"
	"github.com/pscheid92/presencepulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockEnqueuer struct {
	mu       sync.Mutex
	jobs     []string
	payloads []json.RawMessage
	err      error
}

func (m *mockEnqueuer) Enqueue(_ context.Context, jobID string, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, jobID)
	m.payloads = append(m.payloads, payload)
	return m.err
}

type nearbyPush struct {
	userID     string
	candidates []domain.Candidate
}

type mockNearbyPublisher struct {
	mu     sync.Mutex
	pushes []nearbyPush
}

func (m *mockNearbyPublisher) PublishNearby(_ context.Context, userID string, candidates []domain.Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushes = append(m.pushes, nearbyPush{userID: userID, candidates: candidates})
	return nil
}

type proximityFixture struct {
	clock     *clockwork.FakeClock
	locations *memory.LocationStore
	presence  *memory.PresenceStore
	publisher *mockNearbyPublisher
	jobs      *mockEnqueuer
	svc       *ProximityService
}

func newProximityFixture(t *testing.T) *proximityFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	f := &proximityFixture{
		clock:     clock,
		locations: memory.NewLocationStore(),
		presence:  memory.NewPresenceStore(clock),
		publisher: &mockNearbyPublisher{},
		jobs:      &mockEnqueuer{},
	}
	f.svc = NewProximityService(f.locations, f.presence, f.publisher, f.jobs, clock,
		metrics.NewProximityMetrics(prometheus.NewRegistry()),
		ProximityOptions{RadiusKm: 50, DefaultLimit: 20})
	return f
}

func (f *proximityFixture) place(t *testing.T, userID string, lat, lon float64) {
	t.Helper()
	require.NoError(t, f.svc.UpdateLocation(context.Background(), userID, lat, lon))
}

func candidateIDs(cs []domain.Candidate) []string {
	ids := make([]string, 0, len(cs))
	for _, c := range cs {
		ids = append(ids, c.UserID)
	}
	return ids
}

func TestUpdateLocation_InvalidLeavesStoreUnchanged(t *testing.T) {
	f := newProximityFixture(t)
	ctx := context.Background()
	f.place(t, "u1", 52.52, 13.40)

	tests := []struct {
		name     string
		lat, lon float64
	}{
		{"latitude above range", 91, 0},
		{"latitude below range", -90.5, 0},
		{"longitude above range", 0, 180.01},
		{"longitude below range", 0, -181},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.svc.UpdateLocation(ctx, "u1", tt.lat, tt.lon)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidLocation)

			rec, err := f.locations.Get(ctx, "u1")
			require.NoError(t, err)
			assert.InDelta(t, 52.52, rec.Latitude, 1e-9)
			assert.InDelta(t, 13.40, rec.Longitude, 1e-9)
		})
	}

	assert.Len(t, f.jobs.jobs, 1, "only the valid update enqueues a recompute")
}

func TestUpdateLocation_InvalidForNewUserStoresNothing(t *testing.T) {
	f := newProximityFixture(t)

	err := f.svc.UpdateLocation(context.Background(), "u1", 91, 0)
	require.ErrorIs(t, err, domain.ErrInvalidLocation)

	all, err := f.locations.All(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestUpdateLocation_AcceptsBounds(t *testing.T) {
	f := newProximityFixture(t)
	f.place(t, "north", 90, 180)
	f.place(t, "south", -90, -180)
}

func TestUpdateLocation_EnqueuesRecompute(t *testing.T) {
	f := newProximityFixture(t)
	f.place(t, "u1", 48.14, 11.58)

	require.Len(t, f.jobs.jobs, 1)
	assert.Equal(t, JobProximityRefresh, f.jobs.jobs[0])
	assert.JSONEq(t, `{"user_id":"u1"}`, string(f.jobs.payloads[0]))

	rec, err := f.locations.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().UTC(), rec.UpdatedAt)
}

func TestUpdateLocation_EnqueueFailureStillStores(t *testing.T) {
	f := newProximityFixture(t)
	f.jobs.err = domain.ErrSchedulerUnavailable

	f.place(t, "u1", 48.14, 11.58)

	_, err := f.locations.Get(context.Background(), "u1")
	assert.NoError(t, err)
}

func TestNearbyCandidates_OrderLimitAndSelf(t *testing.T) {
	f := newProximityFixture(t)
	ctx := context.Background()

	// Berlin Mitte and surroundings.
	f.place(t, "me", 52.5200, 13.4050)
	f.place(t, "close", 52.5210, 13.4060)
	f.place(t, "mid", 52.5400, 13.4200)
	f.place(t, "far", 52.6500, 13.5500)
	f.place(t, "munich", 48.1351, 11.5820)

	got, err := f.svc.NearbyCandidates(ctx, "me", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"close", "mid", "far"}, candidateIDs(got))
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].DistanceKm, got[i].DistanceKm)
	}

	limited, err := f.svc.NearbyCandidates(ctx, "me", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"close", "mid"}, candidateIDs(limited))

	for _, c := range got {
		assert.NotEqual(t, "me", c.UserID)
	}
}

func TestNearbyCandidates_TiesBrokenByRecency(t *testing.T) {
	f := newProximityFixture(t)
	ctx := context.Background()

	f.place(t, "me", 10, 10)
	f.place(t, "a", 10.01, 10)
	f.place(t, "b", 10.01, 10)
	f.place(t, "c", 10.01, 10)

	require.NoError(t, f.presence.MarkActive(ctx, "a", domain.ActivityMeta{}))
	f.clock.Advance(5 * time.Second)
	require.NoError(t, f.presence.MarkActive(ctx, "c", domain.ActivityMeta{}))

	got, err := f.svc.NearbyCandidates(ctx, "me", 10)
	require.NoError(t, err)
	// c signalled last. b has no presence record and falls back to its
	// location timestamp, which equals a's last_active, so the id decides.
	assert.Equal(t, []string{"c", "a", "b"}, candidateIDs(got))
}

func TestNearbyCandidates_EqualRecencyOrderedByID(t *testing.T) {
	f := newProximityFixture(t)

	f.place(t, "me", 0, 0)
	f.place(t, "zed", 0, 0.1)
	f.place(t, "amy", 0, 0.1)

	got, err := f.svc.NearbyCandidates(context.Background(), "me", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"amy", "zed"}, candidateIDs(got))
}

func TestNearbyCandidates_DefaultLimit(t *testing.T) {
	f := newProximityFixture(t)
	f.svc.limit = 1

	f.place(t, "me", 0, 0)
	f.place(t, "a", 0, 0.01)
	f.place(t, "b", 0, 0.02)

	got, err := f.svc.NearbyCandidates(context.Background(), "me", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, candidateIDs(got))
}

func TestNearbyCandidates_UnknownUser(t *testing.T) {
	f := newProximityFixture(t)

	_, err := f.svc.NearbyCandidates(context.Background(), "ghost", 5)
	assert.ErrorIs(t, err, domain.ErrLocationNotFound)
}

func TestNearbyCandidates_EmptyIsNotNil(t *testing.T) {
	f := newProximityFixture(t)
	f.place(t, "alone", 0, 0)

	got, err := f.svc.NearbyCandidates(context.Background(), "alone", 5)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestRefresh_SingleUser(t *testing.T) {
	f := newProximityFixture(t)
	f.place(t, "me", 0, 0)
	f.place(t, "you", 0, 0.01)

	err := f.svc.Refresh(context.Background(), domain.Firing{Payload: json.RawMessage(`{"user_id":"me"}`)})
	require.NoError(t, err)

	require.Len(t, f.publisher.pushes, 1)
	assert.Equal(t, "me", f.publisher.pushes[0].userID)
	assert.Equal(t, []string{"you"}, candidateIDs(f.publisher.pushes[0].candidates))
}

func TestRefresh_SingleUserWithoutLocationIsNoop(t *testing.T) {
	f := newProximityFixture(t)

	err := f.svc.Refresh(context.Background(), domain.Firing{Payload: json.RawMessage(`{"user_id":"ghost"}`)})
	require.NoError(t, err)
	assert.Empty(t, f.publisher.pushes)
}

func TestRefresh_AllActiveUsersWithLocation(t *testing.T) {
	f := newProximityFixture(t)
	ctx := context.Background()

	f.place(t, "a", 0, 0)
	f.place(t, "b", 0, 0.01)
	f.place(t, "offline", 0, 0.02)
	for _, id := range []string{"a", "b", "no-location"} {
		require.NoError(t, f.presence.MarkActive(ctx, id, domain.ActivityMeta{}))
	}

	require.NoError(t, f.svc.Refresh(ctx, domain.Firing{}))

	pushed := make(map[string][]string)
	for _, p := range f.publisher.pushes {
		pushed[p.userID] = candidateIDs(p.candidates)
	}
	assert.Equal(t, map[string][]string{
		"a": {"b", "offline"},
		"b": {"a", "offline"},
	}, pushed)
}

// corruptLocationStore answers Get for the listed users with a decode error,
// the way the Redis store reports an unreadable field.
type corruptLocationStore struct {
	domain.LocationStore
	corrupt map[string]bool
}

func (s *corruptLocationStore) Get(ctx context.Context, userID string) (domain.LocationRecord, error) {
	if s.corrupt[userID] {
		return domain.LocationRecord{}, fmt.Errorf("%w: location for %s", domain.ErrMalformedRecord, userID)
	}
	return s.LocationStore.Get(ctx, userID)
}

func TestRefresh_UnreadableLocationIsSkipped(t *testing.T) {
	f := newProximityFixture(t)
	ctx := context.Background()

	f.place(t, "a", 0, 0)
	f.place(t, "b", 0, 0.01)
	for _, id := range []string{"a", "b", "bad"} {
		require.NoError(t, f.presence.MarkActive(ctx, id, domain.ActivityMeta{}))
	}
	f.svc.locations = &corruptLocationStore{LocationStore: f.locations, corrupt: map[string]bool{"bad": true}}

	require.NoError(t, f.svc.Refresh(ctx, domain.Firing{}))
	require.NoError(t, f.svc.Refresh(ctx, domain.Firing{Payload: json.RawMessage(`{"user_id":"bad"}`)}))

	pushed := make(map[string][]string)
	for _, p := range f.publisher.pushes {
		pushed[p.userID] = candidateIDs(p.candidates)
	}
	assert.Equal(t, map[string][]string{"a": {"b"}, "b": {"a"}}, pushed)
}

func TestRefresh_BadPayload(t *testing.T) {
	f := newProximityFixture(t)

	err := f.svc.Refresh(context.Background(), domain.Firing{Payload: json.RawMessage(`[`)})
	assert.Error(t, err)
}

type slowLocationStore struct {
	domain.LocationStore
	mu      sync.Mutex
	allHits int
	release chan struct{}
}

func (s *slowLocationStore) All(ctx context.Context) ([]domain.LocationRecord, error) {
	s.mu.Lock()
	s.allHits++
	s.mu.Unlock()
	<-s.release
	return s.LocationStore.All(ctx)
}

func TestNearbyCandidates_CollapsesConcurrentQueries(t *testing.T) {
	f := newProximityFixture(t)
	f.place(t, "me", 0, 0)
	f.place(t, "you", 0, 0.01)

	slow := &slowLocationStore{LocationStore: f.locations, release: make(chan struct{})}
	f.svc.locations = slow

	const callers = 5
	var wg sync.WaitGroup
	results := make(chan []domain.Candidate, callers)
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.svc.NearbyCandidates(context.Background(), "me", 3)
			results <- got
			errs <- err
		}()
	}

	require.Eventually(t, func() bool {
		slow.mu.Lock()
		defer slow.mu.Unlock()
		return slow.allHits == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(slow.release)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	for got := range results {
		assert.Equal(t, []string{"you"}, candidateIDs(got))
	}
	assert.LessOrEqual(t, slow.allHits, callers)
}

func TestNearbyCandidates_StoreError(t *testing.T) {
	f := newProximityFixture(t)
	f.place(t, "me", 0, 0)
	f.svc.presence = &failingStore{PresenceStore: f.presence, snapshotErr: errors.New("boom")}

	_, err := f.svc.NearbyCandidates(context.Background(), "me", 3)
	assert.Error(t, err)
}
