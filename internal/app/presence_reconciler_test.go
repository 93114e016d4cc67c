package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/presencepulse/internal/adapter/memory"
	"github.com/pscheid92/presencepulse/internal/adapter/metrics"
	"github.com/pscheid92/presencepulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testThreshold = 60 * time.Second

type mockBroadcaster struct {
	mu    sync.Mutex
	calls [][]domain.ActivityRecord
	err   error
}

func (m *mockBroadcaster) BroadcastPresence(_ context.Context, records []domain.ActivityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, records)
	return m.err
}

func (m *mockBroadcaster) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockBroadcaster) last() []domain.ActivityRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}

// hookedStore runs afterSnapshot once between the first Snapshot and the
// following Evict, reproducing a concurrent writer.
type hookedStore struct {
	domain.PresenceStore
	afterSnapshot func()
}

func (s *hookedStore) Snapshot(ctx context.Context) ([]domain.PresenceEntry, error) {
	entries, err := s.PresenceStore.Snapshot(ctx)
	if s.afterSnapshot != nil {
		hook := s.afterSnapshot
		s.afterSnapshot = nil
		hook()
	}
	return entries, err
}

type failingStore struct {
	domain.PresenceStore
	snapshotErr error
	evictErr    error
}

func (s *failingStore) Snapshot(ctx context.Context) ([]domain.PresenceEntry, error) {
	if s.snapshotErr != nil {
		return nil, s.snapshotErr
	}
	return s.PresenceStore.Snapshot(ctx)
}

func (s *failingStore) Evict(ctx context.Context, userIDs ...string) error {
	if s.evictErr != nil {
		return s.evictErr
	}
	return s.PresenceStore.Evict(ctx, userIDs...)
}

type reconcilerFixture struct {
	clock       *clockwork.FakeClock
	store       *seededStore
	broadcaster *mockBroadcaster
	metrics     *metrics.PresenceMetrics
	reconciler  *Reconciler
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(0))
	store := newSeededStore(clock)
	b := &mockBroadcaster{}
	m := metrics.NewPresenceMetrics(prometheus.NewRegistry())
	return &reconcilerFixture{
		clock:       clock,
		store:       store,
		broadcaster: b,
		metrics:     m,
		reconciler:  NewReconciler(store, b, clock, testThreshold, m),
	}
}

func (f *reconcilerFixture) advanceTo(ms int64) {
	f.clock.Advance(time.UnixMilli(ms).Sub(f.clock.Now()))
}

func snapshotIDs(t *testing.T, store domain.PresenceStore) []string {
	t.Helper()
	entries, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.UserID)
	}
	return ids
}

func TestPrune_Timeline(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.MarkActive(ctx, "u1", domain.ActivityMeta{}))

	f.advanceTo(30_000)
	assert.Contains(t, snapshotIDs(t, f.store), "u1")

	f.advanceTo(61_000)
	result, err := f.reconciler.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, result.Evicted)
	assert.Equal(t, 1, result.Stale)
	assert.Zero(t, result.Malformed)

	f.advanceTo(61_001)
	assert.NotContains(t, snapshotIDs(t, f.store), "u1")
}

func TestPrune_KeepsRecordExactlyAtThreshold(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.MarkActive(ctx, "u1", domain.ActivityMeta{}))

	f.advanceTo(60_000)
	result, err := f.reconciler.Prune(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Evicted)
	assert.Equal(t, 1, result.Remaining)

	f.advanceTo(60_001)
	result, err = f.reconciler.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, result.Evicted)
}

func TestPrune_IsIdempotent(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.MarkActive(ctx, "old", domain.ActivityMeta{}))
	f.advanceTo(50_000)
	require.NoError(t, f.store.MarkActive(ctx, "fresh", domain.ActivityMeta{}))
	f.store.PutRaw("broken", []byte("{"))

	f.advanceTo(70_000)
	first, err := f.reconciler.Prune(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"old", "broken"}, first.Evicted)

	second, err := f.reconciler.Prune(ctx)
	require.NoError(t, err)
	assert.Empty(t, second.Evicted)
	assert.Equal(t, 1, second.Remaining)
	assert.Equal(t, 1, f.broadcaster.count(), "no broadcast without evictions")
}

func TestPrune_MalformedRecordsAlwaysEvicted(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	f.advanceTo(10_000)

	f.store.PutRaw("garbage", []byte("not json"))
	f.store.PutRaw("mismatch", []byte(`{"user_id":"someone-else","last_active":10000}`))
	f.store.PutRaw("no-time", []byte(`{"user_id":"no-time"}`))
	f.store.PutRaw("future", []byte(`{"user_id":"future","last_active":999999999}`))
	require.NoError(t, f.store.MarkActive(ctx, "ok", domain.ActivityMeta{}))

	result, err := f.reconciler.Prune(ctx)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"garbage", "mismatch", "no-time"}, result.Evicted)
	assert.Equal(t, 3, result.Malformed)
	assert.ElementsMatch(t, []string{"future", "ok"}, snapshotIDs(t, f.store))
	assert.InDelta(t, 3, testutil.ToFloat64(f.metrics.Evictions.WithLabelValues("malformed")), 0)
}

func TestPrune_BroadcastsRemainingUsersAfterEviction(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.MarkActive(ctx, "gone", domain.ActivityMeta{}))
	f.advanceTo(40_000)
	require.NoError(t, f.store.MarkActive(ctx, "stays", domain.ActivityMeta{Channel: "web"}))

	f.advanceTo(65_000)
	_, err := f.reconciler.Prune(ctx)
	require.NoError(t, err)

	require.Equal(t, 1, f.broadcaster.count())
	last := f.broadcaster.last()
	require.Len(t, last, 1)
	assert.Equal(t, "stays", last[0].UserID)
	assert.Equal(t, "web", last[0].Channel)
}

func TestPrune_BroadcastFailureIsNotAPruneFailure(t *testing.T) {
	f := newReconcilerFixture(t)
	f.broadcaster.err = errors.New("fanout down")
	ctx := context.Background()

	require.NoError(t, f.store.MarkActive(ctx, "u1", domain.ActivityMeta{}))
	f.advanceTo(90_000)

	result, err := f.reconciler.Prune(ctx)
	require.NoError(t, err)
	assert.Len(t, result.Evicted, 1)
}

func TestPrune_StoreErrors(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(0))
	base := memory.NewPresenceStore(clock)
	require.NoError(t, base.MarkActive(context.Background(), "u1", domain.ActivityMeta{}))
	clock.Advance(2 * time.Minute)

	tests := []struct {
		name  string
		store *failingStore
	}{
		{"snapshot", &failingStore{PresenceStore: base, snapshotErr: domain.ErrStoreUnavailable}},
		{"evict", &failingStore{PresenceStore: base, evictErr: domain.ErrStoreUnavailable}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.NewPresenceMetrics(prometheus.NewRegistry())
			r := NewReconciler(tt.store, &mockBroadcaster{}, clock, testThreshold, m)

			_, err := r.Prune(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
			assert.InDelta(t, 1, testutil.ToFloat64(m.ReconcileRuns.WithLabelValues("error")), 0)
		})
	}
}

func TestPrune_ConcurrentActivityWindowIsBounded(t *testing.T) {
	const reconcileInterval = 30 * time.Second

	clock := clockwork.NewFakeClockAt(time.UnixMilli(0))
	base := memory.NewPresenceStore(clock)
	store := &hookedStore{PresenceStore: base}
	r := NewReconciler(store, &mockBroadcaster{}, clock, testThreshold, metrics.NewPresenceMetrics(prometheus.NewRegistry()))
	ctx := context.Background()

	require.NoError(t, base.MarkActive(ctx, "u1", domain.ActivityMeta{}))
	clock.Advance(61 * time.Second)

	// u1 signals between snapshot and evict; newcomer was not in the snapshot.
	store.afterSnapshot = func() {
		require.NoError(t, base.MarkActive(ctx, "u1", domain.ActivityMeta{}))
		require.NoError(t, base.MarkActive(ctx, "newcomer", domain.ActivityMeta{}))
	}

	result, err := r.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, result.Evicted)

	ids := snapshotIDs(t, base)
	assert.NotContains(t, ids, "u1", "a fresh signal racing the evict can be lost")
	assert.Contains(t, ids, "newcomer", "users outside the snapshot are never evicted")

	// The next signal within one interval restores u1 and the next pass keeps it.
	clock.Advance(reconcileInterval)
	require.NoError(t, base.MarkActive(ctx, "u1", domain.ActivityMeta{}))

	result, err = r.Prune(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Evicted)
	assert.Contains(t, snapshotIDs(t, base), "u1")
}

func TestReconciler_HandleRunsPrune(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.MarkActive(ctx, "u1", domain.ActivityMeta{}))
	f.advanceTo(120_000)

	require.NoError(t, f.reconciler.Handle(ctx, domain.Firing{JobID: JobPresencePrune}))
	assert.Empty(t, snapshotIDs(t, f.store))
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.ReconcileRuns.WithLabelValues("ok")), 0)
}
