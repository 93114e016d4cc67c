package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/presencepulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPresenceService(t *testing.T) (*PresenceService, *seededStore, *mockBroadcaster, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_000))
	store := newSeededStore(clock)
	b := &mockBroadcaster{}
	return NewPresenceService(store, b), store, b, clock
}

func TestPresenceService_MarkActive(t *testing.T) {
	svc, store, _, _ := newPresenceService(t)
	ctx := context.Background()

	err := svc.MarkActive(ctx, "u1", domain.ActivityMeta{Channel: "web", Data: json.RawMessage(`{"tab":2}`)})
	require.NoError(t, err)

	users, err := svc.ActiveUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "u1", users[0].UserID)
	assert.Equal(t, "web", users[0].Channel)
	assert.Equal(t, int64(1_000), users[0].LastActive)
	assert.JSONEq(t, `{"tab":2}`, string(users[0].Metadata))

	assert.ErrorIs(t, svc.MarkActive(ctx, "", domain.ActivityMeta{}), ErrEmptyUserID)
	assert.Len(t, snapshotIDs(t, store), 1)
}

func TestPresenceService_MarkActiveOverwrites(t *testing.T) {
	svc, _, _, clock := newPresenceService(t)
	ctx := context.Background()

	require.NoError(t, svc.MarkActive(ctx, "u1", domain.ActivityMeta{}))
	clock.Advance(10 * time.Second)
	require.NoError(t, svc.MarkActive(ctx, "u1", domain.ActivityMeta{}))

	users, err := svc.ActiveUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, int64(11_000), users[0].LastActive)
}

func TestPresenceService_ActiveUsersSkipsMalformedAndSorts(t *testing.T) {
	svc, store, _, _ := newPresenceService(t)
	ctx := context.Background()

	require.NoError(t, svc.MarkActive(ctx, "zoe", domain.ActivityMeta{}))
	require.NoError(t, svc.MarkActive(ctx, "adam", domain.ActivityMeta{}))
	store.PutRaw("broken", []byte("nope"))

	users, err := svc.ActiveUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "adam", users[0].UserID)
	assert.Equal(t, "zoe", users[1].UserID)
}

func TestPresenceService_LogoutEvictsAndBroadcasts(t *testing.T) {
	svc, store, b, _ := newPresenceService(t)
	ctx := context.Background()

	require.NoError(t, svc.MarkActive(ctx, "u1", domain.ActivityMeta{}))
	require.NoError(t, svc.MarkActive(ctx, "u2", domain.ActivityMeta{}))

	require.NoError(t, svc.Logout(ctx, "u1"))

	assert.Equal(t, []string{"u2"}, snapshotIDs(t, store))
	require.Equal(t, 1, b.count())
	require.Len(t, b.last(), 1)
	assert.Equal(t, "u2", b.last()[0].UserID)
}

func TestPresenceService_HandleBroadcast(t *testing.T) {
	svc, _, b, _ := newPresenceService(t)
	ctx := context.Background()
	require.NoError(t, svc.MarkActive(ctx, "u1", domain.ActivityMeta{}))

	require.NoError(t, svc.HandleBroadcast(ctx, domain.Firing{JobID: JobPresenceBroadcast}))
	assert.Equal(t, 1, b.count())
}
