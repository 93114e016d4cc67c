package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/presencepulse/internal/domain"
	"github.com/pscheid92/presencepulse/internal/platform/config"
)

// --- Mock implementations ---

type mockPresenceService struct {
	markActiveFn  func(ctx context.Context, userID string, meta domain.ActivityMeta) error
	logoutFn      func(ctx context.Context, userID string) error
	activeUsersFn func(ctx context.Context) ([]domain.ActivityRecord, error)
}

func (m *mockPresenceService) MarkActive(ctx context.Context, userID string, meta domain.ActivityMeta) error {
	if m.markActiveFn != nil {
		return m.markActiveFn(ctx, userID, meta)
	}
	return nil
}

func (m *mockPresenceService) Logout(ctx context.Context, userID string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, userID)
	}
	return nil
}

func (m *mockPresenceService) ActiveUsers(ctx context.Context) ([]domain.ActivityRecord, error) {
	if m.activeUsersFn != nil {
		return m.activeUsersFn(ctx)
	}
	return []domain.ActivityRecord{}, nil
}

type mockProximityService struct {
	updateLocationFn func(ctx context.Context, userID string, lat, lon float64) error
	nearbyFn         func(ctx context.Context, userID string, limit int) ([]domain.Candidate, error)
	defaultLimit     int
}

func (m *mockProximityService) UpdateLocation(ctx context.Context, userID string, lat, lon float64) error {
	if m.updateLocationFn != nil {
		return m.updateLocationFn(ctx, userID, lat, lon)
	}
	return nil
}

func (m *mockProximityService) NearbyCandidates(ctx context.Context, userID string, limit int) ([]domain.Candidate, error) {
	if m.nearbyFn != nil {
		return m.nearbyFn(ctx, userID, limit)
	}
	return []domain.Candidate{}, nil
}

func (m *mockProximityService) DefaultLimit() int {
	if m.defaultLimit == 0 {
		return 20
	}
	return m.defaultLimit
}

// --- Test helpers ---

func newTestServer(t *testing.T, opts ...func(*Deps)) *Server {
	t.Helper()

	deps := Deps{
		Presence:  &mockPresenceService{},
		Proximity: &mockProximityService{},
		Clock:     clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)),
	}
	for _, opt := range opts {
		opt(&deps)
	}

	cfg := &config.Config{Port: "0", APIRateLimit: 1000, APIRateBurst: 1000}
	return NewServer(cfg, deps)
}

func withPresence(p presenceService) func(*Deps) {
	return func(d *Deps) { d.Presence = p }
}

func withProximity(p proximityService) func(*Deps) {
	return func(d *Deps) { d.Proximity = p }
}

func withHealthChecks(checks ...HealthCheck) func(*Deps) {
	return func(d *Deps) { d.HealthChecks = checks }
}

func do(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}
