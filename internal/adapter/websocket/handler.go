package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pscheid92/presencepulse/internal/broadcast"
	"github.com/pscheid92/presencepulse/internal/domain"
	"golang.org/x/time/rate"
)

// MessageHeartbeat is the client message that signals activity.
const MessageHeartbeat = "heartbeat"

type clientMessage struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type observerHub interface {
	Subscribe(observer broadcast.Observer, channels ...string) error
	Unsubscribe(id string)
	Deliver(id string, data []byte) bool
	Count(channel string) int
}

type presenceTracker interface {
	MarkActive(ctx context.Context, userID string, meta domain.ActivityMeta) error
	ActiveUsers(ctx context.Context) ([]domain.ActivityRecord, error)
}

type snapshotEncoder interface {
	PresenceEvent(records []domain.ActivityRecord) ([]byte, error)
}

type Options struct {
	AppURL         string
	Development    bool
	MaxConnections int
	ConnectRate    float64
}

// Handler upgrades GET /ws?user=<id> into a hub observer subscribed to the
// presence list and the user's own nearby and notification channels.
type Handler struct {
	hub      observerHub
	presence presenceTracker
	encoder  snapshotEncoder

	upgrader       websocket.Upgrader
	limiter        *rate.Limiter
	maxConnections int
}

func NewHandler(hub observerHub, presence presenceTracker, encoder snapshotEncoder, opts Options) *Handler {
	burst := max(int(opts.ConnectRate), 1)
	return &Handler{
		hub:      hub,
		presence: presence,
		encoder:  encoder,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     NewCheckOrigin(opts.AppURL, opts.Development),
		},
		limiter:        rate.NewLimiter(rate.Limit(opts.ConnectRate), burst),
		maxConnections: opts.MaxConnections,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}

	if !h.limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	if h.maxConnections > 0 && h.hub.Count("") >= h.maxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		slog.Debug("WebSocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	obs := newObserver(uuid.NewString(), userID, conn)
	defer func() { _ = obs.Close() }()

	channels := []string{
		domain.PresenceChannel,
		domain.NearbyChannel(userID),
		domain.NotificationChannel(userID),
	}
	if err := h.hub.Subscribe(obs, channels...); err != nil {
		slog.Warn("WebSocket subscribe rejected", "user_id", userID, "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		return
	}
	defer h.hub.Unsubscribe(obs.ID())

	slog.Debug("WebSocket observer connected", "observer", obs.ID(), "user_id", userID)
	go obs.keepAlive()

	h.readLoop(r.Context(), obs)
}

func (h *Handler) readLoop(ctx context.Context, obs *observer) {
	conn := obs.conn
	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket read failed", "observer", obs.ID(), "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handleMessage(ctx, obs, data)
	}
}

func (h *Handler) handleMessage(ctx context.Context, obs *observer, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("Ignoring malformed client message", "observer", obs.ID(), "error", err)
		return
	}

	switch msg.Type {
	case broadcast.EventResyncRequested:
		h.resync(ctx, obs)
	case MessageHeartbeat:
		meta := domain.ActivityMeta{Channel: msg.Channel, Data: msg.Metadata}
		if err := h.presence.MarkActive(ctx, obs.userID, meta); err != nil {
			slog.Warn("Heartbeat not recorded", "user_id", obs.userID, "error", err)
		}
	default:
		slog.Debug("Ignoring unknown client message", "observer", obs.ID(), "type", msg.Type)
	}
}

// resync answers with the current presence list to this observer only.
func (h *Handler) resync(ctx context.Context, obs *observer) {
	records, err := h.presence.ActiveUsers(ctx)
	if err != nil {
		slog.Warn("Resync snapshot failed", "observer", obs.ID(), "error", err)
		return
	}
	data, err := h.encoder.PresenceEvent(records)
	if err != nil {
		slog.Error("Resync encode failed", "observer", obs.ID(), "error", err)
		return
	}
	if !h.hub.Deliver(obs.ID(), data) {
		slog.Debug("Resync not delivered", "observer", obs.ID())
	}
}
