package websocket

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pscheid92/presencepulse/internal/broadcast"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 4096
)

var _ broadcast.Observer = (*observer)(nil)

// observer adapts one websocket connection to the hub. Send runs on the hub's
// writer goroutine; pings go through WriteControl, which gorilla allows
// concurrently with other writes.
type observer struct {
	id     string
	userID string
	conn   *websocket.Conn

	closeOnce sync.Once
	done      chan struct{}
}

func newObserver(id, userID string, conn *websocket.Conn) *observer {
	return &observer{id: id, userID: userID, conn: conn, done: make(chan struct{})}
}

func (o *observer) ID() string { return o.id }

func (o *observer) Send(data []byte) error {
	if err := o.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := o.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Close sends a close frame and tears down the connection. Safe to call more
// than once.
func (o *observer) Close() error {
	var err error
	o.closeOnce.Do(func() {
		close(o.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = o.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		err = o.conn.Close()
	})
	return err
}

// keepAlive pings until the connection is closed or a ping fails.
func (o *observer) keepAlive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := o.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = o.Close()
				return
			}
		case <-o.done:
			return
		}
	}
}
