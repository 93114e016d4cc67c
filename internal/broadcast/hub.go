package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/presencepulse/internal/adapter/metrics"
	"github.com/pscheid92/presencepulse/internal/domain"
)

const (
	commandBufferSize = 256
	commandTimeout    = 5 * time.Second
	stopTimeout       = 10 * time.Second
)

var (
	ErrHubStopped        = errors.New("hub stopped")
	ErrHubFull           = errors.New("observer limit reached")
	ErrDuplicateObserver = errors.New("observer already subscribed")
)

var _ domain.EventPublisher = (*Hub)(nil)

type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type subscribeCmd struct {
	baseHubCmd
	observer Observer
	channels []string
	reply    chan error
}

type unsubscribeCmd struct {
	baseHubCmd
	id     string
	reason string
}

type publishCmd struct {
	baseHubCmd
	channel string
	data    []byte
}

type deliverCmd struct {
	baseHubCmd
	id    string
	data  []byte
	reply chan bool
}

type countCmd struct {
	baseHubCmd
	channel string
	reply   chan int
}

type stopCmd struct {
	baseHubCmd
}

type subscription struct {
	writer   *observerWriter
	channels []string
}

// Hub is the per-instance observer registry. Delivery is best-effort and at
// most once per observer per published event.
type Hub struct {
	cmdCh        chan hubCmd
	clock        clockwork.Clock
	metrics      *metrics.FanoutMetrics
	maxObservers int

	observers map[string]*subscription
	channels  map[string]map[string]struct{}

	done chan struct{}
}

// NewHub starts the hub goroutine. maxObservers <= 0 means unlimited.
func NewHub(clock clockwork.Clock, m *metrics.FanoutMetrics, maxObservers int) *Hub {
	h := &Hub{
		cmdCh:        make(chan hubCmd, commandBufferSize),
		clock:        clock,
		metrics:      m,
		maxObservers: maxObservers,
		observers:    make(map[string]*subscription),
		channels:     make(map[string]map[string]struct{}),
		done:         make(chan struct{}),
	}
	go h.run()
	return h
}

// Subscribe attaches observer to channels. Events published before this call
// are not replayed.
func (h *Hub) Subscribe(observer Observer, channels ...string) error {
	reply := make(chan error, 1)
	if err := h.send(context.Background(), subscribeCmd{observer: observer, channels: channels, reply: reply}); err != nil {
		return err
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-reply:
		return err
	case <-h.done:
		return ErrHubStopped
	case <-timer.Chan():
		return fmt.Errorf("subscribe timed out after %v", commandTimeout)
	}
}

// Unsubscribe detaches and closes the observer. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id string) {
	_ = h.send(context.Background(), unsubscribeCmd{id: id, reason: "unsubscribed"})
}

// Publish queues data for every observer of channel.
func (h *Hub) Publish(ctx context.Context, channel string, data []byte) error {
	return h.send(ctx, publishCmd{channel: channel, data: data})
}

// Deliver queues data for a single observer and reports whether it was accepted.
func (h *Hub) Deliver(id string, data []byte) bool {
	reply := make(chan bool, 1)
	if err := h.send(context.Background(), deliverCmd{id: id, data: data, reply: reply}); err != nil {
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-h.done:
		return false
	}
}

// Count returns the number of observers of channel, or of all observers when
// channel is empty. It returns -1 if the hub does not answer in time.
func (h *Hub) Count(channel string) int {
	reply := make(chan int, 1)
	if err := h.send(context.Background(), countCmd{channel: channel, reply: reply}); err != nil {
		return -1
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case n := <-reply:
		return n
	case <-h.done:
		return -1
	case <-timer.Chan():
		slog.Warn("Hub count timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop disconnects every observer and ends the hub goroutine.
func (h *Hub) Stop() {
	if err := h.send(context.Background(), stopCmd{}); err != nil {
		return
	}

	timer := h.clock.NewTimer(stopTimeout)
	defer timer.Stop()

	select {
	case <-h.done:
		slog.Info("Hub stopped")
	case <-timer.Chan():
		slog.Warn("Hub stop timed out", "timeout", stopTimeout)
	}
}

func (h *Hub) send(ctx context.Context, cmd hubCmd) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}

	select {
	case h.cmdCh <- cmd:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) run() {
	defer close(h.done)

	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case subscribeCmd:
			c.reply <- h.handleSubscribe(c)
		case unsubscribeCmd:
			h.remove(c.id, c.reason)
		case publishCmd:
			h.handlePublish(c)
		case deliverCmd:
			c.reply <- h.handleDeliver(c)
		case countCmd:
			c.reply <- h.handleCount(c.channel)
		case stopCmd:
			h.handleStop()
			return
		}
	}
}

func (h *Hub) handleSubscribe(c subscribeCmd) error {
	id := c.observer.ID()
	if _, exists := h.observers[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateObserver, id)
	}
	if h.maxObservers > 0 && len(h.observers) >= h.maxObservers {
		return fmt.Errorf("%w (%d)", ErrHubFull, h.maxObservers)
	}

	writer := newObserverWriter(c.observer, func(err error) {
		slog.Debug("Observer send failed", "observer", id, "error", err)
		// Must not block: the hub may be waiting in writer.stop for this goroutine.
		go func() { _ = h.send(context.Background(), unsubscribeCmd{id: id, reason: "send failed"}) }()
	})

	h.observers[id] = &subscription{writer: writer, channels: c.channels}
	for _, ch := range c.channels {
		members, ok := h.channels[ch]
		if !ok {
			members = make(map[string]struct{})
			h.channels[ch] = members
		}
		members[id] = struct{}{}
	}

	h.metrics.Observers.Set(float64(len(h.observers)))
	slog.Debug("Observer subscribed", "observer", id, "channels", c.channels, "total", len(h.observers))
	return nil
}

func (h *Hub) handlePublish(c publishCmd) {
	members := h.channels[c.channel]
	if len(members) == 0 {
		return
	}

	var slow []string
	for id := range members {
		sub := h.observers[id]
		if sub.writer.offer(c.data) {
			h.metrics.MessagesDelivered.Inc()
			continue
		}
		slow = append(slow, id)
	}

	for _, id := range slow {
		slog.Warn("Disconnecting slow observer", "observer", id, "channel", c.channel)
		h.metrics.SlowObservers.Inc()
		h.remove(id, "slow observer")
	}
}

func (h *Hub) handleDeliver(c deliverCmd) bool {
	sub, ok := h.observers[c.id]
	if !ok {
		return false
	}
	if sub.writer.offer(c.data) {
		h.metrics.MessagesDelivered.Inc()
		return true
	}
	h.metrics.SlowObservers.Inc()
	h.remove(c.id, "slow observer")
	return false
}

func (h *Hub) handleCount(channel string) int {
	if channel == "" {
		return len(h.observers)
	}
	return len(h.channels[channel])
}

func (h *Hub) remove(id, reason string) {
	sub, ok := h.observers[id]
	if !ok {
		return
	}

	sub.writer.stop()
	delete(h.observers, id)
	for _, ch := range sub.channels {
		members := h.channels[ch]
		delete(members, id)
		if len(members) == 0 {
			delete(h.channels, ch)
		}
	}

	h.metrics.Observers.Set(float64(len(h.observers)))
	slog.Debug("Observer removed", "observer", id, "reason", reason, "remaining", len(h.observers))
}

func (h *Hub) handleStop() {
	total := len(h.observers)
	for id := range h.observers {
		h.remove(id, "shutdown")
	}
	slog.Info("Hub shutting down", "disconnected_observers", total)
}
