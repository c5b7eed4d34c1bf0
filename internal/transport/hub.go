package transport

import (
	"log/slog"
	"sync/atomic"

	"github.com/sasha-s/go-deadlock"
	"golang.org/x/net/websocket"

	"github.com/Laixer/Glonax/internal/models"
)

const subscriberBuffer = 4

// Subscription receives published snapshots. A subscriber that falls
// behind misses snapshots rather than slowing the host loop.
type Subscription struct {
	C       <-chan models.Snapshot
	ch      chan models.Snapshot
	dropped atomic.Uint64
}

// Dropped returns the number of snapshots this subscriber missed.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Hub fans snapshots out to subscribers. It implements host.Publisher.
type Hub struct {
	mu     deadlock.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

func (h *Hub) Subscribe() *Subscription {
	ch := make(chan models.Snapshot, subscriberBuffer)
	s := &Subscription{C: ch, ch: ch}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Unsubscribe removes s and closes its channel.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

func (h *Hub) Publish(snap models.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- snap:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		close(s.ch)
	}
	h.subs = make(map[*Subscription]struct{})
}

// WebSocketHandler streams snapshots as JSON text messages. The stream
// is read only; anything the client sends is discarded.
func WebSocketHandler(hub *Hub, logger *slog.Logger) websocket.Handler {
	return func(conn *websocket.Conn) {
		defer conn.Close()

		sub := hub.Subscribe()
		defer hub.Unsubscribe(sub)

		gone := make(chan struct{})
		go func() {
			defer close(gone)
			buf := make([]byte, 512)
			for {
				if _, err := conn.Read(buf); err != nil {
					return
				}
			}
		}()

		logger.Debug("websocket client connected", "remote", conn.Request().RemoteAddr)
		for {
			select {
			case snap, ok := <-sub.C:
				if !ok {
					return
				}
				if err := websocket.JSON.Send(conn, snap); err != nil {
					logger.Debug("websocket client dropped", "error", err)
					return
				}
			case <-gone:
				return
			}
		}
	}
}
