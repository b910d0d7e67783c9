package feed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"inbox/cmd/internal/ingest"
	"inbox/cmd/internal/query"
)

// Hub fans created-message events out to every subscriber.
//
// Concurrency guarantees:
// - Subscribe/Unsubscribe are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client

	dropped atomic.Uint64
}

// NewHub constructs an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, clients: make(map[string]*Client)}
}

func (h *Hub) Subscribe(c *Client) {
	if c == nil || c.ID == "" {
		return
	}
	h.mu.Lock()
	h.clients[c.ID] = c
	n := len(h.clients)
	h.mu.Unlock()

	h.log.Info("feed.subscribe", "client_id", c.ID, "subscribers", n)
}

// Unsubscribe removes the client, then signals it to stop.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	c := h.clients[id]
	delete(h.clients, id)
	n := len(h.clients)
	h.mu.Unlock()

	if c == nil {
		return
	}
	c.Close()
	h.log.Info("feed.unsubscribe", "client_id", id, "subscribers", n)
}

// CloseAll disconnects every subscriber. Gateways see their client end and
// close the socket with StatusGoingAway.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	if len(clients) > 0 {
		h.log.Info("feed.close_all", "subscribers", len(clients))
	}
}

// Len returns the current subscriber count.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many deliveries were skipped because a queue was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Broadcast enqueues env for every live subscriber and returns the delivered count.
func (h *Hub) Broadcast(env Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, c := range h.clients {
		select {
		case <-c.Done():
			continue
		default:
		}

		select {
		case c.Send <- env:
			delivered++
		default:
			h.dropped.Add(1)
			h.log.Warn("feed.drop", "client_id", c.ID, "type", env.Type)
		}
	}
	return delivered
}

// Observe implements ingest.Observer. Only created messages are published.
func (h *Hub) Observe(ctx context.Context, ev ingest.Event) {
	if ev.Kind != ingest.EventCreated || ev.Message == nil {
		return
	}
	env, err := newEnvelope(TypeMessageCreated, query.NewMessageView(*ev.Message), time.Now())
	if err != nil {
		h.log.ErrorContext(ctx, "feed.encode.fail", "message_id", ev.MessageID, "err", err)
		return
	}
	h.Broadcast(env)
}
