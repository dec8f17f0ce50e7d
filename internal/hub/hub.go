// Package hub manages connected dashboard clients and fans events out to
// them in periodic batches.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/mesh-observer/telemetry-hub/internal/metrics"
	"github.com/mesh-observer/telemetry-hub/internal/model"
)

// slowClientLogFraction is the queue-depth fraction above which the periodic
// backpressure summary is logged even without drops.
const slowClientLogFraction = 0.75

// Hub holds the client registry and the event batch buffer. Realtime events
// accumulate in the buffer and flush to every client queue on an interval;
// control messages bypass batching via Broadcast.
type Hub struct {
	log           *zap.Logger
	flushInterval time.Duration
	queueCap      int

	mu      sync.Mutex
	clients map[*Client]struct{}

	bufMu sync.Mutex
	buf   []*model.Event
}

// New creates an empty hub. flushInterval paces event batches; queueCap is
// only used for backpressure log thresholds.
func New(flushInterval time.Duration, queueCap int, log *zap.Logger) *Hub {
	return &Hub{
		log:           log,
		flushInterval: flushInterval,
		queueCap:      queueCap,
		clients:       make(map[*Client]struct{}),
	}
}

// Add registers a client for fan-out.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ConnectedClients.Set(float64(n))
}

// Remove deregisters a client. Safe to call for clients never added.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ConnectedClients.Set(float64(n))
}

// Counts returns the number of connected clients, total and priority.
func (h *Hub) Counts() (total, priority int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.Priority {
			priority++
		}
	}
	return len(h.clients), priority
}

func (h *Hub) snapshot() []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// Broadcast encodes v and enqueues it to every client immediately.
func (h *Hub) Broadcast(v any) {
	clients := h.snapshot()
	if len(clients) == 0 {
		return
	}
	msg, err := json.Marshal(v)
	if err != nil {
		h.log.Error("encoding broadcast", zap.Error(err))
		return
	}
	for _, c := range clients {
		c.Enqueue(msg)
	}
}

// BufferEvent adds a realtime event to the pending batch.
func (h *Hub) BufferEvent(ev *model.Event) {
	h.bufMu.Lock()
	h.buf = append(h.buf, ev)
	h.bufMu.Unlock()
	metrics.EventsBroadcastTotal.Inc()
}

// Run flushes the batch buffer on the configured interval until ctx is done.
// A final flush runs on shutdown.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.flush()
			return ctx.Err()
		case <-ticker.C:
			h.flush()
		}
	}
}

type eventBatch struct {
	Type   string         `json:"type"`
	Events []*model.Event `json:"events"`
}

func (h *Hub) flush() {
	h.bufMu.Lock()
	pending := h.buf
	h.buf = nil
	h.bufMu.Unlock()
	if len(pending) == 0 {
		return
	}

	clients := h.snapshot()
	if len(clients) == 0 {
		return
	}

	msg, err := json.Marshal(eventBatch{Type: "event_batch", Events: pending})
	if err != nil {
		h.log.Error("encoding event batch", zap.Error(err))
		return
	}
	for _, c := range clients {
		c.Enqueue(msg)
	}
	metrics.BatchesFlushedTotal.Inc()
	metrics.BatchSize.Observe(float64(len(pending)))
}

// LogBackpressure emits the periodic fan-out health summary when any client
// has dropped messages or a queue is running deep.
func (h *Hub) LogBackpressure() {
	clients := h.snapshot()
	if len(clients) == 0 {
		return
	}
	var totalDropped int64
	maxQueue := 0
	for _, c := range clients {
		totalDropped += c.Dropped()
		if q := c.QueueLen(); q > maxQueue {
			maxQueue = q
		}
	}
	if totalDropped > 0 || float64(maxQueue) > float64(h.queueCap)*slowClientLogFraction {
		h.log.Warn("fan-out backpressure",
			zap.Int("clients", len(clients)),
			zap.Int("max_queue", maxQueue),
			zap.Int("queue_cap", h.queueCap),
			zap.Int64("total_dropped", totalDropped))
	}
}

// CloseAll shuts down every connected client. Used at server shutdown.
func (h *Hub) CloseAll() {
	for _, c := range h.snapshot() {
		c.Close()
		h.Remove(c)
	}
}
