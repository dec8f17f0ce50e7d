package hub

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mesh-observer/telemetry-hub/internal/metrics"
)

// droppedLogInterval controls how often a slow client's drops are logged:
// the first drop and every fiftieth after it.
const droppedLogInterval = 50

// Client wraps a WebSocket connection with a bounded send queue and a
// dedicated sender goroutine. A slow reader fills its own queue and loses
// its oldest messages; it never blocks the fan-out path.
type Client struct {
	conn *websocket.Conn
	log  *zap.Logger

	// IP is the real client address resolved at admission. IPHash and PeerID
	// are its derived identifiers, matching how the client would appear as a
	// topology peer.
	IP       string
	IPHash   string
	PeerID   string
	Priority bool

	queue     chan []byte
	done      chan struct{}
	dropped   atomic.Int64
	closeOnce sync.Once
	started   atomic.Bool
}

// NewClient wraps an upgraded connection. queueCap bounds the send queue.
func NewClient(conn *websocket.Conn, ip, ipHash, peerID string, priority bool, queueCap int, log *zap.Logger) *Client {
	return &Client{
		conn:     conn,
		log:      log,
		IP:       ip,
		IPHash:   ipHash,
		PeerID:   peerID,
		Priority: priority,
		queue:    make(chan []byte, queueCap),
		done:     make(chan struct{}),
	}
}

// Start launches the sender goroutine. SendDirect must not be used after
// this point; the sender owns the write side of the connection.
func (c *Client) Start() {
	if c.started.CompareAndSwap(false, true) {
		go c.sender()
	}
}

func (c *Client) sender() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.queue:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}
		}
	}
}

// Enqueue queues a message for delivery. When the queue is full the oldest
// message is dropped to make room. Never blocks.
func (c *Client) Enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.queue <- msg:
		return
	default:
	}

	// Full: drop the oldest, then retry once.
	select {
	case <-c.queue:
	default:
	}
	select {
	case c.queue <- msg:
	default:
	}

	metrics.DroppedMessagesTotal.Inc()
	n := c.dropped.Add(1)
	if n%droppedLogInterval == 1 {
		c.log.Warn("slow client dropping messages",
			zap.String("client", c.IPHash),
			zap.Int64("dropped_total", n))
	}
}

// SendDirect writes a message on the connection, bypassing the queue. Only
// valid before Start, during session setup.
func (c *Client) SendDirect(msg []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// ReadMessage reads the next message from the connection.
func (c *Client) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

// Close shuts down the sender and the connection. Safe to call repeatedly.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Dropped returns the number of messages this client has lost to
// backpressure.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

// QueueLen returns the current send queue depth.
func (c *Client) QueueLen() int {
	return len(c.queue)
}
