package api

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/omnibox-core/internal/infrastructure/config"
	"github.com/nerrad567/omnibox-core/internal/infrastructure/handlepool"
	"github.com/nerrad567/omnibox-core/internal/infrastructure/logging"
	"github.com/nerrad567/omnibox-core/internal/usage"
)

// Broadcast channels clients can subscribe to.
const (
	// ChannelUsage carries a usage.Event after every recorded launch.
	ChannelUsage = "usage.recorded"

	// ChannelPool carries periodic handle pool snapshots as PoolEvent.
	ChannelPool = "pool.stats"
)

var channels = []string{ChannelUsage, ChannelPool}

// Keepalive fallbacks for an unset config.
const (
	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
)

// PoolEvent is the payload broadcast on ChannelPool.
type PoolEvent struct {
	Database string            `json:"database"`
	Pool     handlepool.Counts `json:"pool"`
}

// Hub fans events out to the WebSocket clients subscribed to their
// channel. It is a usage.Publisher. Slow clients lose events instead of
// blocking the publisher.
type Hub struct {
	logger         *logging.Logger
	pingInterval   time.Duration
	pongTimeout    time.Duration
	maxMessageSize int64

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a hub with cfg's keepalive and message limits.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	h := &Hub{
		logger:         logger,
		pingInterval:   cfg.PingEvery(),
		pongTimeout:    cfg.PongWait(),
		maxMessageSize: int64(cfg.MaxMessageSize),
		clients:        make(map[*client]struct{}),
	}
	if h.pingInterval <= 0 {
		h.pingInterval = defaultPingInterval
	}
	if h.pongTimeout <= 0 {
		h.pongTimeout = defaultPongTimeout
	}
	return h
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// remove disconnects c. Removing a client twice is a no-op.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.close()
	if ok {
		h.logger.Debug("websocket client disconnected", "clients", n)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends payload as an event to every client subscribed to
// channel.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := encodeMessage(MsgEvent, "", channel, payload)
	if err != nil {
		h.logger.Error("encoding websocket event failed", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.subscribed(channel) {
			c.enqueue(data)
		}
	}
}

// PublishUsage broadcasts ev on ChannelUsage.
func (h *Hub) PublishUsage(ctx context.Context, ev usage.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.Broadcast(ChannelUsage, ev)
	return nil
}

// PublishPool broadcasts a pool snapshot on ChannelPool.
func (h *Hub) PublishPool(database string, counts handlepool.Counts) {
	h.Broadcast(ChannelPool, PoolEvent{Database: database, Pool: counts})
}
