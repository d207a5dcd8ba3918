package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Message types.
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgPing        = "ping"
	MsgPong        = "pong"
	MsgEvent       = "event"
	MsgAck         = "ack"
	MsgError       = "error"
)

// sendBuffer is the number of queued messages per client.
const sendBuffer = 256

// Message is one WebSocket frame in either direction. Channel is set on
// events; ID echoes the request an ack, pong or error answers.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Time    time.Time       `json:"time,omitzero"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribeRequest is the payload of subscribe and unsubscribe messages.
type SubscribeRequest struct {
	Channels []string `json:"channels"`
}

func encodeMessage(typ, id, channel string, payload any) ([]byte, error) {
	msg := Message{Type: typ, ID: id, Channel: channel, Time: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = raw
	}
	return json.Marshal(msg)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// client is one WebSocket connection. Its send queue is never closed;
// done tells the pumps to stop.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once

	mu   sync.RWMutex
	subs map[string]struct{}
}

func newClient(hub *Hub, conn *websocket.Conn, subs ...string) *client {
	c := &client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		subs: make(map[string]struct{}, len(subs)),
	}
	for _, ch := range subs {
		c.subs[ch] = struct{}{}
	}
	return c
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close() //nolint:errcheck // Connection is being dropped
		}
	})
}

// enqueue queues data unless the client is gone or its queue is full.
func (c *client) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
	}
}

func (c *client) reply(typ, id string, payload any) {
	data, err := encodeMessage(typ, id, "", payload)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *client) fail(id, message string) {
	c.reply(MsgError, id, map[string]string{"message": message})
}

func (c *client) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subs[channel]
	return ok
}

// handleWebSocket upgrades the request. ?channels=a,b subscribes up front;
// unknown channels are rejected before the upgrade.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	subs := splitChannels(r.URL.Query().Get("channels"))
	if err := checkChannels(subs); err != nil {
		badRequest(w, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(s.hub, conn, subs...)
	s.hub.add(c)

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer c.hub.remove(c)

	if c.hub.maxMessageSize > 0 {
		c.conn.SetReadLimit(c.hub.maxMessageSize)
	}
	wait := c.hub.pingInterval + c.hub.pongTimeout
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(wait)) }
	extend("") //nolint:errcheck // A failed deadline surfaces on read
	c.conn.SetPongHandler(extend)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		extend("") //nolint:errcheck // A failed deadline surfaces on read
		c.handle(data)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer ticker.Stop()

	write := func(kind int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(c.hub.pongTimeout)) //nolint:errcheck // Surfaces on write
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case <-c.done:
			write(websocket.CloseMessage, nil) //nolint:errcheck // Connection is closing
			return
		case data := <-c.send:
			if err := write(websocket.TextMessage, data); err != nil {
				c.hub.remove(c)
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				c.hub.remove(c)
				return
			}
		}
	}
}

func (c *client) handle(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.fail("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case MsgSubscribe, MsgUnsubscribe:
		c.handleSubscription(msg)
	case MsgPing:
		c.reply(MsgPong, msg.ID, nil)
	default:
		c.fail(msg.ID, "unknown message type: "+msg.Type)
	}
}

// handleSubscription applies a subscribe or unsubscribe request and acks
// with the client's resulting channel list.
func (c *client) handleSubscription(msg Message) {
	var req SubscribeRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil || len(req.Channels) == 0 {
		c.fail(msg.ID, msg.Type+" needs a payload with channels")
		return
	}
	if err := checkChannels(req.Channels); err != nil {
		c.fail(msg.ID, err.Error())
		return
	}

	c.mu.Lock()
	for _, ch := range req.Channels {
		if msg.Type == MsgSubscribe {
			c.subs[ch] = struct{}{}
		} else {
			delete(c.subs, ch)
		}
	}
	current := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		current = append(current, ch)
	}
	c.mu.Unlock()

	slices.Sort(current)
	c.reply(MsgAck, msg.ID, SubscribeRequest{Channels: current})
}

func checkChannels(subs []string) error {
	for _, ch := range subs {
		if !slices.Contains(channels, ch) {
			return fmt.Errorf("unknown channel %q", ch)
		}
	}
	return nil
}

// splitChannels parses a comma separated channel list, skipping blanks.
func splitChannels(s string) []string {
	var out []string
	for _, ch := range strings.Split(s, ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			out = append(out, ch)
		}
	}
	return out
}
