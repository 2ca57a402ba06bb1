package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/shiftline/realtime/src/protocol"
)

// Client wraps one WebSocket connection and manages its message flow. A
// client is either a chat connection (speaks protocol envelopes) or a feed
// connection (receives change-event frames for a set of tables).
type Client struct {
	ID   string
	conn protocol.Conn
	hub  *Hub
	// Send carries outbound frames: envelopes for chat clients, feed
	// frames for feed clients.
	Send chan any

	connectedAt  time.Time
	tables       []string // feed clients only
	pingInterval time.Duration
	pongTimeout  time.Duration

	mu       sync.RWMutex
	authn    bool
	identity Identity
	rooms    map[string]bool
	lastPong time.Time
	done     chan struct{}
	closed   bool
}

// ClientInfo holds metadata about a connected client.
type ClientInfo struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connected_at"`
	UserID      string    `json:"user_id,omitempty"`
	Rooms       []string  `json:"rooms,omitempty"`
	Tables      []string  `json:"tables,omitempty"`
}

// NewChatClient creates a client wrapper for a chat connection.
func NewChatClient(id string, conn protocol.Conn, h *Hub) *Client {
	return &Client{
		ID:          id,
		conn:        conn,
		hub:         h,
		Send:        make(chan any, 256),
		connectedAt: time.Now(),
		rooms:       make(map[string]bool),
		done:        make(chan struct{}),
	}
}

// NewFeedClient creates a client wrapper for a change-feed connection
// subscribed to the given tables. Feed clients are authenticated by the
// upgrade handler before registration.
func NewFeedClient(id string, conn protocol.Conn, h *Hub, tables []string) *Client {
	c := NewChatClient(id, conn, h)
	c.tables = tables
	c.authn = true
	return c
}

// Info returns metadata about this client.
func (c *Client) Info() ClientInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	return ClientInfo{
		ID:          c.ID,
		ConnectedAt: c.connectedAt,
		UserID:      c.identity.UserID,
		Rooms:       rooms,
		Tables:      c.tables,
	}
}

// Identity returns the authenticated identity and whether auth completed.
func (c *Client) Identity() (Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity, c.authn
}

func (c *Client) setIdentity(id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = id
	c.authn = true
}

func (c *Client) addRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[roomID] = true
}

func (c *Client) removeRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}

// EnableHeartbeat makes WritePump send PING on the interval and close the
// connection when no PONG arrives within interval+timeout. Set before
// starting the pumps. Chat clients only; feed sockets are server-push.
func (c *Client) EnableHeartbeat(interval, timeout time.Duration) {
	c.pingInterval = interval
	c.pongTimeout = timeout
	c.lastPong = time.Now()
}

func (c *Client) notePong() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPong = time.Now()
}

func (c *Client) pongOverdue() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.lastPong) > c.pingInterval+c.pongTimeout
}

// ReadPump reads frames from the socket and routes envelopes to the hub.
// Malformed frames are dropped without closing the connection.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	for {
		var raw json.RawMessage
		if err := c.conn.ReadJSON(&raw); err != nil {
			return
		}
		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			c.hub.logger.Warn().Err(err).Str("client_id", c.ID).Msg("dropping malformed frame")
			continue
		}
		c.hub.incoming <- inbound{client: c, env: env}
	}
}

// ReadDrain consumes frames from a feed socket, which is server-push only,
// until the peer goes away.
func (c *Client) ReadDrain() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	for {
		var raw json.RawMessage
		if err := c.conn.ReadJSON(&raw); err != nil {
			return
		}
	}
}

// WritePump writes frames from the send channel to the socket and, when a
// heartbeat is enabled, pings the peer and drops it on a missing PONG.
func (c *Client) WritePump() {
	defer c.conn.Close()

	var pings <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case msg, ok := <-c.Send:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-pings:
			if c.pongOverdue() {
				c.hub.logger.Warn().Str("client_id", c.ID).Msg("pong overdue, dropping connection")
				return
			}
			if err := c.conn.WriteJSON(protocol.NewEnvelope(protocol.TypePing)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close signals the client to stop its pumps.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
		close(c.Send)
	}
}

// send queues a frame, reporting false when the client is gone or the
// buffer is full.
func (c *Client) send(msg any) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- msg:
		return true
	default:
		return false
	}
}
