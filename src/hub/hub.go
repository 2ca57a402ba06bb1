package hub

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/shiftline/realtime/src/protocol"
)

// Identity is a verified user as reported by the session provider.
type Identity struct {
	UserID   string
	UserName string
}

// TokenVerifier checks an authentication token against the session/identity
// provider. The provider itself lives outside this module.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

// TokenVerifierFunc adapts a function to the TokenVerifier interface.
type TokenVerifierFunc func(token string) (Identity, error)

// Verify implements TokenVerifier.
func (f TokenVerifierFunc) Verify(token string) (Identity, error) { return f(token) }

type inbound struct {
	client *Client
	env    protocol.Envelope
}

// Hub manages all client connections, conversation membership, and
// change-feed subscriptions. A single event loop owns all registration and
// message handling; per-connection state is owned by each Client.
type Hub struct {
	clients       map[string]*Client
	conversations map[string]map[string]bool // conversationID -> set of clientIDs
	feeds         map[string]map[string]bool // table -> set of clientIDs

	register   chan *Client
	unregister chan *Client
	incoming   chan inbound
	changes    chan protocol.ChangeEvent

	verifier  TokenVerifier
	onConnect []func(string)
	onDisconn []func(string)

	mu     sync.RWMutex
	logger zerolog.Logger
	done   chan struct{}
}

// New creates a hub using verifier for AUTHENTICATE handshakes.
func New(verifier TokenVerifier, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:       make(map[string]*Client),
		conversations: make(map[string]map[string]bool),
		feeds:         make(map[string]map[string]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		incoming:      make(chan inbound, 256),
		changes:       make(chan protocol.ChangeEvent, 256),
		verifier:      verifier,
		logger:        logger,
		done:          make(chan struct{}),
	}
}

// Run starts the hub event loop. Call in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case in := <-h.incoming:
			h.handleEnvelope(in.client, in.env)
		case ev := <-h.changes:
			h.broadcastChange(ev)
		case <-h.done:
			return
		}
	}
}

// Stop halts the hub event loop.
func (h *Hub) Stop() {
	close(h.done)
}

// Register queues a client for registration.
func (h *Hub) Register(c *Client) {
	h.register <- c
}

// Unregister queues a client for removal.
func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}

// PublishChange queues a change event for delivery to feed subscribers of
// its entity table.
func (h *Hub) PublishChange(ev protocol.ChangeEvent) {
	h.changes <- ev
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	for _, table := range c.tables {
		if h.feeds[table] == nil {
			h.feeds[table] = make(map[string]bool)
		}
		h.feeds[table][c.ID] = true
	}
	cbs := append([]func(string){}, h.onConnect...)
	h.mu.Unlock()

	h.logger.Info().Str("client_id", c.ID).Bool("feed", len(c.tables) > 0).Msg("client registered")

	for _, cb := range cbs {
		cb(c.ID)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)

	for conv, members := range h.conversations {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.conversations, conv)
		}
	}
	for table, subs := range h.feeds {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(h.feeds, table)
		}
	}
	cbs := append([]func(string){}, h.onDisconn...)
	h.mu.Unlock()

	c.Close()
	h.logger.Info().Str("client_id", c.ID).Msg("client unregistered")

	for _, cb := range cbs {
		cb(c.ID)
	}
}
