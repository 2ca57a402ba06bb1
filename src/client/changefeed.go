package client

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shiftline/realtime/src/protocol"
)

// dedupWindow bounds the duplicate-event guard. Redelivery after a
// resubscribe lands well inside this window.
const dedupWindow = 512

// FeedConfig configures one change-feed channel.
type FeedConfig struct {
	// Key is the opaque subscription key, e.g. "dashboard-realtime-channel".
	Key string
	// URL of the feed WebSocket endpoint.
	URL string
	// Token presented in the subscribe handshake.
	Token string
	// Tables to receive change events for.
	Tables []string

	Retry            RetryConfig
	HandshakeTimeout time.Duration
	// EventBuffer sizes each subscriber's delivery channel.
	EventBuffer int
}

// ChangeFeedChannel is one logical subscription to the server-side change
// feed. It owns its own state machine, retry counter, and dedup guard.
// Events are fanned out to every subscriber on typed channels.
type ChangeFeedChannel struct {
	cfg    FeedConfig
	dialer Dialer
	logger zerolog.Logger
	sm     *stateMachine
	policy RetryPolicy

	mu       sync.Mutex
	retry    retryState
	conn     protocol.Conn
	subs     map[int]chan protocol.ChangeEvent
	nextSub  int
	seen     map[uint64]struct{}
	seenRing []uint64
	degraded bool
	closed   bool
	gen      int

	onDegraded func()
}

// NewChangeFeedChannel builds a channel; no connection is opened until the
// first subscriber attaches.
func NewChangeFeedChannel(cfg FeedConfig, dialer Dialer, logger zerolog.Logger) *ChangeFeedChannel {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	policy := NewRetryPolicy(cfg.Retry)
	c := &ChangeFeedChannel{
		cfg:    cfg,
		dialer: dialer,
		logger: logger.With().Str("component", "changefeed").Str("key", cfg.Key).Logger(),
		policy: policy,
		subs:   make(map[int]chan protocol.ChangeEvent),
		seen:   make(map[uint64]struct{}, dedupWindow),
	}
	c.retry = retryState{policy: policy}
	c.sm = newStateMachine(nil)
	return c
}

// State returns the connection lifecycle state.
func (c *ChangeFeedChannel) State() ConnectionState { return c.sm.current() }

// Degraded reports whether the channel gave up automatic reconnection and is
// waiting for a visibility/online trigger.
func (c *ChangeFeedChannel) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// OnDegraded registers a callback fired exactly once per retry exhaustion,
// so the application can downgrade to polling without repeated signals.
func (c *ChangeFeedChannel) OnDegraded(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDegraded = fn
}

// attach registers a subscriber and opens the connection if this is the
// first one. Called by the registry under its refcount.
func (c *ChangeFeedChannel) attach() (int, <-chan protocol.ChangeEvent, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, nil, ErrClosed
	}
	id := c.nextSub
	c.nextSub++
	ch := make(chan protocol.ChangeEvent, c.cfg.EventBuffer)
	c.subs[id] = ch
	first := len(c.subs) == 1
	c.mu.Unlock()

	if first {
		c.connect()
	}
	return id, ch, nil
}

// detach removes a subscriber. The registry closes the whole channel when
// the last reference is released.
func (c *ChangeFeedChannel) detach(id int) {
	c.mu.Lock()
	ch, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

// connect moves to CONNECTING and starts the dial/subscribe handshake.
func (c *ChangeFeedChannel) connect() {
	if !c.sm.to(StateConnecting) {
		return
	}
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.mu.Unlock()
	go c.run(gen)
}

// run performs one connection attempt and, on success, reads frames until
// the transport drops.
func (c *ChangeFeedChannel) run(gen int) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	conn, err := c.dialer.Dial(ctx, c.cfg.URL)
	cancel()
	if err != nil {
		c.logger.Debug().Err(err).Msg("dial failed")
		c.fail(gen, SignalTimedOut)
		return
	}
	if c.stale(gen, conn) {
		conn.Close()
		return
	}
	c.sm.to(StateConnected)

	// A server that accepts the socket but never acks the subscribe must
	// not park the channel in CONNECTED.
	expired := make(chan struct{})
	guard := time.AfterFunc(c.cfg.HandshakeTimeout, func() {
		c.logger.Warn().Msg("subscribe ack overdue, closing connection")
		close(expired)
		conn.Close()
	})

	req := protocol.FeedRequest{Action: "subscribe", Token: c.cfg.Token, Tables: c.cfg.Tables}
	if err := conn.WriteJSON(req); err != nil {
		guard.Stop()
		c.fail(gen, SignalChannelError)
		return
	}

	var ack protocol.FeedFrame
	if err := conn.ReadJSON(&ack); err != nil {
		guard.Stop()
		select {
		case <-expired:
			c.fail(gen, SignalTimedOut)
		default:
			c.fail(gen, SignalChannelError)
		}
		return
	}
	guard.Stop()
	if ack.Status != protocol.FeedStatusSubscribed {
		// Subscription rejected: credentials problem, not the network.
		c.logger.Warn().Str("reason", ack.Reason).Msg("feed subscribe rejected")
		c.sm.to(StateError)
		c.sm.to(StateDisconnected)
		conn.Close()
		return
	}

	c.mu.Lock()
	c.retry.reset()
	c.degraded = false
	c.mu.Unlock()
	c.sm.to(StateAuthenticated)
	c.logger.Debug().Strs("tables", c.cfg.Tables).Msg("subscribed")

	c.readLoop(gen, conn)
}

// stale reports whether a newer connection attempt superseded gen, and
// otherwise records conn as the live connection.
func (c *ChangeFeedChannel) stale(gen int, conn protocol.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen {
		return true
	}
	c.conn = conn
	return false
}

func (c *ChangeFeedChannel) readLoop(gen int, conn protocol.Conn) {
	for {
		var frame protocol.FeedFrame
		if err := conn.ReadJSON(&frame); err != nil {
			c.fail(gen, SignalClosed)
			return
		}
		if frame.Event == nil {
			continue
		}
		c.deliver(*frame.Event)
	}
}

// deliver fans one event out to all subscribers. A flowing stream implies a
// healthy connection, so the retry counter resets on every event.
func (c *ChangeFeedChannel) deliver(ev protocol.ChangeEvent) {
	key := eventHash(ev)

	c.mu.Lock()
	if _, dup := c.seen[key]; dup {
		c.mu.Unlock()
		c.logger.Debug().Str("entity", ev.Entity).Str("id", ev.EntityID).Msg("duplicate event dropped")
		return
	}
	c.remember(key)
	c.retry.reset()
	targets := make([]chan protocol.ChangeEvent, 0, len(c.subs))
	for _, ch := range c.subs {
		targets = append(targets, ch)
	}
	c.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			c.logger.Warn().Str("entity", ev.Entity).Msg("subscriber buffer full, dropping")
		}
	}
}

// remember records an event hash, evicting the oldest past the window.
// Caller holds c.mu.
func (c *ChangeFeedChannel) remember(key uint64) {
	c.seen[key] = struct{}{}
	c.seenRing = append(c.seenRing, key)
	if len(c.seenRing) > dedupWindow {
		oldest := c.seenRing[0]
		c.seenRing = c.seenRing[1:]
		delete(c.seen, oldest)
	}
}

// fail routes a transport signal into the error path and schedules the next
// reconnect, or enters degraded mode when the budget is spent.
func (c *ChangeFeedChannel) fail(gen int, signal string) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	delay, ok := c.retry.next()
	var first bool
	if !ok {
		c.degraded = true
		first = c.retry.markExhausted()
	}
	attempt := c.retry.attempt
	cb := c.onDegraded
	c.mu.Unlock()

	c.sm.to(StateError)

	if !ok {
		if first {
			c.logger.Warn().Str("signal", signal).Int("max_attempts", c.policy.MaxAttempts()).
				Msg("retry budget exhausted, entering degraded mode")
			if cb != nil {
				cb()
			}
		}
		return
	}

	c.logger.Debug().Str("signal", signal).Int("attempt", attempt).Dur("delay", delay).
		Msg("scheduling reconnect")
	c.sm.scheduleReconnect(delay, func() {
		if c.sm.to(StateConnecting) {
			c.mu.Lock()
			c.gen++
			g := c.gen
			c.mu.Unlock()
			c.run(g)
		}
	})
}

// WakeVisible retries immediately after the document becomes visible again.
// Resets the attempt counter; no-op while connected or closed.
func (c *ChangeFeedChannel) WakeVisible() { c.wake("visible") }

// WakeOnline retries immediately after the network comes back online.
func (c *ChangeFeedChannel) WakeOnline() { c.wake("online") }

func (c *ChangeFeedChannel) wake(trigger string) {
	c.mu.Lock()
	if c.closed || len(c.subs) == 0 {
		c.mu.Unlock()
		return
	}
	state := c.sm.current()
	if state == StateAuthenticated || state == StateConnecting || state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.retry.reset()
	c.degraded = false
	c.mu.Unlock()

	c.logger.Debug().Str("trigger", trigger).Msg("external trigger, reconnecting")
	c.sm.cancelReconnect()
	c.connect()
}

// close tears the channel down: cancels any pending retry, closes the
// transport, and closes all subscriber channels. Synchronous.
func (c *ChangeFeedChannel) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	subs := c.subs
	c.subs = make(map[int]chan protocol.ChangeEvent)
	c.mu.Unlock()

	c.sm.cancelReconnect()
	if conn != nil {
		conn.Close()
	}
	c.sm.to(StateDisconnected)
	for _, ch := range subs {
		close(ch)
	}
}

// eventHash keys the dedup guard on entity, mutation kind, row id, and
// payload bytes, so an identical redelivery is dropped while a fresh update
// to the same row passes.
func eventHash(ev protocol.ChangeEvent) uint64 {
	h := fnv.New64a()
	h.Write([]byte(ev.Entity))
	h.Write([]byte{0})
	h.Write([]byte(ev.EventType))
	h.Write([]byte{0})
	h.Write([]byte(ev.EntityID))
	h.Write([]byte{0})
	h.Write(ev.Payload)
	return h.Sum64()
}
