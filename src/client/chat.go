package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shiftline/realtime/src/protocol"
)

// ChatConfig configures the chat transport.
type ChatConfig struct {
	// URL of the chat WebSocket endpoint.
	URL string
	// Retry budget; chat defaults are stricter than the feed's.
	Retry RetryConfig
	// PingInterval between heartbeat PINGs.
	PingInterval time.Duration
	// PongTimeout is the grace past PingInterval before a missing PONG is
	// treated as a transport error.
	PongTimeout      time.Duration
	HandshakeTimeout time.Duration
	// EventBuffer sizes the consumer-facing event channel.
	EventBuffer int
}

// Identity is the authenticated user as confirmed by the server.
type Identity struct {
	UserID   string
	UserName string
}

// ChatTransport is a single persistent connection carrying the chat
// protocol: AUTHENTICATE handshake, room join/leave, message send/receive,
// typing indicators, and heartbeat. Joined rooms are replayed automatically
// after every reconnect, before the transport reports ready again.
type ChatTransport struct {
	cfg    ChatConfig
	dialer Dialer
	logger zerolog.Logger
	sm     *stateMachine
	policy RetryPolicy
	rooms  *RoomRegistry
	typing *TypingCoordinator

	mu       sync.Mutex
	wmu      sync.Mutex // serializes socket writes
	retry    retryState
	conn     protocol.Conn
	token    string
	pending  []protocol.Envelope // join/leave buffered until authenticated
	events   chan protocol.Envelope
	identity Identity
	authn    bool
	lastPong time.Time
	degraded bool
	closed   bool
	gen      int
	ready    chan error

	onDegraded func()
}

// NewChatTransport builds a transport; Connect opens it.
func NewChatTransport(cfg ChatConfig, dialer Dialer, logger zerolog.Logger) *ChatTransport {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultChatRetry()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	policy := NewRetryPolicy(cfg.Retry)
	t := &ChatTransport{
		cfg:    cfg,
		dialer: dialer,
		logger: logger.With().Str("component", "chat-transport").Logger(),
		policy: policy,
		rooms:  NewRoomRegistry(),
		typing: NewTypingCoordinator(0),
		events: make(chan protocol.Envelope, cfg.EventBuffer),
	}
	t.retry = retryState{policy: policy}
	t.sm = newStateMachine(nil)
	return t
}

// Events returns the server-originated chat event stream: NEW_MESSAGE,
// MESSAGE_SENT, MESSAGE_ERROR, JOINED/LEFT_CONVERSATION, USER_TYPING,
// USER_STOPPED_TYPING, ERROR.
func (t *ChatTransport) Events() <-chan protocol.Envelope { return t.events }

// Rooms exposes the membership set.
func (t *ChatTransport) Rooms() *RoomRegistry { return t.rooms }

// Typing exposes the typing coordinator fed by this transport.
func (t *ChatTransport) Typing() *TypingCoordinator { return t.typing }

// State returns the connection lifecycle state.
func (t *ChatTransport) State() ConnectionState { return t.sm.current() }

// Identity returns the authenticated user, zero before authentication.
func (t *ChatTransport) Identity() Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identity
}

// Degraded reports whether automatic reconnection is suspended.
func (t *ChatTransport) Degraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.degraded
}

// OnDegraded registers a callback fired once per retry exhaustion.
func (t *ChatTransport) OnDegraded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDegraded = fn
}

// Connect opens the transport and performs the AUTHENTICATE handshake. It
// returns once the server confirms AUTHENTICATED, rejects with AUTH_ERROR
// (ErrAuthFailed, never retried automatically), or ctx expires.
func (t *ChatTransport) Connect(ctx context.Context, token string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.token = token
	ready := make(chan error, 1)
	t.ready = ready
	t.mu.Unlock()

	if !t.sm.to(StateConnecting) {
		return errors.New("client: connect while not disconnected")
	}

	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.mu.Unlock()
	go t.run(gen)

	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run performs one dial+authenticate attempt, then reads until drop.
func (t *ChatTransport) run(gen int) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.HandshakeTimeout)
	conn, err := t.dialer.Dial(ctx, t.cfg.URL)
	cancel()
	if err != nil {
		t.logger.Debug().Err(err).Msg("dial failed")
		t.drop(gen, SignalTimedOut)
		return
	}

	t.mu.Lock()
	if t.closed || gen != t.gen {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	token := t.token
	t.mu.Unlock()

	t.sm.to(StateConnected)

	auth := protocol.NewEnvelope(protocol.TypeAuthenticate)
	auth.Token = token
	if err := t.write(conn, auth); err != nil {
		t.drop(gen, SignalChannelError)
		return
	}

	// A server that upgrades but never answers AUTHENTICATE must not park
	// the transport in CONNECTED.
	expired := make(chan struct{})
	guard := time.AfterFunc(t.cfg.HandshakeTimeout, func() {
		t.logger.Warn().Msg("authentication unanswered, closing connection")
		close(expired)
		conn.Close()
	})

	t.readLoop(gen, conn, guard, expired)
}

func (t *ChatTransport) readLoop(gen int, conn protocol.Conn, guard *time.Timer, expired <-chan struct{}) {
	defer guard.Stop()
	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			select {
			case <-expired:
				t.drop(gen, SignalTimedOut)
			default:
				t.drop(gen, SignalClosed)
			}
			return
		}
		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			// Protocol error: drop the frame, keep the connection.
			t.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		if env.Type == protocol.TypeAuthenticated || env.Type == protocol.TypeAuthError {
			guard.Stop()
		}
		t.handle(gen, conn, env)
	}
}

func (t *ChatTransport) handle(gen int, conn protocol.Conn, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeAuthenticated:
		t.onAuthenticated(gen, conn, env)
	case protocol.TypeAuthError:
		t.onAuthError(gen, conn, env)
	case protocol.TypeJoinedConversation:
		t.rooms.Add(env.ConversationID)
		t.emit(env)
	case protocol.TypeLeftConversation:
		t.rooms.Remove(env.ConversationID)
		t.emit(env)
	case protocol.TypeUserTyping:
		t.typing.OnRemoteTyping(env.ConversationID, env.UserID, env.UserName)
		t.emit(env)
	case protocol.TypeUserStoppedTyping:
		t.typing.OnRemoteStop(env.ConversationID, env.UserID)
		t.emit(env)
	case protocol.TypePing:
		pong := protocol.NewEnvelope(protocol.TypePong)
		if err := t.write(conn, pong); err != nil {
			t.logger.Debug().Err(err).Msg("pong write failed")
		}
	case protocol.TypePong:
		t.mu.Lock()
		t.lastPong = time.Now()
		t.mu.Unlock()
	case protocol.TypeNewMessage, protocol.TypeMessageSent,
		protocol.TypeMessageError, protocol.TypeError:
		t.emit(env)
	default:
		// Server-bound types arriving here are a server bug; drop them.
		t.logger.Warn().Str("type", string(env.Type)).Msg("unexpected envelope direction")
	}
}

// onAuthenticated replays the membership set and flushes buffered joins
// before the caller observes the transport as ready.
func (t *ChatTransport) onAuthenticated(gen int, conn protocol.Conn, env protocol.Envelope) {
	replayErr := t.rooms.ReplayAll(func(roomID string) error {
		join := protocol.NewEnvelope(protocol.TypeJoinConversation)
		join.ConversationID = roomID
		return t.write(conn, join)
	})
	if replayErr != nil {
		t.drop(gen, SignalChannelError)
		return
	}

	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.identity = Identity{UserID: env.UserID, UserName: env.UserName}
	t.authn = true
	t.degraded = false
	t.retry.reset()
	t.lastPong = time.Now()
	ready := t.ready
	t.ready = nil
	t.mu.Unlock()

	for _, p := range pending {
		if err := t.write(conn, p); err != nil {
			t.drop(gen, SignalChannelError)
			return
		}
	}

	t.sm.to(StateAuthenticated)
	t.logger.Info().Str("user_id", env.UserID).Int("rooms", t.rooms.Len()).Msg("authenticated")

	if ready != nil {
		ready <- nil
	}
	go t.heartbeat(gen, conn)
}

// onAuthError is terminal for the attempt: the credentials are assumed
// invalid, not the network, so no retry is scheduled.
func (t *ChatTransport) onAuthError(gen int, conn protocol.Conn, env protocol.Envelope) {
	t.logger.Warn().Str("reason", env.Reason).Msg("authentication rejected")

	t.mu.Lock()
	if gen == t.gen {
		t.gen++ // invalidate this connection so drop() ignores the read error
		t.conn = nil
	}
	t.authn = false
	ready := t.ready
	t.ready = nil
	t.mu.Unlock()

	conn.Close()
	t.sm.cancelReconnect()
	t.sm.to(StateError)
	t.sm.to(StateDisconnected)

	if ready != nil {
		ready <- ErrAuthFailed
	}
}

// drop routes a transport failure into the retry path.
func (t *ChatTransport) drop(gen int, signal string) {
	t.mu.Lock()
	if t.closed || gen != t.gen {
		t.mu.Unlock()
		return
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.authn = false
	delay, ok := t.retry.next()
	var first bool
	if !ok {
		t.degraded = true
		first = t.retry.markExhausted()
	}
	attempt := t.retry.attempt
	ready := t.ready
	cb := t.onDegraded
	if !ok {
		t.ready = nil
	}
	t.mu.Unlock()

	t.sm.to(StateError)

	if !ok {
		if first {
			t.logger.Warn().Str("signal", signal).Int("max_attempts", t.policy.MaxAttempts()).
				Msg("retry budget exhausted, entering degraded mode")
			if cb != nil {
				cb()
			}
		}
		if ready != nil {
			ready <- ErrHandshakeTimeout
		}
		return
	}

	t.logger.Debug().Str("signal", signal).Int("attempt", attempt).Dur("delay", delay).
		Msg("scheduling reconnect")
	t.sm.scheduleReconnect(delay, t.reconnect)
}

func (t *ChatTransport) reconnect() {
	if !t.sm.to(StateConnecting) {
		return
	}
	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.mu.Unlock()
	t.run(gen)
}

// heartbeat emits PING on the interval and treats a missing PONG as a
// transport timeout.
func (t *ChatTransport) heartbeat(gen int, conn protocol.Conn) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for range ticker.C {
		t.mu.Lock()
		stale := t.closed || gen != t.gen
		lastPong := t.lastPong
		t.mu.Unlock()
		if stale {
			return
		}
		if time.Since(lastPong) > t.cfg.PingInterval+t.cfg.PongTimeout {
			t.logger.Warn().Msg("pong overdue, dropping connection")
			conn.Close() // surfaces in readLoop, which takes the retry path
			return
		}
		ping := protocol.NewEnvelope(protocol.TypePing)
		if err := t.write(conn, ping); err != nil {
			return
		}
	}
}

// JoinRoom asks the server to join roomID. Buffered until the transport is
// authenticated; membership is recorded only on the JOINED ack.
func (t *ChatTransport) JoinRoom(roomID string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if !t.authn {
		t.bufferPending(protocol.TypeJoinConversation, roomID)
		t.mu.Unlock()
		return nil
	}
	conn := t.conn
	t.mu.Unlock()

	join := protocol.NewEnvelope(protocol.TypeJoinConversation)
	join.ConversationID = roomID
	return t.write(conn, join)
}

// LeaveRoom asks the server to leave roomID. While unauthenticated a
// buffered join for the room is cancelled instead.
func (t *ChatTransport) LeaveRoom(roomID string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if !t.authn {
		t.cancelPending(roomID)
		if t.rooms.Contains(roomID) {
			t.bufferPending(protocol.TypeLeaveConversation, roomID)
		}
		t.mu.Unlock()
		return nil
	}
	conn := t.conn
	t.mu.Unlock()

	leave := protocol.NewEnvelope(protocol.TypeLeaveConversation)
	leave.ConversationID = roomID
	return t.write(conn, leave)
}

// bufferPending queues a join/leave for replay after authentication,
// dropping duplicates. Caller holds t.mu.
func (t *ChatTransport) bufferPending(typ protocol.MessageType, roomID string) {
	for _, p := range t.pending {
		if p.Type == typ && p.ConversationID == roomID {
			return
		}
	}
	// A replayed membership join covers the room already.
	if typ == protocol.TypeJoinConversation && t.rooms.Contains(roomID) {
		return
	}
	env := protocol.NewEnvelope(typ)
	env.ConversationID = roomID
	t.pending = append(t.pending, env)
}

// cancelPending removes any buffered join for roomID. Caller holds t.mu.
func (t *ChatTransport) cancelPending(roomID string) {
	kept := t.pending[:0]
	for _, p := range t.pending {
		if !(p.Type == protocol.TypeJoinConversation && p.ConversationID == roomID) {
			kept = append(kept, p)
		}
	}
	t.pending = kept
}

// Send delivers a message to a room, fire-and-forget. The server answers
// with MESSAGE_SENT or MESSAGE_ERROR on the event stream; there is no
// automatic resend.
func (t *ChatTransport) Send(roomID, content string, attachments []protocol.Attachment) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if !t.authn {
		t.mu.Unlock()
		return ErrNotConnected
	}
	conn := t.conn
	t.mu.Unlock()

	msg := protocol.NewEnvelope(protocol.TypeSendMessage)
	msg.ConversationID = roomID
	msg.Content = content
	msg.Attachments = attachments
	return t.write(conn, msg)
}

// StartTyping signals local typing, debounced. Silently dropped unless
// authenticated.
func (t *ChatTransport) StartTyping(roomID string) {
	t.mu.Lock()
	if t.closed || !t.authn {
		t.mu.Unlock()
		return
	}
	conn := t.conn
	t.mu.Unlock()

	if !t.typing.ShouldSignalStart(roomID) {
		return
	}
	env := protocol.NewEnvelope(protocol.TypeTypingStart)
	env.ConversationID = roomID
	if err := t.write(conn, env); err != nil {
		t.logger.Debug().Err(err).Msg("typing start write failed")
	}
}

// StopTyping signals the end of local typing. Silently dropped unless
// authenticated.
func (t *ChatTransport) StopTyping(roomID string) {
	t.mu.Lock()
	if t.closed || !t.authn {
		t.mu.Unlock()
		return
	}
	conn := t.conn
	t.mu.Unlock()

	t.typing.ClearSignal(roomID)
	env := protocol.NewEnvelope(protocol.TypeTypingStop)
	env.ConversationID = roomID
	if err := t.write(conn, env); err != nil {
		t.logger.Debug().Err(err).Msg("typing stop write failed")
	}
}

// WakeVisible retries immediately after the document becomes visible.
func (t *ChatTransport) WakeVisible() { t.wake("visible") }

// WakeOnline retries immediately after the network comes back online.
func (t *ChatTransport) WakeOnline() { t.wake("online") }

func (t *ChatTransport) wake(trigger string) {
	t.mu.Lock()
	if t.closed || t.token == "" {
		t.mu.Unlock()
		return
	}
	state := t.sm.current()
	if state == StateAuthenticated || state == StateConnecting || state == StateConnected {
		t.mu.Unlock()
		return
	}
	t.retry.reset()
	t.degraded = false
	t.mu.Unlock()

	t.logger.Debug().Str("trigger", trigger).Msg("external trigger, reconnecting")
	t.sm.cancelReconnect()
	go t.reconnect()
}

// Disconnect tears the transport down: cancels pending retries, closes the
// socket, and makes the instance terminal.
func (t *ChatTransport) Disconnect() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.gen++
	conn := t.conn
	t.conn = nil
	t.authn = false
	t.mu.Unlock()

	t.sm.cancelReconnect()
	if conn != nil {
		conn.Close()
	}
	t.sm.to(StateDisconnected)
	t.logger.Debug().Msg("disconnected")
}

func (t *ChatTransport) write(conn protocol.Conn, v any) error {
	if conn == nil {
		return ErrNotConnected
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return conn.WriteJSON(v)
}

func (t *ChatTransport) emit(env protocol.Envelope) {
	select {
	case t.events <- env:
	default:
		t.logger.Warn().Str("type", string(env.Type)).Msg("event buffer full, dropping")
	}
}
