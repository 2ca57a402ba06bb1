package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/shiftline/realtime/src/protocol"
)

var errConnClosed = errors.New("connection closed")

// fakeConn is an in-memory protocol.Conn. Frames pushed with push() appear
// on the read side; writes are recorded and optionally answered by onWrite,
// which lets a test play the server's half of the protocol.
type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	frames  chan []byte
	done    chan struct{}
	once    sync.Once
	onWrite func(c *fakeConn, v any)
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, b)
	hook := c.onWrite
	c.mu.Unlock()
	if hook != nil {
		hook(c, v)
	}
	return nil
}

func (c *fakeConn) ReadJSON(v any) error {
	select {
	case b := <-c.frames:
		return json.Unmarshal(b, v)
	case <-c.done:
		return errConnClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// push queues a frame for the client to read.
func (c *fakeConn) push(v any) {
	b, _ := json.Marshal(v)
	select {
	case c.frames <- b:
	case <-c.done:
	}
}

// pushRaw queues an arbitrary byte frame, e.g. a malformed one.
func (c *fakeConn) pushRaw(b []byte) {
	select {
	case c.frames <- b:
	case <-c.done:
	}
}

// writtenEnvelopes decodes every recorded write as a chat envelope.
func (c *fakeConn) writtenEnvelopes() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(c.written))
	for _, b := range c.written {
		var env protocol.Envelope
		if json.Unmarshal(b, &env) == nil && env.Type.Valid() {
			out = append(out, env)
		}
	}
	return out
}

// countWritten returns how many recorded envelopes of typ mention roomID
// (empty roomID matches all).
func (c *fakeConn) countWritten(typ protocol.MessageType, roomID string) int {
	n := 0
	for _, env := range c.writtenEnvelopes() {
		if env.Type == typ && (roomID == "" || env.ConversationID == roomID) {
			n++
		}
	}
	return n
}

// mockDialer hands out connections from a factory and counts dials.
type mockDialer struct {
	mu      sync.Mutex
	dials   int
	factory func(attempt int) (protocol.Conn, error)
}

func (d *mockDialer) Dial(_ context.Context, _ string) (protocol.Conn, error) {
	d.mu.Lock()
	n := d.dials
	d.dials++
	d.mu.Unlock()
	return d.factory(n)
}

func (d *mockDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// feedConn returns a connection whose server half acks the subscribe
// request and then streams the given events.
func feedConn(events ...protocol.ChangeEvent) *fakeConn {
	c := newFakeConn()
	c.onWrite = func(c *fakeConn, v any) {
		if _, ok := v.(protocol.FeedRequest); !ok {
			return
		}
		c.push(protocol.FeedFrame{Status: protocol.FeedStatusSubscribed, Timestamp: time.Now()})
		for _, ev := range events {
			e := ev
			c.push(protocol.FeedFrame{Event: &e, Timestamp: time.Now()})
		}
	}
	return c
}

// chatConn returns a connection whose server half speaks just enough of the
// chat protocol: it accepts goodToken, acks joins/leaves/sends, and answers
// pings.
func chatConn(goodToken string) *fakeConn {
	c := newFakeConn()
	c.onWrite = func(c *fakeConn, v any) {
		env, ok := v.(protocol.Envelope)
		if !ok {
			return
		}
		switch env.Type {
		case protocol.TypeAuthenticate:
			if env.Token == goodToken {
				reply := protocol.NewEnvelope(protocol.TypeAuthenticated)
				reply.UserID = "u-1"
				reply.UserName = "Dana"
				c.push(reply)
			} else {
				reply := protocol.NewEnvelope(protocol.TypeAuthError)
				reply.Reason = "invalid token"
				c.push(reply)
			}
		case protocol.TypeJoinConversation:
			reply := protocol.NewEnvelope(protocol.TypeJoinedConversation)
			reply.ConversationID = env.ConversationID
			c.push(reply)
		case protocol.TypeLeaveConversation:
			reply := protocol.NewEnvelope(protocol.TypeLeftConversation)
			reply.ConversationID = env.ConversationID
			c.push(reply)
		case protocol.TypeSendMessage:
			ack := protocol.NewEnvelope(protocol.TypeMessageSent)
			ack.ConversationID = env.ConversationID
			ack.MessageID = "m-1"
			c.push(ack)
		case protocol.TypePing:
			c.push(protocol.NewEnvelope(protocol.TypePong))
		}
	}
	return c
}

// fastRetry is a small budget with no jitter, for deterministic tests.
func fastRetry(maxAttempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		JitterMax:   0,
	}
}

func taskEvent(id string) protocol.ChangeEvent {
	return protocol.ChangeEvent{
		Entity:    protocol.EntityTasks,
		EventType: protocol.EventUpdate,
		EntityID:  id,
		Payload:   json.RawMessage(`{"id":"` + id + `","projectId":"p-1","title":"x","status":"open"}`),
	}
}
