package providers

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/shiftline/realtime/src/hub"
	"github.com/shiftline/realtime/src/protocol"
)

// scriptConn serves queued frames to ReadJSON and records writes.
type scriptConn struct {
	reads   [][]byte
	written [][]byte
}

func (s *scriptConn) queue(v any) {
	b, _ := json.Marshal(v)
	s.reads = append(s.reads, b)
}

func (s *scriptConn) ReadJSON(v any) error {
	if len(s.reads) == 0 {
		return errors.New("no more frames")
	}
	b := s.reads[0]
	s.reads = s.reads[1:]
	return json.Unmarshal(b, v)
}

func (s *scriptConn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.written = append(s.written, b)
	return nil
}

func (s *scriptConn) Close() error { return nil }

func (s *scriptConn) lastFrame(t *testing.T) protocol.FeedFrame {
	t.Helper()
	require.NotEmpty(t, s.written)
	var frame protocol.FeedFrame
	require.NoError(t, json.Unmarshal(s.written[len(s.written)-1], &frame))
	return frame
}

func newTestRealtime() *Realtime {
	verifier := hub.TokenVerifierFunc(func(token string) (hub.Identity, error) {
		if token == "valid" {
			return hub.Identity{UserID: "u-1", UserName: "Dana"}, nil
		}
		return hub.Identity{}, errors.New("invalid token")
	})
	return NewRealtime(verifier, zerolog.Nop())
}

func TestFeedHandshakeAccepted(t *testing.T) {
	rt := newTestRealtime()
	conn := &scriptConn{}
	conn.queue(protocol.FeedRequest{
		Action: "subscribe",
		Token:  "valid",
		Tables: []string{protocol.EntityTasks, protocol.EntityTimesheets},
	})

	tables, ok := rt.feedHandshake(conn)
	require.True(t, ok)
	assert.Equal(t, []string{protocol.EntityTasks, protocol.EntityTimesheets}, tables)
	assert.Equal(t, protocol.FeedStatusSubscribed, conn.lastFrame(t).Status)
}

func TestFeedHandshakeRejectsUnknownTable(t *testing.T) {
	rt := newTestRealtime()
	conn := &scriptConn{}
	conn.queue(protocol.FeedRequest{
		Action: "subscribe",
		Token:  "valid",
		Tables: []string{"invoices"},
	})

	_, ok := rt.feedHandshake(conn)
	require.False(t, ok)
	frame := conn.lastFrame(t)
	assert.Equal(t, protocol.FeedStatusError, frame.Status)
	assert.Contains(t, frame.Reason, "invoices")
}

func TestFeedHandshakeRejectsBadToken(t *testing.T) {
	rt := newTestRealtime()
	conn := &scriptConn{}
	conn.queue(protocol.FeedRequest{
		Action: "subscribe",
		Token:  "expired",
		Tables: []string{protocol.EntityTasks},
	})

	_, ok := rt.feedHandshake(conn)
	require.False(t, ok)
	assert.Equal(t, protocol.FeedStatusError, conn.lastFrame(t).Status)
}

func TestFeedHandshakeRequiresSubscribeAction(t *testing.T) {
	rt := newTestRealtime()
	conn := &scriptConn{}
	conn.queue(protocol.FeedRequest{Action: "listen", Token: "valid", Tables: []string{protocol.EntityTasks}})

	_, ok := rt.feedHandshake(conn)
	require.False(t, ok)
	assert.Equal(t, protocol.FeedStatusError, conn.lastFrame(t).Status)
}

func TestFeedHandshakeRequiresTables(t *testing.T) {
	rt := newTestRealtime()
	conn := &scriptConn{}
	conn.queue(protocol.FeedRequest{Action: "subscribe", Token: "valid"})

	_, ok := rt.feedHandshake(conn)
	require.False(t, ok)
}

func TestKnownTable(t *testing.T) {
	for _, table := range feedTables {
		assert.True(t, knownTable(table), table)
	}
	assert.False(t, knownTable("users"))
	assert.False(t, knownTable(""))
}

func TestHandlersRejectAtCapacity(t *testing.T) {
	rt := newTestRealtime()
	rt.cfg.MaxConnections = 1
	go rt.hub.Run()
	t.Cleanup(func() { rt.hub.Stop() })

	occupant := hub.NewChatClient("c1", &scriptConn{}, rt.hub)
	rt.hub.Register(occupant)
	require.Eventually(t, func() bool { return rt.hub.ClientCount() == 1 },
		time.Second, time.Millisecond)

	for _, handler := range []fasthttp.RequestHandler{rt.ChatHandler(), rt.FeedHandler()} {
		var ctx fasthttp.RequestCtx
		ctx.Request.Header.Set("Upgrade", "websocket")
		handler(&ctx)
		assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
	}
}

func TestHandlersRequireUpgradeHeader(t *testing.T) {
	rt := newTestRealtime()

	var ctx fasthttp.RequestCtx
	rt.ChatHandler()(&ctx)
	assert.Equal(t, fasthttp.StatusUpgradeRequired, ctx.Response.StatusCode())
}

func TestUpgraderUsesConfiguredBuffers(t *testing.T) {
	t.Setenv("RT_READ_BUFFER", "2048")
	t.Setenv("RT_WRITE_BUFFER", "4096")

	rt := newTestRealtime()
	assert.Equal(t, 2048, rt.upgrader.ReadBufferSize)
	assert.Equal(t, 4096, rt.upgrader.WriteBufferSize)
}
