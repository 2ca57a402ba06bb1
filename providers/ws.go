package providers

import (
	"strings"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/shiftline/realtime/src/hub"
	"github.com/shiftline/realtime/src/protocol"
)

// ChatHandler returns a raw fasthttp handler for chat WebSocket upgrades.
// Register this on the fasthttp server at the "/ws/chat" path. The client
// authenticates in-band with an AUTHENTICATE envelope after the upgrade.
func (r *Realtime) ChatHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !wantsUpgrade(ctx) {
			rejectUpgrade(ctx)
			return
		}
		if r.atCapacity() {
			rejectBusy(ctx)
			return
		}

		clientID := uuid.New().String()
		h := r.hub
		logger := r.logger

		err := r.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			client := hub.NewChatClient(clientID, r.newWSConn(conn), h)
			if r.cfg.PingInterval > 0 {
				client.EnableHeartbeat(
					time.Duration(r.cfg.PingInterval)*time.Second,
					time.Duration(r.cfg.PongTimeout)*time.Second)
			}
			h.Register(client)
			go client.WritePump()
			client.ReadPump()
		})
		if err != nil {
			logger.Error().Err(err).Msg("chat upgrade failed")
		}
	}
}

// FeedHandler returns a raw fasthttp handler for change-feed upgrades at
// "/ws/feed". The first client frame must be a subscribe request carrying
// the token and table set; the server answers with a SUBSCRIBED ack or an
// error frame before streaming events.
func (r *Realtime) FeedHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !wantsUpgrade(ctx) {
			rejectUpgrade(ctx)
			return
		}
		if r.atCapacity() {
			rejectBusy(ctx)
			return
		}

		clientID := uuid.New().String()
		h := r.hub
		logger := r.logger

		err := r.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			c := r.newWSConn(conn)
			tables, ok := r.feedHandshake(c)
			if !ok {
				c.Close()
				return
			}

			client := hub.NewFeedClient(clientID, c, h, tables)
			h.Register(client)
			go client.WritePump()
			client.ReadDrain()
		})
		if err != nil {
			logger.Error().Err(err).Msg("feed upgrade failed")
		}
	}
}

// atCapacity reports whether the configured connection limit is reached.
func (r *Realtime) atCapacity() bool {
	return r.cfg.MaxConnections > 0 && r.hub.ClientCount() >= r.cfg.MaxConnections
}

// feedHandshake reads and verifies the subscribe request, replying with the
// ack or error frame. Returns the granted table set.
func (r *Realtime) feedHandshake(conn protocol.Conn) ([]string, bool) {
	var req protocol.FeedRequest
	if err := conn.ReadJSON(&req); err != nil {
		return nil, false
	}
	if req.Action != "subscribe" || len(req.Tables) == 0 {
		r.rejectFeed(conn, "subscribe request with tables required")
		return nil, false
	}
	for _, table := range req.Tables {
		if !knownTable(table) {
			r.rejectFeed(conn, "unknown table: "+table)
			return nil, false
		}
	}
	if _, err := r.hub.Verifier().Verify(req.Token); err != nil {
		r.rejectFeed(conn, err.Error())
		return nil, false
	}

	ack := protocol.FeedFrame{Status: protocol.FeedStatusSubscribed, Timestamp: time.Now().UTC()}
	if err := conn.WriteJSON(ack); err != nil {
		return nil, false
	}
	return req.Tables, true
}

func (r *Realtime) rejectFeed(conn protocol.Conn, reason string) {
	frame := protocol.FeedFrame{
		Status:    protocol.FeedStatusError,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	if err := conn.WriteJSON(frame); err != nil {
		r.logger.Debug().Err(err).Msg("feed reject write failed")
	}
}

func knownTable(table string) bool {
	for _, t := range feedTables {
		if t == table {
			return true
		}
	}
	return false
}

func wantsUpgrade(ctx *fasthttp.RequestCtx) bool {
	upgrade := string(ctx.Request.Header.Peek("Upgrade"))
	return strings.EqualFold(upgrade, "websocket")
}

func rejectUpgrade(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
}

func rejectBusy(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(`{"error":"at_capacity","message":"connection limit reached"}`)
}

// wsConn wraps fasthttp/websocket.Conn to satisfy protocol.Conn.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (r *Realtime) newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn, writeTimeout: time.Duration(r.cfg.WriteTimeout) * time.Second}
}

func (w *wsConn) WriteJSON(v any) error {
	if w.writeTimeout > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	return w.conn.WriteJSON(v)
}

func (w *wsConn) ReadJSON(v any) error { return w.conn.ReadJSON(v) }
func (w *wsConn) Close() error         { return w.conn.Close() }
