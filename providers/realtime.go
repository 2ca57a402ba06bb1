package providers

import (
	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/shiftline/realtime/config"
	"github.com/shiftline/realtime/src/feed"
	"github.com/shiftline/realtime/src/hub"
	"github.com/shiftline/realtime/src/protocol"
	"github.com/shiftline/realtime/src/service"
)

// Realtime wires the hub, service, and change-feed source into one
// component the owning application starts alongside its HTTP server.
type Realtime struct {
	active   bool
	cfg      *config.SocketConfig
	hub      *hub.Hub
	service  *service.Service
	source   feed.Source
	upgrader websocket.FastHTTPUpgrader
	logger   zerolog.Logger
}

// feedTables is the set of entity tables the change feed carries.
var feedTables = []string{
	protocol.EntityTimesheets,
	protocol.EntityProjects,
	protocol.EntityTasks,
	protocol.EntityLeaveRequests,
}

// NewRealtime creates the realtime component. The verifier connects the
// transport to the application's session provider.
func NewRealtime(verifier hub.TokenVerifier, logger zerolog.Logger) *Realtime {
	h := hub.New(verifier, logger)
	cfg := config.FromEnv()
	return &Realtime{
		cfg:     cfg,
		hub:     h,
		service: service.New(h, logger),
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
		},
		logger: logger,
	}
}

// Service exposes the high-level realtime API.
func (r *Realtime) Service() *service.Service { return r.service }

// Active reports whether the component is running.
func (r *Realtime) Active() bool { return r.active }

// Start runs the hub event loop and connects the change-feed source.
func (r *Realtime) Start() error {
	go r.hub.Run()

	// Attempt the Redis change-feed connection (non-fatal if unavailable:
	// chat still works, feeds stay quiet until the source comes back).
	r.initSource()

	r.active = true
	r.logger.Info().Msg("realtime component started")
	return nil
}

// initSource tries to start the Redis change-feed source.
func (r *Realtime) initSource() {
	cfg := feed.RedisConfigFromEnv()
	src := feed.NewRedisSource(cfg, feedTables, r.hub, r.logger)

	if err := src.Start(); err != nil {
		r.logger.Warn().Err(err).Msg("change-feed source unavailable, chat-only mode")
		return
	}

	r.source = src
	r.logger.Info().Str("redis_addr", cfg.Addr).Msg("change-feed source connected")
}

// Stop halts the feed source and the hub event loop.
func (r *Realtime) Stop() error {
	if r.source != nil {
		if err := r.source.Stop(); err != nil {
			r.logger.Error().Err(err).Msg("feed source stop error")
		}
		r.source = nil
	}
	if r.hub != nil {
		r.hub.Stop()
	}
	r.active = false
	return nil
}
