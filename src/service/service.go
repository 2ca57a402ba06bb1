package service

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/shiftline/realtime/src/hub"
	"github.com/shiftline/realtime/src/protocol"
)

// Service provides the high-level realtime API consumed by the owning
// application: publishing change events and inspecting the transport state.
type Service struct {
	hub    *hub.Hub
	logger zerolog.Logger
}

// New creates a realtime service backed by the given hub.
func New(h *hub.Hub, logger zerolog.Logger) *Service {
	return &Service{hub: h, logger: logger}
}

// Hub returns the underlying hub.
func (s *Service) Hub() *hub.Hub { return s.hub }

// PublishChange validates a change event and queues it for delivery to feed
// subscribers of its entity table. Malformed or unknown-entity events are
// rejected here rather than on a subscriber's screen.
func (s *Service) PublishChange(ev protocol.ChangeEvent) error {
	if _, err := ev.Record(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	s.hub.PublishChange(ev)
	s.logger.Debug().
		Str("entity", ev.Entity).
		Str("event_type", string(ev.EventType)).
		Str("entity_id", ev.EntityID).
		Msg("change published")
	return nil
}

// OnConnection registers a callback for new connections.
func (s *Service) OnConnection(cb func(clientID string)) {
	s.hub.OnConnection(cb)
}

// OnDisconnection registers a callback for disconnections.
func (s *Service) OnDisconnection(cb func(clientID string)) {
	s.hub.OnDisconnection(cb)
}

// GetConnectedClients returns IDs of all connected clients.
func (s *Service) GetConnectedClients() []string {
	return s.hub.ConnectedClients()
}

// GetClientInfo returns info for a connected client, or error.
func (s *Service) GetClientInfo(clientID string) (*hub.ClientInfo, error) {
	info := s.hub.ClientInfo(clientID)
	if info == nil {
		return nil, fmt.Errorf("client %s not found", clientID)
	}
	return info, nil
}

// GetConversations returns active conversations with member counts.
func (s *Service) GetConversations() map[string]int {
	return s.hub.Conversations()
}

// GetFeedSubscribers returns entity tables with feed subscriber counts.
func (s *Service) GetFeedSubscribers() map[string]int {
	return s.hub.FeedSubscribers()
}
