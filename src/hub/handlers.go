package hub

import (
	"time"

	"github.com/google/uuid"

	"github.com/shiftline/realtime/src/protocol"
)

// handleEnvelope dispatches one client envelope. Called from the hub loop.
func (h *Hub) handleEnvelope(c *Client, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeAuthenticate:
		h.handleAuthenticate(c, env)
		return
	case protocol.TypePing:
		// Transport-level liveness, allowed before authentication.
		c.send(protocol.NewEnvelope(protocol.TypePong))
		return
	case protocol.TypePong:
		c.notePong()
		return
	}

	identity, authn := c.Identity()
	if !authn {
		reply := protocol.NewEnvelope(protocol.TypeError)
		reply.Reason = "not authenticated"
		c.send(reply)
		return
	}

	switch env.Type {
	case protocol.TypeJoinConversation:
		h.handleJoin(c, env)
	case protocol.TypeLeaveConversation:
		h.handleLeave(c, env)
	case protocol.TypeSendMessage:
		h.handleSendMessage(c, identity, env)
	case protocol.TypeTypingStart:
		h.handleTyping(c, identity, env, protocol.TypeUserTyping)
	case protocol.TypeTypingStop:
		h.handleTyping(c, identity, env, protocol.TypeUserStoppedTyping)
	default:
		h.logger.Debug().Str("type", string(env.Type)).Str("client_id", c.ID).
			Msg("ignoring client-bound envelope type")
	}
}

func (h *Hub) handleAuthenticate(c *Client, env protocol.Envelope) {
	identity, err := h.verifier.Verify(env.Token)
	if err != nil {
		h.logger.Warn().Err(err).Str("client_id", c.ID).Msg("authentication rejected")
		reply := protocol.NewEnvelope(protocol.TypeAuthError)
		reply.Reason = err.Error()
		c.send(reply)
		return
	}
	c.setIdentity(identity)

	reply := protocol.NewEnvelope(protocol.TypeAuthenticated)
	reply.UserID = identity.UserID
	reply.UserName = identity.UserName
	c.send(reply)
	h.logger.Info().Str("client_id", c.ID).Str("user_id", identity.UserID).Msg("client authenticated")
}

func (h *Hub) handleJoin(c *Client, env protocol.Envelope) {
	if env.ConversationID == "" {
		reply := protocol.NewEnvelope(protocol.TypeError)
		reply.Reason = "conversationId required"
		c.send(reply)
		return
	}

	h.mu.Lock()
	if h.conversations[env.ConversationID] == nil {
		h.conversations[env.ConversationID] = make(map[string]bool)
	}
	h.conversations[env.ConversationID][c.ID] = true
	h.mu.Unlock()
	c.addRoom(env.ConversationID)

	reply := protocol.NewEnvelope(protocol.TypeJoinedConversation)
	reply.ConversationID = env.ConversationID
	c.send(reply)
}

func (h *Hub) handleLeave(c *Client, env protocol.Envelope) {
	h.mu.Lock()
	if members, ok := h.conversations[env.ConversationID]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.conversations, env.ConversationID)
		}
	}
	h.mu.Unlock()
	c.removeRoom(env.ConversationID)

	reply := protocol.NewEnvelope(protocol.TypeLeftConversation)
	reply.ConversationID = env.ConversationID
	c.send(reply)
}

func (h *Hub) handleSendMessage(c *Client, identity Identity, env protocol.Envelope) {
	if env.ConversationID == "" || env.Content == "" {
		reply := protocol.NewEnvelope(protocol.TypeMessageError)
		reply.Reason = "conversationId and content required"
		c.send(reply)
		return
	}
	if !h.isMember(env.ConversationID, c.ID) {
		reply := protocol.NewEnvelope(protocol.TypeMessageError)
		reply.ConversationID = env.ConversationID
		reply.Reason = "not a member of conversation"
		c.send(reply)
		return
	}

	msg := &protocol.ChatMessage{
		ID:             uuid.New().String(),
		ConversationID: env.ConversationID,
		SenderID:       identity.UserID,
		SenderName:     identity.UserName,
		Content:        env.Content,
		Attachments:    env.Attachments,
		SentAt:         time.Now().UTC(),
	}

	ack := protocol.NewEnvelope(protocol.TypeMessageSent)
	ack.ConversationID = env.ConversationID
	ack.MessageID = msg.ID
	c.send(ack)

	deliver := protocol.NewEnvelope(protocol.TypeNewMessage)
	deliver.ConversationID = env.ConversationID
	deliver.Message = msg
	h.broadcastToConversation(env.ConversationID, deliver, "")
}

// handleTyping relays a typing signal to the other conversation members.
func (h *Hub) handleTyping(c *Client, identity Identity, env protocol.Envelope, out protocol.MessageType) {
	if env.ConversationID == "" || !h.isMember(env.ConversationID, c.ID) {
		return
	}
	relay := protocol.NewEnvelope(out)
	relay.ConversationID = env.ConversationID
	relay.UserID = identity.UserID
	relay.UserName = identity.UserName
	h.broadcastToConversation(env.ConversationID, relay, c.ID)
}

func (h *Hub) isMember(conversationID, clientID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conversations[conversationID][clientID]
}

// broadcastToConversation queues env for every member, skipping excludeID.
func (h *Hub) broadcastToConversation(conversationID string, env protocol.Envelope, excludeID string) {
	h.mu.RLock()
	members, ok := h.conversations[conversationID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(members))
	for id := range members {
		if id == excludeID {
			continue
		}
		if client, exists := h.clients[id]; exists {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if !client.send(env) {
			h.logger.Warn().Str("client_id", client.ID).Msg("send buffer full, dropping")
		}
	}
}

// broadcastChange delivers one change event to every feed subscriber of its
// entity table.
func (h *Hub) broadcastChange(ev protocol.ChangeEvent) {
	h.mu.RLock()
	subs, ok := h.feeds[ev.Entity]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(subs))
	for id := range subs {
		if client, exists := h.clients[id]; exists {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	frame := protocol.FeedFrame{Event: &ev, Timestamp: time.Now().UTC()}
	for _, client := range targets {
		if !client.send(frame) {
			h.logger.Warn().Str("client_id", client.ID).Str("entity", ev.Entity).
				Msg("feed buffer full, dropping")
		}
	}
}
