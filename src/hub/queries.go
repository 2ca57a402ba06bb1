package hub

// OnConnection registers a callback for new connections.
func (h *Hub) OnConnection(cb func(string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = append(h.onConnect, cb)
}

// OnDisconnection registers a callback for disconnections.
func (h *Hub) OnDisconnection(cb func(string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconn = append(h.onDisconn, cb)
}

// Verifier exposes the token verifier, shared with the feed upgrade
// handshake.
func (h *Hub) Verifier() TokenVerifier { return h.verifier }

// ConnectedClients returns a list of connected client IDs.
func (h *Hub) ConnectedClients() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	return ids
}

// ClientInfo returns info for a connected client, or nil.
func (h *Hub) ClientInfo(clientID string) *ClientInfo {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	info := client.Info()
	return &info
}

// Conversations returns conversation IDs with their member counts.
func (h *Hub) Conversations() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make(map[string]int, len(h.conversations))
	for id, members := range h.conversations {
		result[id] = len(members)
	}
	return result
}

// FeedSubscribers returns entity tables with their subscriber counts.
func (h *Hub) FeedSubscribers() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make(map[string]int, len(h.feeds))
	for table, subs := range h.feeds {
		result[table] = len(subs)
	}
	return result
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
