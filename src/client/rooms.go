package client

import "sync"

// RoomRegistry tracks the conversations this client has joined on the
// current connection. Membership is mutated only by server acknowledgements;
// after a reconnect the whole set is replayed before the transport reports
// ready again.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[string]struct{}
}

// NewRoomRegistry returns an empty registry.
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{rooms: make(map[string]struct{})}
}

// Add records a joined room.
func (r *RoomRegistry) Add(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms[roomID] = struct{}{}
}

// Remove drops a room from the set.
func (r *RoomRegistry) Remove(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, roomID)
}

// Contains reports membership.
func (r *RoomRegistry) Contains(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}

// Len returns the number of joined rooms.
func (r *RoomRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Snapshot returns the current membership set.
func (r *RoomRegistry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		out = append(out, id)
	}
	return out
}

// ReplayAll re-issues a join for every member room, stopping at the first
// send error.
func (r *RoomRegistry) ReplayAll(join func(roomID string) error) error {
	for _, id := range r.Snapshot() {
		if err := join(id); err != nil {
			return err
		}
	}
	return nil
}
