package client

import (
	"context"
	"sync"
	"time"
)

// TypingEntry is one remote user currently typing in a room. Ephemeral,
// never persisted.
type TypingEntry struct {
	RoomID    string
	UserID    string
	UserName  string
	ExpiresAt time.Time
}

// TypingCoordinator debounces local typing signals and expires stale remote
// typing indicators. Remote entries live for TTL unless refreshed by another
// TYPING_START or removed by an explicit TYPING_STOP.
type TypingCoordinator struct {
	ttl      time.Duration
	debounce time.Duration
	now      func() time.Time

	mu         sync.Mutex
	entries    map[string]map[string]TypingEntry // roomID -> userID -> entry
	lastSignal map[string]time.Time              // local debounce per room
}

// NewTypingCoordinator builds a coordinator with the given remote-entry TTL
// (3s when zero) and local debounce window (TTL-derived when zero).
func NewTypingCoordinator(ttl time.Duration) *TypingCoordinator {
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	return &TypingCoordinator{
		ttl:        ttl,
		debounce:   ttl / 2,
		now:        time.Now,
		entries:    make(map[string]map[string]TypingEntry),
		lastSignal: make(map[string]time.Time),
	}
}

// OnRemoteTyping upserts an entry for (roomID, userID) and restarts its TTL.
func (t *TypingCoordinator) OnRemoteTyping(roomID, userID, userName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.entries[roomID]
	if room == nil {
		room = make(map[string]TypingEntry)
		t.entries[roomID] = room
	}
	room[userID] = TypingEntry{
		RoomID:    roomID,
		UserID:    userID,
		UserName:  userName,
		ExpiresAt: t.now().Add(t.ttl),
	}
}

// OnRemoteStop removes the entry immediately.
func (t *TypingCoordinator) OnRemoteStop(roomID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if room, ok := t.entries[roomID]; ok {
		delete(room, userID)
		if len(room) == 0 {
			delete(t.entries, roomID)
		}
	}
}

// TypingUsers returns the users still typing in roomID, evicting expired
// entries on the way.
func (t *TypingCoordinator) TypingUsers(roomID string) []TypingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictRoom(roomID, t.now())
	room := t.entries[roomID]
	out := make([]TypingEntry, 0, len(room))
	for _, e := range room {
		out = append(out, e)
	}
	return out
}

// Sweep evicts every expired entry across all rooms.
func (t *TypingCoordinator) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for roomID := range t.entries {
		t.evictRoom(roomID, now)
	}
}

// Run sweeps on the given interval until ctx is done. Optional; reads
// already evict lazily.
func (t *TypingCoordinator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// ShouldSignalStart reports whether a local typing signal for roomID should
// be sent now, and records it. Collapses keystroke bursts into one
// TYPING_START per debounce window.
func (t *TypingCoordinator) ShouldSignalStart(roomID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if last, ok := t.lastSignal[roomID]; ok && now.Sub(last) < t.debounce {
		return false
	}
	t.lastSignal[roomID] = now
	return true
}

// ClearSignal forgets the local debounce state for roomID, so the next
// keystroke after an explicit stop signals immediately.
func (t *TypingCoordinator) ClearSignal(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSignal, roomID)
}

// evictRoom drops expired entries for one room. Caller holds t.mu.
func (t *TypingCoordinator) evictRoom(roomID string, now time.Time) {
	room, ok := t.entries[roomID]
	if !ok {
		return
	}
	for id, e := range room {
		if !e.ExpiresAt.After(now) {
			delete(room, id)
		}
	}
	if len(room) == 0 {
		delete(t.entries, roomID)
	}
}
