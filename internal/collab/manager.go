package collab

import (
	"context"
	"log"
	"sync"
	"time"

	"collab-backend/internal/presence"
	"collab-backend/internal/protocol"
)

// Manager owns all rooms, indexed by workspace id. Rooms are created lazily
// on first join and removed once the last participant is gone.
type Manager struct {
	rooms        map[string]*Room
	mu           sync.RWMutex
	joinThrottle time.Duration
	mirror       *presence.Mirror // optional Redis presence mirror
}

// NewManager creates a room manager. mirror may be nil, in which case the
// engine runs purely in-memory.
func NewManager(joinThrottle time.Duration, mirror *presence.Mirror) *Manager {
	return &Manager{
		rooms:        make(map[string]*Room),
		joinThrottle: joinThrottle,
		mirror:       mirror,
	}
}

// GetOrCreate gets an existing room or creates a new one.
func (m *Manager) GetOrCreate(roomID string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	if room, ok := m.rooms[roomID]; ok {
		return room
	}

	room := NewRoom(roomID, m.joinThrottle)
	m.rooms[roomID] = room
	log.Printf("[RoomManager] Created room: %s", roomID)
	return room
}

// Get returns a room without creating it.
func (m *Manager) Get(roomID string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[roomID]
	return room, ok
}

// Join admits a participant to a room, creating the room if needed, and
// returns the snapshot to send back. Joins with a missing roomId or userId
// are rejected synchronously and never broadcast.
func (m *Manager) Join(roomID, userID, displayName string, sub Subscriber) (protocol.RoomSnapshotPayload, bool, error) {
	if roomID == "" {
		return protocol.RoomSnapshotPayload{}, false, ErrMissingRoomID
	}

	room := m.GetOrCreate(roomID)
	snapshot, resync, err := room.Join(userID, displayName, sub)
	if err != nil {
		return snapshot, resync, err
	}

	m.mirrorPresence(roomID, userID, displayName)
	return snapshot, resync, nil
}

// Leave removes a participant from a room. Safe to call for a participant
// that is already absent.
func (m *Manager) Leave(roomID, userID string) {
	room, ok := m.Get(roomID)
	if !ok {
		return
	}

	if room.Leave(userID) {
		m.clearMirror(roomID, userID)
	}
	m.dropIfEmpty(roomID)
}

// DisconnectConn scans all rooms for a participant attached via the closed
// connection and removes it, broadcasting the departure. Ungraceful
// disconnects are handled identically to an explicit leave.
func (m *Manager) DisconnectConn(connID string) {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.RUnlock()

	for _, room := range rooms {
		if userID, ok := room.DropConn(connID); ok {
			log.Printf("[RoomManager] Dropped %s from room %s (connection closed)", userID, room.ID)
			m.clearMirror(room.ID, userID)
		}
		m.dropIfEmpty(room.ID)
	}
}

// RoomCount returns the number of live rooms.
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

func (m *Manager) dropIfEmpty(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if room, ok := m.rooms[roomID]; ok && room.Empty() {
		delete(m.rooms, roomID)
		log.Printf("[RoomManager] Removed empty room: %s", roomID)
	}
}

func (m *Manager) mirrorPresence(roomID, userID, displayName string) {
	if m.mirror == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.mirror.SetPresence(ctx, roomID, userID, displayName); err != nil {
			log.Printf("[RoomManager] Failed to mirror presence for %s/%s: %v", roomID, userID, err)
		}
	}()
}

func (m *Manager) clearMirror(roomID, userID string) {
	if m.mirror == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.mirror.RemovePresence(ctx, roomID, userID); err != nil {
			log.Printf("[RoomManager] Failed to clear presence for %s/%s: %v", roomID, userID, err)
		}
	}()
}
