package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// presenceTTL keeps stale entries from outliving a crashed server. Entries
// are refreshed on every join/resync.
const presenceTTL = 60 * time.Second

// Entry Redis에 저장될 참가자 상태 데이터
type Entry struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	JoinedAt    int64  `json:"joinedAt"`
}

// Mirror publishes per-room presence to Redis so out-of-process observers
// (dashboards, the notification cron) can read who is in which room without
// talking to the collab server. The in-memory registry stays authoritative;
// the mirror is best-effort.
type Mirror struct {
	client *redis.Client
}

// NewMirror connects to Redis and verifies the connection.
func NewMirror(addr, password string, db int) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	log.Printf("[Presence] Connected to Redis at %s", addr)
	return &Mirror{client: client}, nil
}

func roomKey(roomID string) string {
	return fmt.Sprintf("presence:room:%s", roomID)
}

// SetPresence records a participant in the room's presence hash and refreshes
// the TTL.
func (m *Mirror) SetPresence(ctx context.Context, roomID, userID, displayName string) error {
	entry := Entry{
		RoomID:      roomID,
		UserID:      userID,
		DisplayName: displayName,
		JoinedAt:    time.Now().Unix(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	key := roomKey(roomID)
	if err := m.client.HSet(ctx, key, userID, data).Err(); err != nil {
		return err
	}
	if err := m.client.Expire(ctx, key, presenceTTL).Err(); err != nil {
		return err
	}

	return m.publish(ctx, "joined", entry)
}

// RemovePresence deletes a participant from the room's presence hash.
func (m *Mirror) RemovePresence(ctx context.Context, roomID, userID string) error {
	if err := m.client.HDel(ctx, roomKey(roomID), userID).Err(); err != nil {
		return err
	}
	return m.publish(ctx, "left", Entry{RoomID: roomID, UserID: userID})
}

// GetRoomPresence returns all mirrored participants of a room.
func (m *Mirror) GetRoomPresence(ctx context.Context, roomID string) ([]Entry, error) {
	values, err := m.client.HGetAll(ctx, roomKey(roomID)).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(values))
	for _, raw := range values {
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// presenceUpdate 발행되는 상태 변경 이벤트
type presenceUpdate struct {
	Kind  string `json:"kind"` // joined, left
	Entry Entry  `json:"entry"`
}

func (m *Mirror) publish(ctx context.Context, kind string, entry Entry) error {
	data, err := json.Marshal(presenceUpdate{Kind: kind, Entry: entry})
	if err != nil {
		return err
	}
	return m.client.Publish(ctx, "presence_updates", data).Err()
}

// Subscribe returns a pubsub subscription to presence change events.
func (m *Mirror) Subscribe(ctx context.Context) *redis.PubSub {
	return m.client.Subscribe(ctx, "presence_updates")
}

// Health checks the Redis connection.
func (m *Mirror) Health(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (m *Mirror) Close() error {
	return m.client.Close()
}
