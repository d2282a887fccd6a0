package model

import "time"

// Participant 룸에 접속 중인 사용자
// Keyed by (roomId, userId): at most one live entry per user per room.
// A reconnect refreshes ConnectionID and LastActiveAt in place.
type Participant struct {
	UserID       string    `json:"userId"`
	DisplayName  string    `json:"displayName"`
	ConnectionID string    `json:"-"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}
