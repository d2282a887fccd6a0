package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"collab-backend/client"
	"collab-backend/internal/model"
	"collab-backend/internal/protocol"
)

// 헤드리스 협업 클라이언트: 방에 접속해 이벤트를 로깅한다.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("ℹ️ .env 파일 없음, 시스템 환경변수 사용")
	}

	serverURL := getEnv("AGENT_SERVER_URL", "ws://localhost:8080/ws/collab")
	roomID := getEnv("AGENT_ROOM", "")
	if roomID == "" {
		log.Fatalf("🚨 AGENT_ROOM 환경변수가 필요합니다")
	}

	opts := client.Options{
		URL:         serverURL,
		Token:       getEnv("AGENT_TOKEN", ""),
		UserID:      getEnv("AGENT_USER_ID", "agent"),
		DisplayName: getEnv("AGENT_DISPLAY_NAME", "Agent"),
		BufferPath:  getEnv("AGENT_BUFFER_PATH", ""),
	}

	cb := client.Callbacks{
		OnStateChange: func(old, next client.State) {
			log.Printf("[Agent] %s → %s", old, next)
		},
		OnSnapshot: func(snap protocol.RoomSnapshotPayload) {
			log.Printf("[Agent] Snapshot of %s: %d elements, %d participants",
				snap.RoomID, len(snap.Elements), len(snap.Participants))
		},
		OnElementAdded: func(roomID string, el model.WhiteboardElement) {
			log.Printf("[Agent] Element %s added in %s", el.ID, roomID)
		},
		OnElementDeleted: func(roomID, elementID string) {
			log.Printf("[Agent] Element %s deleted in %s", elementID, roomID)
		},
		OnDocumentUpdated: func(roomID, content, userID string) {
			log.Printf("[Agent] Document in %s updated by %s (%d bytes)", roomID, userID, len(content))
		},
		OnParticipantJoined: func(roomID, userID, displayName string) {
			log.Printf("[Agent] %s (%s) joined %s", displayName, userID, roomID)
		},
		OnParticipantLeft: func(roomID, userID string) {
			log.Printf("[Agent] %s left %s", userID, roomID)
		},
		OnError: func(code, message string) {
			log.Printf("⚠️ [Agent] Server error %s: %s", code, message)
		},
	}

	cl, err := client.New(opts, cb)
	if err != nil {
		log.Fatalf("🚨 클라이언트 생성 실패: %v", err)
	}
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := cl.Connect(ctx); err != nil {
		log.Printf("⚠️ 접속 실패, 오프라인 모드로 시작: %v", err)
	}
	cancel()

	if err := cl.JoinRoom(roomID); err != nil {
		log.Fatalf("🚨 방 입장 실패: %v", err)
	}
	log.Printf("🚀 Agent joined room %s on %s", roomID, serverURL)

	// keepalive
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			if err := cl.Ping(); err != nil {
				log.Printf("ℹ️ Ping skipped: %v", err)
			}
		case <-quit:
			log.Printf("🛑 Agent 종료")
			return
		}
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
