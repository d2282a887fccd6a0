package main

import (
	"log"

	"collab-backend/internal/config"
	"collab-backend/internal/server"
)

func main() {
	// 설정 로드
	cfg := config.Load()

	// 서버 생성 및 설정
	srv := server.New(cfg)
	srv.SetupMiddleware()
	srv.SetupRoutes()

	// 서버 시작
	if err := srv.Start(); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}
