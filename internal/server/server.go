package server

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"collab-backend/internal/auth"
	"collab-backend/internal/collab"
	"collab-backend/internal/config"
	"collab-backend/internal/handler"
	"collab-backend/internal/presence"
)

// Server Fiber 서버 래퍼
type Server struct {
	app             *fiber.App
	cfg             *config.Config
	manager         *collab.Manager
	collabWSHandler *handler.CollabWSHandler
	jwtManager      *auth.JWTManager
}

// New 새 서버 인스턴스 생성
func New(cfg *config.Config) *Server {
	app := fiber.New(fiber.Config{
		AppName:       "Realtime Collab Sync Engine",
		ServerHeader:  "Fiber",
		StrictRouting: true,
		CaseSensitive: true,
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
		IdleTimeout:   cfg.Server.IdleTimeout,
		Prefork:       false, // WebSocket과 호환성 문제로 비활성화. 또한 룸 상태는
		// 프로세스 로컬이므로 멀티 프로세스 배포는 세션 피닝이 전제된다.
	})

	// Presence mirror 초기화 (선택적)
	var mirror *presence.Mirror
	if cfg.Redis.Enabled {
		var err error
		mirror, err = presence.NewMirror(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Printf("⚠️ Presence mirror initialization failed: %v (running in-memory only)", err)
			mirror = nil
		}
	} else {
		log.Println("ℹ️ Redis not configured, presence mirror disabled")
	}

	manager := collab.NewManager(cfg.Collab.JoinThrottle, mirror)
	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret)

	return &Server{
		app:             app,
		cfg:             cfg,
		manager:         manager,
		collabWSHandler: handler.NewCollabWSHandler(manager),
		jwtManager:      jwtManager,
	}
}

// Manager returns the room manager (used by tests and embedding callers).
func (s *Server) Manager() *collab.Manager {
	return s.manager
}

// SetupMiddleware 미들웨어 설정
func (s *Server) SetupMiddleware() {
	// 패닉 복구
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// 로깅
	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))

	// CORS
	s.app.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORS.AllowOrigins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowMethods:     "GET, POST, OPTIONS",
		AllowCredentials: true,
	}))
}

// SetupRoutes 라우트 설정
func (s *Server) SetupRoutes() {
	// 헬스체크 엔드포인트
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"rooms":  s.manager.RoomCount(),
		})
	})

	// REST 스냅샷 조회용 Rate Limiter (재접속 폭주 시 폴링 남용 방지)
	snapshotLimiter := limiter.New(limiter.Config{
		Max:        30,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "too many requests, please try again later",
			})
		},
	})

	// 늦게 로드되는 UI를 위한 룸 스냅샷 조회 (인증 필요)
	s.app.Get("/api/rooms/:roomId/snapshot", snapshotLimiter, func(c *fiber.Ctx) error {
		if _, err := s.authenticate(c); err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}

		roomID := c.Params("roomId")
		room, ok := s.manager.Get(roomID)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "room not found"})
		}
		return c.JSON(room.Snapshot())
	})

	// WebSocket 업그레이드 체크 미들웨어
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// WebSocket 협업 엔드포인트
	s.app.Get("/ws/collab", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}

		claims, err := s.authenticate(c)
		if err != nil {
			// WebSocket은 JSON 응답 대신 연결 거부
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		c.Locals("userId", claims.UserID)
		c.Locals("displayName", claims.DisplayName)

		return c.Next()
	}, websocket.New(s.collabWSHandler.HandleWebSocket, websocket.Config{
		ReadBufferSize:  s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: s.cfg.WebSocket.WriteBufferSize,
	}))
}

// authenticate pulls the access token from the cookie, the Authorization
// header or the token query parameter (headless agents cannot set cookies).
func (s *Server) authenticate(c *fiber.Ctx) (*auth.Claims, error) {
	token := c.Cookies("access_token")
	if token == "" {
		header := c.Get("Authorization")
		if len(header) > 7 && header[:7] == "Bearer " {
			token = header[7:]
		}
	}
	if token == "" {
		token = c.Query("token")
	}
	if token == "" {
		return nil, auth.ErrInvalidToken
	}
	return s.jwtManager.ValidateAccessToken(token)
}

// Start 서버 시작 (Graceful Shutdown 지원)
func (s *Server) Start() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("🛑 Shutting down server...")
		if err := s.app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.Fatalf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Realtime Collab Sync Engine starting on %s", s.cfg.Server.Port)
	log.Printf("📡 WebSocket endpoint: ws://localhost%s/ws/collab", s.cfg.Server.Port)

	return s.app.Listen(s.cfg.Server.Port)
}

// Shutdown 서버 종료
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(30 * time.Second)
}
