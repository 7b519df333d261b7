// Package server contains HTTP and WebSocket handlers for the application's API endpoints.
package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"agora/internal/cache"
	"agora/internal/config"
	"agora/internal/database"
	"agora/internal/events"
	"agora/internal/featureflags"
	"agora/internal/middleware"
	"agora/internal/models"
	"agora/internal/observability"
	"agora/internal/realtime"
	"agora/internal/repository"
	"agora/internal/service"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/websocket/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
	featureFlags   *featureflags.Manager
	publisher      events.Publisher
	wsLog          *observability.WSLogger

	userRepo repository.UserRepository
	postRepo repository.PostRepository

	registry *realtime.Registry
	typing   *realtime.TypingAggregator
	topics   *realtime.TopicHub

	messageService      *service.MessageService
	commentService      *service.CommentService
	notificationService *service.NotificationService
	callService         *service.CallService
}

// NewServer connects to the database and Redis described by cfg and wires
// every component on top of them.
func NewServer(cfg *config.Config) (*Server, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	cache.InitRedis(cfg.RedisURL)
	return NewServerWithDeps(cfg, db, cache.GetClient(), events.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange))
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// redisClient and publisher may be nil.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client, publisher events.Publisher) (*Server, error) {
	middleware.InitMiddleware(cfg)

	userRepo := repository.NewUserRepository(db)
	groupRepo := repository.NewGroupRepository(db)
	postRepo := repository.NewPostRepository(db)

	s := &Server{
		config:         cfg,
		db:             db,
		redis:          redisClient,
		promMiddleware: middleware.InitMetrics("agora-api"),
		featureFlags:   featureflags.NewManager(cfg.FeatureFlags),
		publisher:      publisher,
		wsLog:          observability.NewWSLogger("gateway"),
		userRepo:       userRepo,
		postRepo:       postRepo,
	}

	// The registry owns live connections; typing state and post topics are
	// cleared through its disconnect hooks.
	s.registry = realtime.NewRegistry(userRepo, realtime.NewRedisPresence(redisClient, cfg.PresenceTTL()))
	s.typing = realtime.NewTypingAggregator(s.registry, service.NewConversationResolver(groupRepo), cfg.TypingTimeout())
	s.topics = realtime.NewTopicHub(s.registry)
	s.registry.OnDisconnect(s.typing.FlushUser)
	s.registry.OnDisconnect(s.topics.UnsubscribeAll)

	s.notificationService = service.NewNotificationService(
		repository.NewNotificationRepository(db), s.registry, publisher, s.featureFlags)
	s.commentService = service.NewCommentService(
		repository.NewCommentRepository(db), postRepo, s.notificationService, s.topics, publisher)
	s.messageService = service.NewMessageService(
		repository.NewMessageRepository(db), groupRepo, userRepo, s.registry, s.notificationService, publisher)
	s.callService = service.NewCallService(
		repository.NewCallRepository(db), groupRepo, userRepo, s.registry, publisher)

	return s, nil
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.TracingMiddleware())
	app.Use(middleware.ContextMiddleware())

	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	app.Use(helmet.New())
	app.Use(middleware.StructuredLogger())

	// CORS runs before the limiter so rejected requests still carry CORS headers.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	app.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions || websocket.IsWebSocketUpgrade(c)
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later.",
			})
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	app.Get("/health", s.ReadinessCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", middleware.WebSocketAuthRequired, s.WebSocketHandler())

	api := app.Group("/api", middleware.AuthRequired)

	messages := api.Group("/messages")
	messages.Post("/", middleware.RateLimit(s.redis, 30, time.Minute, "send_message"), s.SendMessage)
	messages.Get("/conversations", s.GetConversations)
	messages.Get("/search", s.SearchMessages)
	messages.Get("/direct/:userId", s.GetDirectMessages)
	messages.Get("/groups/:groupId", s.GetGroupMessages)
	messages.Put("/:id/read", s.MarkMessageRead)
	messages.Put("/:id", s.EditMessage)
	messages.Delete("/:id", s.DeleteMessage)

	posts := api.Group("/posts")
	posts.Get("/:postId/comments", s.GetComments)
	posts.Post("/:postId/comments", middleware.RateLimit(s.redis, 10, time.Minute, "create_comment"), s.CreateComment)
	api.Delete("/comments/:id", s.DeleteComment)

	notifications := api.Group("/notifications")
	notifications.Get("/", s.GetNotifications)
	notifications.Post("/mark-read", s.MarkAllNotificationsRead)
	notifications.Put("/:id/read", s.MarkNotificationRead)

	calls := api.Group("/calls")
	calls.Post("/", s.InitiateCall)
	calls.Get("/", s.GetCallHistory)
	calls.Post("/signal", s.RelayCallSignal)
	calls.Put("/:id/answer", s.AnswerCall)
	calls.Put("/:id/end", s.EndCall)
	calls.Get("/:id", s.GetCall)

	api.Get("/presence", s.GetOnlineUsers)
	api.Get("/features", s.GetFeatureFlags)
}

// LivenessCheck handles liveness probe requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck reports database health. Redis and the event broker are
// optional and only reported.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	sqlDB, err := s.db.DB()
	if err != nil {
		dbStatus = "unhealthy"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "unhealthy"
	}

	redisStatus := "unavailable"
	if s.redis != nil {
		redisStatus = "healthy"
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	}

	status := fiber.StatusOK
	overallStatus := "healthy"
	if dbStatus != "healthy" {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overallStatus,
		"checks": fiber.Map{
			"database": dbStatus,
			"redis":    redisStatus,
			"events":   events.PublisherMode(s.publisher),
		},
		"connections": len(s.registry.OnlineUserIDs()),
		"time":        time.Now(),
	})
}

// App builds the Fiber application with middleware and routes.
func (s *Server) App() *fiber.App {
	if s.app != nil {
		return s.app
	}
	app := fiber.New(fiber.Config{
		AppName:   "Agora Realtime API",
		BodyLimit: 1 * 1024 * 1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if fe, ok := err.(*fiber.Error); ok {
				return c.Status(fe.Code).JSON(models.ErrorResponse{Error: fe.Message})
			}
			log.Printf("Error: %v", err)
			return models.RespondWithError(c, models.StatusFor(err), err)
		},
	})
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	s.app = app
	return app
}

// Start serves the application on the configured port.
func (s *Server) Start() error {
	app := s.App()
	log.Printf("Server starting on port %s...", s.config.Port)
	return app.Listen(":" + s.config.Port)
}

// Shutdown stops accepting requests, closes live connections and releases
// the database, Redis and broker connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			log.Printf("error shutting down HTTP server: %v", err)
		}
	}

	if err := s.registry.Shutdown(ctx); err != nil {
		log.Printf("error closing websocket connections: %v", err)
	}
	s.typing.Stop()

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			log.Printf("error closing event publisher: %v", err)
		}
	}

	if sqlDB, err := s.db.DB(); err == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			log.Printf("error closing sql DB: %v", cerr)
		}
	}

	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			log.Printf("error closing redis: %v", rerr)
		}
	}

	log.Println("Server shutdown complete")
	return nil
}
