package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"marketchat/config"
	"marketchat/internal/handler"
	"marketchat/internal/middleware"
	"marketchat/internal/transport/httpdto"
	"marketchat/internal/websocket"
	"marketchat/pkg/logger"

	"github.com/gin-gonic/gin"
)

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     *config.Config
	logger     *logger.Logger
	addr       net.Addr
}

var (
	ReleaseMode = "release"
	DebugMode   = "debug"
	TestMode    = "test"
)

type Handlers struct {
	Conversations *handler.ConversationHandler
	Messages      *handler.MessageHandler
	Presence      *handler.PresenceHandler
	WebSocket     *websocket.Handler
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

func New(cfg *config.Config, l *logger.Logger) *Server {
	switch cfg.AppMode {
	case ReleaseMode:
		gin.SetMode(gin.ReleaseMode)
	case TestMode:
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.AppPort),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		engine: engine,
		config: cfg,
		logger: l,
	}
}

func (s *Server) Engine() *gin.Engine { return s.engine }

// SetupRoutes mounts the REST API and the WebSocket endpoint. messageLimiter
// may be nil.
func (s *Server) SetupRoutes(handlers *Handlers, verifier middleware.TokenVerifier, messageLimiter middleware.MessageLimiter, checks map[string]HealthCheck) {
	s.engine.Use(middleware.RequestIDMiddleware())
	s.engine.Use(middleware.CORSMiddleware(s.config.CORSOrigins))
	s.engine.Use(middleware.LoggingMiddleware(s.logger))
	s.engine.Use(middleware.ErrorHandler(s.logger))

	s.engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"message": "pong"}))
	})

	s.engine.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		for name, check := range checks {
			if err := check(ctx); err != nil {
				if s.logger != nil {
					s.logger.Errorf("health check %s failed: %s", name, err)
				}
				c.JSON(http.StatusServiceUnavailable, httpdto.NewErrorResponse(name+" unavailable", "UNHEALTHY"))
				return
			}
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"status": "healthy"}))
	})

	// The upgrade handler authenticates on its own so browsers can pass the
	// token as a query parameter.
	s.engine.GET("/v1/ws", handlers.WebSocket.Connect)

	v1 := s.engine.Group("/v1", middleware.AuthMiddleware(verifier))

	conversations := v1.Group("/conversations")
	{
		conversations.GET("", handlers.Conversations.List)
		conversations.POST("", handlers.Conversations.Create)
		conversations.GET("/unread", handlers.Conversations.UnreadTotal)
		conversations.GET("/:id", handlers.Conversations.Get)
		conversations.GET("/:id/messages", handlers.Messages.List)
		conversations.POST("/:id/read", handlers.Conversations.MarkRead)
		conversations.POST("/:id/archive", handlers.Conversations.Archive)
		conversations.DELETE("/:id/archive", handlers.Conversations.Unarchive)
	}

	messages := v1.Group("/messages")
	{
		send := []gin.HandlerFunc{handlers.Messages.Send}
		if messageLimiter != nil {
			send = append([]gin.HandlerFunc{middleware.MessageRateLimitMiddleware(messageLimiter, s.logger)}, send...)
		}
		messages.POST("", send...)
		messages.PATCH("/:id", handlers.Messages.Edit)
		messages.DELETE("/:id", handlers.Messages.Delete)
	}

	v1.GET("/presence", handlers.Presence.Lookup)
}

// Start binds the listener and serves in the background. Bind errors are
// returned; later serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr()

	go func() {
		if s.logger != nil {
			s.logger.Infof("Server is running on %s", s.addr)
		}
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.logger != nil {
				s.logger.Errorf("Error in serving: %s", err)
			}
		}
	}()
	return nil
}

// Addr is the bound address once Start has returned.
func (s *Server) Addr() net.Addr { return s.addr }

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		if s.logger != nil {
			s.logger.Errorf("Error in the graceful shutdown of the server: %s", err)
		}
		return err
	}
	if s.logger != nil {
		s.logger.Infof("Server stopped gracefully")
	}
	return nil
}
