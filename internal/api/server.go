package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/theognis1002/appmsg-relay/internal/config"
)

// Server serves the relay's HTTP API.
type Server struct {
	app    *fiber.App
	config config.ServerConfig
	logger *slog.Logger

	messages    *MessageHandler
	deliveries  *DeliveryHandler
	deadLetters *DeadLetterHandler
	appMessages *AppMessageHandler
}

// ServerDeps contains the dependencies of a Server. DeadLetters and
// AppMessages are optional; their routes are only registered when set.
type ServerDeps struct {
	Config      config.ServerConfig
	Logger      *slog.Logger
	Messages    *MessageHandler
	Deliveries  *DeliveryHandler
	DeadLetters *DeadLetterHandler
	AppMessages *AppMessageHandler
}

func NewServer(deps ServerDeps) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		StrictRouting:         true,
		CaseSensitive:         true,
		ReadTimeout:           time.Duration(deps.Config.ReadTimeoutSecs) * time.Second,
		WriteTimeout:          time.Duration(deps.Config.WriteTimeoutSecs) * time.Second,
		ErrorHandler:          customErrorHandler,
	})

	s := &Server{
		app:         app,
		config:      deps.Config,
		logger:      deps.Logger,
		messages:    deps.Messages,
		deliveries:  deps.Deliveries,
		deadLetters: deps.DeadLetters,
		appMessages: deps.AppMessages,
	}

	s.registerMiddleware()
	s.registerRoutes()

	return s
}

func (s *Server) registerMiddleware() {
	s.app.Use(recover.New())
	s.app.Use(requestid.New())
	s.app.Use(s.requestLogger)
}

func (s *Server) registerRoutes() {
	s.app.Get("/healthz", s.healthCheck)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := s.app.Group("/v1")

	v1.Post("/messages", s.messages.Send)
	v1.Get("/queue", s.messages.QueueStatus)
	v1.Put("/injection", s.messages.Inject)
	v1.Delete("/injection", s.messages.Cleanup)

	v1.Get("/deliveries/:id", s.deliveries.GetByID)

	if s.deadLetters != nil {
		v1.Get("/deadletters/:id", s.deadLetters.GetByID)
	}
	if s.appMessages != nil {
		v1.Post("/appmessage", s.appMessages.Send)
	}
}

func (s *Server) requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.Debug("request",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"latency", time.Since(start),
		"request_id", c.GetRespHeader(fiber.HeaderXRequestID),
	)
	return err
}

func (s *Server) healthCheck(c *fiber.Ctx) error {
	return Success(c, map[string]string{
		"status": "healthy",
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	addr := s.config.Addr()
	s.logger.Info("starting HTTP server", "address", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.app.ShutdownWithContext(ctx)
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	if e, ok := err.(*fiber.Error); ok {
		return Error(c, e.Code, ErrCodeInternalError, e.Message)
	}
	return InternalError(c, fmt.Sprintf("unexpected error: %v", err))
}
