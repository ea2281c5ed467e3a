package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/rs/zerolog"

	"github.com/akave-ai/hookbuffer/internal/config"
	"github.com/akave-ai/hookbuffer/internal/handler"
)

// Deps are the collaborators the routes are wired to.
type Deps struct {
	Engine   handler.Engine
	Configs  handler.ConfigStore
	Messages handler.MessageQueries
	Storage  handler.Pinger
	Archive  handler.ArchiveReader
	NewRelic *newrelic.Application
	Logger   zerolog.Logger
}

// Server holds the Echo app.
type Server struct {
	Echo   *echo.Echo
	Config *config.Config
	logger zerolog.Logger
}

// New builds the Echo server and registers routes.
func New(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = sonicSerializer{}
	e.Server.ReadTimeout = time.Duration(cfg.Server.ReadTimeout) * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.Server.WriteTimeout) * time.Second
	e.Server.IdleTimeout = time.Duration(cfg.Server.IdleTimeout) * time.Second

	log := deps.Logger.With().Str("component", "http").Logger()
	e.Use(
		middleware.Recover(),
		requestLogger(log),
		newRelicTransaction(deps.NewRelic),
		middleware.BodyLimit(cfg.Server.BodyLimit),
	)
	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: cfg.Server.CORSAllowedOrigins}))
	}

	webhooks := &handler.WebhookHandler{Engine: deps.Engine, Logger: log}
	configs := &handler.ConfigHandler{Store: deps.Configs, Engine: deps.Engine, Logger: log}
	messages := &handler.MessageHandler{Store: deps.Messages, Logger: log}
	health := &handler.HealthHandler{Storage: deps.Storage, Driver: cfg.Database.Driver}

	api := e.Group("/api")

	// Ingress
	api.POST("/webhook", webhooks.MissingBuffer)
	api.POST("/webhook/:id", webhooks.Receive)

	// Management API
	api.GET("/buffer-configs", configs.ListBufferConfigs)
	api.POST("/buffer-configs", configs.CreateBufferConfig)
	api.GET("/buffer-configs/:id", configs.GetBufferConfig)
	api.PUT("/buffer-configs/:id", configs.UpdateBufferConfig)
	api.DELETE("/buffer-configs/:id", configs.DeleteBufferConfig)
	api.GET("/buffer-configs/:id/buckets", configs.ListBuckets)
	api.POST("/buffer-configs/:id/flush", configs.FlushBuckets)

	api.GET("/forwarding-configs", configs.ListForwardingConfigs)
	api.POST("/forwarding-configs", configs.CreateForwardingConfig)
	api.GET("/forwarding-configs/:id", configs.GetForwardingConfig)
	api.PUT("/forwarding-configs/:id", configs.UpdateForwardingConfig)
	api.DELETE("/forwarding-configs/:id", configs.DeleteForwardingConfig)

	api.GET("/messages/received", messages.ListReceived)
	api.GET("/messages/forwarded", messages.ListForwarded)

	if deps.Archive != nil {
		archive := &handler.ArchiveHandler{Archive: deps.Archive, Logger: log}
		api.GET("/archive/flushes", archive.ListFlushes)
		api.GET("/archive/flushes/content", archive.GetFlush)
	}

	api.GET("/health", health.Health)

	return &Server{Echo: e, Config: cfg, logger: log}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + s.Config.Server.Port
		s.logger.Info().Str("addr", addr).Msg("http server listening")
		errCh <- s.Echo.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("http server shutting down")
	return s.Echo.Shutdown(ctx)
}
