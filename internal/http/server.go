// Package http provides the HTTP API for docqd.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/hollowaylabs/docqd/internal/config"
	"github.com/hollowaylabs/docqd/internal/corpus"
	"github.com/hollowaylabs/docqd/internal/engine"
	"github.com/hollowaylabs/docqd/internal/lifecycle"
	"github.com/hollowaylabs/docqd/internal/queue"
)

// StreamFunc produces an answer event stream for one query. The returned
// channel carries zero or more token events followed by exactly one final
// or error event, then closes.
type StreamFunc func(ctx context.Context, q engine.Query) (<-chan engine.Event, error)

// Server provides HTTP endpoints for docqd.
type Server struct {
	echo    *echo.Echo
	stream  StreamFunc
	store   *corpus.Store
	manager *lifecycle.Manager
	queue   *queue.Queue
	logger  *zap.Logger
	config  config.ServerConfig
}

// NewServer creates a new HTTP server.
func NewServer(cfg config.ServerConfig, stream StreamFunc, store *corpus.Store, manager *lifecycle.Manager, q *queue.Queue, logger *zap.Logger) (*Server, error) {
	if stream == nil {
		return nil, fmt.Errorf("stream function is required")
	}
	if store == nil {
		return nil, fmt.Errorf("corpus store is required")
	}
	if manager == nil {
		return nil, fmt.Errorf("lifecycle manager is required")
	}
	if q == nil {
		return nil, fmt.Errorf("request queue is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewMetrics(logger).Middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:    e,
		stream:  stream,
		store:   store,
		manager: manager,
		queue:   q,
		logger:  logger,
		config:  cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	// Health check
	s.echo.GET("/health", s.handleHealth)

	// API v1 routes
	v1 := s.echo.Group("/api/v1")
	v1.POST("/ask", s.handleAsk)
	v1.GET("/corpora", s.handleListCorpora)
	v1.DELETE("/corpora/:id", s.handleDeleteCorpus)
	v1.GET("/storage/stats", s.handleStorageStats)
	v1.POST("/storage/cleanup", s.handleCleanup)
	v1.GET("/queue", s.handleQueueStats)
	v1.GET("/queue/:id", s.handleQueueStatus)
	v1.DELETE("/queue/:id", s.handleQueueCancel)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
