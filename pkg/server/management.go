// Package server hosts the management endpoints of a running engine process.
//
// Cosa fa: serve /health (aggregato del health.Registry) e /metrics (registry
// Prometheus) su un listener dedicato, con request id e recovery per ogni richiesta.
//
// Cosa NON fa: non espone operazioni sui documenti e non gestisce TLS o auth.
//
// Esempio minimo:
//
//	mgmt := server.NewManagementServer(server.Config{}, gin.NewRouter(), log, healthRegistry, metricsRegistry)
//	go mgmt.Serve(ctx, listener)
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/nimburion/mongoengine/pkg/health"
	"github.com/nimburion/mongoengine/pkg/observability/logger"
	"github.com/nimburion/mongoengine/pkg/observability/metrics"
	"github.com/nimburion/mongoengine/pkg/server/router"
)

// RequestIDHeader carries the request id in and out of the management server.
const RequestIDHeader = "X-Request-ID"

// Config holds the HTTP timeouts of the management server.
type Config struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// ManagementServer serves health and metrics endpoints.
type ManagementServer struct {
	cfg             Config
	router          router.Router
	log             logger.Logger
	healthRegistry  *health.Registry
	metricsRegistry *metrics.Registry
}

// NewManagementServer registers GET /health and GET /metrics on r.
func NewManagementServer(
	cfg Config,
	r router.Router,
	log logger.Logger,
	healthRegistry *health.Registry,
	metricsRegistry *metrics.Registry,
) *ManagementServer {
	if log == nil {
		log = logger.NewNop()
	}
	s := &ManagementServer{
		cfg:             cfg.withDefaults(),
		router:          r,
		log:             log,
		healthRegistry:  healthRegistry,
		metricsRegistry: metricsRegistry,
	}
	r.Use(requestID(), recovery(log))
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", s.handleMetrics)
	return s
}

// Handler returns the routed handler, mostly for tests.
func (s *ManagementServer) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on listener until ctx is done, then shuts down
// gracefully within the configured shutdown timeout.
func (s *ManagementServer) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.log.Info("starting management server", "address", listener.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err, ok := <-errChan:
		if ok {
			return fmt.Errorf("management server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("management server shutdown failed: %w", err)
	}
	s.log.Info("management server stopped", "address", listener.Addr().String())
	return nil
}

// handleHealth runs every registered check; 503 when any of them is unhealthy.
func (s *ManagementServer) handleHealth(c router.Context) error {
	if s.healthRegistry == nil {
		return c.JSON(http.StatusOK, map[string]any{"status": health.StatusHealthy})
	}
	result := s.healthRegistry.Check(c.Request().Context())
	if !result.IsHealthy() {
		return c.JSON(http.StatusServiceUnavailable, result)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *ManagementServer) handleMetrics(c router.Context) error {
	if s.metricsRegistry == nil {
		return c.JSON(http.StatusNotFound, map[string]any{"error": "metrics disabled"})
	}
	s.metricsRegistry.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}

// requestID reuses the caller's X-Request-ID or generates one, and binds it to the
// request context for loggers downstream.
func requestID() router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			id := c.Request().Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			c.Response().Header().Set(RequestIDHeader, id)
			c.SetRequest(c.Request().WithContext(logger.ContextWithRequestID(c.Request().Context(), id)))
			return next(c)
		}
	}
}

func recovery(log logger.Logger) router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithContext(c.Request().Context()).Error("management handler panicked",
						"path", c.Request().URL.Path, "panic", fmt.Sprint(rec))
					if !c.Response().Written() {
						err = c.JSON(http.StatusInternalServerError, map[string]any{"error": "internal error"})
					}
				}
			}()
			return next(c)
		}
	}
}
