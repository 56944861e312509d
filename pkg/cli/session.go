package cli

import (
	"context"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/nimburion/mongoengine/pkg/config"
	"github.com/nimburion/mongoengine/pkg/engine"
	"github.com/nimburion/mongoengine/pkg/health"
	"github.com/nimburion/mongoengine/pkg/observability/logger"
	"github.com/nimburion/mongoengine/pkg/observability/metrics"
	"github.com/nimburion/mongoengine/pkg/observability/tracing"
	"github.com/nimburion/mongoengine/pkg/server"
	"github.com/nimburion/mongoengine/pkg/server/router/gin"
	"github.com/nimburion/mongoengine/pkg/version"
	"github.com/spf13/cobra"
)

type app struct {
	opts    Options
	cfgPath *string
}

// session holds everything one command invocation needs.
type session struct {
	cfg     *config.Config
	log     logger.Logger
	backend *Backend
	engine  *engine.Engine
	health  *health.Registry
}

func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.NewViperLoader(*a.cfgPath, a.opts.EnvPrefix).
		WithFlags(cmd.Flags(), flagKeys).
		Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, a *app) (logger.Logger, error) {
	level, err := logger.ParseLogLevel(cfg.Observability.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := logger.ParseLogFormat(cfg.Observability.LogFormat)
	if err != nil {
		return nil, err
	}
	log, err := logger.NewZapLogger(logger.Config{Level: level, Format: format, Output: a.opts.Stderr})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return log, nil
}

// run loads configuration, connects, builds the engine, and calls fn. Each
// invocation carries its own request id.
func (a *app) run(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}
	baseLog, err := newLogger(cfg, a)
	if err != nil {
		return err
	}

	ctx := logger.ContextWithRequestID(cmd.Context(), uuid.NewString())
	serviceLog := baseLog.With("service", cfg.Service.Name)
	log := serviceLog.WithContext(ctx)
	log.Debug("command started", "command", cmd.CommandPath(), "version", version.Current(a.opts.Name).Version)

	tp, err := tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: version.Current(a.opts.Name).Version,
		Environment:    cfg.Service.Environment,
		Endpoint:       cfg.Observability.TracingEndpoint,
		SampleRate:     cfg.Observability.TracingSampleRate,
		Enabled:        cfg.Observability.TracingEnabled,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.WithoutCancel(ctx)); shutdownErr != nil {
			log.Warn("tracer shutdown failed", "error", shutdownErr)
		}
	}()

	engineMetrics := metrics.NewEngineMetrics()
	registry := metrics.NewRegistry()
	registry.MustRegister(engineMetrics.Collectors()...)

	backend, err := a.opts.Connect(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if backend.Close == nil {
			return
		}
		if closeErr := backend.Close(); closeErr != nil {
			log.Warn("failed to close backend", "error", closeErr)
		}
	}()

	engineOpts := []engine.Option{
		// the engine binds the request id from ctx on every call
		engine.WithLogger(serviceLog),
		engine.WithMetrics(engineMetrics),
	}
	if cb := cfg.Engine.CircuitBreaker; cb.Enabled() {
		engineOpts = append(engineOpts, engine.WithCircuitBreaker(cb.MaxFailures, cb.ResetTimeout))
	}
	eng, err := engine.New(backend.Collection, engine.Config{
		IDProperty:   cfg.Engine.IDProperty,
		StreamBuffer: cfg.Engine.StreamBuffer,
	}, engineOpts...)
	if err != nil {
		return err
	}

	s := &session{cfg: cfg, log: log, backend: backend, engine: eng}
	s.health = newHealthRegistry(s)

	if addr, _ := cmd.Flags().GetString("management-addr"); addr != "" {
		stop, err := startManagement(ctx, addr, log, s.health, registry)
		if err != nil {
			return err
		}
		defer stop()
	}

	return fn(ctx, s)
}

// newHealthRegistry checks the backend connection and a count on the collection.
func newHealthRegistry(s *session) *health.Registry {
	registry := health.NewRegistry()
	if s.backend.Health != nil {
		registry.Register(health.NewAdapterChecker("mongodb", s.backend.Health, s.cfg.Database.QueryTimeout))
	}
	registry.Register(health.NewCheckFunc("collection", func(ctx context.Context) error {
		_, err := s.engine.Count(ctx, nil)
		return err
	}))
	return registry
}

// startManagement serves /health and /metrics until the returned stop is called.
func startManagement(ctx context.Context, addr string, log logger.Logger, healthRegistry *health.Registry, metricsRegistry *metrics.Registry) (func(), error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("management listener: %w", err)
	}
	mgmt := server.NewManagementServer(server.Config{}, gin.NewRouter(), log, healthRegistry, metricsRegistry)

	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := mgmt.Serve(serveCtx, listener); err != nil {
			log.Error("management server failed", "error", err)
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}
