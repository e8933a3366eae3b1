// Package server wires the AgentFleet control plane together.
//
// It lives in pkg/ (not internal/) so other binaries can embed the control
// plane and wrap its handler with their own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx, config.Load())
//	srv.Start(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
//	srv.Shutdown(ctx)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/agentoven/agentfleet/control-plane/internal/api"
	"github.com/agentoven/agentfleet/control-plane/internal/api/handlers"
	"github.com/agentoven/agentfleet/control-plane/internal/api/middleware"
	"github.com/agentoven/agentfleet/control-plane/internal/config"
	"github.com/agentoven/agentfleet/control-plane/internal/configuration"
	"github.com/agentoven/agentfleet/control-plane/internal/coordination"
	"github.com/agentoven/agentfleet/control-plane/internal/deployment"
	"github.com/agentoven/agentfleet/control-plane/internal/failover"
	"github.com/agentoven/agentfleet/control-plane/internal/health"
	"github.com/agentoven/agentfleet/control-plane/internal/monitoring"
	"github.com/agentoven/agentfleet/control-plane/internal/notify"
	"github.com/agentoven/agentfleet/control-plane/internal/policy"
	"github.com/agentoven/agentfleet/control-plane/internal/recovery"
	"github.com/agentoven/agentfleet/control-plane/internal/registry"
	"github.com/agentoven/agentfleet/control-plane/internal/resolver"
	"github.com/agentoven/agentfleet/control-plane/internal/retention"
	"github.com/agentoven/agentfleet/control-plane/internal/telemetry"
	"github.com/agentoven/agentfleet/control-plane/internal/workerpool"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	Config       *config.Config
	Registry     *registry.MemoryRegistry
	Coordination *coordination.Engine
	Deployments  *deployment.Manager
	Failover     *failover.Manager
	Recovery     *recovery.Manager
	Backups      *retention.Janitor
	Notify       *notify.Service

	// Port is the port the server should listen on.
	Port int

	pool    *workerpool.Pool
	monitor *health.Monitor
	closers []func(context.Context) error
	cancel  context.CancelFunc
}

// New initializes every component and returns a ready Server. Background
// loops do not run until Start.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{Config: cfg, Port: cfg.Port}

	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	s.closers = append(s.closers, shutdown)

	reg := registry.NewMemoryRegistry(cfg.DataDir)
	s.Registry = reg
	s.closers = append(s.closers, func(context.Context) error { return reg.Close() })
	log.Info().Str("data_dir", cfg.DataDir).Msg("✅ Agent registry initialized")

	props := configuration.NewProvider()
	if cfg.Coordination.PropertiesFile != "" {
		if err := props.LoadFile(cfg.Coordination.PropertiesFile); err != nil {
			return nil, fmt.Errorf("load properties: %w", err)
		}
		log.Info().Str("file", cfg.Coordination.PropertiesFile).Msg("✅ Configuration properties loaded")
	}
	perf := monitoring.New()

	s.pool = workerpool.New(cfg.Pool.Workers, cfg.Pool.QueueSize)
	log.Info().Int("workers", cfg.Pool.Workers).Int("queue", cfg.Pool.QueueSize).Msg("✅ Worker pool initialized")

	// Coordination
	s.Coordination = coordination.NewEngine(reg, perf, resolver.NewConflictResolver(), s.pool,
		coordination.WithConfiguration(props, cfg.Coordination.Workspace, cfg.Coordination.Environment))
	if cfg.Coordination.RulesFile != "" {
		specs, err := coordination.LoadRulesFile(cfg.Coordination.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("load rules: %w", err)
		}
		for _, spec := range specs {
			if err := s.Coordination.AddRule(spec); err != nil {
				return nil, fmt.Errorf("rule %s: %w", spec.ID, err)
			}
		}
		log.Info().Int("rules", len(specs)).Msg("✅ Coordination rules loaded")
	}
	log.Info().Msg("✅ Coordination engine initialized")

	// Deployment
	admission, err := loadPolicy(ctx, cfg.Coordination.PolicyFile)
	if err != nil {
		return nil, err
	}
	s.Notify = notify.NewService()
	s.Deployments = deployment.NewManager(reg, props, s.pool,
		deployment.WithPolicy(admission),
		deployment.WithNotifier(s.Notify))
	log.Info().Msg("✅ Deployment manager initialized")

	// Resilience
	prober := health.NewHTTPProber(reg, &http.Client{Timeout: cfg.Health.ProbeTimeout},
		&health.StateProber{States: s.Deployments})
	prober.Instances = s.Deployments
	s.Failover = failover.NewManager(s.Deployments, prober, s.pool, failover.WithNotifier(s.Notify))

	s.monitor = health.NewMonitor(s.Deployments, reg, perf, props, prober,
		health.WithInterval(cfg.Health.Interval),
		health.WithPerformanceInterval(cfg.Health.PerformanceInterval),
		health.WithProbeTimeout(cfg.Health.ProbeTimeout),
		health.WithNotifier(s.Notify))
	if cfg.Health.AutoFailover {
		s.monitor.OnUnhealthy = s.Failover.OnUnhealthy
	}
	s.Deployments.OnUnmonitored = s.monitor.Forget

	s.Backups, err = s.newJanitor(ctx)
	if err != nil {
		return nil, err
	}
	s.Recovery = recovery.NewManager(s.Deployments, s.Backups, s.pool,
		recovery.WithNotifier(s.Notify),
		recovery.WithHealthCheck(prober))
	log.Info().Str("backend", s.Backups.DefaultBackend()).Bool("auto_failover", cfg.Health.AutoFailover).
		Msg("✅ Resilience managers initialized")

	// HTTP
	h := handlers.New(reg, s.Coordination, s.Deployments, s.Failover, s.Recovery, s.Notify)
	auth := middleware.NewAPIKeyAuth(cfg.APIKeys)
	if auth.Enabled() {
		log.Info().Int("keys", len(cfg.APIKeys)).Msg("🔐 API key auth enabled")
	}
	s.Handler = api.NewRouter(cfg, h, auth)

	return s, nil
}

func loadPolicy(ctx context.Context, path string) (*policy.Engine, error) {
	if path == "" {
		return policy.NewEngine(ctx, policy.DefaultPolicy)
	}
	p, err := policy.LoadFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	log.Info().Str("file", path).Msg("✅ Admission policy loaded")
	return p, nil
}

// newJanitor registers every configured backup driver. memory and local are
// always available; sqlite and postgres only when configured.
func (s *Server) newJanitor(ctx context.Context) (*retention.Janitor, error) {
	cfg := s.Config.Backup
	j := retention.NewJanitor(cfg.JanitorInterval, cfg.RetentionDays)
	j.RegisterDriver(retention.NewMemoryDriver())

	dir := cfg.Dir
	if dir == "" {
		dir = filepath.Join(s.Config.DataDir, "backups")
	}
	j.RegisterDriver(retention.NewLocalDriver(dir, cfg.Compress))

	if cfg.SQLitePath != "" {
		d, err := retention.NewSQLiteDriver(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite backup driver: %w", err)
		}
		j.RegisterDriver(d)
		s.closers = append(s.closers, func(context.Context) error { return d.Close() })
	}
	if cfg.PostgresURL != "" {
		d, err := retention.NewPostgresDriver(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("postgres backup driver: %w", err)
		}
		j.RegisterDriver(d)
		s.closers = append(s.closers, func(context.Context) error { d.Close(); return nil })
	}

	if cfg.Backend != "" {
		if err := j.SetDefaultBackend(cfg.Backend); err != nil {
			return nil, err
		}
	}
	return j, nil
}

// Start launches the health monitor and the backup janitor.
func (s *Server) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.monitor.Start(ctx)
	go s.Backups.Start(ctx)
}

// Shutdown stops the background loops, drains in-flight work and closes
// storage and telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.monitor.Stop()

	var errs []error
	drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	// The pool is shared, so this drains deployment and recovery work too.
	if err := s.Coordination.Shutdown(drainCtx); err != nil {
		errs = append(errs, err)
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
