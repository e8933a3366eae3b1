// Package health probes deployed agent instances on a fixed interval and
// feeds the results back into the deployment records, the registry and the
// performance monitor.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/agentoven/agentfleet/control-plane/pkg/contracts"
	"github.com/agentoven/agentfleet/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// Defaults.
const (
	DefaultInterval            = 30 * time.Second
	DefaultPerformanceInterval = 60 * time.Second
	DefaultProbeTimeout        = 10 * time.Second
	DefaultConcurrency         = 8
)

// Deployments is the slice of the deployment manager the monitor touches.
type Deployments interface {
	Monitored() []string
	GetDeployment(agentID string) (*models.DeployedAgent, bool)
	SetHealth(rec models.HealthRecord) (wasHealthy, ok bool)
}

type Option func(*Monitor)

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithPerformanceInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.perfInterval = d
		}
	}
}

func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

// WithConcurrency bounds how many probes run at once.
func WithConcurrency(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.concurrency = int64(n)
		}
	}
}

func WithNotifier(n contracts.Notifier) Option {
	return func(m *Monitor) { m.notifier = n }
}

// Monitor runs the health and performance loops.
type Monitor struct {
	deployments Deployments
	registry    contracts.AgentRegistry
	perf        contracts.PerformanceMonitor
	config      contracts.ConfigurationProvider
	prober      contracts.Prober
	notifier    contracts.Notifier

	interval     time.Duration
	perfInterval time.Duration
	probeTimeout time.Duration
	concurrency  int64

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	samplesMu sync.Mutex
	samples   map[string]models.HealthMetrics
	lastProbe map[string]time.Time

	// OnUnhealthy fires once per healthy→unhealthy edge.
	OnUnhealthy func(agentID string)
}

func NewMonitor(d Deployments, reg contracts.AgentRegistry, perf contracts.PerformanceMonitor, cfg contracts.ConfigurationProvider, prober contracts.Prober, opts ...Option) *Monitor {
	m := &Monitor{
		deployments:  d,
		registry:     reg,
		perf:         perf,
		config:       cfg,
		prober:       prober,
		interval:     DefaultInterval,
		perfInterval: DefaultPerformanceInterval,
		probeTimeout: DefaultProbeTimeout,
		concurrency:  DefaultConcurrency,
		stopCh:       make(chan struct{}),
		samples:      make(map[string]models.HealthMetrics),
		lastProbe:    make(map[string]time.Time),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start launches the health and performance loops.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	log.Info().
		Dur("interval", m.interval).
		Dur("performance_interval", m.perfInterval).
		Msg("💓 Health monitor started")

	m.wg.Add(2)
	go m.loop(ctx, m.interval, m.CheckAll)
	go m.loop(ctx, m.perfInterval, m.SamplePerformance)
}

// Stop ends both loops and waits for the current round to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()
	m.wg.Wait()
	log.Info().Msg("Health monitor stopped")
}

func (m *Monitor) loop(ctx context.Context, every time.Duration, fn func(context.Context)) {
	defer m.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll probes every monitored instance that is due. An instance with
// its own HealthCheckInterval waits at least that long between probes.
func (m *Monitor) CheckAll(ctx context.Context) {
	sem := semaphore.NewWeighted(m.concurrency)
	var wg sync.WaitGroup
	now := time.Now()
	for _, agentID := range m.deployments.Monitored() {
		inst, ok := m.deployments.GetDeployment(agentID)
		if !ok || !m.due(inst, now) {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(inst *models.DeployedAgent) {
			defer wg.Done()
			defer sem.Release(1)
			m.check(ctx, inst)
		}(inst)
	}
	wg.Wait()
}

// due reports whether inst should be probed in the round starting at now.
// Half a tick of slack keeps a matching instance interval from skipping
// every other round.
func (m *Monitor) due(inst *models.DeployedAgent, now time.Time) bool {
	if inst.HealthCheckInterval <= 0 {
		return true
	}
	m.samplesMu.Lock()
	last, seen := m.lastProbe[inst.AgentID]
	m.samplesMu.Unlock()
	return !seen || now.Sub(last)+m.interval/2 >= inst.HealthCheckInterval
}

func (m *Monitor) check(ctx context.Context, inst *models.DeployedAgent) {
	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	rec := models.HealthRecord{AgentID: inst.AgentID, LastChecked: time.Now().UTC()}
	m.samplesMu.Lock()
	m.lastProbe[inst.AgentID] = rec.LastChecked
	m.samplesMu.Unlock()
	metrics, err := m.prober.Probe(pctx, inst)
	switch {
	case err != nil:
		rec.ErrorMessage = (&models.HealthCheckError{AgentID: inst.AgentID, Err: err}).Error()
	case !metrics.IsWithinLimits():
		rec.ErrorMessage = "Health check failed"
		rec.Metrics = metrics
	default:
		rec.Healthy = true
		rec.Metrics = metrics
	}

	wasHealthy, ok := m.deployments.SetHealth(rec)
	if !ok {
		m.Forget(inst.AgentID)
		return
	}
	if rec.Metrics != nil {
		m.samplesMu.Lock()
		m.samples[inst.AgentID] = *rec.Metrics
		m.samplesMu.Unlock()
	}
	if err := m.registry.SetHealth(ctx, inst.AgentID, rec.Healthy); err != nil {
		log.Debug().Err(err).Str("agent_id", inst.AgentID).Msg("health: registry update skipped")
	}

	switch {
	case wasHealthy && !rec.Healthy:
		log.Warn().
			Str("agent_id", inst.AgentID).
			Str("instance_id", inst.InstanceID).
			Str("error", rec.ErrorMessage).
			Msg("🩺 Agent became unhealthy")
		if m.notifier != nil {
			m.notifier.Notify(ctx, contracts.NotificationEvent{
				Type:        models.EventAgentUnhealthy,
				AgentID:     inst.AgentID,
				Environment: inst.EnvironmentID,
				Payload:     map[string]any{"error": rec.ErrorMessage},
				Timestamp:   rec.LastChecked,
			})
		}
		if m.OnUnhealthy != nil {
			m.OnUnhealthy(inst.AgentID)
		}
	case !wasHealthy && rec.Healthy:
		log.Info().Str("agent_id", inst.AgentID).Msg("💚 Agent healthy again")
	}
}

// SamplePerformance forwards the latest probe metrics to the performance
// monitor and asks for a configuration change when an agent misses its
// thresholds.
func (m *Monitor) SamplePerformance(ctx context.Context) {
	m.samplesMu.Lock()
	samples := make(map[string]models.HealthMetrics, len(m.samples))
	for id, s := range m.samples {
		samples[id] = s
	}
	m.samplesMu.Unlock()

	for agentID, s := range samples {
		m.perf.RecordAgentPerformance(agentID, s)
		if m.perf.MeetsPerformanceRequirements(agentID) {
			continue
		}
		inst, ok := m.deployments.GetDeployment(agentID)
		if !ok {
			continue
		}
		changes, err := m.config.OptimizeConfiguration(ctx, &models.PerformanceOptimizationRequest{
			AgentID:            agentID,
			WorkspaceID:        inst.WorkspaceID,
			EnvironmentID:      inst.EnvironmentID,
			AvgResponseTimeMs:  float64(s.ResponseTimeMs),
			CPUUtilization:     s.CPUUsage,
			MemoryUtilization:  s.MemoryUsage,
			ErrorRate:          s.ErrorRate,
			ConcurrentRequests: s.ActiveConnections,
			Goal:               "meet-performance-requirements",
		})
		if err != nil {
			log.Warn().Err(err).Str("agent_id", agentID).Msg("Performance optimization failed")
			continue
		}
		log.Info().
			Str("agent_id", agentID).
			Int("changes", len(changes)).
			Msg("📉 Agent below performance requirements")
	}
}

// Forget drops the cached sample and probe time of an agent that left
// monitoring, so SamplePerformance stops reporting it.
func (m *Monitor) Forget(agentID string) {
	m.samplesMu.Lock()
	delete(m.samples, agentID)
	delete(m.lastProbe, agentID)
	m.samplesMu.Unlock()
}
