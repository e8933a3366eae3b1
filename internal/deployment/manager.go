// Package deployment manages agent packages and deployed instances.
//
// Every agent moves through a small state machine:
//
//	(none)       → deploying
//	deploying    → deployed | failed
//	deployed     → updating | uninstalling
//	updating     → deployed | failed
//	failed       → deploying | uninstalling
//	uninstalling → (removed)
//
// Transitions go through one choke point that rejects illegal edges and
// records every observed edge. Public operations run on the shared worker
// pool and return futures; the resilience managers use the synchronous
// instance helpers in instances.go.
package deployment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/agentfleet/control-plane/internal/policy"
	"github.com/agentoven/agentfleet/control-plane/internal/workerpool"
	"github.com/agentoven/agentfleet/control-plane/pkg/contracts"
	"github.com/agentoven/agentfleet/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("agentfleet-deployment")

// Option customises a Manager.
type Option func(*Manager)

// WithPolicy evaluates deployments against an admission policy when
// DeploymentOptions.ValidateBeforeDeployment is set.
func WithPolicy(p *policy.Engine) Option {
	return func(m *Manager) { m.policy = p }
}

// WithNotifier reports failed deployments to stakeholders.
func WithNotifier(n contracts.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns packages, instances, states and health records.
type Manager struct {
	registry contracts.AgentRegistry
	config   contracts.ConfigurationProvider
	pool     *workerpool.Pool
	policy   *policy.Engine
	notifier contracts.Notifier
	now      func() time.Time

	mu          sync.RWMutex
	packages    map[string]*models.AgentPackage
	deployments map[string]*models.DeployedAgent
	states      map[string]models.DeploymentState
	health      map[string]*models.HealthRecord
	monitored   map[string]bool
	transitions map[string][]models.StateTransition

	statsMu sync.Mutex
	stats   counters

	// OnUnmonitored fires after an agent is stopped or uninstalled. Set it
	// before the first operation.
	OnUnmonitored func(agentID string)
}

type counters struct {
	packaging, packagingOK int64
	deploy, deployOK       int64
	update, updateOK       int64
	uninstall, uninstallOK int64
	deployTime, updateTime time.Duration
}

func NewManager(reg contracts.AgentRegistry, cfg contracts.ConfigurationProvider, pool *workerpool.Pool, opts ...Option) *Manager {
	m := &Manager{
		registry:    reg,
		config:      cfg,
		pool:        pool,
		now:         time.Now,
		packages:    make(map[string]*models.AgentPackage),
		deployments: make(map[string]*models.DeployedAgent),
		states:      make(map[string]models.DeploymentState),
		health:      make(map[string]*models.HealthRecord),
		monitored:   make(map[string]bool),
		transitions: make(map[string][]models.StateTransition),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// transitionLocked moves agentID to the given state. Caller holds m.mu.
func (m *Manager) transitionLocked(agentID string, to models.DeploymentState) error {
	from := m.states[agentID]
	if !models.CanTransition(from, to) {
		log.Error().
			Str("agent_id", agentID).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("⛔ Illegal deployment transition")
		return &models.ExecutionError{
			Op:  "transition",
			Err: fmt.Errorf("illegal state transition for %s: %q -> %q", agentID, from, to),
		}
	}
	m.states[agentID] = to
	if inst, ok := m.deployments[agentID]; ok {
		inst.State = to
	}
	m.transitions[agentID] = append(m.transitions[agentID], models.StateTransition{
		AgentID: agentID,
		From:    from,
		To:      to,
		At:      m.now().UTC(),
	})
	return nil
}

func (m *Manager) transition(agentID string, to models.DeploymentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(agentID, to)
}

// ── Queries ─────────────────────────────────────────────────

func copyInstance(d *models.DeployedAgent) *models.DeployedAgent {
	cp := *d
	cp.Configuration = d.Configuration.Clone()
	if d.EnvVars != nil {
		cp.EnvVars = make(map[string]string, len(d.EnvVars))
		for k, v := range d.EnvVars {
			cp.EnvVars[k] = v
		}
	}
	return &cp
}

func copyPackage(p *models.AgentPackage) *models.AgentPackage {
	cp := *p
	cp.Capabilities = append([]models.Capability(nil), p.Capabilities...)
	cp.Dependencies = append([]string(nil), p.Dependencies...)
	cp.TargetEnvironments = append([]string(nil), p.TargetEnvironments...)
	cp.Metadata = make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// GetDeployment returns a copy of the agent's current instance.
func (m *Manager) GetDeployment(agentID string) (*models.DeployedAgent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deployments[agentID]
	if !ok {
		return nil, false
	}
	return copyInstance(d), true
}

// ListDeployments returns every instance sorted by agent id.
func (m *Manager) ListDeployments() []*models.DeployedAgent {
	return m.instancesWhere(func(*models.DeployedAgent) bool { return true })
}

// InstancesIn returns the instances deployed to environmentID.
func (m *Manager) InstancesIn(environmentID string) []*models.DeployedAgent {
	return m.instancesWhere(func(d *models.DeployedAgent) bool { return d.EnvironmentID == environmentID })
}

// InstancesInWorkspace returns the instances deployed to workspaceID.
func (m *Manager) InstancesInWorkspace(workspaceID string) []*models.DeployedAgent {
	return m.instancesWhere(func(d *models.DeployedAgent) bool { return d.WorkspaceID == workspaceID })
}

func (m *Manager) instancesWhere(keep func(*models.DeployedAgent) bool) []*models.DeployedAgent {
	m.mu.RLock()
	out := make([]*models.DeployedAgent, 0, len(m.deployments))
	for _, d := range m.deployments {
		if keep(d) {
			out = append(out, copyInstance(d))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (m *Manager) GetPackage(packageID string) (*models.AgentPackage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.packages[packageID]
	if !ok {
		return nil, false
	}
	return copyPackage(p), true
}

// ListPackages returns packages, newest first. A non-empty agentID filters.
func (m *Manager) ListPackages(agentID string) []*models.AgentPackage {
	m.mu.RLock()
	out := make([]*models.AgentPackage, 0, len(m.packages))
	for _, p := range m.packages {
		if agentID == "" || p.AgentID == agentID {
			out = append(out, copyPackage(p))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PackagedAt.Equal(out[j].PackagedAt) {
			return out[i].PackagedAt.After(out[j].PackagedAt)
		}
		return out[i].PackageID > out[j].PackageID
	})
	return out
}

// GetState returns the agent's state; ok is false once it has been removed.
func (m *Manager) GetState(agentID string) (models.DeploymentState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[agentID]
	return s, ok
}

func (m *Manager) GetHealth(agentID string) (*models.HealthRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.health[agentID]
	if !ok {
		return nil, false
	}
	cp := *h
	if h.Metrics != nil {
		metrics := *h.Metrics
		cp.Metrics = &metrics
	}
	return &cp, true
}

// Transitions returns every edge observed for agentID, oldest first. The
// history survives uninstallation.
func (m *Manager) Transitions(agentID string) []models.StateTransition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.StateTransition(nil), m.transitions[agentID]...)
}

// Monitored lists the agents whose health is being watched.
func (m *Manager) Monitored() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.monitored))
	for id := range m.monitored {
		out = append(out, id)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ── Statistics ──────────────────────────────────────────────

func (m *Manager) Statistics() models.DeploymentStatistics {
	m.statsMu.Lock()
	c := m.stats
	m.statsMu.Unlock()

	s := models.DeploymentStatistics{
		PackagingAttempts:   c.packaging,
		PackagingSuccesses:  c.packagingOK,
		DeploymentAttempts:  c.deploy,
		DeploymentSuccesses: c.deployOK,
		UpdateAttempts:      c.update,
		UpdateSuccesses:     c.updateOK,
		UninstallAttempts:   c.uninstall,
		UninstallSuccesses:  c.uninstallOK,
	}
	if c.deployOK > 0 {
		s.AverageDeploymentTime = c.deployTime / time.Duration(c.deployOK)
	}
	if c.updateOK > 0 {
		s.AverageUpdateTime = c.updateTime / time.Duration(c.updateOK)
	}

	m.mu.RLock()
	for _, st := range m.states {
		if st == models.StateDeployed {
			s.ActiveDeployments++
		}
	}
	s.Packages = len(m.packages)
	m.mu.RUnlock()
	return s
}

func (m *Manager) count(fn func(c *counters)) {
	m.statsMu.Lock()
	fn(&m.stats)
	m.statsMu.Unlock()
}

func (m *Manager) notify(ctx context.Context, eventType, agentID, environmentID string, payload map[string]any) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(ctx, contracts.NotificationEvent{
		Type:        eventType,
		AgentID:     agentID,
		Environment: environmentID,
		Payload:     payload,
		Timestamp:   m.now().UTC(),
	})
}
