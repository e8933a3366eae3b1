// Package contracts defines the collaborator interfaces of the fleet control plane.
//
// The coordination and deployment engines only talk to the registry, the
// configuration provider, the performance monitor and the agents themselves
// through these interfaces. The repository ships in-process defaults
// (internal/registry, internal/configuration, internal/monitoring) so the
// server runs standalone; a deployment that already has these services can
// swap them in the wiring code (pkg/server).
package contracts

import (
	"context"
	"errors"
	"time"

	"github.com/agentoven/agentfleet/control-plane/pkg/models"
)

// ── Agent Registry ──────────────────────────────────────────

// AgentRegistry stores agent descriptors keyed by agent id.
// Default implementation: internal/registry.MemoryRegistry
type AgentRegistry interface {
	// RegisterAgent adds a descriptor. A duplicate id is an error.
	RegisterAgent(ctx context.Context, desc *models.AgentDescriptor) error

	// UnregisterAgent removes a descriptor. Unknown ids are a no-op.
	UnregisterAgent(ctx context.Context, agentID string) error

	// GetRegisteredAgent returns the descriptor or a *models.NotFoundError.
	GetRegisteredAgent(ctx context.Context, agentID string) (*models.AgentDescriptor, error)

	ListAgents(ctx context.Context) ([]models.AgentDescriptor, error)

	// FindByCapability returns every agent declaring c, healthy or not.
	FindByCapability(ctx context.Context, c models.Capability) ([]models.AgentDescriptor, error)

	// SetHealth flips the only mutable descriptor field.
	SetHealth(ctx context.Context, agentID string, healthy bool) error
}

// ── Configuration Provider ──────────────────────────────────

// ConfigurationProvider resolves layered agent configuration.
// Default implementation: internal/configuration.Provider
type ConfigurationProvider interface {
	HasWorkspace(workspaceID string) bool
	HasEnvironment(environmentID string) bool

	// GetEffectiveConfiguration merges defaults < workspace < environment < agent.
	GetEffectiveConfiguration(ctx context.Context, agentID, workspaceID, environmentID string) (*models.EffectiveConfiguration, error)

	// OptimizeConfiguration adjusts the agent layer from observed performance
	// and returns the properties it changed.
	OptimizeConfiguration(ctx context.Context, req *models.PerformanceOptimizationRequest) (map[string]any, error)
}

// ── Performance Monitor ─────────────────────────────────────

// PerformanceMonitor tracks request latency and per-agent resource samples.
// Default implementation: internal/monitoring.Monitor
type PerformanceMonitor interface {
	RecordRequest(requestID string, d time.Duration, success bool)
	RecordAgentPerformance(agentID string, m models.HealthMetrics)
	MeetsPerformanceRequirements(agentID string) bool
	GetPerformanceData(agentID string) (*models.PerformanceData, bool)
}

// ── Agents ──────────────────────────────────────────────────

// AgentHandler performs the domain work for one agent. The engine never
// implements agents; it only invokes them.
// Default remote implementation: internal/invoker.HTTPAgent
type AgentHandler interface {
	HandleRequest(ctx context.Context, req *models.AgentRequest) (*models.AgentResponse, error)
}

// AgentHandlerFunc adapts a function to AgentHandler.
type AgentHandlerFunc func(ctx context.Context, req *models.AgentRequest) (*models.AgentResponse, error)

func (f AgentHandlerFunc) HandleRequest(ctx context.Context, req *models.AgentRequest) (*models.AgentResponse, error) {
	return f(ctx, req)
}

// Prober samples the health of one deployed instance.
// Implementations: internal/health.HTTPProber, internal/health.StateProber
type Prober interface {
	Probe(ctx context.Context, inst *models.DeployedAgent) (*models.HealthMetrics, error)
}

// ErrNoEndpoint means a Prober has no address for the instance. Retrying
// will not help.
var ErrNoEndpoint = errors.New("no health endpoint")

// ── Backup Driver ───────────────────────────────────────────

// BackupDriver persists backup records.
// Shipped drivers live in internal/retention: memory, local (JSONL), sqlite, postgres.
type BackupDriver interface {
	// Kind returns the backend identifier (e.g. "local", "postgres").
	Kind() string

	// Save persists rec and returns where it was written.
	Save(ctx context.Context, rec *models.BackupRecord) (string, error)

	Load(ctx context.Context, backupID string) (*models.BackupRecord, error)

	// List returns records for agentID, or every record when agentID is empty,
	// newest first.
	List(ctx context.Context, agentID string) ([]models.BackupRecord, error)

	// MarkExpired flips completed records to expired and returns how many
	// changed. A record with ExpiresAt expires once now passes it; one
	// without expires when taken before cutoff.
	MarkExpired(ctx context.Context, now, cutoff time.Time) (int, error)

	HealthCheck(ctx context.Context) error
}

// ── Notifications ───────────────────────────────────────────

// NotificationEvent is the payload sent to stakeholder channels.
type NotificationEvent struct {
	Type        string         `json:"type"`
	AgentID     string         `json:"agent_id,omitempty"`
	Environment string         `json:"environment,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ChannelDriver delivers events to one kind of channel.
type ChannelDriver interface {
	Kind() models.ChannelKind
	Send(ctx context.Context, channel *models.NotificationChannel, event NotificationEvent) error
}

// Notifier is what the resilience managers need from the notification service.
type Notifier interface {
	Notify(ctx context.Context, event NotificationEvent) []models.NotifyResult
}
