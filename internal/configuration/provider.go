// Package configuration resolves layered agent configuration.
//
// Properties are flat dotted keys ("performance.response.timeout") held in
// four layers: built-in defaults, workspace, environment and agent. The
// effective configuration merges them in that order and then applies the
// environment-type overrides (development, staging, production). Properties
// set by OptimizeConfiguration are applied after the overrides, until the
// agent layer is replaced.
//
// Layers can be seeded from a YAML property file loaded through viper:
//
//	defaults:
//	  coordination.retry.attempts: 4
//	workspaces:
//	  payments:
//	    workspace.name: payments
//	environments:
//	  prod-eu:
//	    environment.type: production
//	agents:
//	  api-contract-agent:
//	    performance.max.concurrent.requests: 50
//	profiles:
//	  batch:
//	    performance.response.timeout: 20000
package configuration

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agentoven/agentfleet/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Environment types recognised by the override step.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Built-in profile ids.
const (
	ProfileHighPerformance = "high-performance"
	ProfileLowResource     = "low-resource"
)

// Props is one layer of flat properties.
type Props map[string]any

func (p Props) clone() Props {
	out := make(Props, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Statistics counts configuration changes.
type Statistics struct {
	WorkspaceUpdates    int `json:"workspace_updates"`
	EnvironmentUpdates  int `json:"environment_updates"`
	AgentUpdates        int `json:"agent_updates"`
	ProfilesApplied     int `json:"profiles_applied"`
	Optimizations       int `json:"optimizations"`
	EffectiveResolution int `json:"effective_resolutions"`
}

// Provider implements contracts.ConfigurationProvider.
type Provider struct {
	mu           sync.RWMutex
	defaults     Props
	workspaces   map[string]Props
	environments map[string]Props
	agents       map[string]Props
	tuned        map[string]Props
	profiles     map[string]Props
	stats        Statistics
}

// DefaultProperties returns the built-in defaults layer.
func DefaultProperties() Props {
	return Props{
		models.PropResponseTimeout:   5000,
		models.PropMonitoringEnabled: true,
		models.PropMetricsInterval:   60000,
		models.PropLoggingLevel:      "INFO",
		models.PropLoggingFormat:     "JSON",
		models.PropAuthRequired:      true,
		models.PropAuthzEnabled:      true,
		models.PropRetryAttempts:     3,
		models.PropRetryDelay:        1000,
	}
}

// NewProvider returns a provider seeded with the "default" workspace, the
// development/staging/production environments and the built-in profiles.
func NewProvider() *Provider {
	p := &Provider{
		defaults:     DefaultProperties(),
		workspaces:   make(map[string]Props),
		environments: make(map[string]Props),
		agents:       make(map[string]Props),
		tuned:        make(map[string]Props),
		profiles:     make(map[string]Props),
	}

	p.workspaces["default"] = Props{"workspace.name": "default", "workspace.type": "full-stack"}
	for _, env := range []string{EnvDevelopment, EnvStaging, EnvProduction} {
		p.environments[env] = Props{models.PropEnvironmentType: env, models.PropEnvironmentName: env}
	}
	p.profiles[ProfileHighPerformance] = Props{
		models.PropResponseTimeout: 3000,
		models.PropMaxConcurrent:   200,
		models.PropMetricsInterval: 30000,
	}
	p.profiles[ProfileLowResource] = Props{
		models.PropResponseTimeout: 10000,
		models.PropMaxConcurrent:   50,
		models.PropMetricsInterval: 120000,
	}
	return p
}

// LoadFile merges a YAML property file into the layers. Property keys keep
// their dots, so viper is configured with a non-dot key delimiter.
func (p *Provider) LoadFile(path string) error {
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read configuration file: %w", err)
	}

	if defs := v.GetStringMap("defaults"); len(defs) > 0 {
		p.mu.Lock()
		for k, val := range defs {
			p.defaults[k] = val
		}
		p.mu.Unlock()
	}
	for id, props := range layer(v, "workspaces") {
		if err := p.SetWorkspace(id, props); err != nil {
			return fmt.Errorf("workspace %s: %w", id, err)
		}
	}
	for id, props := range layer(v, "environments") {
		if err := p.SetEnvironment(id, props); err != nil {
			return fmt.Errorf("environment %s: %w", id, err)
		}
	}
	for id, props := range layer(v, "agents") {
		if err := p.SetAgent(id, props); err != nil {
			return fmt.Errorf("agent %s: %w", id, err)
		}
	}
	for id, props := range layer(v, "profiles") {
		p.SetProfile(id, props)
	}

	log.Info().Str("path", path).Msg("⚙️  Configuration layers loaded")
	return nil
}

func layer(v *viper.Viper, section string) map[string]Props {
	out := make(map[string]Props)
	for id, raw := range v.GetStringMap(section) {
		m, ok := raw.(map[string]any)
		if !ok {
			log.Warn().Str("section", section).Str("id", id).Msg("Ignoring non-map configuration entry")
			continue
		}
		out[id] = Props(m)
	}
	return out
}

// ── Layer management ────────────────────────────────────────

func (p *Provider) SetWorkspace(id string, props Props) error {
	if _, ok := props["workspace.name"]; !ok {
		return &models.ValidationError{Field: "workspace.name", Message: "Invalid configuration: Missing required property: workspace.name"}
	}
	if raw, ok := props[models.PropResponseTimeout]; ok {
		timeout := models.EffectiveConfiguration{Properties: map[string]any{models.PropResponseTimeout: raw}}.GetInt(models.PropResponseTimeout, -1)
		if timeout <= 0 || timeout > 30000 {
			return &models.ValidationError{Field: models.PropResponseTimeout, Message: "Invalid configuration: Invalid response timeout: must be between 1 and 30000ms"}
		}
	}
	p.mu.Lock()
	p.workspaces[id] = props.clone()
	p.stats.WorkspaceUpdates++
	p.mu.Unlock()
	return nil
}

func (p *Provider) SetEnvironment(id string, props Props) error {
	switch fmt.Sprint(props[models.PropEnvironmentType]) {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return &models.ValidationError{Field: models.PropEnvironmentType, Message: "Invalid configuration: Invalid environment type: must be development, staging, or production"}
	}
	cp := props.clone()
	if _, ok := cp[models.PropEnvironmentName]; !ok {
		cp[models.PropEnvironmentName] = id
	}
	p.mu.Lock()
	p.environments[id] = cp
	p.stats.EnvironmentUpdates++
	p.mu.Unlock()
	return nil
}

func (p *Provider) SetAgent(agentID string, props Props) error {
	if strings.TrimSpace(agentID) == "" {
		return &models.ValidationError{Field: "agent_id", Message: "Invalid configuration: Agent ID cannot be null or empty"}
	}
	p.mu.Lock()
	p.agents[agentID] = props.clone()
	delete(p.tuned, agentID)
	p.stats.AgentUpdates++
	p.mu.Unlock()
	return nil
}

func (p *Provider) SetProfile(id string, props Props) {
	p.mu.Lock()
	p.profiles[id] = props.clone()
	p.mu.Unlock()
}

// ApplyProfile replaces the agent layer with a copy of the profile.
func (p *Provider) ApplyProfile(agentID, profileID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	prof, ok := p.profiles[profileID]
	if !ok {
		return &models.NotFoundError{Entity: "Configuration profile", Key: profileID}
	}
	p.agents[agentID] = prof.clone()
	delete(p.tuned, agentID)
	p.stats.ProfilesApplied++
	return nil
}

func (p *Provider) HasWorkspace(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.workspaces[id]
	return ok
}

func (p *Provider) HasEnvironment(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.environments[id]
	return ok
}

func (p *Provider) Workspaces() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.workspaces)
}

func (p *Provider) Environments() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.environments)
}

func (p *Provider) Statistics() Statistics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

func sortedKeys(m map[string]Props) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ── Resolution ──────────────────────────────────────────────

// GetEffectiveConfiguration merges defaults < workspace < environment < agent,
// applies the environment-type overrides, then the agent's tuned properties.
func (p *Provider) GetEffectiveConfiguration(_ context.Context, agentID, workspaceID, environmentID string) (*models.EffectiveConfiguration, error) {
	p.mu.Lock()
	p.stats.EffectiveResolution++
	props := p.resolveLocked(agentID, workspaceID, environmentID)
	p.mu.Unlock()

	return &models.EffectiveConfiguration{
		AgentID:       agentID,
		WorkspaceID:   workspaceID,
		EnvironmentID: environmentID,
		Properties:    props,
	}, nil
}

func (p *Provider) resolveLocked(agentID, workspaceID, environmentID string) map[string]any {
	props := make(map[string]any, len(p.defaults)+8)
	for k, v := range p.defaults {
		props[k] = v
	}
	for _, l := range []Props{p.workspaces[workspaceID], p.environments[environmentID], p.agents[agentID]} {
		for k, v := range l {
			props[k] = v
		}
	}
	if env, ok := p.environments[environmentID]; ok {
		applyEnvironmentOverrides(props, fmt.Sprint(env[models.PropEnvironmentType]))
	}
	for k, v := range p.tuned[agentID] {
		props[k] = v
	}
	return props
}

func applyEnvironmentOverrides(props map[string]any, envType string) {
	switch envType {
	case EnvDevelopment:
		props[models.PropLoggingLevel] = "DEBUG"
		props[models.PropResponseTimeout] = 3000
		props[models.PropMetricsInterval] = 30000
	case EnvStaging:
		props[models.PropLoggingLevel] = "INFO"
		props[models.PropResponseTimeout] = 5000
		props[models.PropMetricsInterval] = 30000
	case EnvProduction:
		props[models.PropLoggingLevel] = "WARN"
		props[models.PropResponseTimeout] = 5000
		props[models.PropMetricsInterval] = 60000
		props[models.PropAuditEnabled] = true
	}
}

// OptimizeConfiguration tunes the agent layer from observed performance.
// The returned map holds only the properties that changed. Tuned properties
// win over the environment-type overrides.
func (p *Provider) OptimizeConfiguration(_ context.Context, req *models.PerformanceOptimizationRequest) (map[string]any, error) {
	if req == nil || strings.TrimSpace(req.AgentID) == "" {
		return nil, &models.ValidationError{Field: "agent_id", Message: "Agent ID cannot be null or empty"}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current := models.EffectiveConfiguration{Properties: p.resolveLocked(req.AgentID, req.WorkspaceID, req.EnvironmentID)}
	changes := optimize(current, req)
	if len(changes) == 0 {
		return changes, nil
	}

	agentLayer := p.agents[req.AgentID].clone()
	tuned := p.tuned[req.AgentID].clone()
	for k, v := range changes {
		agentLayer[k] = v
		tuned[k] = v
	}
	p.agents[req.AgentID] = agentLayer
	p.tuned[req.AgentID] = tuned
	p.stats.Optimizations++

	log.Info().
		Str("agent", req.AgentID).
		Interface("changes", changes).
		Msg("🔧 Configuration optimized")
	return changes, nil
}

func optimize(current models.EffectiveConfiguration, req *models.PerformanceOptimizationRequest) map[string]any {
	changes := make(map[string]any)
	if req.AvgResponseTimeMs > 5000 {
		changes[models.PropResponseTimeout] = min(10000, int(req.AvgResponseTimeMs*1.2))
	}
	if req.CPUUtilization > 0.8 {
		cur := current.GetInt(models.PropMaxConcurrent, 100)
		changes[models.PropMaxConcurrent] = max(10, cur-10)
	}
	if req.MemoryUtilization > 0.8 {
		cur := current.GetInt(models.PropMetricsInterval, 60000)
		changes[models.PropMetricsInterval] = min(300000, cur*2)
	}
	if req.ErrorRate > 0.05 {
		cur := current.GetInt(models.PropRetryAttempts, 3)
		changes[models.PropRetryAttempts] = min(5, cur+1)
	}
	return changes
}
