package models

import (
	"fmt"
	"strconv"
	"time"
)

// ── Packages ─────────────────────────────────────────────────

// SystemRequirements are the resources an agent package needs.
type SystemRequirements struct {
	CPUCores int   `json:"cpu_cores"`
	MemoryMB int64 `json:"memory_mb"`
	DiskMB   int64 `json:"disk_mb"`
}

// SatisfiedBy reports whether available covers r.
func (r SystemRequirements) SatisfiedBy(available SystemRequirements) bool {
	return available.CPUCores >= r.CPUCores &&
		available.MemoryMB >= r.MemoryMB &&
		available.DiskMB >= r.DiskMB
}

// RequirementsFor returns the baseline requirements for an agent type.
func RequirementsFor(t AgentType) SystemRequirements {
	switch t {
	case AgentTypeWorkspaceCoordination:
		return SystemRequirements{CPUCores: 2, MemoryMB: 1024, DiskMB: 200}
	case AgentTypeOperationalCoordination:
		return SystemRequirements{CPUCores: 2, MemoryMB: 2048, DiskMB: 500}
	default:
		return SystemRequirements{CPUCores: 1, MemoryMB: 512, DiskMB: 100}
	}
}

// AgentPackage is an immutable, deployable build of an agent.
type AgentPackage struct {
	PackageID          string             `json:"package_id"`
	AgentID            string             `json:"agent_id"`
	Version            string             `json:"version"`
	AgentType          AgentType          `json:"agent_type"`
	Capabilities       []Capability       `json:"capabilities"`
	Dependencies       []string           `json:"dependencies"`
	TargetEnvironments []string           `json:"target_environments"`
	Checksum           string             `json:"checksum"`
	SizeBytes          int64              `json:"size_bytes"`
	Requirements       SystemRequirements `json:"requirements"`
	PackagedAt         time.Time          `json:"packaged_at"`
	Metadata           map[string]string  `json:"metadata,omitempty"`
}

// IsCompatibleWith is true when the package targets env or targets nothing.
func (p *AgentPackage) IsCompatibleWith(env string) bool {
	if len(p.TargetEnvironments) == 0 {
		return true
	}
	for _, t := range p.TargetEnvironments {
		if t == env {
			return true
		}
	}
	return false
}

func (p *AgentPackage) HasCapability(c Capability) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Validate checks package metadata.
func (p *AgentPackage) Validate() error {
	switch {
	case p.PackageID == "":
		return &ValidationError{Field: "package_id", Message: "Package ID is required"}
	case p.AgentID == "":
		return &ValidationError{Field: "agent_id", Message: "Agent ID is required"}
	case p.Version == "":
		return &ValidationError{Field: "version", Message: "Version is required"}
	case !IsSemver(p.Version):
		return &ValidationError{Field: "version", Message: "Invalid version format: " + p.Version}
	case len(p.Capabilities) == 0:
		return &ValidationError{Field: "capabilities", Message: "Package must have at least one capability"}
	}
	for _, dep := range p.Dependencies {
		if dep == p.AgentID {
			return &ValidationError{Field: "dependencies", Message: "Agent cannot depend on itself"}
		}
	}
	return nil
}

// DeploymentManifest is the subset of a package a deployment target needs.
type DeploymentManifest struct {
	PackageID          string             `json:"package_id"`
	AgentID            string             `json:"agent_id"`
	Version            string             `json:"version"`
	AgentType          AgentType          `json:"agent_type"`
	Capabilities       []Capability       `json:"capabilities"`
	Dependencies       []string           `json:"dependencies"`
	TargetEnvironments []string           `json:"target_environments"`
	Requirements       SystemRequirements `json:"requirements"`
	Checksum           string             `json:"checksum"`
}

func (p *AgentPackage) Manifest() DeploymentManifest {
	return DeploymentManifest{
		PackageID:          p.PackageID,
		AgentID:            p.AgentID,
		Version:            p.Version,
		AgentType:          p.AgentType,
		Capabilities:       append([]Capability(nil), p.Capabilities...),
		Dependencies:       append([]string(nil), p.Dependencies...),
		TargetEnvironments: append([]string(nil), p.TargetEnvironments...),
		Requirements:       p.Requirements,
		Checksum:           p.Checksum,
	}
}

// ── Deployment state machine ─────────────────────────────────

type DeploymentState string

const (
	StatePackaging    DeploymentState = "packaging"
	StateDeploying    DeploymentState = "deploying"
	StateDeployed     DeploymentState = "deployed"
	StateUpdating     DeploymentState = "updating"
	StateUninstalling DeploymentState = "uninstalling"
	StateFailed       DeploymentState = "failed"
)

// legalTransitions lists every allowed edge. A missing "from" (the zero
// state) is a fresh deployment.
var legalTransitions = map[DeploymentState][]DeploymentState{
	"":                {StateDeploying},
	StateDeploying:    {StateDeployed, StateFailed},
	StateDeployed:     {StateUpdating, StateUninstalling},
	StateUpdating:     {StateDeployed, StateFailed},
	StateFailed:       {StateDeploying, StateUninstalling},
	StateUninstalling: {},
}

// CanTransition reports whether from→to is a legal edge.
func CanTransition(from, to DeploymentState) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateTransition is one observed edge.
type StateTransition struct {
	AgentID string          `json:"agent_id"`
	From    DeploymentState `json:"from"`
	To      DeploymentState `json:"to"`
	At      time.Time       `json:"at"`
}

// ── Configuration ────────────────────────────────────────────

// Well-known effective configuration keys.
const (
	PropResponseTimeout   = "performance.response.timeout"
	PropMonitoringEnabled = "performance.monitoring.enabled"
	PropMetricsInterval   = "performance.metrics.collection.interval"
	PropMaxConcurrent     = "performance.max.concurrent.requests"
	PropLoggingLevel      = "logging.level"
	PropLoggingFormat     = "logging.format"
	PropAuthRequired      = "security.authentication.required"
	PropAuthzEnabled      = "security.authorization.enabled"
	PropAuditEnabled      = "security.audit.enabled"
	PropRetryAttempts     = "coordination.retry.attempts"
	PropRetryDelay        = "coordination.retry.delay"
	PropEnvironmentType   = "environment.type"
	PropEnvironmentName   = "environment.name"
)

// DefaultResponseTimeout applies when no configuration says otherwise.
const DefaultResponseTimeout = 5 * time.Second

// EffectiveConfiguration is the resolved property set for one agent in one
// workspace and environment.
type EffectiveConfiguration struct {
	AgentID       string         `json:"agent_id"`
	WorkspaceID   string         `json:"workspace_id"`
	EnvironmentID string         `json:"environment_id"`
	Properties    map[string]any `json:"properties"`
}

// Clone returns a deep enough copy for the properties map.
func (c EffectiveConfiguration) Clone() EffectiveConfiguration {
	props := make(map[string]any, len(c.Properties))
	for k, v := range c.Properties {
		props[k] = v
	}
	c.Properties = props
	return c
}

func (c EffectiveConfiguration) GetString(key, fallback string) string {
	if v, ok := c.Properties[key]; ok {
		return fmt.Sprint(v)
	}
	return fallback
}

func (c EffectiveConfiguration) GetInt(key string, fallback int) int {
	switch v := c.Properties[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func (c EffectiveConfiguration) GetFloat(key string, fallback float64) float64 {
	switch v := c.Properties[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func (c EffectiveConfiguration) GetBool(key string, fallback bool) bool {
	switch v := c.Properties[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// ResponseTimeout reads performance.response.timeout (milliseconds).
func (c EffectiveConfiguration) ResponseTimeout() time.Duration {
	ms := c.GetInt(PropResponseTimeout, 0)
	if ms <= 0 {
		return DefaultResponseTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

func (c EffectiveConfiguration) EnvironmentType() string {
	return c.GetString(PropEnvironmentType, "")
}

// ── Deployed instances ───────────────────────────────────────

// DeployedAgent is a running instance of a package in a workspace/environment.
// HealthCheckInterval is the minimum gap between probes; zero follows the
// monitor's own interval.
type DeployedAgent struct {
	AgentID             string                 `json:"agent_id"`
	InstanceID          string                 `json:"instance_id"`
	PackageID           string                 `json:"package_id"`
	Version             string                 `json:"version"`
	WorkspaceID         string                 `json:"workspace_id"`
	EnvironmentID       string                 `json:"environment_id"`
	Configuration       EffectiveConfiguration `json:"configuration"`
	EnvVars             map[string]string      `json:"env_vars,omitempty"`
	DeployedAt          time.Time              `json:"deployed_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
	State               DeploymentState        `json:"state"`
	HealthCheckInterval time.Duration          `json:"health_check_interval,omitempty"`
}

// Backup snapshots the instance. The snapshot is not persisted anywhere.
func (d *DeployedAgent) Backup(now time.Time) *DeployedAgent {
	cp := *d
	cp.InstanceID = d.AgentID + "-backup-" + strconv.FormatInt(now.UnixMilli(), 10)
	cp.Configuration = d.Configuration.Clone()
	if d.EnvVars != nil {
		cp.EnvVars = make(map[string]string, len(d.EnvVars))
		for k, v := range d.EnvVars {
			cp.EnvVars[k] = v
		}
	}
	return &cp
}

// Uptime since deployment, zero unless deployed.
func (d *DeployedAgent) Uptime(now time.Time) time.Duration {
	if d.State != StateDeployed {
		return 0
	}
	return now.Sub(d.DeployedAt)
}

// ── Health ───────────────────────────────────────────────────

// HealthMetrics is a resource/responsiveness snapshot from a probe.
type HealthMetrics struct {
	CPUUsage          float64 `json:"cpu_usage"`
	MemoryUsage       float64 `json:"memory_usage"`
	ResponseTimeMs    int64   `json:"response_time_ms"`
	ErrorRate         float64 `json:"error_rate"`
	ActiveConnections int     `json:"active_connections"`
}

// IsWithinLimits is true when every metric is inside its threshold.
func (m HealthMetrics) IsWithinLimits() bool {
	return m.CPUUsage < 0.8 &&
		m.MemoryUsage < 0.8 &&
		m.ResponseTimeMs < 5000 &&
		m.ErrorRate < 0.05 &&
		m.ActiveConnections >= 0
}

// Score rates the snapshot out of 100.
func (m HealthMetrics) Score() int {
	score := 100
	switch {
	case m.CPUUsage > 0.8:
		score -= 20
	case m.CPUUsage > 0.6:
		score -= 10
	}
	switch {
	case m.MemoryUsage > 0.8:
		score -= 20
	case m.MemoryUsage > 0.6:
		score -= 10
	}
	switch {
	case m.ResponseTimeMs > 5000:
		score -= 30
	case m.ResponseTimeMs > 3000:
		score -= 15
	}
	switch {
	case m.ErrorRate > 0.05:
		score -= 20
	case m.ErrorRate > 0.02:
		score -= 10
	}
	if score < 0 {
		score = 0
	}
	return score
}

type HealthSeverity string

const (
	HealthSeverityHealthy   HealthSeverity = "healthy"
	HealthSeverityUnhealthy HealthSeverity = "unhealthy"
	HealthSeverityCritical  HealthSeverity = "critical"
)

// HealthStaleAfter is how old a failing record can get before it is critical.
const HealthStaleAfter = 5 * time.Minute

// HealthRecord is the latest probe outcome for one agent.
type HealthRecord struct {
	AgentID      string         `json:"agent_id"`
	Healthy      bool           `json:"healthy"`
	LastChecked  time.Time      `json:"last_checked"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metrics      *HealthMetrics `json:"metrics,omitempty"`
}

func (h *HealthRecord) Severity(now time.Time) HealthSeverity {
	if h.Healthy {
		return HealthSeverityHealthy
	}
	if now.Sub(h.LastChecked) > HealthStaleAfter {
		return HealthSeverityCritical
	}
	return HealthSeverityUnhealthy
}

// ── Options ──────────────────────────────────────────────────

type PackagingOptions struct {
	Version            string            `json:"version,omitempty"`
	TargetEnvironments []string          `json:"target_environments"`
	IncludeDebugInfo   bool              `json:"include_debug_info"`
	OptimizeForSize    bool              `json:"optimize_for_size"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

func DefaultPackagingOptions() PackagingOptions {
	return PackagingOptions{
		TargetEnvironments: []string{"development", "staging", "production"},
		OptimizeForSize:    true,
		Metadata:           map[string]string{},
	}
}

type DeploymentOptions struct {
	ValidateBeforeDeployment bool              `json:"validate_before_deployment"`
	EnableHealthChecks       bool              `json:"enable_health_checks"`
	HealthCheckInterval      time.Duration     `json:"health_check_interval"`
	AutoRollbackOnFailure    bool              `json:"auto_rollback_on_failure"`
	EnvVars                  map[string]string `json:"env_vars,omitempty"`
}

func DefaultDeploymentOptions() DeploymentOptions {
	return DeploymentOptions{
		ValidateBeforeDeployment: true,
		EnableHealthChecks:       true,
		HealthCheckInterval:      30 * time.Second,
		AutoRollbackOnFailure:    true,
		EnvVars:                  map[string]string{},
	}
}

// UpdateOptions has no rollback switch: a failed update leaves the agent
// failed and the caller redeploys the returned backup.
type UpdateOptions struct {
	CreateBackup        bool `json:"create_backup"`
	ValidateAfterUpdate bool `json:"validate_after_update"`
}

func DefaultUpdateOptions() UpdateOptions {
	return UpdateOptions{
		CreateBackup:        true,
		ValidateAfterUpdate: true,
	}
}

// UninstallOptions. CleanupResources drops the agent's packages. Force
// uninstalls an agent stuck in deploying, updating or failed by failing it
// first.
type UninstallOptions struct {
	RemoveFromRegistry          bool `json:"remove_from_registry"`
	CleanupResources            bool `json:"cleanup_resources"`
	CreateBackupBeforeUninstall bool `json:"create_backup_before_uninstall"`
	Force                       bool `json:"force"`
}

func DefaultUninstallOptions() UninstallOptions {
	return UninstallOptions{
		RemoveFromRegistry: true,
		CleanupResources:   true,
	}
}

// ── Results ──────────────────────────────────────────────────

type PackagingResult struct {
	Success      bool          `json:"success"`
	Package      *AgentPackage `json:"package,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	ErrorCode    ErrorCode     `json:"error_code,omitempty"`
}

type DeploymentResult struct {
	Success      bool           `json:"success"`
	Instance     *DeployedAgent `json:"instance,omitempty"`
	RolledBack   bool           `json:"rolled_back,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorCode    ErrorCode      `json:"error_code,omitempty"`
}

type UpdateResult struct {
	Success      bool           `json:"success"`
	Instance     *DeployedAgent `json:"instance,omitempty"`
	Backup       *DeployedAgent `json:"backup,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorCode    ErrorCode      `json:"error_code,omitempty"`
}

type UninstallResult struct {
	Success      bool           `json:"success"`
	AgentID      string         `json:"agent_id"`
	Backup       *DeployedAgent `json:"backup,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorCode    ErrorCode      `json:"error_code,omitempty"`
}

// DeploymentStatistics is a snapshot of the deployment counters.
type DeploymentStatistics struct {
	PackagingAttempts     int64         `json:"packaging_attempts"`
	PackagingSuccesses    int64         `json:"packaging_successes"`
	DeploymentAttempts    int64         `json:"deployment_attempts"`
	DeploymentSuccesses   int64         `json:"deployment_successes"`
	UpdateAttempts        int64         `json:"update_attempts"`
	UpdateSuccesses       int64         `json:"update_successes"`
	UninstallAttempts     int64         `json:"uninstall_attempts"`
	UninstallSuccesses    int64         `json:"uninstall_successes"`
	AverageDeploymentTime time.Duration `json:"average_deployment_time"`
	AverageUpdateTime     time.Duration `json:"average_update_time"`
	ActiveDeployments     int           `json:"active_deployments"`
	Packages              int           `json:"packages"`
}

func rate(ok, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(ok) / float64(total)
}

func (s DeploymentStatistics) DeploymentSuccessRate() float64 {
	return rate(s.DeploymentSuccesses, s.DeploymentAttempts)
}

func (s DeploymentStatistics) OverallSuccessRate() float64 {
	total := s.PackagingAttempts + s.DeploymentAttempts + s.UpdateAttempts + s.UninstallAttempts
	ok := s.PackagingSuccesses + s.DeploymentSuccesses + s.UpdateSuccesses + s.UninstallSuccesses
	return rate(ok, total)
}

// MeetsPerformanceRequirements: ≥95% deploy success, ≤15 min average deploy,
// ≥90% overall success.
func (s DeploymentStatistics) MeetsPerformanceRequirements() bool {
	return s.DeploymentSuccessRate() >= 0.95 &&
		s.AverageDeploymentTime <= 15*time.Minute &&
		s.OverallSuccessRate() >= 0.90
}
