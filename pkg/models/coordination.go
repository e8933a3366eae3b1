package models

import "time"

// ── Coordination ─────────────────────────────────────────────

// CoordinationResult is the outcome of one coordination call.
type CoordinationResult struct {
	CoordinationID   string           `json:"coordination_id"`
	Request          *AgentRequest    `json:"request"`
	PrimaryAgent     string           `json:"primary_agent,omitempty"`
	DependentAgents  []string         `json:"dependent_agents,omitempty"`
	ResolvedResponse *AgentResponse   `json:"resolved_response,omitempty"`
	AllResponses     []*AgentResponse `json:"all_responses"`
	Success          bool             `json:"success"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	ErrorCode        ErrorCode        `json:"error_code,omitempty"`
	DurationMs       int64            `json:"duration_ms"`
	CompletedAt      time.Time        `json:"completed_at"`
}

// CoordinationRuleSpec is the declarative, serializable form of a rule.
// Conditions are expressions evaluated against {request, agent}.
type CoordinationRuleSpec struct {
	ID                   string       `json:"id" yaml:"id"`
	Description          string       `json:"description,omitempty" yaml:"description"`
	TriggerCapabilities  []Capability `json:"trigger_capabilities,omitempty" yaml:"trigger_capabilities"`
	TriggerRequestTypes  []string     `json:"trigger_request_types,omitempty" yaml:"trigger_request_types"`
	RequiresCrossProject bool         `json:"requires_cross_project,omitempty" yaml:"requires_cross_project"`
	Conditions           []string     `json:"conditions,omitempty" yaml:"conditions"`
	RequiredAgents       []string     `json:"required_agents" yaml:"required_agents"`
	Priority             int          `json:"priority" yaml:"-"`
}

// AgentCoordinationMetrics is a point-in-time copy of one agent's counters.
type AgentCoordinationMetrics struct {
	AgentID             string  `json:"agent_id"`
	TotalRequests       int64   `json:"total_requests"`
	SuccessfulRequests  int64   `json:"successful_requests"`
	SuccessRate         float64 `json:"success_rate"`
	AverageResponseTime float64 `json:"average_response_time_ms"`
}

// CoordinationStatistics summarizes engine state.
type CoordinationStatistics struct {
	RegisteredAgents        int                        `json:"registered_agents"`
	HealthyAgents           int                        `json:"healthy_agents"`
	Rules                   int                        `json:"rules"`
	TotalCoordinations      int64                      `json:"total_coordinations"`
	SuccessfulCoordinations int64                      `json:"successful_coordinations"`
	InFlight                int64                      `json:"in_flight"`
	QueueDepth              int                        `json:"queue_depth"`
	Agents                  []AgentCoordinationMetrics `json:"agents"`
}

// ── Performance ──────────────────────────────────────────────

// PerformanceData is the monitor's view of one agent.
type PerformanceData struct {
	AgentID             string         `json:"agent_id"`
	Samples             int            `json:"samples"`
	Latest              *HealthMetrics `json:"latest,omitempty"`
	AverageResponseTime float64        `json:"average_response_time_ms"`
	AverageErrorRate    float64        `json:"average_error_rate"`
	LastSampled         time.Time      `json:"last_sampled"`
}

// PerformanceSummary is the monitor's fleet-wide request window.
type PerformanceSummary struct {
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	Availability       float64       `json:"availability"`
	AverageResponse    time.Duration `json:"average_response"`
	MedianResponse     time.Duration `json:"median_response"`
	P95Response        time.Duration `json:"p95_response"`
	ConcurrentRequests int           `json:"concurrent_requests"`
	MeetsTargets       bool          `json:"meets_targets"`
	Health             string        `json:"health"`
}

// PerformanceOptimizationRequest is fed back to the configuration provider
// when an agent falls outside its performance thresholds.
type PerformanceOptimizationRequest struct {
	AgentID            string  `json:"agent_id"`
	WorkspaceID        string  `json:"workspace_id"`
	EnvironmentID      string  `json:"environment_id"`
	AvgResponseTimeMs  float64 `json:"avg_response_time_ms"`
	CPUUtilization     float64 `json:"cpu_utilization"`
	MemoryUtilization  float64 `json:"memory_utilization"`
	ErrorRate          float64 `json:"error_rate"`
	ConcurrentRequests int     `json:"concurrent_requests"`
	Goal               string  `json:"goal"`
}
