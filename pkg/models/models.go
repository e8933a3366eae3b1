package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ── Semantic Versioning Helpers ──────────────────────────────

// DefaultPackageVersion is the version assigned to packages built without one.
const DefaultPackageVersion = "1.0.0"

// ParseSemver splits a "major.minor.patch" string. Returns (1,0,0) on error.
func ParseSemver(v string) (major, minor, patch int) {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) != 3 {
		return 1, 0, 0
	}
	major, _ = strconv.Atoi(parts[0])
	minor, _ = strconv.Atoi(parts[1])
	patch, _ = strconv.Atoi(parts[2])
	return
}

// FormatSemver formats major.minor.patch into a version string.
func FormatSemver(major, minor, patch int) string {
	return fmt.Sprintf("%d.%d.%d", major, minor, patch)
}

// BumpPatch increments the patch component: 1.0.2 → 1.0.3
func BumpPatch(v string) string {
	major, minor, patch := ParseSemver(v)
	return FormatSemver(major, minor, patch+1)
}

// IsSemver returns true if the string looks like "X.Y.Z".
func IsSemver(v string) bool {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		if _, err := strconv.Atoi(p); err != nil {
			return false
		}
	}
	return true
}

// ── Capabilities ─────────────────────────────────────────────

// Capability is a named unit of work an agent declares it can perform.
// The set is closed; registration rejects anything outside it.
type Capability string

const (
	CapFullStackIntegration      Capability = "full_stack_integration"
	CapArchitecturalConsistency  Capability = "architectural_consistency"
	CapSecurityCoordination      Capability = "security_coordination"
	CapPerformanceOptimization   Capability = "performance_optimization"
	CapAPIContractManagement     Capability = "api_contract_management"
	CapDataIntegration           Capability = "data_integration"
	CapFrontendBackendBridge     Capability = "frontend_backend_bridge"
	CapDevOpsCoordination        Capability = "devops_coordination"
	CapObservabilityUnification  Capability = "observability_unification"
	CapTestingCoordination       Capability = "testing_coordination"
	CapDisasterRecovery          Capability = "disaster_recovery"
	CapDataGovernance            Capability = "data_governance"
	CapDocumentationCoordination Capability = "documentation_coordination"
	CapWorkflowCoordination      Capability = "workflow_coordination"
	CapDeploymentCoordination    Capability = "deployment_coordination"
	CapMonitoringIntegration     Capability = "monitoring_integration"
	CapComplianceEnforcement     Capability = "compliance_enforcement"
	CapChangeCoordination        Capability = "change_coordination"
	CapConcurrentUserSupport     Capability = "concurrent_user_support"
	CapWorkspaceGrowthHandling   Capability = "workspace_growth_handling"
	CapResponseTimeOptimization  Capability = "response_time_optimization"
	CapAvailabilityManagement    Capability = "availability_management"
)

var knownCapabilities = map[Capability]struct{}{
	CapFullStackIntegration:      {},
	CapArchitecturalConsistency:  {},
	CapSecurityCoordination:      {},
	CapPerformanceOptimization:   {},
	CapAPIContractManagement:     {},
	CapDataIntegration:           {},
	CapFrontendBackendBridge:     {},
	CapDevOpsCoordination:        {},
	CapObservabilityUnification:  {},
	CapTestingCoordination:       {},
	CapDisasterRecovery:          {},
	CapDataGovernance:            {},
	CapDocumentationCoordination: {},
	CapWorkflowCoordination:      {},
	CapDeploymentCoordination:    {},
	CapMonitoringIntegration:     {},
	CapComplianceEnforcement:     {},
	CapChangeCoordination:        {},
	CapConcurrentUserSupport:     {},
	CapWorkspaceGrowthHandling:   {},
	CapResponseTimeOptimization:  {},
	CapAvailabilityManagement:    {},
}

// Valid reports whether c belongs to the closed capability set.
func (c Capability) Valid() bool {
	_, ok := knownCapabilities[c]
	return ok
}

// ParseCapability accepts either the canonical form or the upper-case
// constant form ("SECURITY_COORDINATION").
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", &ValidationError{Field: "capability", Message: "unknown capability: " + s}
	}
	return c, nil
}

// AllCapabilities returns the closed set in a stable order.
func AllCapabilities() []Capability {
	out := make([]Capability, 0, len(knownCapabilities))
	for c := range knownCapabilities {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ── Agent ────────────────────────────────────────────────────

type AgentType string

const (
	AgentTypeWorkspaceCoordination   AgentType = "workspace_coordination"
	AgentTypeTechnologyBridge        AgentType = "technology_bridge"
	AgentTypeOperationalCoordination AgentType = "operational_coordination"
	AgentTypeGovernanceCompliance    AgentType = "governance_compliance"
)

func (t AgentType) Valid() bool {
	switch t {
	case AgentTypeWorkspaceCoordination, AgentTypeTechnologyBridge,
		AgentTypeOperationalCoordination, AgentTypeGovernanceCompliance:
		return true
	}
	return false
}

// CoordinatesAcrossProjects is true for the agent types that earn the
// cross-project scoring bonus.
func (t AgentType) CoordinatesAcrossProjects() bool {
	return t == AgentTypeWorkspaceCoordination || t == AgentTypeTechnologyBridge
}

// AgentDescriptor is the registry's view of an agent. Everything except
// Healthy is fixed at registration. Endpoints maps environment ids to the
// base URL of the instance running there, typically a failover standby.
type AgentDescriptor struct {
	ID                  string            `json:"id"`
	Type                AgentType         `json:"type"`
	Capabilities        []Capability      `json:"capabilities"`
	PrimaryCapabilities []Capability      `json:"primary_capabilities,omitempty"`
	Dependencies        []string          `json:"dependencies,omitempty"`
	Endpoint            string            `json:"endpoint,omitempty"`
	Endpoints           map[string]string `json:"endpoints,omitempty"`
	Healthy             bool              `json:"healthy"`
	RegisteredAt        time.Time         `json:"registered_at"`
}

func (a *AgentDescriptor) HasCapability(c Capability) bool {
	for _, have := range a.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// IsPrimary reports whether c is one of the agent's primary capabilities.
// With no primaries declared, the first listed capability is primary.
func (a *AgentDescriptor) IsPrimary(c Capability) bool {
	if len(a.PrimaryCapabilities) == 0 {
		return len(a.Capabilities) > 0 && a.Capabilities[0] == c
	}
	for _, p := range a.PrimaryCapabilities {
		if p == c {
			return true
		}
	}
	return false
}

// Validate checks the descriptor against the closed type and capability sets.
func (a *AgentDescriptor) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return &ValidationError{Field: "id", Message: "agent id is required"}
	}
	if !a.Type.Valid() {
		return &ValidationError{Field: "type", Message: "unknown agent type: " + string(a.Type)}
	}
	if len(a.Capabilities) == 0 {
		return &ValidationError{Field: "capabilities", Message: "agent must declare at least one capability"}
	}
	for _, c := range a.Capabilities {
		if !c.Valid() {
			return &ValidationError{Field: "capabilities", Message: "unknown capability: " + string(c)}
		}
	}
	for _, c := range a.PrimaryCapabilities {
		if !a.HasCapability(c) {
			return &ValidationError{Field: "primary_capabilities", Message: "primary capability not declared: " + string(c)}
		}
	}
	for _, dep := range a.Dependencies {
		if dep == a.ID {
			return &ValidationError{Field: "dependencies", Message: "agent cannot depend on itself"}
		}
	}
	return nil
}

// ── Requests & Responses ─────────────────────────────────────

const (
	DefaultRequestPriority = 5
	MinRequestPriority     = 1
	MaxRequestPriority     = 10
)

// Request types the core itself produces or matches on.
const (
	RequestTypePreparation = "coordination-preparation"
	RequestTypeAPIChange   = "api-change"
)

// AgentRequest is one unit of work submitted for coordination.
type AgentRequest struct {
	ID                 string            `json:"id"`
	Type               string            `json:"type"`
	Description        string            `json:"description"`
	RequiredCapability Capability        `json:"required_capability"`
	SourceProject      string            `json:"source_project,omitempty"`
	TargetProject      string            `json:"target_project,omitempty"`
	Priority           int               `json:"priority"`
	Parameters         map[string]string `json:"parameters,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

// NewAgentRequest builds a request with a fresh id and a clamped priority.
func NewAgentRequest(reqType, description string, capability Capability, source, target string, priority int) *AgentRequest {
	r := &AgentRequest{
		ID:                 uuid.New().String(),
		Type:               reqType,
		Description:        description,
		RequiredCapability: capability,
		SourceProject:      source,
		TargetProject:      target,
		Priority:           priority,
		Parameters:         make(map[string]string),
		CreatedAt:          time.Now().UTC(),
	}
	r.Normalize()
	return r
}

// Normalize fills the id and timestamp when missing and clamps the priority.
func (r *AgentRequest) Normalize() {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.Priority = ClampPriority(r.Priority)
	if r.Parameters == nil {
		r.Parameters = make(map[string]string)
	}
}

// ClampPriority maps 0 to the default and clamps into [1,10].
func ClampPriority(p int) int {
	switch {
	case p == 0:
		return DefaultRequestPriority
	case p < MinRequestPriority:
		return MinRequestPriority
	case p > MaxRequestPriority:
		return MaxRequestPriority
	}
	return p
}

// IsCrossProject is true when a target project is set and differs from the source.
func (r *AgentRequest) IsCrossProject() bool {
	return r.TargetProject != "" && r.TargetProject != r.SourceProject
}

// Validate checks the fields the engine depends on.
func (r *AgentRequest) Validate() error {
	if !r.RequiredCapability.Valid() {
		return &ValidationError{Field: "required_capability", Message: "unknown capability: " + string(r.RequiredCapability)}
	}
	return nil
}

// AgentResponse is what an agent returns for a request.
type AgentResponse struct {
	RequestID       string            `json:"request_id"`
	AgentID         string            `json:"agent_id,omitempty"`
	Guidance        string            `json:"guidance"`
	Recommendations []string          `json:"recommendations"`
	Success         bool              `json:"success"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// SuccessResponse builds a successful response.
func SuccessResponse(requestID, guidance string, recommendations []string) *AgentResponse {
	if recommendations == nil {
		recommendations = []string{}
	}
	return &AgentResponse{
		RequestID:       requestID,
		Guidance:        guidance,
		Recommendations: recommendations,
		Success:         true,
		Metadata:        make(map[string]string),
		Timestamp:       time.Now().UTC(),
	}
}

// ErrorResponse builds a failed response carrying msg.
func ErrorResponse(requestID, msg string) *AgentResponse {
	return &AgentResponse{
		RequestID:       requestID,
		Recommendations: []string{},
		Success:         false,
		ErrorMessage:    msg,
		Metadata:        make(map[string]string),
		Timestamp:       time.Now().UTC(),
	}
}

// QualityScore rates a response out of 100.
func (r *AgentResponse) QualityScore() int {
	score := 0
	if r.Success {
		score += 40
	}
	if strings.TrimSpace(r.Guidance) != "" {
		score += 30
	}
	recs := 5 * len(r.Recommendations)
	if recs > 30 {
		recs = 30
	}
	score += recs
	if score > 100 {
		score = 100
	}
	return score
}
