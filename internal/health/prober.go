package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentoven/agentfleet/control-plane/pkg/contracts"
	"github.com/agentoven/agentfleet/control-plane/pkg/models"
)

// ProberFunc adapts a function to contracts.Prober.
type ProberFunc func(ctx context.Context, inst *models.DeployedAgent) (*models.HealthMetrics, error)

func (f ProberFunc) Probe(ctx context.Context, inst *models.DeployedAgent) (*models.HealthMetrics, error) {
	return f(ctx, inst)
}

// DeploymentStates is what StateProber needs from the deployment manager.
type DeploymentStates interface {
	GetState(agentID string) (models.DeploymentState, bool)
	GetDeployment(agentID string) (*models.DeployedAgent, bool)
}

// StateProber stands in for agents that registered no endpoint. The routed
// instance is healthy while its agent is deployed. A standby is healthy only
// if it carries the routed package into a different environment.
type StateProber struct {
	States DeploymentStates
}

func (p *StateProber) Probe(_ context.Context, inst *models.DeployedAgent) (*models.HealthMetrics, error) {
	st, ok := p.States.GetState(inst.AgentID)
	if !ok || st != models.StateDeployed {
		return nil, fmt.Errorf("instance %s is %q", inst.InstanceID, st)
	}
	routed, ok := p.States.GetDeployment(inst.AgentID)
	if !ok {
		return nil, fmt.Errorf("agent %s has no routed instance", inst.AgentID)
	}
	if routed.InstanceID == inst.InstanceID {
		return &models.HealthMetrics{}, nil
	}
	switch {
	case inst.PackageID != routed.PackageID:
		return nil, fmt.Errorf("standby %s runs package %s, routed instance runs %s", inst.InstanceID, inst.PackageID, routed.PackageID)
	case inst.EnvironmentID == "" || inst.EnvironmentID == routed.EnvironmentID:
		return nil, fmt.Errorf("standby %s has no separate environment", inst.InstanceID)
	}
	return &models.HealthMetrics{}, nil
}

// InstanceLookup reports which instance currently serves an agent.
type InstanceLookup interface {
	GetDeployment(agentID string) (*models.DeployedAgent, bool)
}

// HTTPProber calls GET <endpoint>/health. The endpoint comes from the
// descriptor's per-environment Endpoints, then from Endpoint, which only
// serves the routed instance. Agents that registered no endpoint at all go
// to Fallback.
type HTTPProber struct {
	registry contracts.AgentRegistry
	client   *http.Client
	Fallback contracts.Prober
	// Instances identifies the routed instance. When nil every probed
	// instance is taken to be the routed one.
	Instances InstanceLookup
}

func NewHTTPProber(reg contracts.AgentRegistry, client *http.Client, fallback contracts.Prober) *HTTPProber {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProber{registry: reg, client: client, Fallback: fallback}
}

func (p *HTTPProber) endpointFor(desc *models.AgentDescriptor, inst *models.DeployedAgent) string {
	if ep := desc.Endpoints[inst.EnvironmentID]; ep != "" {
		return ep
	}
	if p.Instances == nil {
		return desc.Endpoint
	}
	if routed, ok := p.Instances.GetDeployment(inst.AgentID); ok && routed.InstanceID == inst.InstanceID {
		return desc.Endpoint
	}
	return ""
}

func (p *HTTPProber) Probe(ctx context.Context, inst *models.DeployedAgent) (*models.HealthMetrics, error) {
	desc, err := p.registry.GetRegisteredAgent(ctx, inst.AgentID)
	if err != nil {
		return nil, err
	}
	endpoint := p.endpointFor(desc, inst)
	if endpoint == "" {
		if desc.Endpoint != "" || len(desc.Endpoints) > 0 {
			return nil, fmt.Errorf("%w: agent %s in %s", contracts.ErrNoEndpoint, inst.AgentID, inst.EnvironmentID)
		}
		if p.Fallback == nil {
			return nil, fmt.Errorf("%w: agent %s", contracts.ErrNoEndpoint, inst.AgentID)
		}
		return p.Fallback.Probe(ctx, inst)
	}

	url := strings.TrimRight(endpoint, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build health request: %w", err)
	}
	req.Header.Set("X-Fleet-Instance-ID", inst.InstanceID)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("health request: %w", err)
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	metrics := &models.HealthMetrics{}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, metrics); err != nil {
			return nil, fmt.Errorf("decode health metrics: %w", err)
		}
	}
	if metrics.ResponseTimeMs == 0 {
		metrics.ResponseTimeMs = elapsed.Milliseconds()
	}
	return metrics, nil
}
