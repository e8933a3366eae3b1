package deployment

import (
	"context"

	"github.com/agentoven/agentfleet/control-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Instance mutations used by the failover and recovery managers. These run
// synchronously on the caller's goroutine; they never touch the pool.

// ReplaceInstance swaps the routing entry for agentID to inst. The agent must
// be deployed; the state does not change.
func (m *Manager) ReplaceInstance(agentID string, inst *models.DeployedAgent) error {
	if inst == nil || inst.AgentID != agentID {
		return &models.ValidationError{Field: "instance", Message: "Instance does not belong to agent " + agentID}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.deployments[agentID]
	if !ok || m.states[agentID] != models.StateDeployed {
		return &models.NotDeployedError{AgentID: agentID}
	}
	next := copyInstance(inst)
	next.State = models.StateDeployed
	m.deployments[agentID] = next
	log.Info().
		Str("agent_id", agentID).
		Str("from_instance", prev.InstanceID).
		Str("to_instance", next.InstanceID).
		Str("environment", next.EnvironmentID).
		Msg("🔀 Instance routing swapped")
	return nil
}

// RestoreInstance puts a snapshot back into service under a fresh instance
// id. A live agent is swapped in place; a failed or removed agent goes
// through deploying again.
func (m *Manager) RestoreInstance(ctx context.Context, snapshot *models.DeployedAgent) (*models.DeployedAgent, error) {
	_, span := tracer.Start(ctx, "deployment.restore")
	defer span.End()

	if snapshot == nil || snapshot.AgentID == "" {
		return nil, &models.ValidationError{Field: "agent_id", Message: "Agent ID is required"}
	}
	agentID := snapshot.AgentID
	now := m.now().UTC()

	inst := copyInstance(snapshot)
	inst.InstanceID = uuid.New().String()
	inst.UpdatedAt = now
	if inst.DeployedAt.IsZero() {
		inst.DeployedAt = now
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, live := m.deployments[agentID]; !live || m.states[agentID] != models.StateDeployed {
		if err := m.transitionLocked(agentID, models.StateDeploying); err != nil {
			return nil, err
		}
		m.deployments[agentID] = inst
		if err := m.transitionLocked(agentID, models.StateDeployed); err != nil {
			return nil, err
		}
	} else {
		inst.State = models.StateDeployed
		m.deployments[agentID] = inst
	}
	m.health[agentID] = &models.HealthRecord{AgentID: agentID, Healthy: true, LastChecked: now}
	m.monitored[agentID] = true

	log.Info().
		Str("agent_id", agentID).
		Str("instance_id", inst.InstanceID).
		Str("version", inst.Version).
		Msg("♻️ Agent instance restored")
	return copyInstance(inst), nil
}

// StopAgent takes an instance out of monitoring and marks it unhealthy. The
// deployment record and state stay so the agent can be restored.
func (m *Manager) StopAgent(agentID string) error {
	m.mu.Lock()
	if _, ok := m.deployments[agentID]; !ok {
		m.mu.Unlock()
		return &models.NotDeployedError{AgentID: agentID}
	}
	delete(m.monitored, agentID)
	m.health[agentID] = &models.HealthRecord{
		AgentID:      agentID,
		Healthy:      false,
		LastChecked:  m.now().UTC(),
		ErrorMessage: "Agent stopped",
	}
	m.mu.Unlock()
	m.unmonitored(agentID)
	log.Info().Str("agent_id", agentID).Msg("⏹️ Agent stopped")
	return nil
}

// SetHealth stores a probe outcome. It reports the previous health flag and
// whether the agent is still deployed; records for removed agents are dropped.
func (m *Manager) SetHealth(rec models.HealthRecord) (wasHealthy, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, deployed := m.deployments[rec.AgentID]; !deployed {
		return false, false
	}
	if prev, seen := m.health[rec.AgentID]; seen {
		wasHealthy = prev.Healthy
	}
	if rec.Metrics != nil {
		metrics := *rec.Metrics
		rec.Metrics = &metrics
	}
	m.health[rec.AgentID] = &rec
	return wasHealthy, true
}

// IsMonitored reports whether the health monitor should probe agentID.
func (m *Manager) IsMonitored(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.monitored[agentID]
}

// unmonitored tells OnUnmonitored that agentID left health monitoring.
// Callers must not hold m.mu.
func (m *Manager) unmonitored(agentID string) {
	if m.OnUnmonitored != nil {
		m.OnUnmonitored(agentID)
	}
}
