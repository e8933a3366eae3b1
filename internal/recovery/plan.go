package recovery

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/agentoven/agentfleet/control-plane/internal/workerpool"
	"github.com/agentoven/agentfleet/control-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// highBlastRadius is the affected-agent count above which an agent failure
// is rated high.
const highBlastRadius = 5

var planSteps = map[models.DisasterType][]models.RecoveryStepType{
	models.DisasterAgentFailure: {
		models.StepStopAgents,
		models.StepRestoreFromBackup,
		models.StepValidateHealth,
	},
	models.DisasterInfrastructureFailure: {
		models.StepNotifyStakeholders,
		models.StepRedeployAgents,
		models.StepValidateHealth,
	},
	models.DisasterDataCorruption: {
		models.StepStopAgents,
		models.StepRestoreFromBackup,
		models.StepValidateHealth,
		models.StepNotifyStakeholders,
	},
	models.DisasterNetworkPartition: {
		models.StepValidateHealth,
		models.StepRedeployAgents,
		models.StepValidateHealth,
	},
}

var stepDescriptions = map[models.RecoveryStepType]string{
	models.StepAssessDisaster:     "Assess disaster scope and severity",
	models.StepStopAgents:         "Stop affected agents",
	models.StepRestoreFromBackup:  "Restore affected agents from their latest backup",
	models.StepRedeployAgents:     "Redeploy affected agents",
	models.StepValidateHealth:     "Validate agent health",
	models.StepNotifyStakeholders: "Notify stakeholders",
	models.StepCompleteRecovery:   "Complete recovery",
}

// PlanFor builds the recovery plan for a disaster type.
func PlanFor(t models.DisasterType, agents []string) (*models.RecoveryPlan, error) {
	steps, ok := planSteps[t]
	if !ok {
		return nil, &models.ValidationError{Field: "disaster_type", Message: "Unknown disaster type: " + string(t)}
	}
	plan := &models.RecoveryPlan{DisasterType: t}
	add := func(st models.RecoveryStepType) {
		plan.Steps = append(plan.Steps, models.RecoveryStep{
			Type:         st,
			Description:  stepDescriptions[st],
			TargetAgents: append([]string(nil), agents...),
		})
	}
	add(models.StepAssessDisaster)
	for _, st := range steps {
		add(st)
	}
	add(models.StepCompleteRecovery)
	return plan, nil
}

// SeverityOf rates a disaster. Agent failures scale with blast radius.
func SeverityOf(t models.DisasterType, affected int) models.Severity {
	switch t {
	case models.DisasterAgentFailure:
		if affected > highBlastRadius {
			return models.SeverityHigh
		}
		return models.SeverityMedium
	case models.DisasterInfrastructureFailure:
		return models.SeverityHigh
	case models.DisasterDataCorruption:
		return models.SeverityCritical
	case models.DisasterNetworkPartition:
		return models.SeverityMedium
	}
	return models.SeverityLow
}

// ── Initiate ─────────────────────────────────────────────────

// InitiateRecovery runs a recovery on the shared pool.
func (m *Manager) InitiateRecovery(ctx context.Context, opts models.DisasterRecoveryOptions) (*workerpool.Future[*models.RecoveryResult], error) {
	return workerpool.TrySubmit(ctx, m.pool, func(ctx context.Context) (*models.RecoveryResult, error) {
		return m.Recover(ctx, opts), nil
	})
}

// Recover runs assess, execute, validate and report on the caller's goroutine.
func (m *Manager) Recover(ctx context.Context, opts models.DisasterRecoveryOptions) *models.RecoveryResult {
	ctx, span := tracer.Start(ctx, "recovery.initiate")
	defer span.End()
	start := time.Now()

	res := &models.RecoveryResult{
		RecoveryID:      uuid.New().String(),
		DisasterType:    opts.DisasterType,
		AffectedAgents:  []string{},
		RecoveredAgents: []string{},
		FailedAgents:    []string{},
		ValidatedAgents: []string{},
	}
	span.SetAttributes(
		attribute.String("recovery_id", res.RecoveryID),
		attribute.String("disaster_type", string(opts.DisasterType)),
	)
	finish := func(err error) *models.RecoveryResult {
		res.Duration = time.Since(start)
		m.recordRecovery(res.Duration, err == nil)
		payload := map[string]any{
			"recovery_id":      res.RecoveryID,
			"disaster_type":    string(res.DisasterType),
			"severity":         string(res.Severity),
			"recovered_agents": res.RecoveredAgents,
			"failed_agents":    res.FailedAgents,
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			res.ErrorMessage = err.Error()
			res.ErrorCode = models.CodeOf(err)
			m.record(CounterRecoveryFailed, "recovery_failed", res.RecoveryID+": "+err.Error())
			m.notify(ctx, models.EventRecoveryFailed, "", payload)
			log.Error().Err(err).Str("recovery_id", res.RecoveryID).Dur("duration", res.Duration).Msg("❌ Recovery failed")
			return res
		}
		res.Success = true
		m.record(CounterRecoverySucceeded, "recovery_completed", res.RecoveryID)
		m.notify(ctx, models.EventRecoveryCompleted, "", payload)
		log.Info().
			Str("recovery_id", res.RecoveryID).
			Int("validated", len(res.ValidatedAgents)).
			Dur("duration", res.Duration).
			Msg("✅ Recovery completed")
		return res
	}

	if opts.TimeoutMinutes > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMinutes)*time.Minute)
		defer cancel()
	}

	// Assess.
	assessment := m.assess(opts)
	res.Severity = assessment.Severity
	res.AffectedAgents = assessment.AffectedAgents
	plan, err := PlanFor(opts.DisasterType, assessment.AffectedAgents)
	if err != nil {
		return finish(&models.ExecutionError{Op: "Recovery failed", Err: err})
	}
	log.Info().
		Str("recovery_id", res.RecoveryID).
		Str("disaster_type", string(opts.DisasterType)).
		Str("severity", string(assessment.Severity)).
		Strs("affected", assessment.AffectedAgents).
		Msg("🚨 Recovery started")

	// Execute.
	recovered := make(map[string]bool)
	failed := make(map[string]bool)
	for _, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return finish(&models.ExecutionError{Op: "Recovery failed", Err: err})
		}
		out := m.runStep(ctx, res.RecoveryID, step, opts)
		res.Steps = append(res.Steps, out)
		for _, id := range out.Recovered {
			recovered[id] = true
		}
		for _, id := range out.Failed {
			failed[id] = true
		}
	}
	res.RecoveredAgents = sortedKeys(recovered)
	res.FailedAgents = sortedKeys(failed)

	// Validate.
	var invalid []string
	for _, id := range assessment.AffectedAgents {
		if err := m.checkHealthy(id); err != nil {
			invalid = append(invalid, id)
			continue
		}
		res.ValidatedAgents = append(res.ValidatedAgents, id)
	}

	// Report.
	if len(invalid) > 0 {
		return finish(&models.ExecutionError{
			Err: errors.New("Validation failed for agents: " + strings.Join(invalid, ", ")),
		})
	}
	return finish(nil)
}

// assess picks the affected agents by disaster type. Agent and data
// disasters name their agents; infrastructure failures take out an
// environment and partitions a workspace. An empty set is a no-op recovery.
func (m *Manager) assess(opts models.DisasterRecoveryOptions) models.DisasterAssessment {
	set := make(map[string]bool)
	switch opts.DisasterType {
	case models.DisasterAgentFailure, models.DisasterDataCorruption:
		for _, id := range opts.AffectedAgents {
			if id != "" {
				set[id] = true
			}
		}
	case models.DisasterInfrastructureFailure:
		for _, inst := range m.deployments.ListDeployments() {
			if opts.AffectedEnvironment != "" && inst.EnvironmentID == opts.AffectedEnvironment {
				set[inst.AgentID] = true
			}
		}
	case models.DisasterNetworkPartition:
		for _, inst := range m.deployments.ListDeployments() {
			if opts.AffectedWorkspace != "" && inst.WorkspaceID == opts.AffectedWorkspace {
				set[inst.AgentID] = true
			}
		}
	}
	affected := sortedKeys(set)
	return models.DisasterAssessment{
		DisasterType:   opts.DisasterType,
		Severity:       SeverityOf(opts.DisasterType, len(affected)),
		AffectedAgents: affected,
		AssessedAt:     m.now().UTC(),
	}
}

// runStep applies one plan step to each of its targets. Per-agent failures
// are collected, never returned.
func (m *Manager) runStep(ctx context.Context, recoveryID string, step models.RecoveryStep, opts models.DisasterRecoveryOptions) models.StepOutcome {
	ctx, span := tracer.Start(ctx, "recovery.step")
	defer span.End()
	span.SetAttributes(attribute.String("step", string(step.Type)))

	out := models.StepOutcome{Step: step.Type}
	var errs []string
	each := func(fn func(agentID string) error, recovers bool) {
		for _, id := range step.TargetAgents {
			if err := fn(id); err != nil {
				out.Failed = append(out.Failed, id)
				errs = append(errs, id+": "+err.Error())
				continue
			}
			if recovers {
				out.Recovered = append(out.Recovered, id)
			}
		}
	}

	switch step.Type {
	case models.StepAssessDisaster, models.StepCompleteRecovery:
	case models.StepStopAgents:
		each(m.deployments.StopAgent, false)
	case models.StepRestoreFromBackup:
		each(func(id string) error {
			rec, err := m.latestRestorable(ctx, id)
			if err != nil {
				return err
			}
			_, _, err = m.restoreRecord(ctx, rec, models.RestoreOptions{})
			return err
		}, true)
	case models.StepRedeployAgents:
		each(func(id string) error { return m.redeploy(ctx, id) }, true)
	case models.StepValidateHealth:
		each(m.checkHealthy, false)
	case models.StepNotifyStakeholders:
		m.notify(ctx, models.EventRecoveryStarted, "", map[string]any{
			"recovery_id":   recoveryID,
			"disaster_type": string(opts.DisasterType),
			"agents":        step.TargetAgents,
		})
	}

	if len(errs) > 0 {
		out.ErrorMessage = strings.Join(errs, "; ")
		span.SetStatus(codes.Error, out.ErrorMessage)
		log.Warn().
			Str("recovery_id", recoveryID).
			Str("step", string(step.Type)).
			Strs("failed", out.Failed).
			Msg("⚠️ Recovery step had failures")
	} else {
		log.Debug().Str("recovery_id", recoveryID).Str("step", string(step.Type)).Msg("Recovery step done")
	}
	return out
}

// redeploy brings a fresh instance up from the current one, or from the
// latest restorable backup when the agent is gone.
func (m *Manager) redeploy(ctx context.Context, agentID string) error {
	if inst, ok := m.deployments.GetDeployment(agentID); ok {
		if _, err := m.deployments.RestoreInstance(ctx, inst); err != nil {
			return err
		}
		return nil
	}
	rec, err := m.latestRestorable(ctx, agentID)
	if err != nil {
		return err
	}
	_, _, err = m.restoreRecord(ctx, rec, models.RestoreOptions{})
	return err
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
