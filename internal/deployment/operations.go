package deployment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentoven/agentfleet/control-plane/internal/policy"
	"github.com/agentoven/agentfleet/control-plane/internal/workerpool"
	"github.com/agentoven/agentfleet/control-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Package size model.
const (
	basePackageSize    = 1 << 20
	perCapabilitySize  = 100 << 10
	perDependencySize  = 50 << 10
	checksumLengthHex  = 16
	metadataVersionKey = "version"
	metadataDebugKey   = "debug-info"
	metadataOptimized  = "optimized-for-size"
)

// ── Packaging ───────────────────────────────────────────────

// PackageAgent builds an immutable package from the agent's descriptor.
func (m *Manager) PackageAgent(ctx context.Context, agentID string, opts models.PackagingOptions) (*workerpool.Future[*models.PackagingResult], error) {
	return workerpool.TrySubmit(ctx, m.pool, func(ctx context.Context) (*models.PackagingResult, error) {
		return m.packageAgent(ctx, agentID, opts), nil
	})
}

func (m *Manager) packageAgent(ctx context.Context, agentID string, opts models.PackagingOptions) *models.PackagingResult {
	ctx, span := tracer.Start(ctx, "deployment.package")
	defer span.End()
	span.SetAttributes(attribute.String("agent_id", agentID))
	m.count(func(c *counters) { c.packaging++ })

	fail := func(err error) *models.PackagingResult {
		span.SetStatus(codes.Error, err.Error())
		log.Warn().Err(err).Str("agent_id", agentID).Msg("📦 Packaging failed")
		return &models.PackagingResult{ErrorMessage: err.Error(), ErrorCode: models.CodeOf(err)}
	}

	desc, err := m.registry.GetRegisteredAgent(ctx, agentID)
	if err != nil {
		return fail(err)
	}

	version := opts.Version
	if version == "" {
		version = opts.Metadata[metadataVersionKey]
	}
	if version == "" {
		version = models.DefaultPackageVersion
	}

	metadata := make(map[string]string, len(opts.Metadata)+2)
	for k, v := range opts.Metadata {
		metadata[k] = v
	}
	if opts.IncludeDebugInfo {
		metadata[metadataDebugKey] = "true"
	}
	if opts.OptimizeForSize {
		metadata[metadataOptimized] = "true"
	}

	now := m.now().UTC()
	pkg := &models.AgentPackage{
		AgentID:            desc.ID,
		Version:            version,
		AgentType:          desc.Type,
		Capabilities:       append([]models.Capability(nil), desc.Capabilities...),
		Dependencies:       append([]string(nil), desc.Dependencies...),
		TargetEnvironments: append([]string(nil), opts.TargetEnvironments...),
		SizeBytes:          packageSize(desc),
		Requirements:       models.RequirementsFor(desc.Type),
		PackagedAt:         now,
		Metadata:           metadata,
	}

	m.mu.Lock()
	millis := now.UnixMilli()
	for {
		pkg.PackageID = agentID + "-" + strconv.FormatInt(millis, 10)
		if _, taken := m.packages[pkg.PackageID]; !taken {
			break
		}
		millis++
	}
	pkg.Checksum = Checksum(pkg)
	if err := pkg.Validate(); err != nil {
		m.mu.Unlock()
		return fail(err)
	}
	m.packages[pkg.PackageID] = pkg
	m.mu.Unlock()

	m.count(func(c *counters) { c.packagingOK++ })
	log.Info().
		Str("agent_id", agentID).
		Str("package_id", pkg.PackageID).
		Str("version", pkg.Version).
		Int64("size_bytes", pkg.SizeBytes).
		Msg("📦 Agent packaged")
	return &models.PackagingResult{Success: true, Package: copyPackage(pkg)}
}

func packageSize(desc *models.AgentDescriptor) int64 {
	return basePackageSize +
		int64(len(desc.Capabilities))*perCapabilitySize +
		int64(len(desc.Dependencies))*perDependencySize
}

// Checksum is the first 8 bytes of the SHA-256 of the package identity,
// hex encoded.
func Checksum(p *models.AgentPackage) string {
	caps := make([]string, len(p.Capabilities))
	for i, c := range p.Capabilities {
		caps[i] = string(c)
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{
		p.PackageID,
		p.AgentID,
		p.Version,
		string(p.AgentType),
		strings.Join(caps, ","),
		strings.Join(p.Dependencies, ","),
	}, "|")))
	return hex.EncodeToString(sum[:])[:checksumLengthHex]
}

// ── Deployment ──────────────────────────────────────────────

// DeployAgent deploys a package into a workspace and environment. Deploying
// over a live instance swaps it in place without leaving the deployed state.
func (m *Manager) DeployAgent(ctx context.Context, packageID, workspaceID, environmentID string, opts models.DeploymentOptions) (*workerpool.Future[*models.DeploymentResult], error) {
	return workerpool.TrySubmit(ctx, m.pool, func(ctx context.Context) (*models.DeploymentResult, error) {
		return m.deployAgent(ctx, packageID, workspaceID, environmentID, opts), nil
	})
}

func (m *Manager) deployAgent(ctx context.Context, packageID, workspaceID, environmentID string, opts models.DeploymentOptions) *models.DeploymentResult {
	ctx, span := tracer.Start(ctx, "deployment.deploy")
	defer span.End()
	span.SetAttributes(
		attribute.String("package_id", packageID),
		attribute.String("workspace_id", workspaceID),
		attribute.String("environment_id", environmentID),
	)
	start := time.Now()
	m.count(func(c *counters) { c.deploy++ })

	m.mu.Lock()
	pkg, ok := m.packages[packageID]
	if !ok {
		m.mu.Unlock()
		err := &models.NotFoundError{Entity: "Package", Key: packageID}
		span.SetStatus(codes.Error, err.Error())
		return &models.DeploymentResult{ErrorMessage: err.Error(), ErrorCode: models.CodeNotFound}
	}
	pkg = copyPackage(pkg)
	agentID := pkg.AgentID
	_, live := m.deployments[agentID]
	live = live && m.states[agentID] == models.StateDeployed
	if !live {
		if err := m.transitionLocked(agentID, models.StateDeploying); err != nil {
			m.mu.Unlock()
			return &models.DeploymentResult{ErrorMessage: "Deployment failed: " + err.Error(), ErrorCode: models.CodeOf(err)}
		}
	}
	m.mu.Unlock()

	inst, err := m.buildInstance(ctx, pkg, workspaceID, environmentID, opts)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		res := &models.DeploymentResult{
			ErrorMessage: "Deployment failed: " + err.Error(),
			ErrorCode:    models.CodeOf(err),
		}
		if live {
			// The running instance was never touched.
			res.RolledBack = opts.AutoRollbackOnFailure
		} else {
			_ = m.transition(agentID, models.StateFailed)
		}
		log.Error().Err(err).
			Str("agent_id", agentID).
			Str("package_id", packageID).
			Msg("❌ Deployment failed")
		m.notify(ctx, models.EventDeploymentFailed, agentID, environmentID, map[string]any{
			"package_id": packageID,
			"error":      err.Error(),
		})
		return res
	}

	m.mu.Lock()
	// An uninstall or forced failure may have run while the lock was released.
	want := models.StateDeploying
	if live {
		want = models.StateDeployed
	}
	if m.states[agentID] != want {
		got := m.states[agentID]
		m.mu.Unlock()
		err := &models.RejectedError{Reason: fmt.Sprintf("Agent %s changed to %q during deployment", agentID, got)}
		span.SetStatus(codes.Error, err.Error())
		log.Warn().Str("agent_id", agentID).Str("state", string(got)).Msg("⚠️ Deployment abandoned")
		return &models.DeploymentResult{ErrorMessage: "Deployment failed: " + err.Error(), ErrorCode: models.CodeRejected}
	}
	m.deployments[agentID] = inst
	if !live {
		_ = m.transitionLocked(agentID, models.StateDeployed)
	}
	m.health[agentID] = &models.HealthRecord{AgentID: agentID, Healthy: true, LastChecked: m.now().UTC()}
	if opts.EnableHealthChecks {
		m.monitored[agentID] = true
	}
	out := copyInstance(inst)
	m.mu.Unlock()

	elapsed := time.Since(start)
	m.count(func(c *counters) {
		c.deployOK++
		c.deployTime += elapsed
	})
	log.Info().
		Str("agent_id", agentID).
		Str("instance_id", inst.InstanceID).
		Str("environment", environmentID).
		Bool("replaced", live).
		Dur("duration", elapsed).
		Msg("🚀 Agent deployed")
	return &models.DeploymentResult{Success: true, Instance: out}
}

// buildInstance runs every pre-deployment check and resolves configuration.
func (m *Manager) buildInstance(ctx context.Context, pkg *models.AgentPackage, workspaceID, environmentID string, opts models.DeploymentOptions) (*models.DeployedAgent, error) {
	if !m.config.HasWorkspace(workspaceID) {
		return nil, &models.ValidationError{Field: "workspace_id", Message: "Workspace configuration not found: " + workspaceID}
	}
	if !m.config.HasEnvironment(environmentID) {
		return nil, &models.ValidationError{Field: "environment_id", Message: "Environment configuration not found: " + environmentID}
	}
	if !pkg.IsCompatibleWith(environmentID) {
		return nil, &models.ValidationError{
			Field:   "environment_id",
			Message: fmt.Sprintf("Package %s is not compatible with environment %s", pkg.PackageID, environmentID),
		}
	}

	cfg, err := m.config.GetEffectiveConfiguration(ctx, pkg.AgentID, workspaceID, environmentID)
	if err != nil {
		return nil, fmt.Errorf("resolve configuration: %w", err)
	}

	if opts.ValidateBeforeDeployment && m.policy != nil {
		in := policy.NewAdmissionInput(pkg, workspaceID, environmentID, cfg, opts.EnvVars)
		if err := m.policy.Admit(ctx, in); err != nil {
			return nil, err
		}
	}

	now := m.now().UTC()
	inst := &models.DeployedAgent{
		AgentID:       pkg.AgentID,
		InstanceID:    uuid.New().String(),
		PackageID:     pkg.PackageID,
		Version:       pkg.Version,
		WorkspaceID:   workspaceID,
		EnvironmentID: environmentID,
		Configuration: cfg.Clone(),
		DeployedAt:    now,
		UpdatedAt:     now,
		State:         models.StateDeployed,
	}
	if opts.EnableHealthChecks && opts.HealthCheckInterval > 0 {
		inst.HealthCheckInterval = opts.HealthCheckInterval
	}
	if len(opts.EnvVars) > 0 {
		inst.EnvVars = make(map[string]string, len(opts.EnvVars))
		for k, v := range opts.EnvVars {
			inst.EnvVars[k] = v
		}
	}
	return inst, nil
}

// ── Update ──────────────────────────────────────────────────

// UpdateAgent swaps a deployed agent onto a new package of the same agent.
// The returned backup is not persisted; pass it to Redeploy to roll back.
func (m *Manager) UpdateAgent(ctx context.Context, agentID, newPackageID string, opts models.UpdateOptions) (*workerpool.Future[*models.UpdateResult], error) {
	return workerpool.TrySubmit(ctx, m.pool, func(ctx context.Context) (*models.UpdateResult, error) {
		return m.updateAgent(ctx, agentID, newPackageID, opts), nil
	})
}

func (m *Manager) updateAgent(ctx context.Context, agentID, newPackageID string, opts models.UpdateOptions) *models.UpdateResult {
	_, span := tracer.Start(ctx, "deployment.update")
	defer span.End()
	span.SetAttributes(attribute.String("agent_id", agentID), attribute.String("package_id", newPackageID))
	start := time.Now()
	m.count(func(c *counters) { c.update++ })

	fail := func(err error, backup *models.DeployedAgent) *models.UpdateResult {
		span.SetStatus(codes.Error, err.Error())
		log.Warn().Err(err).Str("agent_id", agentID).Msg("⚠️ Update failed")
		return &models.UpdateResult{Backup: backup, ErrorMessage: err.Error(), ErrorCode: models.CodeOf(err)}
	}

	m.mu.Lock()
	inst, ok := m.deployments[agentID]
	if !ok || m.states[agentID] != models.StateDeployed {
		m.mu.Unlock()
		return fail(&models.NotDeployedError{AgentID: agentID}, nil)
	}
	pkg, ok := m.packages[newPackageID]
	if !ok {
		m.mu.Unlock()
		return fail(&models.NotFoundError{Entity: "New package", Key: newPackageID}, nil)
	}
	if pkg.AgentID != agentID {
		m.mu.Unlock()
		return fail(&models.ValidationError{
			Field:   "package_id",
			Message: fmt.Sprintf("Package %s belongs to agent %s", newPackageID, pkg.AgentID),
		}, nil)
	}
	if err := m.transitionLocked(agentID, models.StateUpdating); err != nil {
		m.mu.Unlock()
		return fail(err, nil)
	}

	now := m.now().UTC()
	var backup *models.DeployedAgent
	if opts.CreateBackup {
		backup = inst.Backup(now)
		backup.State = models.StateDeployed
	}

	if opts.ValidateAfterUpdate && !pkg.IsCompatibleWith(inst.EnvironmentID) {
		_ = m.transitionLocked(agentID, models.StateFailed)
		m.mu.Unlock()
		return fail(&models.ValidationError{
			Field:   "package_id",
			Message: fmt.Sprintf("Package %s is not compatible with environment %s", newPackageID, inst.EnvironmentID),
		}, backup)
	}

	inst.PackageID = pkg.PackageID
	inst.Version = pkg.Version
	inst.UpdatedAt = now
	_ = m.transitionLocked(agentID, models.StateDeployed)
	out := copyInstance(inst)
	m.mu.Unlock()

	elapsed := time.Since(start)
	m.count(func(c *counters) {
		c.updateOK++
		c.updateTime += elapsed
	})
	log.Info().
		Str("agent_id", agentID).
		Str("package_id", newPackageID).
		Str("version", out.Version).
		Msg("🔄 Agent updated")
	return &models.UpdateResult{Success: true, Instance: out, Backup: backup}
}

// ── Uninstall ───────────────────────────────────────────────

// UninstallAgent stops monitoring and removes the agent's instance.
func (m *Manager) UninstallAgent(ctx context.Context, agentID string, opts models.UninstallOptions) (*workerpool.Future[*models.UninstallResult], error) {
	return workerpool.TrySubmit(ctx, m.pool, func(ctx context.Context) (*models.UninstallResult, error) {
		return m.uninstallAgent(ctx, agentID, opts), nil
	})
}

func (m *Manager) uninstallAgent(ctx context.Context, agentID string, opts models.UninstallOptions) *models.UninstallResult {
	ctx, span := tracer.Start(ctx, "deployment.uninstall")
	defer span.End()
	span.SetAttributes(attribute.String("agent_id", agentID), attribute.Bool("force", opts.Force))
	m.count(func(c *counters) { c.uninstall++ })

	res := &models.UninstallResult{AgentID: agentID}

	m.mu.Lock()
	inst, ok := m.deployments[agentID]
	state, known := m.states[agentID]
	if !ok && !(opts.Force && known) {
		m.mu.Unlock()
		err := &models.NotDeployedError{AgentID: agentID, Message: "Agent not deployed"}
		res.ErrorMessage, res.ErrorCode = err.Error(), models.CodeNotFound
		return res
	}
	if opts.Force && (state == models.StateDeploying || state == models.StateUpdating) {
		if err := m.transitionLocked(agentID, models.StateFailed); err != nil {
			m.mu.Unlock()
			res.ErrorMessage, res.ErrorCode = err.Error(), models.CodeOf(err)
			return res
		}
	}
	if err := m.transitionLocked(agentID, models.StateUninstalling); err != nil {
		m.mu.Unlock()
		res.ErrorMessage, res.ErrorCode = err.Error(), models.CodeOf(err)
		return res
	}
	if opts.CreateBackupBeforeUninstall && inst != nil {
		res.Backup = inst.Backup(m.now().UTC())
	}
	delete(m.monitored, agentID)
	delete(m.deployments, agentID)
	delete(m.states, agentID)
	delete(m.health, agentID)
	removed := 0
	if opts.CleanupResources {
		for id, pkg := range m.packages {
			if pkg.AgentID == agentID {
				delete(m.packages, id)
				removed++
			}
		}
	}
	m.mu.Unlock()
	m.unmonitored(agentID)

	if opts.RemoveFromRegistry {
		if err := m.registry.UnregisterAgent(ctx, agentID); err != nil {
			log.Warn().Err(err).Str("agent_id", agentID).Msg("Failed to remove agent from registry")
		}
	}

	m.count(func(c *counters) { c.uninstallOK++ })
	res.Success = true
	log.Info().
		Str("agent_id", agentID).
		Str("from_state", string(state)).
		Bool("registry_removed", opts.RemoveFromRegistry).
		Int("packages_removed", removed).
		Msg("🗑️ Agent uninstalled")
	return res
}

// ── Redeploy ────────────────────────────────────────────────

// Redeploy puts a backup snapshot back into service under a fresh instance id.
func (m *Manager) Redeploy(ctx context.Context, backup *models.DeployedAgent) (*workerpool.Future[*models.DeploymentResult], error) {
	if backup == nil {
		return nil, &models.ValidationError{Field: "backup", Message: "backup is required"}
	}
	snapshot := copyInstance(backup)
	return workerpool.TrySubmit(ctx, m.pool, func(ctx context.Context) (*models.DeploymentResult, error) {
		inst, err := m.RestoreInstance(ctx, snapshot)
		if err != nil {
			return &models.DeploymentResult{
				ErrorMessage: "Deployment failed: " + err.Error(),
				ErrorCode:    models.CodeOf(err),
			}, nil
		}
		return &models.DeploymentResult{Success: true, Instance: inst}, nil
	})
}
