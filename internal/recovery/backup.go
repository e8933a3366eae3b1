package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agentoven/agentfleet/control-plane/internal/workerpool"
	"github.com/agentoven/agentfleet/control-plane/pkg/contracts"
	"github.com/agentoven/agentfleet/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ── Create ───────────────────────────────────────────────────

// CreateBackup snapshots deployed instances into the configured backend.
func (m *Manager) CreateBackup(ctx context.Context, opts models.BackupOptions) (*workerpool.Future[*models.BackupResult], error) {
	return workerpool.TrySubmit(ctx, m.pool, func(ctx context.Context) (*models.BackupResult, error) {
		return m.createBackup(ctx, opts), nil
	})
}

func (m *Manager) createBackup(ctx context.Context, opts models.BackupOptions) *models.BackupResult {
	ctx, span := tracer.Start(ctx, "recovery.backup")
	defer span.End()

	res := &models.BackupResult{Backups: []models.BackupRecord{}}
	fail := func(err error) *models.BackupResult {
		span.SetStatus(codes.Error, err.Error())
		m.record(CounterBackupFailed, "backup_failed", err.Error())
		res.ErrorMessage = err.Error()
		res.ErrorCode = models.CodeOf(err)
		return res
	}

	driver, ok := m.backups.Driver(opts.Backend)
	if !ok {
		return fail(&models.ValidationError{Field: "backend", Message: "Unknown backup backend: " + opts.Backend})
	}

	targets, err := m.backupTargets(opts.AgentIDs)
	if err != nil {
		return fail(err)
	}
	span.SetAttributes(attribute.Int("agents", len(targets)), attribute.String("backend", driver.Kind()))

	for _, inst := range targets {
		rec := m.snapshot(inst, opts)
		loc, err := driver.Save(ctx, rec)
		if err != nil {
			return fail(&models.ExecutionError{Op: "Backup failed", Err: err})
		}
		rec.Location = loc
		res.Backups = append(res.Backups, *rec)
		m.record(CounterBackupCreated, "backup_created", rec.BackupID)
		log.Info().
			Str("agent_id", rec.AgentID).
			Str("backup_id", rec.BackupID).
			Str("backend", driver.Kind()).
			Str("location", loc).
			Msg("💾 Backup created")
	}

	res.Success = true
	return res
}

func (m *Manager) backupTargets(agentIDs []string) ([]*models.DeployedAgent, error) {
	if len(agentIDs) == 0 {
		return m.deployments.ListDeployments(), nil
	}
	out := make([]*models.DeployedAgent, 0, len(agentIDs))
	for _, id := range agentIDs {
		inst, ok := m.deployments.GetDeployment(id)
		if !ok {
			return nil, &models.NotDeployedError{AgentID: id}
		}
		out = append(out, inst)
	}
	return out, nil
}

// snapshot builds a completed BackupRecord for inst. Ids are strictly
// increasing per agent even within one millisecond.
func (m *Manager) snapshot(inst *models.DeployedAgent, opts models.BackupOptions) *models.BackupRecord {
	now := m.now().UTC()
	millis := now.UnixMilli()

	m.mu.Lock()
	if last := m.lastBackupAt[inst.AgentID]; millis <= last {
		millis = last + 1
	}
	m.lastBackupAt[inst.AgentID] = millis
	m.mu.Unlock()

	rec := &models.BackupRecord{
		BackupID:      inst.AgentID + "-backup-" + strconv.FormatInt(millis, 10),
		AgentID:       inst.AgentID,
		BackupTime:    now,
		Status:        models.BackupCompleted,
		PackageID:     inst.PackageID,
		Version:       inst.Version,
		WorkspaceID:   inst.WorkspaceID,
		EnvironmentID: inst.EnvironmentID,
		Configuration: models.EffectiveConfiguration{
			AgentID:       inst.AgentID,
			WorkspaceID:   inst.WorkspaceID,
			EnvironmentID: inst.EnvironmentID,
			Properties:    map[string]any{},
		},
	}
	if opts.RetentionDays > 0 {
		rec.ExpiresAt = now.AddDate(0, 0, opts.RetentionDays)
	}
	if opts.IncludeConfiguration {
		rec.Configuration = inst.Configuration.Clone()
	}
	if opts.IncludeState && inst.EnvVars != nil {
		rec.EnvVars = make(map[string]string, len(inst.EnvVars))
		for k, v := range inst.EnvVars {
			rec.EnvVars[k] = v
		}
	}
	if raw, err := json.Marshal(rec); err == nil {
		rec.SizeBytes = int64(len(raw))
	}
	return rec
}

// ── Restore ──────────────────────────────────────────────────

// RestoreFromBackup puts a backup back into service. Backups older than the
// RPO are rejected. A restore that fails ValidateAfterRestore keeps the
// restored instance and reports it through ValidationWarning.
func (m *Manager) RestoreFromBackup(ctx context.Context, backupID string, opts models.RestoreOptions) (*workerpool.Future[*models.RestoreResult], error) {
	return workerpool.TrySubmit(ctx, m.pool, func(ctx context.Context) (*models.RestoreResult, error) {
		return m.restoreFromBackup(ctx, backupID, opts), nil
	})
}

func (m *Manager) restoreFromBackup(ctx context.Context, backupID string, opts models.RestoreOptions) *models.RestoreResult {
	ctx, span := tracer.Start(ctx, "recovery.restore")
	defer span.End()
	span.SetAttributes(attribute.String("backup_id", backupID))

	res := &models.RestoreResult{BackupID: backupID}
	fail := func(err error) *models.RestoreResult {
		span.SetStatus(codes.Error, err.Error())
		m.record(CounterRestoreFailed, "restore_failed", backupID+": "+err.Error())
		res.ErrorMessage = err.Error()
		res.ErrorCode = models.CodeOf(err)
		log.Warn().Err(err).Str("backup_id", backupID).Msg("Restore failed")
		return res
	}

	rec, err := m.findBackup(ctx, backupID)
	if err != nil {
		return fail(err)
	}
	inst, dataLoss, err := m.restoreRecord(ctx, rec, opts)
	if err != nil {
		return fail(err)
	}

	res.Success = true
	res.Instance = inst
	res.DataLoss = dataLoss
	m.record(CounterRestoreSucceeded, "restore_completed", backupID)

	if opts.ValidateAfterRestore {
		if err := m.validateRestored(ctx, inst); err != nil {
			res.ValidationWarning = err.Error()
			span.SetAttributes(attribute.String("validation_warning", res.ValidationWarning))
			m.record(CounterRestoreUnverified, "restore_unverified", backupID+": "+res.ValidationWarning)
			log.Warn().Err(err).
				Str("agent_id", inst.AgentID).
				Str("backup_id", backupID).
				Msg("⚠️ Restored instance failed validation")
		}
	}
	log.Info().
		Str("agent_id", inst.AgentID).
		Str("backup_id", backupID).
		Str("instance_id", inst.InstanceID).
		Dur("data_loss", dataLoss).
		Msg("♻️ Restored from backup")
	return res
}

// restoreRecord rebuilds a deployed instance from rec. It runs on the
// caller's goroutine so recovery plans can use it.
func (m *Manager) restoreRecord(ctx context.Context, rec *models.BackupRecord, opts models.RestoreOptions) (*models.DeployedAgent, time.Duration, error) {
	now := m.now()
	if rec.Status != models.BackupCompleted {
		return nil, 0, &models.RejectedError{Reason: "Backup is not restorable: " + string(rec.Status)}
	}
	age := rec.Age(now)
	if !rec.WithinRPO(now, m.rpo) {
		return nil, 0, &models.RejectedError{Reason: "Backup exceeds RPO limit: " + age.Round(time.Second).String()}
	}

	env := rec.EnvironmentID
	if opts.TargetEnvironment != "" {
		env = opts.TargetEnvironment
	}
	cfg := rec.Configuration.Clone()
	cfg.EnvironmentID = env
	snap := &models.DeployedAgent{
		AgentID:       rec.AgentID,
		PackageID:     rec.PackageID,
		Version:       rec.Version,
		WorkspaceID:   rec.WorkspaceID,
		EnvironmentID: env,
		Configuration: cfg,
		EnvVars:       rec.EnvVars,
		DeployedAt:    now.UTC(),
		State:         models.StateDeployed,
	}
	inst, err := m.deployments.RestoreInstance(ctx, snap)
	if err != nil {
		return nil, 0, &models.ExecutionError{Op: "Restore failed", Err: err}
	}
	m.recordDataLoss(age)
	return inst, age, nil
}

// validateRestored checks the restored instance is deployed and healthy,
// sampling it live when a health check is configured.
func (m *Manager) validateRestored(ctx context.Context, inst *models.DeployedAgent) error {
	if err := m.checkHealthy(inst.AgentID); err != nil {
		return err
	}
	if m.checker == nil {
		return nil
	}
	metrics, err := m.checker.Probe(ctx, inst)
	if err != nil {
		return &models.ExecutionError{Op: "Agent " + inst.AgentID + " is not healthy", Err: err}
	}
	if metrics == nil || !metrics.IsWithinLimits() {
		return &models.ExecutionError{Op: "Agent " + inst.AgentID + " is not healthy", Err: errors.New("metrics outside limits")}
	}
	return nil
}

// findBackup looks in the default backend first, then every other one.
func (m *Manager) findBackup(ctx context.Context, backupID string) (*models.BackupRecord, error) {
	var lastErr error
	for _, d := range m.orderedDrivers() {
		rec, err := d.Load(ctx, backupID)
		if err == nil {
			return rec, nil
		}
		var nf *models.NotFoundError
		if !errors.As(err, &nf) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, &models.ExecutionError{Op: "Load backup " + backupID, Err: lastErr}
	}
	return nil, &models.NotFoundError{Entity: "Backup", Key: backupID}
}

func (m *Manager) orderedDrivers() []contracts.BackupDriver {
	def := m.backups.DefaultBackend()
	var out []contracts.BackupDriver
	if d, ok := m.backups.Driver(def); ok {
		out = append(out, d)
	}
	for _, kind := range m.backups.Drivers() {
		if kind == def {
			continue
		}
		if d, ok := m.backups.Driver(kind); ok {
			out = append(out, d)
		}
	}
	return out
}

// latestRestorable returns the agent's newest backup that the RPO allows.
func (m *Manager) latestRestorable(ctx context.Context, agentID string) (*models.BackupRecord, error) {
	recs, err := m.ListBackups(ctx, agentID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	for i := range recs {
		if recs[i].Restorable(now, m.rpo) {
			return &recs[i], nil
		}
	}
	return nil, &models.NotFoundError{Entity: "Restorable backup for agent", Key: agentID}
}

// ListBackups merges every backend's catalog, newest first. An empty
// agentID lists all agents.
func (m *Manager) ListBackups(ctx context.Context, agentID string) ([]models.BackupRecord, error) {
	seen := make(map[string]bool)
	var out []models.BackupRecord
	for _, d := range m.orderedDrivers() {
		recs, err := d.List(ctx, agentID)
		if err != nil {
			return nil, &models.ExecutionError{Op: "List backups from " + d.Kind(), Err: err}
		}
		for _, r := range recs {
			if seen[r.BackupID] {
				continue
			}
			seen[r.BackupID] = true
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].BackupTime.Equal(out[j].BackupTime) {
			return out[i].BackupTime.After(out[j].BackupTime)
		}
		return strings.Compare(out[i].BackupID, out[j].BackupID) > 0
	})
	return out, nil
}

func (m *Manager) checkHealthy(agentID string) error {
	state, ok := m.deployments.GetState(agentID)
	if !ok || state != models.StateDeployed {
		return &models.NotDeployedError{AgentID: agentID}
	}
	rec, ok := m.deployments.GetHealth(agentID)
	if !ok || !rec.Healthy {
		msg := "no health record"
		if ok && rec.ErrorMessage != "" {
			msg = rec.ErrorMessage
		}
		return &models.ExecutionError{Op: "Agent " + agentID + " is not healthy", Err: errors.New(msg)}
	}
	return nil
}
