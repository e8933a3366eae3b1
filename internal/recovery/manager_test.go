package recovery_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/agentfleet/control-plane/internal/configuration"
	"github.com/agentoven/agentfleet/control-plane/internal/deployment"
	"github.com/agentoven/agentfleet/control-plane/internal/recovery"
	"github.com/agentoven/agentfleet/control-plane/internal/registry"
	"github.com/agentoven/agentfleet/control-plane/internal/retention"
	"github.com/agentoven/agentfleet/control-plane/internal/workerpool"
	"github.com/agentoven/agentfleet/control-plane/pkg/contracts"
	"github.com/agentoven/agentfleet/control-plane/pkg/models"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu    sync.Mutex
	types []string
}

func (r *recordingNotifier) Notify(_ context.Context, e contracts.NotificationEvent) []models.NotifyResult {
	r.mu.Lock()
	r.types = append(r.types, e.Type)
	r.mu.Unlock()
	return nil
}

type fixture struct {
	deploy  *deployment.Manager
	rec     *recovery.Manager
	clock   *clock
	notes   *recordingNotifier
	janitor *retention.Janitor
	pool    *workerpool.Pool
}

func newFixture(t *testing.T, agents ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	reg := registry.NewMemoryRegistry(t.TempDir())
	t.Cleanup(func() { reg.Close() })
	pool := workerpool.New(4, 16)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Close(ctx)
	})

	d := deployment.NewManager(reg, configuration.NewProvider(), pool)
	for _, id := range agents {
		if err := reg.RegisterAgent(ctx, &models.AgentDescriptor{
			ID:           id,
			Type:         models.AgentTypeWorkspaceCoordination,
			Capabilities: []models.Capability{models.CapWorkflowCoordination},
		}); err != nil {
			t.Fatalf("RegisterAgent(%s) error = %v", id, err)
		}
		pf, err := d.PackageAgent(ctx, id, models.DefaultPackagingOptions())
		if err != nil {
			t.Fatalf("PackageAgent(%s) error = %v", id, err)
		}
		pres, _ := pf.Wait(ctx)
		if !pres.Success {
			t.Fatalf("PackageAgent(%s) failed: %s", id, pres.ErrorMessage)
		}
		opts := models.DefaultDeploymentOptions()
		opts.EnvVars = map[string]string{"TENANT": "acme"}
		df, err := d.DeployAgent(ctx, pres.Package.PackageID, "default", "production", opts)
		if err != nil {
			t.Fatalf("DeployAgent(%s) error = %v", id, err)
		}
		dres, _ := df.Wait(ctx)
		if !dres.Success {
			t.Fatalf("DeployAgent(%s) failed: %s", id, dres.ErrorMessage)
		}
	}

	janitor := retention.NewJanitor(time.Hour, 30)
	janitor.RegisterDriver(retention.NewMemoryDriver())
	janitor.RegisterDriver(retention.NewLocalDriver(t.TempDir(), true))

	c := &clock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	notes := &recordingNotifier{}
	rec := recovery.NewManager(d, janitor, pool, recovery.WithClock(c.Now), recovery.WithNotifier(notes))
	return &fixture{deploy: d, rec: rec, clock: c, notes: notes, janitor: janitor, pool: pool}
}

func await[T any](t *testing.T, f *workerpool.Future[T], err error) T {
	t.Helper()
	if err != nil {
		t.Fatalf("submit error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return v
}

func (f *fixture) backup(t *testing.T, opts models.BackupOptions) []models.BackupRecord {
	t.Helper()
	fut, err := f.rec.CreateBackup(context.Background(), opts)
	res := await(t, fut, err)
	if !res.Success {
		t.Fatalf("CreateBackup() failed: %s", res.ErrorMessage)
	}
	return res.Backups
}

func TestCreateBackupSnapshotsEveryInstance(t *testing.T) {
	f := newFixture(t, "billing", "ledger")

	backups := f.backup(t, models.DefaultBackupOptions())
	if len(backups) != 2 {
		t.Fatalf("CreateBackup() made %d backups, want 2", len(backups))
	}
	b := backups[1]
	if !strings.HasPrefix(b.BackupID, "ledger-backup-") || b.Status != models.BackupCompleted {
		t.Errorf("backup = %+v", b)
	}
	if b.Location != "memory://"+b.BackupID || b.SizeBytes == 0 {
		t.Errorf("Location = %q, SizeBytes = %d", b.Location, b.SizeBytes)
	}
	if b.EnvVars["TENANT"] != "acme" || b.Configuration.GetString(models.PropLoggingLevel, "") != "WARN" {
		t.Errorf("snapshot lost state: %+v", b)
	}

	again := f.backup(t, models.BackupOptions{AgentIDs: []string{"ledger"}, Backend: "local"})
	if again[0].BackupID == b.BackupID {
		t.Errorf("backup ids collide: %s", b.BackupID)
	}
	if !strings.HasSuffix(again[0].Location, ".jsonl.gz") {
		t.Errorf("local Location = %q", again[0].Location)
	}

	list, err := f.rec.ListBackups(context.Background(), "ledger")
	if err != nil {
		t.Fatalf("ListBackups() error = %v", err)
	}
	if len(list) != 2 {
		t.Errorf("ListBackups(ledger) = %d records, want 2", len(list))
	}
	if got := f.rec.Statistics().Counters[recovery.CounterBackupCreated]; got != 3 {
		t.Errorf("backups_created = %d, want 3", got)
	}
}

func TestCreateBackupErrors(t *testing.T) {
	f := newFixture(t, "ledger")

	fut, err := f.rec.CreateBackup(context.Background(), models.BackupOptions{Backend: "s3"})
	res := await(t, fut, err)
	if res.Success || res.ErrorCode != models.CodeValidation {
		t.Errorf("CreateBackup(s3) = %+v", res)
	}

	fut, err = f.rec.CreateBackup(context.Background(), models.BackupOptions{AgentIDs: []string{"ghost"}})
	res = await(t, fut, err)
	if res.Success || res.ErrorMessage != "Agent not currently deployed: ghost" {
		t.Errorf("CreateBackup(ghost) = %+v", res)
	}
}

func TestRestoreWithinRPO(t *testing.T) {
	f := newFixture(t, "ledger")
	b := f.backup(t, models.DefaultBackupOptions())[0]
	before, _ := f.deploy.GetDeployment("ledger")

	f.clock.Advance(30 * time.Minute)
	fut, err := f.rec.RestoreFromBackup(context.Background(), b.BackupID, models.DefaultRestoreOptions())
	res := await(t, fut, err)
	if !res.Success {
		t.Fatalf("RestoreFromBackup() failed: %s", res.ErrorMessage)
	}
	if res.DataLoss != 30*time.Minute {
		t.Errorf("DataLoss = %v, want 30m", res.DataLoss)
	}
	if res.Instance.InstanceID == before.InstanceID || res.Instance.PackageID != before.PackageID {
		t.Errorf("Instance = %+v", res.Instance)
	}
	if s, _ := f.deploy.GetState("ledger"); s != models.StateDeployed {
		t.Errorf("state = %s, want deployed", s)
	}
	obj := f.rec.MeetsRecoveryObjectives()
	if !obj.Met || obj.MaxDataLoss != 30*time.Minute || obj.RPO != time.Hour || obj.RTO != 4*time.Hour {
		t.Errorf("MeetsRecoveryObjectives() = %+v", obj)
	}
}

func TestRestoreOutsideRPOFails(t *testing.T) {
	f := newFixture(t, "ledger")
	b := f.backup(t, models.DefaultBackupOptions())[0]
	before, _ := f.deploy.GetDeployment("ledger")

	f.clock.Advance(61 * time.Minute)
	fut, err := f.rec.RestoreFromBackup(context.Background(), b.BackupID, models.DefaultRestoreOptions())
	res := await(t, fut, err)
	if res.Success {
		t.Fatal("RestoreFromBackup() succeeded at T+61min")
	}
	if res.ErrorCode != models.CodeRejected || res.ErrorMessage != "Backup exceeds RPO limit: 1h1m0s" {
		t.Errorf("result = %q (%s)", res.ErrorMessage, res.ErrorCode)
	}
	after, _ := f.deploy.GetDeployment("ledger")
	if after.InstanceID != before.InstanceID {
		t.Error("rejected restore replaced the instance")
	}
	if got := f.rec.Statistics().Counters[recovery.CounterRestoreFailed]; got != 1 {
		t.Errorf("restores_failed = %d", got)
	}
}

type failingCheck struct{ calls int }

func (c *failingCheck) Probe(context.Context, *models.DeployedAgent) (*models.HealthMetrics, error) {
	c.calls++
	return &models.HealthMetrics{ErrorRate: 0.5}, nil
}

func TestRestoreValidationFailureKeepsInstance(t *testing.T) {
	f := newFixture(t, "ledger")
	b := f.backup(t, models.DefaultBackupOptions())[0]
	before, _ := f.deploy.GetDeployment("ledger")

	check := &failingCheck{}
	rec := recovery.NewManager(f.deploy, f.janitor, f.pool,
		recovery.WithClock(f.clock.Now), recovery.WithHealthCheck(check))

	f.clock.Advance(20 * time.Minute)
	fut, err := rec.RestoreFromBackup(context.Background(), b.BackupID, models.DefaultRestoreOptions())
	res := await(t, fut, err)
	if !res.Success {
		t.Fatalf("RestoreFromBackup() failed: %s", res.ErrorMessage)
	}
	if res.ValidationWarning != "Agent ledger is not healthy: metrics outside limits" {
		t.Errorf("ValidationWarning = %q", res.ValidationWarning)
	}
	if check.calls != 1 {
		t.Errorf("health check calls = %d, want 1", check.calls)
	}
	after, _ := f.deploy.GetDeployment("ledger")
	if after.InstanceID == before.InstanceID || after.InstanceID != res.Instance.InstanceID {
		t.Errorf("restored instance not in service: %s", after.InstanceID)
	}
	if obj := rec.MeetsRecoveryObjectives(); obj.MaxDataLoss != 20*time.Minute {
		t.Errorf("MaxDataLoss = %v, want 20m", obj.MaxDataLoss)
	}
	stats := rec.Statistics()
	if stats.Counters[recovery.CounterRestoreSucceeded] != 1 || stats.Counters[recovery.CounterRestoreUnverified] != 1 {
		t.Errorf("counters = %v", stats.Counters)
	}

	// Without validation the check is skipped.
	fut, err = rec.RestoreFromBackup(context.Background(), b.BackupID, models.RestoreOptions{})
	res = await(t, fut, err)
	if !res.Success || res.ValidationWarning != "" || check.calls != 1 {
		t.Errorf("unvalidated restore = %+v, calls = %d", res, check.calls)
	}
}

func TestBackupRetentionSetsExpiry(t *testing.T) {
	f := newFixture(t, "ledger")

	opts := models.DefaultBackupOptions()
	opts.RetentionDays = 7
	b := f.backup(t, opts)[0]
	if want := b.BackupTime.AddDate(0, 0, 7); !b.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", b.ExpiresAt, want)
	}

	opts.RetentionDays = 0
	b = f.backup(t, opts)[0]
	if !b.ExpiresAt.IsZero() {
		t.Errorf("ExpiresAt = %v, want zero without retention", b.ExpiresAt)
	}
}

func TestRestoreUnknownBackup(t *testing.T) {
	f := newFixture(t, "ledger")
	fut, err := f.rec.RestoreFromBackup(context.Background(), "nope", models.DefaultRestoreOptions())
	res := await(t, fut, err)
	if res.Success || res.ErrorMessage != "Backup not found: nope" || res.ErrorCode != models.CodeNotFound {
		t.Errorf("result = %+v", res)
	}
}

func TestRecoveryAllStepsSucceed(t *testing.T) {
	f := newFixture(t, "billing", "ledger")
	f.backup(t, models.DefaultBackupOptions())
	f.clock.Advance(10 * time.Minute)

	fut, err := f.rec.InitiateRecovery(context.Background(), models.DisasterRecoveryOptions{
		DisasterType:   models.DisasterDataCorruption,
		AffectedAgents: []string{"ledger", "billing", "ledger"},
		FullRecovery:   true,
	})
	res := await(t, fut, err)
	if !res.Success {
		t.Fatalf("InitiateRecovery() failed: %s (steps %+v)", res.ErrorMessage, res.Steps)
	}
	if res.Severity != models.SeverityCritical {
		t.Errorf("Severity = %s", res.Severity)
	}
	want := []string{"billing", "ledger"}
	if strings.Join(res.ValidatedAgents, ",") != strings.Join(want, ",") ||
		strings.Join(res.RecoveredAgents, ",") != strings.Join(want, ",") {
		t.Errorf("validated = %v, recovered = %v", res.ValidatedAgents, res.RecoveredAgents)
	}
	if len(res.FailedAgents) != 0 {
		t.Errorf("FailedAgents = %v", res.FailedAgents)
	}
	if len(res.Steps) != 6 || res.Steps[0].Step != models.StepAssessDisaster || res.Steps[5].Step != models.StepCompleteRecovery {
		t.Errorf("Steps = %+v", res.Steps)
	}

	f.notes.mu.Lock()
	got := strings.Join(f.notes.types, ",")
	f.notes.mu.Unlock()
	if got != models.EventRecoveryStarted+","+models.EventRecoveryCompleted {
		t.Errorf("notifications = %s", got)
	}
	stats := f.rec.Statistics()
	if stats.SuccessCount != 1 || stats.Counters[recovery.CounterRecoverySucceeded] != 1 {
		t.Errorf("Statistics() = %+v", stats)
	}
}

func TestAgentFailureWithoutBackupFailsValidation(t *testing.T) {
	f := newFixture(t, "billing", "ledger")

	res := f.rec.Recover(context.Background(), models.DisasterRecoveryOptions{
		DisasterType:   models.DisasterAgentFailure,
		AffectedAgents: []string{"ledger"},
	})
	if res.Success {
		t.Fatal("Recover() succeeded with no backup to restore")
	}
	if res.ErrorMessage != "Validation failed for agents: ledger" {
		t.Errorf("ErrorMessage = %q", res.ErrorMessage)
	}
	if res.Severity != models.SeverityMedium || strings.Join(res.FailedAgents, ",") != "ledger" {
		t.Errorf("severity = %s, failed = %v", res.Severity, res.FailedAgents)
	}
	if h, _ := f.deploy.GetHealth("billing"); !h.Healthy {
		t.Error("unaffected agent was touched")
	}
	if f.rec.Statistics().FailureCount != 1 {
		t.Error("failure not recorded")
	}
}

func TestNetworkPartitionStepsRunIndependently(t *testing.T) {
	f := newFixture(t, "billing", "ledger")
	f.deploy.SetHealth(models.HealthRecord{AgentID: "ledger", Healthy: false, ErrorMessage: "Health check failed"})

	res := f.rec.Recover(context.Background(), models.DisasterRecoveryOptions{
		DisasterType:      models.DisasterNetworkPartition,
		AffectedWorkspace: "default",
	})
	if !res.Success {
		t.Fatalf("Recover() failed: %s", res.ErrorMessage)
	}
	if len(res.Steps[1].Failed) != 1 || res.Steps[1].Failed[0] != "ledger" {
		t.Errorf("first validation step = %+v", res.Steps[1])
	}
	if strings.Join(res.FailedAgents, ",") != "ledger" || len(res.ValidatedAgents) != 2 {
		t.Errorf("failed = %v, validated = %v", res.FailedAgents, res.ValidatedAgents)
	}
	if h, _ := f.deploy.GetHealth("ledger"); !h.Healthy {
		t.Error("redeploy did not restore health")
	}
}

func TestAgentFailureWithoutAgentsLeavesFleetAlone(t *testing.T) {
	f := newFixture(t, "billing", "ledger")
	before, _ := f.deploy.GetDeployment("ledger")

	for _, dt := range []models.DisasterType{models.DisasterAgentFailure, models.DisasterDataCorruption} {
		res := f.rec.Recover(context.Background(), models.DisasterRecoveryOptions{
			DisasterType:        dt,
			AffectedEnvironment: "production",
			AffectedWorkspace:   "default",
		})
		if !res.Success {
			t.Fatalf("Recover(%s) failed: %s", dt, res.ErrorMessage)
		}
		if len(res.AffectedAgents) != 0 || len(res.RecoveredAgents) != 0 || len(res.FailedAgents) != 0 {
			t.Errorf("Recover(%s) touched agents: affected = %v, recovered = %v, failed = %v",
				dt, res.AffectedAgents, res.RecoveredAgents, res.FailedAgents)
		}
	}
	if res := f.rec.Recover(context.Background(), models.DisasterRecoveryOptions{DisasterType: models.DisasterAgentFailure}); res.Severity != models.SeverityMedium {
		t.Errorf("Severity = %s, want medium", res.Severity)
	}
	for _, id := range []string{"billing", "ledger"} {
		if h, _ := f.deploy.GetHealth(id); !h.Healthy {
			t.Errorf("%s health = %+v", id, h)
		}
	}
	if after, _ := f.deploy.GetDeployment("ledger"); after.InstanceID != before.InstanceID {
		t.Error("empty recovery replaced an instance")
	}
}

func TestInfrastructureFailureTargetsEnvironment(t *testing.T) {
	f := newFixture(t, "billing", "ledger")
	// Move billing to staging; only production is down.
	inst, _ := f.deploy.GetDeployment("billing")
	snap := *inst
	snap.EnvironmentID = "staging"
	moved, err := f.deploy.RestoreInstance(context.Background(), &snap)
	if err != nil {
		t.Fatalf("RestoreInstance() error = %v", err)
	}
	ledger, _ := f.deploy.GetDeployment("ledger")

	res := f.rec.Recover(context.Background(), models.DisasterRecoveryOptions{
		DisasterType:        models.DisasterInfrastructureFailure,
		AffectedEnvironment: "production",
		AffectedAgents:      []string{"billing"},
	})
	if !res.Success {
		t.Fatalf("Recover() failed: %s", res.ErrorMessage)
	}
	if strings.Join(res.AffectedAgents, ",") != "ledger" {
		t.Errorf("AffectedAgents = %v, want [ledger]", res.AffectedAgents)
	}
	if res.Severity != models.SeverityHigh {
		t.Errorf("Severity = %s", res.Severity)
	}
	if after, _ := f.deploy.GetDeployment("billing"); after.InstanceID != moved.InstanceID {
		t.Errorf("staging agent was redeployed: %+v", after)
	}
	if after, _ := f.deploy.GetDeployment("ledger"); after.InstanceID == ledger.InstanceID {
		t.Error("production agent was not redeployed")
	}

	res = f.rec.Recover(context.Background(), models.DisasterRecoveryOptions{
		DisasterType:   models.DisasterInfrastructureFailure,
		AffectedAgents: []string{"billing", "ledger"},
	})
	if !res.Success || len(res.AffectedAgents) != 0 {
		t.Errorf("Recover(no environment) = %+v", res)
	}
}

func TestNetworkPartitionTargetsWorkspace(t *testing.T) {
	f := newFixture(t, "billing", "ledger")

	res := f.rec.Recover(context.Background(), models.DisasterRecoveryOptions{
		DisasterType:      models.DisasterNetworkPartition,
		AffectedWorkspace: "other",
		AffectedAgents:    []string{"ledger"},
	})
	if !res.Success || len(res.AffectedAgents) != 0 {
		t.Errorf("Recover(other workspace) = %+v", res)
	}

	res = f.rec.Recover(context.Background(), models.DisasterRecoveryOptions{
		DisasterType:      models.DisasterNetworkPartition,
		AffectedWorkspace: "default",
	})
	if !res.Success || strings.Join(res.AffectedAgents, ",") != "billing,ledger" {
		t.Errorf("Recover(default workspace) = %+v", res)
	}
}

func TestUnknownDisasterType(t *testing.T) {
	f := newFixture(t)
	res := f.rec.Recover(context.Background(), models.DisasterRecoveryOptions{DisasterType: "meteor"})
	if res.Success || res.ErrorCode != models.CodeValidation {
		t.Errorf("result = %+v", res)
	}
	if !strings.HasPrefix(res.ErrorMessage, "Recovery failed: ") {
		t.Errorf("ErrorMessage = %q", res.ErrorMessage)
	}
}

func TestSeverityOf(t *testing.T) {
	tests := []struct {
		disaster models.DisasterType
		affected int
		want     models.Severity
	}{
		{models.DisasterAgentFailure, 5, models.SeverityMedium},
		{models.DisasterAgentFailure, 6, models.SeverityHigh},
		{models.DisasterInfrastructureFailure, 1, models.SeverityHigh},
		{models.DisasterDataCorruption, 0, models.SeverityCritical},
		{models.DisasterNetworkPartition, 40, models.SeverityMedium},
	}
	for _, tt := range tests {
		if got := recovery.SeverityOf(tt.disaster, tt.affected); got != tt.want {
			t.Errorf("SeverityOf(%s, %d) = %s, want %s", tt.disaster, tt.affected, got, tt.want)
		}
	}
}

func TestPlanFor(t *testing.T) {
	plan, err := recovery.PlanFor(models.DisasterInfrastructureFailure, []string{"ledger"})
	if err != nil {
		t.Fatalf("PlanFor() error = %v", err)
	}
	var got []string
	for _, s := range plan.Steps {
		got = append(got, string(s.Type))
		if len(s.TargetAgents) != 1 {
			t.Errorf("step %s targets %v", s.Type, s.TargetAgents)
		}
	}
	want := "assess_disaster,notify_stakeholders,redeploy_agents,validate_health,complete_recovery"
	if strings.Join(got, ",") != want {
		t.Errorf("steps = %s", strings.Join(got, ","))
	}
}
