package deployment_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentoven/agentfleet/control-plane/internal/configuration"
	"github.com/agentoven/agentfleet/control-plane/internal/deployment"
	"github.com/agentoven/agentfleet/control-plane/internal/policy"
	"github.com/agentoven/agentfleet/control-plane/internal/registry"
	"github.com/agentoven/agentfleet/control-plane/internal/workerpool"
	"github.com/agentoven/agentfleet/control-plane/pkg/models"
)

func newTestManager(t *testing.T, opts ...deployment.Option) (*deployment.Manager, *registry.MemoryRegistry) {
	t.Helper()
	reg := registry.NewMemoryRegistry(t.TempDir())
	t.Cleanup(func() { reg.Close() })
	pool := workerpool.New(4, 16)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Close(ctx)
	})
	return deployment.NewManager(reg, configuration.NewProvider(), pool, opts...), reg
}

func registerAgent(t *testing.T, reg *registry.MemoryRegistry, id string, deps ...string) {
	t.Helper()
	desc := &models.AgentDescriptor{
		ID:           id,
		Type:         models.AgentTypeWorkspaceCoordination,
		Capabilities: []models.Capability{models.CapDataIntegration, models.CapWorkflowCoordination},
		Dependencies: deps,
	}
	if err := reg.RegisterAgent(context.Background(), desc); err != nil {
		t.Fatalf("RegisterAgent(%s) error = %v", id, err)
	}
}

func wait[T any](t *testing.T, f *workerpool.Future[T], err error) T {
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

func mustPackage(t *testing.T, m *deployment.Manager, agentID string, opts models.PackagingOptions) *models.AgentPackage {
	t.Helper()
	f, err := m.PackageAgent(context.Background(), agentID, opts)
	res := wait(t, f, err)
	if !res.Success {
		t.Fatalf("PackageAgent(%s) failed: %s", agentID, res.ErrorMessage)
	}
	return res.Package
}

func mustDeploy(t *testing.T, m *deployment.Manager, pkgID, ws, env string, opts models.DeploymentOptions) *models.DeployedAgent {
	t.Helper()
	f, err := m.DeployAgent(context.Background(), pkgID, ws, env, opts)
	res := wait(t, f, err)
	if !res.Success {
		t.Fatalf("DeployAgent(%s) failed: %s", pkgID, res.ErrorMessage)
	}
	return res.Instance
}

func TestPackageAgent(t *testing.T) {
	m, reg := newTestManager(t)
	registerAgent(t, reg, "bridge", "auth-agent")

	pkg := mustPackage(t, m, "bridge", models.PackagingOptions{IncludeDebugInfo: true})

	if !strings.HasPrefix(pkg.PackageID, "bridge-") {
		t.Errorf("PackageID = %q, want bridge-<millis>", pkg.PackageID)
	}
	if pkg.Version != "1.0.0" {
		t.Errorf("Version = %q, want 1.0.0", pkg.Version)
	}
	if len(pkg.Checksum) != 16 || pkg.Checksum != deployment.Checksum(pkg) {
		t.Errorf("Checksum = %q", pkg.Checksum)
	}
	if want := int64(1<<20 + 2*100<<10 + 50<<10); pkg.SizeBytes != want {
		t.Errorf("SizeBytes = %d, want %d", pkg.SizeBytes, want)
	}
	if pkg.Requirements != models.RequirementsFor(models.AgentTypeWorkspaceCoordination) {
		t.Errorf("Requirements = %+v", pkg.Requirements)
	}
	if pkg.Metadata["debug-info"] != "true" {
		t.Errorf("Metadata = %v, want debug-info", pkg.Metadata)
	}

	got, ok := m.GetPackage(pkg.PackageID)
	if !ok || got.Checksum != pkg.Checksum {
		t.Errorf("GetPackage() = %+v, %v", got, ok)
	}
}

func TestPackageVersionFromMetadata(t *testing.T) {
	m, reg := newTestManager(t)
	registerAgent(t, reg, "bridge")

	pkg := mustPackage(t, m, "bridge", models.PackagingOptions{Metadata: map[string]string{"version": "2.3.4"}})
	if pkg.Version != "2.3.4" {
		t.Errorf("Version = %q, want 2.3.4", pkg.Version)
	}

	f, err := m.PackageAgent(context.Background(), "bridge", models.PackagingOptions{Version: "v2"})
	res := wait(t, f, err)
	if res.Success || res.ErrorCode != models.CodeValidation {
		t.Errorf("PackageAgent(v2) = %+v, want validation failure", res)
	}
}

func TestPackageUnknownAgent(t *testing.T) {
	m, _ := newTestManager(t)
	f, err := m.PackageAgent(context.Background(), "ghost", models.DefaultPackagingOptions())
	res := wait(t, f, err)
	if res.Success {
		t.Fatal("PackageAgent(ghost) succeeded")
	}
	if res.ErrorCode != models.CodeNotFound || res.ErrorMessage != "Agent not found: ghost" {
		t.Errorf("result = %q (%s)", res.ErrorMessage, res.ErrorCode)
	}
}

func TestDeployDevelopmentConfiguration(t *testing.T) {
	m, reg := newTestManager(t)
	registerAgent(t, reg, "bridge")
	pkg := mustPackage(t, m, "bridge", models.DefaultPackagingOptions())

	inst := mustDeploy(t, m, pkg.PackageID, "default", "development", models.DefaultDeploymentOptions())

	if inst.State != models.StateDeployed || inst.InstanceID == "" {
		t.Errorf("instance = %+v", inst)
	}
	if got := inst.Configuration.GetString(models.PropLoggingLevel, ""); got != "DEBUG" {
		t.Errorf("logging.level = %q, want DEBUG", got)
	}
	if got := inst.Configuration.GetInt(models.PropResponseTimeout, 0); got != 3000 {
		t.Errorf("performance.response.timeout = %d, want 3000", got)
	}
	if h, ok := m.GetHealth("bridge"); !ok || !h.Healthy {
		t.Errorf("GetHealth() = %+v, %v", h, ok)
	}
	if !m.IsMonitored("bridge") {
		t.Error("deployed agent is not monitored")
	}
}

func TestDeployMissingWorkspace(t *testing.T) {
	m, reg := newTestManager(t)
	registerAgent(t, reg, "bridge")
	pkg := mustPackage(t, m, "bridge", models.DefaultPackagingOptions())

	f, err := m.DeployAgent(context.Background(), pkg.PackageID, "nope", "development", models.DefaultDeploymentOptions())
	res := wait(t, f, err)
	if res.Success {
		t.Fatal("DeployAgent() succeeded with unknown workspace")
	}
	if res.ErrorMessage != "Deployment failed: Workspace configuration not found: nope" {
		t.Errorf("ErrorMessage = %q", res.ErrorMessage)
	}
	if st, _ := m.GetState("bridge"); st != models.StateFailed {
		t.Errorf("state = %q, want failed", st)
	}

	// failed -> deploying is legal, so a corrected deploy recovers.
	mustDeploy(t, m, pkg.PackageID, "default", "development", models.DefaultDeploymentOptions())
	if st, _ := m.GetState("bridge"); st != models.StateDeployed {
		t.Errorf("state = %q, want deployed", st)
	}
}

func TestDeployUnknownPackage(t *testing.T) {
	m, _ := newTestManager(t)
	f, err := m.DeployAgent(context.Background(), "missing-1", "default", "development", models.DefaultDeploymentOptions())
	res := wait(t, f, err)
	if res.Success || res.ErrorCode != models.CodeNotFound {
		t.Errorf("result = %+v, want not_found", res)
	}
}

func TestEmptyTargetSetIsCompatible(t *testing.T) {
	m, reg := newTestManager(t)
	registerAgent(t, reg, "anywhere")
	registerAgent(t, reg, "prod-only")

	open := mustPackage(t, m, "anywhere", models.PackagingOptions{})
	mustDeploy(t, m, open.PackageID, "default", "staging", models.DeploymentOptions{})

	pinned := mustPackage(t, m, "prod-only", models.PackagingOptions{TargetEnvironments: []string{"production"}})
	f, err := m.DeployAgent(context.Background(), pinned.PackageID, "default", "development", models.DeploymentOptions{})
	res := wait(t, f, err)
	if res.Success || res.ErrorCode != models.CodeValidation {
		t.Errorf("DeployAgent(incompatible) = %+v, want validation failure", res)
	}
}

func TestLifecycleTakesOnlyLegalEdges(t *testing.T) {
	m, reg := newTestManager(t)
	registerAgent(t, reg, "bridge")
	ctx := context.Background()

	v1 := mustPackage(t, m, "bridge", models.PackagingOptions{})
	v2 := mustPackage(t, m, "bridge", models.PackagingOptions{Version: "1.1.0"})
	mustDeploy(t, m, v1.PackageID, "default", "staging", models.DefaultDeploymentOptions())

	f, err := m.UpdateAgent(ctx, "bridge", v2.PackageID, models.DefaultUpdateOptions())
	if up := wait(t, f, err); !up.Success {
		t.Fatalf("UpdateAgent() failed: %s", up.ErrorMessage)
	}
	uf, err := m.UninstallAgent(ctx, "bridge", models.DefaultUninstallOptions())
	if un := wait(t, uf, err); !un.Success {
		t.Fatalf("UninstallAgent() failed: %s", un.ErrorMessage)
	}

	want := []models.DeploymentState{
		models.StateDeploying, models.StateDeployed,
		models.StateUpdating, models.StateDeployed,
		models.StateUninstalling,
	}
	got := m.Transitions("bridge")
	if len(got) != len(want) {
		t.Fatalf("len(Transitions()) = %d, want %d: %+v", len(got), len(want), got)
	}
	for i, tr := range got {
		if !models.CanTransition(tr.From, tr.To) {
			t.Errorf("illegal edge %q -> %q", tr.From, tr.To)
		}
		if tr.To != want[i] {
			t.Errorf("transition %d to %q, want %q", i, tr.To, want[i])
		}
	}

	if _, ok := m.GetDeployment("bridge"); ok {
		t.Error("instance survived uninstall")
	}
	if _, ok := m.GetState("bridge"); ok {
		t.Error("state survived uninstall")
	}
	if _, err := reg.GetRegisteredAgent(ctx, "bridge"); models.CodeOf(err) != models.CodeNotFound {
		t.Errorf("registry entry survived uninstall: %v", err)
	}
}

func TestRedeployLiveAgentKeepsState(t *testing.T) {
	m, reg := newTestManager(t)
	registerAgent(t, reg, "bridge")
	pkg := mustPackage(t, m, "bridge", models.PackagingOptions{})

	first := mustDeploy(t, m, pkg.PackageID, "default", "staging", models.DefaultDeploymentOptions())
	second := mustDeploy(t, m, pkg.PackageID, "default", "production", models.DefaultDeploymentOptions())

	if first.InstanceID == second.InstanceID {
		t.Error("redeploy reused the instance id")
	}
	if n := len(m.Transitions("bridge")); n != 2 {
		t.Errorf("len(Transitions()) = %d, want 2", n)
	}
	if got := m.InstancesIn("production"); len(got) != 1 || got[0].AgentID != "bridge" {
		t.Errorf("InstancesIn(production) = %+v", got)
	}
}

func TestFailedLiveRedeployKeepsInstance(t *testing.T) {
	m, reg := newTestManager(t)
	registerAgent(t, reg, "bridge")
	pkg := mustPackage(t, m, "bridge", models.PackagingOptions{})
	inst := mustDeploy(t, m, pkg.PackageID, "default", "staging", models.DefaultDeploymentOptions())

	f, err := m.DeployAgent(context.Background(), pkg.PackageID, "default", "mars", models.DefaultDeploymentOptions())
	res := wait(t, f, err)
	if res.Success || !res.RolledBack {
		t.Errorf("result = %+v, want rolled back failure", res)
	}
	cur, ok := m.GetDeployment("bridge")
	if !ok || cur.InstanceID != inst.InstanceID {
		t.Errorf("GetDeployment() = %+v, want original instance", cur)
	}
	if st, _ := m.GetState("bridge"); st != models.StateDeployed {
		t.Errorf("state = %q, want deployed", st)
	}
}

func TestUpdateAgent(t *testing.T) {
	m, reg := newTestManager(t)
	registerAgent(t, reg, "bridge")
	v1 := mustPackage(t, m, "bridge", models.PackagingOptions{})
	v2 := mustPackage(t, m, "bridge", models.PackagingOptions{Version: "1.1.0"})
	orig := mustDeploy(t, m, v1.PackageID, "default", "staging", models.DefaultDeploymentOptions())

	f, err := m.UpdateAgent(context.Background(), "bridge", v2.PackageID, models.DefaultUpdateOptions())
	res := wait(t, f, err)
	if !res.Success {
		t.Fatalf("UpdateAgent() failed: %s", res.ErrorMessage)
	}
	if res.Instance.Version != "1.1.0" || res.Instance.PackageID != v2.PackageID {
		t.Errorf("instance = %+v", res.Instance)
	}
	if !res.Instance.DeployedAt.Equal(orig.DeployedAt) || res.Instance.EnvironmentID != "staging" {
		t.Errorf("update did not preserve placement: %+v", res.Instance)
	}
	if res.Backup == nil || !strings.HasPrefix(res.Backup.InstanceID, "bridge-backup-") || res.Backup.Version != "1.0.0" {
		t.Fatalf("Backup = %+v", res.Backup)
	}

	rf, err := m.Redeploy(context.Background(), res.Backup)
	back := wait(t, rf, err)
	if !back.Success || back.Instance.Version != "1.0.0" {
		t.Errorf("Redeploy() = %+v", back)
	}
	if back.Instance.InstanceID == res.Backup.InstanceID {
		t.Error("Redeploy() reused the backup id")
	}
}

func TestUpdateErrors(t *testing.T) {
	m, reg := newTestManager(t)
	registerAgent(t, reg, "bridge")
	pkg := mustPackage(t, m, "bridge", models.PackagingOptions{})
	ctx := context.Background()

	f, err := m.UpdateAgent(ctx, "bridge", pkg.PackageID, models.DefaultUpdateOptions())
	res := wait(t, f, err)
	if res.ErrorMessage != "Agent not currently deployed: bridge" {
		t.Errorf("ErrorMessage = %q", res.ErrorMessage)
	}

	mustDeploy(t, m, pkg.PackageID, "default", "staging", models.DefaultDeploymentOptions())
	f, err = m.UpdateAgent(ctx, "bridge", "bridge-0", models.DefaultUpdateOptions())
	res = wait(t, f, err)
	if res.ErrorMessage != "New package not found: bridge-0" || res.ErrorCode != models.CodeNotFound {
		t.Errorf("result = %q (%s)", res.ErrorMessage, res.ErrorCode)
	}
}

func TestUninstallNotDeployed(t *testing.T) {
	m, _ := newTestManager(t)
	f, err := m.UninstallAgent(context.Background(), "ghost", models.DefaultUninstallOptions())
	res := wait(t, f, err)
	if res.Success || res.ErrorMessage != "Agent not deployed: ghost" {
		t.Errorf("result = %+v", res)
	}
}

func TestPolicyDeniesPreReleaseInProduction(t *testing.T) {
	ctx := context.Background()
	eng, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	m, reg := newTestManager(t, deployment.WithPolicy(eng))
	registerAgent(t, reg, "bridge")
	pkg := mustPackage(t, m, "bridge", models.PackagingOptions{Version: "0.9.0"})

	f, err := m.DeployAgent(ctx, pkg.PackageID, "default", "production", models.DefaultDeploymentOptions())
	res := wait(t, f, err)
	if res.Success || res.ErrorCode != models.CodePolicyDenied {
		t.Errorf("result = %+v, want policy_denied", res)
	}

	mustDeploy(t, m, pkg.PackageID, "default", "development", models.DefaultDeploymentOptions())
}

func TestStopAndRestoreInstance(t *testing.T) {
	m, reg := newTestManager(t)
	registerAgent(t, reg, "bridge")
	pkg := mustPackage(t, m, "bridge", models.PackagingOptions{})
	inst := mustDeploy(t, m, pkg.PackageID, "default", "staging", models.DefaultDeploymentOptions())

	if err := m.StopAgent("bridge"); err != nil {
		t.Fatalf("StopAgent() error = %v", err)
	}
	if h, _ := m.GetHealth("bridge"); h.Healthy {
		t.Error("stopped agent still healthy")
	}
	if m.IsMonitored("bridge") {
		t.Error("stopped agent still monitored")
	}

	restored, err := m.RestoreInstance(context.Background(), inst)
	if err != nil {
		t.Fatalf("RestoreInstance() error = %v", err)
	}
	if restored.InstanceID == inst.InstanceID {
		t.Error("RestoreInstance() reused the instance id")
	}
	if h, _ := m.GetHealth("bridge"); !h.Healthy {
		t.Error("restored agent not healthy")
	}
	if err := m.StopAgent("ghost"); models.CodeOf(err) != models.CodeNotFound {
		t.Errorf("StopAgent(ghost) error = %v", err)
	}
}

func TestSetHealthReportsPrevious(t *testing.T) {
	m, reg := newTestManager(t)
	registerAgent(t, reg, "bridge")
	pkg := mustPackage(t, m, "bridge", models.PackagingOptions{})
	mustDeploy(t, m, pkg.PackageID, "default", "staging", models.DefaultDeploymentOptions())

	was, ok := m.SetHealth(models.HealthRecord{AgentID: "bridge", Healthy: false, ErrorMessage: "Health check failed"})
	if !ok || !was {
		t.Errorf("SetHealth() = %v, %v, want true, true", was, ok)
	}
	was, _ = m.SetHealth(models.HealthRecord{AgentID: "bridge", Healthy: false})
	if was {
		t.Error("SetHealth() reported healthy after an unhealthy record")
	}
	if _, ok := m.SetHealth(models.HealthRecord{AgentID: "ghost"}); ok {
		t.Error("SetHealth(ghost) stored a record")
	}
}

func TestStatistics(t *testing.T) {
	m, reg := newTestManager(t)
	registerAgent(t, reg, "bridge")
	pkg := mustPackage(t, m, "bridge", models.PackagingOptions{})
	mustDeploy(t, m, pkg.PackageID, "default", "staging", models.DefaultDeploymentOptions())
	f, err := m.DeployAgent(context.Background(), "missing-1", "default", "staging", models.DefaultDeploymentOptions())
	wait(t, f, err)

	s := m.Statistics()
	if s.PackagingAttempts != 1 || s.PackagingSuccesses != 1 {
		t.Errorf("packaging = %d/%d", s.PackagingSuccesses, s.PackagingAttempts)
	}
	if s.DeploymentAttempts != 2 || s.DeploymentSuccesses != 1 {
		t.Errorf("deployment = %d/%d", s.DeploymentSuccesses, s.DeploymentAttempts)
	}
	if s.ActiveDeployments != 1 || s.Packages != 1 {
		t.Errorf("active = %d packages = %d", s.ActiveDeployments, s.Packages)
	}
	if s.MeetsPerformanceRequirements() {
		t.Error("50% deploy success meets requirements")
	}
}

// gatedConfig holds GetEffectiveConfiguration until release is closed, once
// armed is set.
type gatedConfig struct {
	*configuration.Provider
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedConfig) GetEffectiveConfiguration(ctx context.Context, agentID, workspaceID, environmentID string) (*models.EffectiveConfiguration, error) {
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.Provider.GetEffectiveConfiguration(ctx, agentID, workspaceID, environmentID)
}

func newGatedManager(t *testing.T) (*deployment.Manager, *registry.MemoryRegistry, *gatedConfig) {
	t.Helper()
	reg := registry.NewMemoryRegistry(t.TempDir())
	t.Cleanup(func() { reg.Close() })
	pool := workerpool.New(4, 16)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Close(ctx)
	})
	g := &gatedConfig{
		Provider: configuration.NewProvider(),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	return deployment.NewManager(reg, g, pool), reg, g
}

func TestUninstallDuringLiveRedeploy(t *testing.T) {
	m, reg, gate := newGatedManager(t)
	registerAgent(t, reg, "bridge")
	pkg := mustPackage(t, m, "bridge", models.PackagingOptions{})
	mustDeploy(t, m, pkg.PackageID, "default", "staging", models.DefaultDeploymentOptions())
	ctx := context.Background()

	gate.armed.Store(true)
	redeploy, err := m.DeployAgent(ctx, pkg.PackageID, "default", "production", models.DefaultDeploymentOptions())
	if err != nil {
		t.Fatalf("DeployAgent() error = %v", err)
	}
	<-gate.entered

	uf, err := m.UninstallAgent(ctx, "bridge", models.UninstallOptions{})
	if un := wait(t, uf, err); !un.Success {
		t.Fatalf("UninstallAgent() failed: %s", un.ErrorMessage)
	}
	close(gate.release)

	res := wait(t, redeploy, nil)
	if res.Success || res.ErrorCode != models.CodeRejected {
		t.Errorf("redeploy = %+v, want rejected", res)
	}
	if inst, ok := m.GetDeployment("bridge"); ok {
		t.Errorf("uninstalled agent came back: %+v", inst)
	}
	if st, ok := m.GetState("bridge"); ok {
		t.Errorf("state = %q after uninstall", st)
	}
	if m.IsMonitored("bridge") {
		t.Error("uninstalled agent is monitored")
	}
}

func TestForceUninstallDuringFirstDeploy(t *testing.T) {
	m, reg, gate := newGatedManager(t)
	registerAgent(t, reg, "bridge")
	pkg := mustPackage(t, m, "bridge", models.PackagingOptions{})
	ctx := context.Background()

	var removed []string
	m.OnUnmonitored = func(agentID string) { removed = append(removed, agentID) }

	gate.armed.Store(true)
	deploy, err := m.DeployAgent(ctx, pkg.PackageID, "default", "staging", models.DefaultDeploymentOptions())
	if err != nil {
		t.Fatalf("DeployAgent() error = %v", err)
	}
	<-gate.entered

	uf, err := m.UninstallAgent(ctx, "bridge", models.UninstallOptions{})
	if un := wait(t, uf, err); un.Success || un.ErrorCode != models.CodeNotFound {
		t.Errorf("unforced uninstall = %+v, want not_found", un)
	}
	uf, err = m.UninstallAgent(ctx, "bridge", models.UninstallOptions{Force: true})
	if un := wait(t, uf, err); !un.Success {
		t.Fatalf("forced uninstall failed: %s", un.ErrorMessage)
	}
	close(gate.release)

	if res := wait(t, deploy, nil); res.Success {
		t.Errorf("deploy = %+v, want failure after forced uninstall", res)
	}
	if _, ok := m.GetState("bridge"); ok {
		t.Error("state survived forced uninstall")
	}
	if _, ok := m.GetDeployment("bridge"); ok {
		t.Error("instance appeared after forced uninstall")
	}
	want := []models.DeploymentState{models.StateDeploying, models.StateFailed, models.StateUninstalling}
	got := m.Transitions("bridge")
	if len(got) != len(want) {
		t.Fatalf("Transitions() = %+v", got)
	}
	for i, tr := range got {
		if tr.To != want[i] || !models.CanTransition(tr.From, tr.To) {
			t.Errorf("transition %d = %q -> %q", i, tr.From, tr.To)
		}
	}
	if len(removed) != 1 || removed[0] != "bridge" {
		t.Errorf("OnUnmonitored calls = %v", removed)
	}
}

func TestUninstallCleanupResources(t *testing.T) {
	m, reg := newTestManager(t)
	registerAgent(t, reg, "bridge")
	registerAgent(t, reg, "other")
	ctx := context.Background()

	v1 := mustPackage(t, m, "bridge", models.PackagingOptions{})
	mustPackage(t, m, "bridge", models.PackagingOptions{Version: "1.1.0"})
	mustPackage(t, m, "other", models.PackagingOptions{})
	mustDeploy(t, m, v1.PackageID, "default", "staging", models.DefaultDeploymentOptions())

	f, err := m.UninstallAgent(ctx, "bridge", models.UninstallOptions{CleanupResources: true})
	if res := wait(t, f, err); !res.Success {
		t.Fatalf("UninstallAgent() failed: %s", res.ErrorMessage)
	}
	if pkgs := m.ListPackages("bridge"); len(pkgs) != 0 {
		t.Errorf("ListPackages(bridge) = %d packages after cleanup", len(pkgs))
	}
	if pkgs := m.ListPackages("other"); len(pkgs) != 1 {
		t.Errorf("ListPackages(other) = %d packages, want 1", len(pkgs))
	}

	// Without cleanup the packages stay for a later redeploy.
	v2 := mustPackage(t, m, "bridge", models.PackagingOptions{})
	mustDeploy(t, m, v2.PackageID, "default", "staging", models.DefaultDeploymentOptions())
	f, err = m.UninstallAgent(ctx, "bridge", models.UninstallOptions{})
	if res := wait(t, f, err); !res.Success {
		t.Fatalf("UninstallAgent() failed: %s", res.ErrorMessage)
	}
	if _, ok := m.GetPackage(v2.PackageID); !ok {
		t.Error("package removed without CleanupResources")
	}
}

func TestDeployRecordsHealthCheckInterval(t *testing.T) {
	m, reg := newTestManager(t)
	registerAgent(t, reg, "bridge")
	pkg := mustPackage(t, m, "bridge", models.PackagingOptions{})

	opts := models.DefaultDeploymentOptions()
	opts.HealthCheckInterval = 2 * time.Minute
	if inst := mustDeploy(t, m, pkg.PackageID, "default", "staging", opts); inst.HealthCheckInterval != 2*time.Minute {
		t.Errorf("HealthCheckInterval = %v, want 2m", inst.HealthCheckInterval)
	}

	opts.EnableHealthChecks = false
	if inst := mustDeploy(t, m, pkg.PackageID, "default", "staging", opts); inst.HealthCheckInterval != 0 {
		t.Errorf("HealthCheckInterval = %v without health checks", inst.HealthCheckInterval)
	}
}
