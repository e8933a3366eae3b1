package coordination_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/agentfleet/control-plane/internal/configuration"
	"github.com/agentoven/agentfleet/control-plane/internal/coordination"
	"github.com/agentoven/agentfleet/control-plane/internal/monitoring"
	"github.com/agentoven/agentfleet/control-plane/internal/registry"
	"github.com/agentoven/agentfleet/control-plane/internal/resolver"
	"github.com/agentoven/agentfleet/control-plane/internal/workerpool"
	"github.com/agentoven/agentfleet/control-plane/pkg/contracts"
	"github.com/agentoven/agentfleet/control-plane/pkg/models"
)

type testEngine struct {
	*coordination.Engine
	registry *registry.MemoryRegistry
	monitor  *monitoring.Monitor
}

func newTestEngine(t *testing.T, opts ...coordination.Option) *testEngine {
	t.Helper()
	reg := registry.NewMemoryRegistry(t.TempDir())
	t.Cleanup(func() { reg.Close() })
	mon := monitoring.New()
	pool := workerpool.New(4, 16)
	e := coordination.NewEngine(reg, mon, resolver.NewConflictResolver(), pool, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
	return &testEngine{Engine: e, registry: reg, monitor: mon}
}

func agent(id string, caps ...models.Capability) models.AgentDescriptor {
	return models.AgentDescriptor{
		ID:           id,
		Type:         models.AgentTypeOperationalCoordination,
		Capabilities: caps,
	}
}

func answer(guidance string, recs ...string) contracts.AgentHandler {
	return contracts.AgentHandlerFunc(func(_ context.Context, req *models.AgentRequest) (*models.AgentResponse, error) {
		return models.SuccessResponse(req.ID, guidance, recs), nil
	})
}

func failing(msg string) contracts.AgentHandler {
	return contracts.AgentHandlerFunc(func(context.Context, *models.AgentRequest) (*models.AgentResponse, error) {
		return nil, errors.New(msg)
	})
}

func (te *testEngine) mustRegister(t *testing.T, desc models.AgentDescriptor, h contracts.AgentHandler) {
	t.Helper()
	if err := te.Register(context.Background(), desc, h); err != nil {
		t.Fatalf("Register(%s) error = %v", desc.ID, err)
	}
}

func (te *testEngine) run(t *testing.T, req *models.AgentRequest) *models.CoordinationResult {
	t.Helper()
	f, err := te.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := f.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return res
}

func request(c models.Capability) *models.AgentRequest {
	return models.NewAgentRequest("guidance", "Review the order flow", c, "pos", "pos", 0)
}

func TestNoAgentsAvailable(t *testing.T) {
	te := newTestEngine(t)
	res := te.run(t, request(models.CapDataGovernance))

	if res.Success {
		t.Fatal("Success = true with no agents")
	}
	if res.ErrorMessage != "No agents available for capability: data_governance" {
		t.Errorf("ErrorMessage = %q", res.ErrorMessage)
	}
	if res.ErrorCode != models.CodeNotFound {
		t.Errorf("ErrorCode = %q, want not_found", res.ErrorCode)
	}
}

func TestUnhealthyAgentsAreNotCandidates(t *testing.T) {
	te := newTestEngine(t)
	te.mustRegister(t, agent("gov-agent", models.CapDataGovernance), answer("ok"))
	if err := te.registry.SetHealth(context.Background(), "gov-agent", false); err != nil {
		t.Fatalf("SetHealth() error = %v", err)
	}

	res := te.run(t, request(models.CapDataGovernance))
	if res.Success || res.ErrorCode != models.CodeNotFound {
		t.Errorf("result = %+v, want not_found failure", res)
	}
}

func TestRegisterRejectsDuplicatesAndUnknownCapabilities(t *testing.T) {
	te := newTestEngine(t)
	te.mustRegister(t, agent("a", models.CapDataGovernance), answer("ok"))

	err := te.Register(context.Background(), agent("a", models.CapDataGovernance), answer("ok"))
	if models.CodeOf(err) != models.CodeValidation {
		t.Errorf("duplicate Register() code = %q, want validation", models.CodeOf(err))
	}
	err = te.Register(context.Background(), agent("b", models.Capability("telepathy")), answer("ok"))
	if models.CodeOf(err) != models.CodeValidation {
		t.Errorf("unknown capability Register() code = %q, want validation", models.CodeOf(err))
	}
}

func TestDependentsArePreparedFirst(t *testing.T) {
	te := newTestEngine(t)

	var (
		mu    sync.Mutex
		preps []*models.AgentRequest
	)
	recordPrep := contracts.AgentHandlerFunc(func(_ context.Context, req *models.AgentRequest) (*models.AgentResponse, error) {
		mu.Lock()
		preps = append(preps, req)
		mu.Unlock()
		return models.SuccessResponse(req.ID, "ready", nil), nil
	})

	primary := agent("security-lead", models.CapSecurityCoordination)
	primary.Dependencies = []string{"audit-agent"}
	te.mustRegister(t, primary, answer("Issue short-lived tokens", "rotate keys"))
	te.mustRegister(t, agent("audit-agent", models.CapComplianceEnforcement), recordPrep)
	te.mustRegister(t, agent("unified-security-agent", models.CapComplianceEnforcement), recordPrep)

	req := request(models.CapSecurityCoordination)
	res := te.run(t, req)
	if !res.Success {
		t.Fatalf("Success = false: %s", res.ErrorMessage)
	}
	if res.PrimaryAgent != "security-lead" {
		t.Errorf("PrimaryAgent = %q", res.PrimaryAgent)
	}
	if len(res.DependentAgents) != 2 {
		t.Fatalf("DependentAgents = %v, want audit-agent and unified-security-agent", res.DependentAgents)
	}
	if got, want := len(res.AllResponses), 1+len(res.DependentAgents); got != want {
		t.Errorf("len(AllResponses) = %d, want %d", got, want)
	}
	if last := res.AllResponses[len(res.AllResponses)-1]; last.AgentID != "security-lead" {
		t.Errorf("last response from %q, want the primary", last.AgentID)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(preps) != 2 {
		t.Fatalf("preparation calls = %d, want 2", len(preps))
	}
	for _, p := range preps {
		if p.Type != models.RequestTypePreparation {
			t.Errorf("preparation Type = %q", p.Type)
		}
		if p.Description != "Prepare for coordination: Review the order flow" {
			t.Errorf("preparation Description = %q", p.Description)
		}
		if p.Parameters["original-request-id"] != req.ID || p.Parameters["primary-agent"] != "security-lead" {
			t.Errorf("preparation Parameters = %v", p.Parameters)
		}
		if p.Parameters["coordination-id"] == "" {
			t.Error("preparation missing coordination-id")
		}
	}
}

func TestPreparationFailureDoesNotAbort(t *testing.T) {
	te := newTestEngine(t)
	primary := agent("perf-lead", models.CapPerformanceOptimization)
	te.mustRegister(t, primary, answer("Add an index"))
	te.mustRegister(t, agent("performance-coordination-agent", models.CapMonitoringIntegration), failing("offline"))

	res := te.run(t, request(models.CapPerformanceOptimization))
	if !res.Success {
		t.Fatalf("Success = false: %s", res.ErrorMessage)
	}
	if len(res.AllResponses) != 2 {
		t.Fatalf("len(AllResponses) = %d, want 2", len(res.AllResponses))
	}
	prep := res.AllResponses[0]
	if prep.Success || prep.ErrorMessage != "Preparation failed: offline" {
		t.Errorf("preparation response = %+v", prep)
	}
	if res.ResolvedResponse.Guidance != "Add an index" {
		t.Errorf("ResolvedResponse.Guidance = %q", res.ResolvedResponse.Guidance)
	}
}

func TestPrimaryFailureCollapsesWorkflow(t *testing.T) {
	te := newTestEngine(t)
	te.mustRegister(t, agent("gov-agent", models.CapDataGovernance), failing("boom"))

	res := te.run(t, request(models.CapDataGovernance))
	if res.Success {
		t.Fatal("Success = true after primary failure")
	}
	if res.ErrorMessage != "Coordination failed: boom" {
		t.Errorf("ErrorMessage = %q", res.ErrorMessage)
	}
	if res.ErrorCode != models.CodeExecution {
		t.Errorf("ErrorCode = %q, want execution", res.ErrorCode)
	}
	if s := te.monitor.Summary(); s.TotalRequests != 1 || s.SuccessfulRequests != 0 {
		t.Errorf("monitor summary = %+v, want one failed request", s)
	}
}

func TestSuccessHistoryShiftsSelection(t *testing.T) {
	te := newTestEngine(t)

	var calls sync.Map
	flaky := contracts.AgentHandlerFunc(func(_ context.Context, req *models.AgentRequest) (*models.AgentResponse, error) {
		if _, seen := calls.LoadOrStore("agent-a", true); !seen {
			return nil, errors.New("cold start")
		}
		return models.SuccessResponse(req.ID, "a", nil), nil
	})
	te.mustRegister(t, agent("agent-a", models.CapDataIntegration), flaky)
	te.mustRegister(t, agent("agent-b", models.CapDataIntegration), answer("b"))

	// Equal scores: the lower id wins and fails.
	first := te.run(t, request(models.CapDataIntegration))
	if first.PrimaryAgent != "agent-a" || first.Success {
		t.Fatalf("first = primary %q success %v, want failing agent-a", first.PrimaryAgent, first.Success)
	}

	second := te.run(t, request(models.CapDataIntegration))
	if second.PrimaryAgent != "agent-b" {
		t.Errorf("second primary = %q, want agent-b after agent-a failed", second.PrimaryAgent)
	}

	stats := te.Statistics(context.Background())
	if stats.TotalCoordinations != 2 || stats.SuccessfulCoordinations != 1 {
		t.Errorf("Statistics() = %+v", stats)
	}
	for _, m := range stats.Agents {
		if m.AgentID == "agent-a" && m.SuccessRate != 0 {
			t.Errorf("agent-a SuccessRate = %v, want 0", m.SuccessRate)
		}
	}
}

func TestScore(t *testing.T) {
	req := request(models.CapDataIntegration)
	a := agent("a", models.CapDataIntegration)

	if coordination.Score(&a, req, 0.9) <= coordination.Score(&a, req, 0.5) {
		t.Error("agent at 0.9 should outscore the same agent at 0.5")
	}
	prev := -1
	for i := 0; i <= 10; i++ {
		s := coordination.Score(&a, req, float64(i)/10)
		if s < prev {
			t.Errorf("Score not monotonic at rate %.1f: %d < %d", float64(i)/10, s, prev)
		}
		prev = s
	}

	// 50 + 30 + 20 (primary) + 10 (performance)
	if got := coordination.Score(&a, req, 1.0); got != 110 {
		t.Errorf("Score(primary, 1.0) = %d, want 110", got)
	}

	secondary := agent("s", models.CapMonitoringIntegration, models.CapDataIntegration)
	if got := coordination.Score(&secondary, req, 1.0); got != 100 {
		t.Errorf("Score(secondary, 1.0) = %d, want 100", got)
	}

	lacking := agent("l", models.CapMonitoringIntegration)
	if got := coordination.Score(&lacking, req, 1.0); got != 10 {
		t.Errorf("Score(lacking, 1.0) = %d, want 10", got)
	}

	cross := models.NewAgentRequest("guidance", "d", models.CapDataIntegration, "pos", "crm", 5)
	bridge := agent("b", models.CapDataIntegration)
	bridge.Type = models.AgentTypeTechnologyBridge
	if got := coordination.Score(&bridge, cross, 1.0); got != 130 {
		t.Errorf("Score(bridge, cross-project) = %d, want 130", got)
	}
}

func TestResponseTimeoutFromConfiguration(t *testing.T) {
	cfg := configuration.NewProvider()
	if err := cfg.SetAgent("slow-agent", configuration.Props{models.PropResponseTimeout: 50}); err != nil {
		t.Fatalf("SetAgent() error = %v", err)
	}
	te := newTestEngine(t, coordination.WithConfiguration(cfg, "default", ""))

	slow := contracts.AgentHandlerFunc(func(ctx context.Context, req *models.AgentRequest) (*models.AgentResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	te.mustRegister(t, agent("slow-agent", models.CapTestingCoordination), slow)

	start := time.Now()
	res := te.run(t, request(models.CapTestingCoordination))
	if res.Success {
		t.Fatal("Success = true for a timed-out primary")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("coordination took %v, want the 50ms agent timeout to apply", elapsed)
	}
}

func TestPoolFullRejectsSubmission(t *testing.T) {
	reg := registry.NewMemoryRegistry(t.TempDir())
	t.Cleanup(func() { reg.Close() })
	e := coordination.NewEngine(reg, monitoring.New(), nil, workerpool.New(1, 0))

	release := make(chan struct{})
	blocking := contracts.AgentHandlerFunc(func(_ context.Context, req *models.AgentRequest) (*models.AgentResponse, error) {
		<-release
		return models.SuccessResponse(req.ID, "done", nil), nil
	})
	if err := e.Register(context.Background(), agent("busy", models.CapWorkflowCoordination), blocking); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	id, f, err := e.Enqueue(context.Background(), request(models.CapWorkflowCoordination))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := e.Submit(context.Background(), request(models.CapWorkflowCoordination)); !errors.Is(err, workerpool.ErrPoolFull) {
		t.Errorf("Submit() error = %v, want ErrPoolFull", err)
	}

	close(release)
	res, err := f.Get()
	if err != nil || !res.Success {
		t.Fatalf("first coordination = %+v, %v", res, err)
	}
	if res.CoordinationID != id {
		t.Errorf("CoordinationID = %q, want %q", res.CoordinationID, id)
	}
	if got, ok := e.Lookup(id); !ok || got != f {
		t.Error("Lookup() did not return the submitted coordination")
	}
	e.Shutdown(context.Background())
}

func TestConflictingResponsesAreResolved(t *testing.T) {
	te := newTestEngine(t)
	primary := agent("stack-lead", models.CapFullStackIntegration)
	primary.Dependencies = []string{"db-agent"}
	te.mustRegister(t, primary, answer("Store it in PostgreSQL"))
	te.mustRegister(t, agent("db-agent", models.CapDataIntegration), answer("Store it in MongoDB"))

	res := te.run(t, request(models.CapFullStackIntegration))
	if !res.Success {
		t.Fatalf("Success = false: %s", res.ErrorMessage)
	}
	if got := res.ResolvedResponse.Metadata["coordination-type"]; got != "conflict-resolved" {
		t.Errorf("coordination-type = %q, want conflict-resolved", got)
	}
}
