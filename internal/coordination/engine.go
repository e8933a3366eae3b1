// Package coordination routes requests to the best-fit agent and runs the
// coordination workflow around it.
//
// For every request the engine:
//  1. Picks candidates: healthy agents declaring the required capability
//  2. Scores them and selects a primary (ties go to the lowest agent id)
//  3. Collects dependents from static dependencies and matching rules
//  4. Prepares dependents concurrently, then runs the primary
//  5. Reconciles all responses through the conflict resolver
//
// Coordinations run on the shared worker pool and are returned as futures.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentoven/agentfleet/control-plane/internal/resolver"
	"github.com/agentoven/agentfleet/control-plane/internal/workerpool"
	"github.com/agentoven/agentfleet/control-plane/pkg/contracts"
	"github.com/agentoven/agentfleet/control-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("agentfleet-coordination")

// Scoring weights.
const (
	baseCapabilityScore  = 50
	successRateWeight    = 30
	primaryBonus         = 20
	secondaryBonus       = 10
	maxCapabilityScore   = 100
	crossProjectBonus    = 20
	performanceWeight    = 10
	defaultResultHistory = 1000
)

// Result is a submitted coordination.
type Result = workerpool.Future[*models.CoordinationResult]

// Option customises an Engine.
type Option func(*Engine)

// WithConfiguration resolves per-agent response timeouts from cfg using the
// given workspace and environment.
func WithConfiguration(cfg contracts.ConfigurationProvider, workspaceID, environmentID string) Option {
	return func(e *Engine) {
		e.config = cfg
		e.workspaceID = workspaceID
		e.environmentID = environmentID
	}
}

// WithResultHistory bounds how many submitted coordinations stay queryable.
func WithResultHistory(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historyLimit = n
		}
	}
}

// Engine coordinates requests across registered agents.
type Engine struct {
	registry contracts.AgentRegistry
	perf     contracts.PerformanceMonitor
	resolver *resolver.ConflictResolver
	pool     *workerpool.Pool
	rules    *RuleSet

	config        contracts.ConfigurationProvider
	workspaceID   string
	environmentID string

	mu       sync.RWMutex
	handlers map[string]contracts.AgentHandler
	metrics  map[string]*Metrics

	resultsMu    sync.Mutex
	results      map[string]*Result
	resultOrder  []string
	historyLimit int

	total      atomic.Int64
	successful atomic.Int64
	inFlight   atomic.Int64
}

// NewEngine creates an engine with the default rules installed.
func NewEngine(reg contracts.AgentRegistry, perf contracts.PerformanceMonitor, res *resolver.ConflictResolver, pool *workerpool.Pool, opts ...Option) *Engine {
	if res == nil {
		res = resolver.NewConflictResolver()
	}
	e := &Engine{
		registry:     reg,
		perf:         perf,
		resolver:     res,
		pool:         pool,
		rules:        NewRuleSet(),
		handlers:     make(map[string]contracts.AgentHandler),
		metrics:      make(map[string]*Metrics),
		results:      make(map[string]*Result),
		historyLimit: defaultResultHistory,
	}
	for _, o := range opts {
		o(e)
	}
	for _, spec := range DefaultRules() {
		if _, err := e.rules.Add(spec); err != nil {
			// Default rules are static; a failure here is a programming error.
			panic(fmt.Sprintf("default coordination rule %s: %v", spec.ID, err))
		}
	}
	return e
}

// ── Registration ────────────────────────────────────────────

// Register stores desc in the registry and keeps h for invocation. Agents
// start healthy; the health monitor takes over from there.
func (e *Engine) Register(ctx context.Context, desc models.AgentDescriptor, h contracts.AgentHandler) error {
	desc.Healthy = true
	if err := desc.Validate(); err != nil {
		return err
	}
	if h == nil {
		return &models.ValidationError{Field: "handler", Message: "agent handler is required"}
	}
	if err := e.registry.RegisterAgent(ctx, &desc); err != nil {
		return err
	}

	e.mu.Lock()
	e.handlers[desc.ID] = h
	if _, ok := e.metrics[desc.ID]; !ok {
		e.metrics[desc.ID] = NewMetrics(desc.ID)
	}
	e.mu.Unlock()

	log.Info().
		Str("agent_id", desc.ID).
		Str("type", string(desc.Type)).
		Int("capabilities", len(desc.Capabilities)).
		Msg("🤝 Agent registered for coordination")
	return nil
}

// Unregister removes the agent from the registry and drops its handler.
func (e *Engine) Unregister(ctx context.Context, agentID string) error {
	if err := e.registry.UnregisterAgent(ctx, agentID); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.handlers, agentID)
	delete(e.metrics, agentID)
	e.mu.Unlock()

	log.Info().Str("agent_id", agentID).Msg("👋 Agent unregistered from coordination")
	return nil
}

// ── Rules ───────────────────────────────────────────────────

func (e *Engine) AddRule(spec models.CoordinationRuleSpec) error {
	r, err := e.rules.Add(spec)
	if err != nil {
		return err
	}
	log.Info().Str("rule_id", r.ID()).Int("priority", r.Priority()).Msg("📏 Coordination rule added")
	return nil
}

func (e *Engine) RemoveRule(id string) bool {
	return e.rules.Remove(id)
}

// Rules returns the rule specs in application order.
func (e *Engine) Rules() []models.CoordinationRuleSpec {
	ordered := e.rules.Ordered()
	out := make([]models.CoordinationRuleSpec, len(ordered))
	for i, r := range ordered {
		out[i] = r.Spec()
	}
	return out
}

// ── Submission ──────────────────────────────────────────────

// Enqueue schedules req without blocking and returns the coordination id
// it will run under. A saturated pool yields workerpool.ErrPoolFull.
func (e *Engine) Enqueue(ctx context.Context, req *models.AgentRequest) (string, *Result, error) {
	return e.enqueue(ctx, req, false)
}

// Submit schedules req without blocking.
func (e *Engine) Submit(ctx context.Context, req *models.AgentRequest) (*Result, error) {
	_, f, err := e.enqueue(ctx, req, false)
	return f, err
}

// SubmitWait waits for a free worker until ctx is done.
func (e *Engine) SubmitWait(ctx context.Context, req *models.AgentRequest) (*Result, error) {
	_, f, err := e.enqueue(ctx, req, true)
	return f, err
}

func (e *Engine) enqueue(ctx context.Context, req *models.AgentRequest, wait bool) (string, *Result, error) {
	if req == nil {
		return "", nil, &models.ValidationError{Field: "request", Message: "request is required"}
	}
	req.Normalize()
	coordinationID := uuid.New().String()

	task := func(ctx context.Context) (*models.CoordinationResult, error) {
		return e.Coordinate(ctx, coordinationID, req), nil
	}

	var (
		f   *Result
		err error
	)
	if wait {
		f, err = workerpool.Submit(ctx, e.pool, task)
	} else {
		f, err = workerpool.TrySubmit(ctx, e.pool, task)
	}
	if err != nil {
		if errors.Is(err, workerpool.ErrPoolFull) {
			log.Warn().
				Str("request_id", req.ID).
				Int("running", e.pool.Running()).
				Int("queued", e.pool.Queued()).
				Msg("🚦 Coordination rejected: worker pool full")
		}
		return "", nil, err
	}
	e.remember(coordinationID, f)
	return coordinationID, f, nil
}

func (e *Engine) remember(id string, f *Result) {
	e.resultsMu.Lock()
	defer e.resultsMu.Unlock()
	e.results[id] = f
	e.resultOrder = append(e.resultOrder, id)
	for len(e.resultOrder) > e.historyLimit {
		delete(e.results, e.resultOrder[0])
		e.resultOrder = e.resultOrder[1:]
	}
}

// Lookup returns a recently submitted coordination.
func (e *Engine) Lookup(coordinationID string) (*Result, bool) {
	e.resultsMu.Lock()
	defer e.resultsMu.Unlock()
	f, ok := e.results[coordinationID]
	return f, ok
}

// Coordinate runs one coordination synchronously on the calling goroutine.
// Every failure is reported in the result, never as a Go error.
func (e *Engine) Coordinate(ctx context.Context, coordinationID string, req *models.AgentRequest) *models.CoordinationResult {
	start := time.Now()
	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)

	ctx, span := tracer.Start(ctx, "coordination.coordinate")
	defer span.End()
	span.SetAttributes(
		attribute.String("coordination_id", coordinationID),
		attribute.String("request_id", req.ID),
		attribute.String("capability", string(req.RequiredCapability)),
	)

	result, primaryID := e.coordinate(ctx, coordinationID, req)
	result.DurationMs = time.Since(start).Milliseconds()
	result.CompletedAt = time.Now().UTC()

	e.record(coordinationID, primaryID, time.Since(start), result.Success)
	if result.Success {
		span.SetStatus(codes.Ok, "")
		log.Info().
			Str("coordination_id", coordinationID).
			Str("primary", result.PrimaryAgent).
			Int("dependents", len(result.DependentAgents)).
			Int64("duration_ms", result.DurationMs).
			Msg("🎯 Coordination completed")
	} else {
		span.SetStatus(codes.Error, result.ErrorMessage)
		log.Warn().
			Str("coordination_id", coordinationID).
			Str("error_code", string(result.ErrorCode)).
			Str("error", result.ErrorMessage).
			Msg("⚠️ Coordination failed")
	}
	return result
}

func (e *Engine) coordinate(ctx context.Context, coordinationID string, req *models.AgentRequest) (*models.CoordinationResult, string) {
	fail := func(err error, primary string) (*models.CoordinationResult, string) {
		return &models.CoordinationResult{
			CoordinationID: coordinationID,
			Request:        req,
			PrimaryAgent:   primary,
			AllResponses:   []*models.AgentResponse{},
			ErrorMessage:   err.Error(),
			ErrorCode:      models.CodeOf(err),
		}, primary
	}

	if err := req.Validate(); err != nil {
		return fail(err, "")
	}

	candidates, err := e.candidates(ctx, req.RequiredCapability)
	if err != nil {
		return fail(fmt.Errorf("Coordination failed: %w", err), "")
	}
	if len(candidates) == 0 {
		return fail(&models.NoAgentsError{Capability: req.RequiredCapability}, "")
	}

	primary := e.selectPrimary(candidates, req)
	dependents, err := e.dependents(ctx, &primary, req)
	if err != nil {
		return fail(fmt.Errorf("Coordination failed: %w", err), primary.ID)
	}

	wf := &Workflow{
		CoordinationID: coordinationID,
		Request:        req,
		Primary:        primary,
		Dependents:     dependents,
	}
	result, err := e.execute(ctx, wf)
	if err != nil {
		r, id := fail(&models.ExecutionError{Op: "Coordination failed", Err: unwrapExecution(err)}, primary.ID)
		r.DependentAgents = wf.DependentIDs()
		return r, id
	}
	return result, primary.ID
}

// unwrapExecution strips the workflow's own wrapping so the message reads
// "Coordination failed: <agent error>".
func unwrapExecution(err error) error {
	var ee *models.ExecutionError
	if errors.As(err, &ee) && ee.Err != nil {
		return ee.Err
	}
	return err
}

func (e *Engine) record(coordinationID, primaryID string, d time.Duration, success bool) {
	e.total.Add(1)
	if success {
		e.successful.Add(1)
	}
	if e.perf != nil {
		e.perf.RecordRequest(coordinationID, d, success)
	}
	if primaryID == "" {
		return
	}
	if m := e.metricsFor(primaryID); m != nil {
		m.Record(d, success)
	}
}

func (e *Engine) metricsFor(agentID string) *Metrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.metrics[agentID]
}

// ── Selection ───────────────────────────────────────────────

// candidates returns healthy agents with capability c, by ascending id.
func (e *Engine) candidates(ctx context.Context, c models.Capability) ([]models.AgentDescriptor, error) {
	all, err := e.registry.FindByCapability(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("find agents: %w", err)
	}
	out := make([]models.AgentDescriptor, 0, len(all))
	for _, a := range all {
		if a.Healthy && a.HasCapability(c) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// successRate is 1.0 for agents without history.
func (e *Engine) successRate(agentID string) float64 {
	if m := e.metricsFor(agentID); m != nil {
		return m.SuccessRate()
	}
	return 1.0
}

// Score rates agent for req given its success rate.
func Score(agent *models.AgentDescriptor, req *models.AgentRequest, successRate float64) int {
	capability := 0
	if agent.HasCapability(req.RequiredCapability) {
		capability = baseCapabilityScore + int(successRateWeight*successRate)
		if agent.IsPrimary(req.RequiredCapability) {
			capability += primaryBonus
		} else {
			capability += secondaryBonus
		}
		capability = min(maxCapabilityScore, capability)
	}

	bonus := 0
	if req.IsCrossProject() && agent.Type.CoordinatesAcrossProjects() {
		bonus = crossProjectBonus
	}

	return capability + bonus + int(math.Round(successRate*performanceWeight))
}

// selectPrimary picks the highest score; candidates arrive sorted by id so
// the first maximum wins ties.
func (e *Engine) selectPrimary(candidates []models.AgentDescriptor, req *models.AgentRequest) models.AgentDescriptor {
	best, bestScore := 0, math.MinInt
	for i := range candidates {
		s := Score(&candidates[i], req, e.successRate(candidates[i].ID))
		if s > bestScore {
			best, bestScore = i, s
		}
	}
	return candidates[best]
}

// dependents unions healthy static dependencies with the required agents of
// every matching rule, in rule priority order. The primary is never its own
// dependent.
func (e *Engine) dependents(ctx context.Context, primary *models.AgentDescriptor, req *models.AgentRequest) ([]models.AgentDescriptor, error) {
	seen := map[string]bool{primary.ID: true}
	var out []models.AgentDescriptor

	add := func(id string) error {
		if seen[id] {
			return nil
		}
		seen[id] = true
		desc, err := e.registry.GetRegisteredAgent(ctx, id)
		if err != nil {
			var nf *models.NotFoundError
			if errors.As(err, &nf) {
				return nil
			}
			return err
		}
		if desc.Healthy {
			out = append(out, *desc)
		}
		return nil
	}

	for _, dep := range primary.Dependencies {
		if err := add(dep); err != nil {
			return nil, err
		}
	}
	for _, rule := range e.rules.Matching(req, primary) {
		for _, id := range rule.RequiredAgents() {
			if err := add(id); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// ── Statistics / lifecycle ──────────────────────────────────

func (e *Engine) Statistics(ctx context.Context) models.CoordinationStatistics {
	stats := models.CoordinationStatistics{
		Rules:                   e.rules.Len(),
		TotalCoordinations:      e.total.Load(),
		SuccessfulCoordinations: e.successful.Load(),
		InFlight:                e.inFlight.Load(),
	}
	if e.pool != nil {
		stats.QueueDepth = e.pool.Queued()
	}

	if agents, err := e.registry.ListAgents(ctx); err == nil {
		stats.RegisteredAgents = len(agents)
		for _, a := range agents {
			if a.Healthy {
				stats.HealthyAgents++
			}
		}
	}

	e.mu.RLock()
	for _, m := range e.metrics {
		stats.Agents = append(stats.Agents, m.Snapshot())
	}
	e.mu.RUnlock()
	sort.Slice(stats.Agents, func(i, j int) bool { return stats.Agents[i].AgentID < stats.Agents[j].AgentID })
	return stats
}

// Shutdown waits for in-flight coordinations through the shared pool.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.pool == nil {
		return nil
	}
	if err := e.pool.Close(ctx); err != nil {
		return fmt.Errorf("drain coordinations: %w", err)
	}
	log.Info().Msg("🛑 Coordination engine stopped")
	return nil
}
