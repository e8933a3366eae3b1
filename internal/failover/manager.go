// Package failover moves a deployed agent to a standby environment when its
// primary instance fails.
//
// A failover builds a new instance in the target environment, waits for it
// to report healthy, then swaps the routing entry in one step. The original
// instance keeps serving until the swap, so a failed validation leaves
// routing untouched.
package failover

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/agentoven/agentfleet/control-plane/internal/workerpool"
	"github.com/agentoven/agentfleet/control-plane/pkg/contracts"
	"github.com/agentoven/agentfleet/control-plane/pkg/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("agentfleet-failover")

// DefaultPollInterval is the first delay between validation probes.
const DefaultPollInterval = 500 * time.Millisecond

// Deployments is what failover needs from the deployment manager.
type Deployments interface {
	GetDeployment(agentID string) (*models.DeployedAgent, bool)
	ReplaceInstance(agentID string, inst *models.DeployedAgent) error
	SetHealth(rec models.HealthRecord) (wasHealthy, ok bool)
}

type Option func(*Manager)

func WithNotifier(n contracts.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithClock replaces time.Now for instance ids and history timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// Manager runs failovers and keeps their history.
type Manager struct {
	deployments  Deployments
	prober       contracts.Prober
	pool         *workerpool.Pool
	notifier     contracts.Notifier
	now          func() time.Time
	pollInterval time.Duration

	mu      sync.RWMutex
	states  map[string]models.FailoverState
	history map[string][]models.FailoverHistoryEntry
}

func NewManager(d Deployments, prober contracts.Prober, pool *workerpool.Pool, opts ...Option) *Manager {
	m := &Manager{
		deployments:  d,
		prober:       prober,
		pool:         pool,
		now:          time.Now,
		pollInterval: DefaultPollInterval,
		states:       make(map[string]models.FailoverState),
		history:      make(map[string][]models.FailoverHistoryEntry),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// TriggerFailover runs a failover on the shared pool.
func (m *Manager) TriggerFailover(ctx context.Context, agentID string, opts models.FailoverOptions) (*workerpool.Future[*models.FailoverResult], error) {
	return workerpool.TrySubmit(ctx, m.pool, func(ctx context.Context) (*models.FailoverResult, error) {
		return m.Failover(ctx, agentID, opts), nil
	})
}

// OnUnhealthy starts a failover with default options. It is meant to be
// wired to the health monitor and never blocks.
func (m *Manager) OnUnhealthy(agentID string) {
	if _, err := m.TriggerFailover(context.Background(), agentID, models.DefaultFailoverOptions()); err != nil {
		log.Warn().Err(err).Str("agent_id", agentID).Msg("Automatic failover not started")
	}
}

// Failover runs synchronously on the caller's goroutine.
func (m *Manager) Failover(ctx context.Context, agentID string, opts models.FailoverOptions) *models.FailoverResult {
	ctx, span := tracer.Start(ctx, "failover")
	defer span.End()
	span.SetAttributes(attribute.String("agent_id", agentID))
	start := time.Now()

	res := &models.FailoverResult{AgentID: agentID}
	fail := func(err error) *models.FailoverResult {
		span.SetStatus(codes.Error, err.Error())
		res.Duration = time.Since(start)
		res.ErrorMessage = err.Error()
		res.ErrorCode = models.CodeOf(err)
		return res
	}

	inst, ok := m.deployments.GetDeployment(agentID)
	if !ok || inst.State != models.StateDeployed {
		return fail(&models.NotDeployedError{AgentID: agentID})
	}
	if !m.begin(agentID) {
		return fail(&models.RejectedError{Reason: "Failover already in progress for agent: " + agentID})
	}

	res.SourceEnvironment = inst.EnvironmentID
	res.TargetEnvironment = opts.TargetEnvironment
	if res.TargetEnvironment == "" {
		res.TargetEnvironment = inst.EnvironmentID + models.SecondarySuffix
	}

	log.Info().
		Str("agent_id", agentID).
		Str("from", res.SourceEnvironment).
		Str("to", res.TargetEnvironment).
		Msg("🛟 Failover started")

	standby := m.standby(inst, res.TargetEnvironment, opts.PreserveState)
	res.NewInstanceID = standby.InstanceID

	maxTime := opts.MaxFailoverTime
	if maxTime <= 0 {
		maxTime = models.DefaultFailoverOptions().MaxFailoverTime
	}
	if err := m.validate(ctx, standby, maxTime); err != nil {
		log.Warn().Err(err).
			Str("agent_id", agentID).
			Str("instance_id", standby.InstanceID).
			Msg("⚠️ Failover validation failed")
		res.NewInstanceID = ""
		if opts.AutomaticRollback {
			// Routing was never swapped, so the original stays in place.
			res.RolledBack = true
			log.Info().Str("agent_id", agentID).Str("instance_id", inst.InstanceID).Msg("↩️ Failover rolled back")
		}
		m.finish(ctx, res, start, false, opts.NotifyStakeholders)
		return fail(&models.ExecutionError{Op: "Failover validation failed", Err: err})
	}

	if err := m.deployments.ReplaceInstance(agentID, standby); err != nil {
		res.NewInstanceID = ""
		m.finish(ctx, res, start, false, opts.NotifyStakeholders)
		return fail(&models.ExecutionError{Op: "Failover failed", Err: err})
	}
	m.deployments.SetHealth(models.HealthRecord{AgentID: agentID, Healthy: true, LastChecked: m.now().UTC()})

	res.Success = true
	m.finish(ctx, res, start, true, opts.NotifyStakeholders)
	log.Info().
		Str("agent_id", agentID).
		Str("instance_id", standby.InstanceID).
		Str("environment", res.TargetEnvironment).
		Dur("duration", res.Duration).
		Msg("✅ Failover completed")
	return res
}

// standby builds the replacement instance.
func (m *Manager) standby(inst *models.DeployedAgent, target string, preserve bool) *models.DeployedAgent {
	now := m.now().UTC()
	next := *inst
	next.InstanceID = inst.AgentID + "-failover-" + strconv.FormatInt(now.UnixMilli(), 10)
	next.EnvironmentID = target
	next.DeployedAt = now
	next.UpdatedAt = now
	next.State = models.StateDeployed
	if preserve {
		next.Configuration = inst.Configuration.Clone()
		next.Configuration.EnvironmentID = target
		if inst.EnvVars != nil {
			next.EnvVars = make(map[string]string, len(inst.EnvVars))
			for k, v := range inst.EnvVars {
				next.EnvVars[k] = v
			}
		}
	} else {
		next.Configuration = models.EffectiveConfiguration{
			AgentID:       inst.AgentID,
			WorkspaceID:   inst.WorkspaceID,
			EnvironmentID: target,
			Properties:    map[string]any{},
		}
		next.EnvVars = nil
	}
	return &next
}

// validate polls the prober with exponential backoff until the standby
// reports metrics within limits or maxTime passes. A standby the prober
// cannot reach fails at once.
func (m *Manager) validate(ctx context.Context, inst *models.DeployedAgent, maxTime time.Duration) error {
	ctx, span := tracer.Start(ctx, "failover.validate")
	defer span.End()

	vctx, cancel := context.WithTimeout(ctx, maxTime)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.pollInterval
	b.MaxInterval = 10 * m.pollInterval
	b.MaxElapsedTime = maxTime

	probes := 0
	op := func() error {
		probes++
		metrics, err := m.prober.Probe(vctx, inst)
		if errors.Is(err, contracts.ErrNoEndpoint) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		if metrics == nil {
			return errors.New("empty health report")
		}
		if !metrics.IsWithinLimits() {
			return errors.New("metrics outside limits")
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(b, vctx))
	span.SetAttributes(attribute.Int("probes", probes))
	return err
}

func (m *Manager) begin(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states[agentID] == models.FailoverInProgress {
		return false
	}
	m.states[agentID] = models.FailoverInProgress
	return true
}

func (m *Manager) finish(ctx context.Context, res *models.FailoverResult, start time.Time, ok, notify bool) {
	res.Duration = time.Since(start)
	state := models.FailoverFailed
	if ok {
		state = models.FailoverCompleted
	}

	m.mu.Lock()
	m.states[res.AgentID] = state
	m.history[res.AgentID] = append(m.history[res.AgentID], models.FailoverHistoryEntry{
		AgentID:           res.AgentID,
		SourceEnvironment: res.SourceEnvironment,
		TargetEnvironment: res.TargetEnvironment,
		Duration:          res.Duration,
		Success:           ok,
		Timestamp:         m.now().UTC(),
	})
	m.mu.Unlock()

	if !notify || m.notifier == nil {
		return
	}
	event := models.EventFailoverFailed
	if ok {
		event = models.EventFailoverCompleted
	}
	m.notifier.Notify(ctx, contracts.NotificationEvent{
		Type:        event,
		AgentID:     res.AgentID,
		Environment: res.TargetEnvironment,
		Payload: map[string]any{
			"source_environment": res.SourceEnvironment,
			"new_instance_id":    res.NewInstanceID,
			"rolled_back":        res.RolledBack,
			"duration_ms":        res.Duration.Milliseconds(),
		},
		Timestamp: m.now().UTC(),
	})
}

// History returns the agent's failovers, oldest first.
func (m *Manager) History(agentID string) []models.FailoverHistoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.FailoverHistoryEntry(nil), m.history[agentID]...)
}

// State returns the agent's last failover state, idle if it never failed over.
func (m *Manager) State(agentID string) models.FailoverState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.states[agentID]; ok {
		return s
	}
	return models.FailoverIdle
}
