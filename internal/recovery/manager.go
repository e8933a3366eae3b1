// Package recovery restores the fleet after a disaster and manages backups
// under the recovery time and recovery point objectives.
//
// A recovery run has four phases:
//
//	assess   → pick the affected agents and rate severity
//	execute  → run the disaster type's plan, one step at a time
//	validate → re-check every affected agent is deployed and healthy
//	report   → success only when validation found nothing wrong
//
// Steps are independent. A failing step adds its agents to the failed list
// and the plan carries on.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/agentoven/agentfleet/control-plane/internal/retention"
	"github.com/agentoven/agentfleet/control-plane/internal/workerpool"
	"github.com/agentoven/agentfleet/control-plane/pkg/contracts"
	"github.com/agentoven/agentfleet/control-plane/pkg/models"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("agentfleet-recovery")

// maxEvents bounds the statistics event log.
const maxEvents = 200

// Statistics counter keys.
const (
	CounterRecoverySucceeded = "recoveries_succeeded"
	CounterRecoveryFailed    = "recoveries_failed"
	CounterBackupCreated     = "backups_created"
	CounterBackupFailed      = "backups_failed"
	CounterRestoreSucceeded  = "restores_succeeded"
	CounterRestoreFailed     = "restores_failed"
	CounterRestoreUnverified = "restores_unverified"
)

// Deployments is what recovery needs from the deployment manager.
type Deployments interface {
	ListDeployments() []*models.DeployedAgent
	GetDeployment(agentID string) (*models.DeployedAgent, bool)
	GetState(agentID string) (models.DeploymentState, bool)
	GetHealth(agentID string) (*models.HealthRecord, bool)
	StopAgent(agentID string) error
	RestoreInstance(ctx context.Context, snapshot *models.DeployedAgent) (*models.DeployedAgent, error)
}

type Option func(*Manager)

func WithNotifier(n contracts.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithHealthCheck samples restored instances before a restore reports
// them valid. Without it only the recorded deployment health is consulted.
func WithHealthCheck(p contracts.Prober) Option {
	return func(m *Manager) { m.checker = p }
}

// WithClock replaces time.Now for backup timestamps and RPO checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithObjectives overrides the default RTO and RPO.
func WithObjectives(rto, rpo time.Duration) Option {
	return func(m *Manager) {
		if rto > 0 {
			m.rto = rto
		}
		if rpo > 0 {
			m.rpo = rpo
		}
	}
}

// Manager runs disaster recovery and owns the backup catalog.
type Manager struct {
	deployments Deployments
	backups     *retention.Janitor
	pool        *workerpool.Pool
	notifier    contracts.Notifier
	checker     contracts.Prober
	now         func() time.Time
	rto         time.Duration
	rpo         time.Duration

	mu             sync.RWMutex
	counters       map[string]int
	events         []models.RecoveryEvent
	recoveryTimes  []time.Duration
	maxDataLoss    time.Duration
	lastBackupAt   map[string]int64
	recoveryCounts struct{ ok, failed int }
}

func NewManager(d Deployments, backups *retention.Janitor, pool *workerpool.Pool, opts ...Option) *Manager {
	m := &Manager{
		deployments:  d,
		backups:      backups,
		pool:         pool,
		now:          time.Now,
		rto:          models.DefaultRTO,
		rpo:          models.DefaultRPO,
		counters:     make(map[string]int),
		lastBackupAt: make(map[string]int64),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// RPO is the maximum backup age RestoreFromBackup accepts.
func (m *Manager) RPO() time.Duration { return m.rpo }

// RTO is the target maximum recovery duration.
func (m *Manager) RTO() time.Duration { return m.rto }

func (m *Manager) record(counter, eventType, details string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[counter]++
	m.events = append(m.events, models.RecoveryEvent{
		Type:      eventType,
		Details:   details,
		Timestamp: m.now().UTC(),
	})
	if over := len(m.events) - maxEvents; over > 0 {
		m.events = append([]models.RecoveryEvent(nil), m.events[over:]...)
	}
}

func (m *Manager) recordRecovery(d time.Duration, ok bool) {
	m.mu.Lock()
	m.recoveryTimes = append(m.recoveryTimes, d)
	if ok {
		m.recoveryCounts.ok++
	} else {
		m.recoveryCounts.failed++
	}
	m.mu.Unlock()
}

func (m *Manager) recordDataLoss(d time.Duration) {
	m.mu.Lock()
	if d > m.maxDataLoss {
		m.maxDataLoss = d
	}
	m.mu.Unlock()
}

func (m *Manager) averageRecoveryTimeLocked() time.Duration {
	if len(m.recoveryTimes) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range m.recoveryTimes {
		total += d
	}
	return total / time.Duration(len(m.recoveryTimes))
}

// Statistics returns a snapshot of the recovery counters and event log.
func (m *Manager) Statistics() models.RecoveryStatistics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counters := make(map[string]int, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}
	return models.RecoveryStatistics{
		Counters:            counters,
		Events:              append([]models.RecoveryEvent(nil), m.events...),
		AverageRecoveryTime: m.averageRecoveryTimeLocked(),
		MaxDataLoss:         m.maxDataLoss,
		SuccessCount:        m.recoveryCounts.ok,
		FailureCount:        m.recoveryCounts.failed,
	}
}

// MeetsRecoveryObjectives compares the rolling average recovery time with
// the RTO and the worst observed data loss with the RPO. It is advisory.
func (m *Manager) MeetsRecoveryObjectives() models.RecoveryObjectives {
	m.mu.RLock()
	defer m.mu.RUnlock()
	avg := m.averageRecoveryTimeLocked()
	return models.RecoveryObjectives{
		RTO:                 m.rto,
		RPO:                 m.rpo,
		AverageRecoveryTime: avg,
		MaxDataLoss:         m.maxDataLoss,
		Met:                 avg <= m.rto && m.maxDataLoss <= m.rpo,
	}
}

func (m *Manager) notify(ctx context.Context, eventType, agentID string, payload map[string]any) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(ctx, contracts.NotificationEvent{
		Type:      eventType,
		AgentID:   agentID,
		Payload:   payload,
		Timestamp: m.now().UTC(),
	})
}
