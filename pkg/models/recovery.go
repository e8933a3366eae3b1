package models

import "time"

// Recovery objectives.
const (
	DefaultRTO = 4 * time.Hour
	DefaultRPO = 1 * time.Hour
)

// ── Failover ─────────────────────────────────────────────────

type FailoverState string

const (
	FailoverIdle       FailoverState = "idle"
	FailoverInProgress FailoverState = "in_progress"
	FailoverCompleted  FailoverState = "completed"
	FailoverFailed     FailoverState = "failed"
)

// SecondarySuffix is appended to the current environment when no failover
// target is given.
const SecondarySuffix = "-secondary"

type FailoverOptions struct {
	TargetEnvironment  string        `json:"target_environment,omitempty"`
	PreserveState      bool          `json:"preserve_state"`
	MaxFailoverTime    time.Duration `json:"max_failover_time"`
	NotifyStakeholders bool          `json:"notify_stakeholders"`
	AutomaticRollback  bool          `json:"automatic_rollback"`
}

func DefaultFailoverOptions() FailoverOptions {
	return FailoverOptions{
		PreserveState:      true,
		MaxFailoverTime:    5 * time.Minute,
		NotifyStakeholders: true,
	}
}

type FailoverResult struct {
	Success           bool          `json:"success"`
	AgentID           string        `json:"agent_id"`
	NewInstanceID     string        `json:"new_instance_id,omitempty"`
	SourceEnvironment string        `json:"source_environment,omitempty"`
	TargetEnvironment string        `json:"target_environment,omitempty"`
	Duration          time.Duration `json:"duration"`
	RolledBack        bool          `json:"rolled_back,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	ErrorCode         ErrorCode     `json:"error_code,omitempty"`
}

type FailoverHistoryEntry struct {
	AgentID           string        `json:"agent_id"`
	SourceEnvironment string        `json:"source_environment"`
	TargetEnvironment string        `json:"target_environment"`
	Duration          time.Duration `json:"duration"`
	Success           bool          `json:"success"`
	Timestamp         time.Time     `json:"timestamp"`
}

// ── Backups ──────────────────────────────────────────────────

type BackupStatus string

const (
	BackupPending    BackupStatus = "pending"
	BackupInProgress BackupStatus = "in_progress"
	BackupCompleted  BackupStatus = "completed"
	BackupFailed     BackupStatus = "failed"
	BackupExpired    BackupStatus = "expired"
)

// BackupRecord is an immutable snapshot of one deployed instance.
type BackupRecord struct {
	BackupID      string                 `json:"backup_id"`
	AgentID       string                 `json:"agent_id"`
	BackupTime    time.Time              `json:"backup_time"`
	SizeBytes     int64                  `json:"size_bytes"`
	Location      string                 `json:"location"`
	Status        BackupStatus           `json:"status"`
	PackageID     string                 `json:"package_id"`
	Version       string                 `json:"version"`
	WorkspaceID   string                 `json:"workspace_id"`
	EnvironmentID string                 `json:"environment_id"`
	Configuration EffectiveConfiguration `json:"configuration"`
	EnvVars       map[string]string      `json:"env_vars,omitempty"`
	ExpiresAt     time.Time              `json:"expires_at,omitempty"`
}

// Expired reports whether a completed backup has outlived its retention.
// Records without their own ExpiresAt use the janitor-wide cutoff.
func (b *BackupRecord) Expired(now, cutoff time.Time) bool {
	if b.Status != BackupCompleted {
		return false
	}
	if !b.ExpiresAt.IsZero() {
		return b.ExpiresAt.Before(now)
	}
	return b.BackupTime.Before(cutoff)
}

// Age is how long ago the backup was taken.
func (b *BackupRecord) Age(now time.Time) time.Duration {
	return now.Sub(b.BackupTime)
}

// WithinRPO reports whether restoring now loses no more than rpo of data.
func (b *BackupRecord) WithinRPO(now time.Time, rpo time.Duration) bool {
	return b.Age(now) <= rpo
}

// Restorable is true for completed backups inside the RPO window.
func (b *BackupRecord) Restorable(now time.Time, rpo time.Duration) bool {
	return b.Status == BackupCompleted && b.WithinRPO(now, rpo)
}

type BackupOptions struct {
	AgentIDs             []string `json:"agent_ids,omitempty"`
	IncludeConfiguration bool     `json:"include_configuration"`
	IncludeState         bool     `json:"include_state"`
	Compress             bool     `json:"compress"`
	Backend              string   `json:"backend,omitempty"`
	RetentionDays        int      `json:"retention_days"`
}

func DefaultBackupOptions() BackupOptions {
	return BackupOptions{
		IncludeConfiguration: true,
		IncludeState:         true,
		Compress:             true,
		RetentionDays:        30,
	}
}

type RestoreOptions struct {
	ValidateAfterRestore bool   `json:"validate_after_restore"`
	TargetEnvironment    string `json:"target_environment,omitempty"`
}

func DefaultRestoreOptions() RestoreOptions {
	return RestoreOptions{ValidateAfterRestore: true}
}

type BackupResult struct {
	Success      bool           `json:"success"`
	Backups      []BackupRecord `json:"backups"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorCode    ErrorCode      `json:"error_code,omitempty"`
}

// RestoreResult reports a restore. A restored instance that fails
// post-restore validation stays in service: Success is true and
// ValidationWarning says what was wrong.
type RestoreResult struct {
	Success           bool           `json:"success"`
	BackupID          string         `json:"backup_id"`
	Instance          *DeployedAgent `json:"instance,omitempty"`
	DataLoss          time.Duration  `json:"data_loss"`
	ValidationWarning string         `json:"validation_warning,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	ErrorCode         ErrorCode      `json:"error_code,omitempty"`
}

// ── Disaster recovery ────────────────────────────────────────

type DisasterType string

const (
	DisasterAgentFailure          DisasterType = "agent_failure"
	DisasterInfrastructureFailure DisasterType = "infrastructure_failure"
	DisasterDataCorruption        DisasterType = "data_corruption"
	DisasterNetworkPartition      DisasterType = "network_partition"
)

func (d DisasterType) Valid() bool {
	switch d {
	case DisasterAgentFailure, DisasterInfrastructureFailure, DisasterDataCorruption, DisasterNetworkPartition:
		return true
	}
	return false
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type RecoveryStepType string

const (
	StepAssessDisaster     RecoveryStepType = "assess_disaster"
	StepStopAgents         RecoveryStepType = "stop_agents"
	StepRestoreFromBackup  RecoveryStepType = "restore_from_backup"
	StepRedeployAgents     RecoveryStepType = "redeploy_agents"
	StepValidateHealth     RecoveryStepType = "validate_health"
	StepNotifyStakeholders RecoveryStepType = "notify_stakeholders"
	StepCompleteRecovery   RecoveryStepType = "complete_recovery"
)

type RecoveryStep struct {
	Type         RecoveryStepType `json:"type"`
	Description  string           `json:"description"`
	TargetAgents []string         `json:"target_agents"`
}

type RecoveryPlan struct {
	DisasterType DisasterType   `json:"disaster_type"`
	Steps        []RecoveryStep `json:"steps"`
}

type DisasterRecoveryOptions struct {
	DisasterType        DisasterType `json:"disaster_type"`
	FullRecovery        bool         `json:"full_recovery"`
	TimeoutMinutes      int          `json:"timeout_minutes"`
	AffectedAgents      []string     `json:"affected_agents,omitempty"`
	AffectedEnvironment string       `json:"affected_environment,omitempty"`
	AffectedWorkspace   string       `json:"affected_workspace,omitempty"`
}

// DisasterAssessment is the outcome of the assess phase.
type DisasterAssessment struct {
	DisasterType   DisasterType `json:"disaster_type"`
	Severity       Severity     `json:"severity"`
	AffectedAgents []string     `json:"affected_agents"`
	AssessedAt     time.Time    `json:"assessed_at"`
}

// StepOutcome records what one plan step did.
type StepOutcome struct {
	Step         RecoveryStepType `json:"step"`
	Recovered    []string         `json:"recovered,omitempty"`
	Failed       []string         `json:"failed,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

type RecoveryResult struct {
	RecoveryID      string        `json:"recovery_id"`
	Success         bool          `json:"success"`
	DisasterType    DisasterType  `json:"disaster_type"`
	Severity        Severity      `json:"severity,omitempty"`
	AffectedAgents  []string      `json:"affected_agents"`
	RecoveredAgents []string      `json:"recovered_agents"`
	FailedAgents    []string      `json:"failed_agents"`
	ValidatedAgents []string      `json:"validated_agents"`
	Steps           []StepOutcome `json:"steps"`
	Duration        time.Duration `json:"duration"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	ErrorCode       ErrorCode     `json:"error_code,omitempty"`
}

// RecoveryEvent is one entry in the recovery statistics log.
type RecoveryEvent struct {
	Type      string    `json:"type"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// RecoveryStatistics is a snapshot of the recovery counters.
type RecoveryStatistics struct {
	Counters            map[string]int  `json:"counters"`
	Events              []RecoveryEvent `json:"events"`
	AverageRecoveryTime time.Duration   `json:"average_recovery_time"`
	MaxDataLoss         time.Duration   `json:"max_data_loss"`
	SuccessCount        int             `json:"success_count"`
	FailureCount        int             `json:"failure_count"`
}

// RecoveryObjectives reports RTO/RPO compliance.
type RecoveryObjectives struct {
	RTO                 time.Duration `json:"rto"`
	RPO                 time.Duration `json:"rpo"`
	AverageRecoveryTime time.Duration `json:"average_recovery_time"`
	MaxDataLoss         time.Duration `json:"max_data_loss"`
	Met                 bool          `json:"met"`
}
