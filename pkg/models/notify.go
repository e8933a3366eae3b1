package models

import "time"

// ── Notification Channels ────────────────────────────────────

// ChannelKind identifies a notification channel driver.
type ChannelKind string

const (
	ChannelLog     ChannelKind = "log"
	ChannelWebhook ChannelKind = "webhook"
)

// NotificationChannel is a configured stakeholder destination.
type NotificationChannel struct {
	Name   string            `json:"name"`
	Kind   ChannelKind       `json:"kind"`
	URL    string            `json:"url,omitempty"`
	Secret string            `json:"secret,omitempty"`
	Events []string          `json:"events,omitempty"` // empty = all
	Active bool              `json:"active"`
	Config map[string]string `json:"config,omitempty"`
}

// NotifyResult is the outcome of one dispatch to one channel.
type NotifyResult struct {
	Channel   string    `json:"channel"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event types sent to stakeholders.
const (
	EventFailoverCompleted = "failover_completed"
	EventFailoverFailed    = "failover_failed"
	EventRecoveryStarted   = "recovery_started"
	EventRecoveryCompleted = "recovery_completed"
	EventRecoveryFailed    = "recovery_failed"
	EventAgentUnhealthy    = "agent_unhealthy"
	EventDeploymentFailed  = "deployment_failed"
)
