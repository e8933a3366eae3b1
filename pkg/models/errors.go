package models

import "errors"

// ErrorCode classifies a failure result so callers can branch without
// parsing messages.
type ErrorCode string

const (
	CodeNone         ErrorCode = ""
	CodeValidation   ErrorCode = "validation"
	CodeNotFound     ErrorCode = "not_found"
	CodeExecution    ErrorCode = "execution"
	CodeHealthCheck  ErrorCode = "health_check"
	CodeRejected     ErrorCode = "rejected"
	CodePolicyDenied ErrorCode = "policy_denied"
	CodeUnavailable  ErrorCode = "unavailable"
)

// ValidationError reports missing or invalid configuration or metadata.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NotFoundError is returned when an agent, package, deployment or backup
// id is unknown.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ExecutionError wraps a failure raised while invoking an agent or running
// a workflow or deployment step.
type ExecutionError struct {
	Op  string
	Err error
}

func (e *ExecutionError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// HealthCheckError is recorded into a HealthRecord, never returned to a caller.
type HealthCheckError struct {
	AgentID string
	Err     error
}

func (e *HealthCheckError) Error() string {
	return "Health check error: " + e.Err.Error()
}

func (e *HealthCheckError) Unwrap() error { return e.Err }

// RejectedError marks a request refused by a precondition such as the RPO
// window or an in-progress failover.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return e.Reason }

// PolicyDeniedError is returned when the deployment admission policy says no.
type PolicyDeniedError struct {
	Reasons []string
}

func (e *PolicyDeniedError) Error() string {
	msg := "deployment denied by policy"
	for i, r := range e.Reasons {
		if i == 0 {
			msg += ": " + r
		} else {
			msg += "; " + r
		}
	}
	return msg
}

// NoAgentsError is returned when no healthy agent declares a capability.
type NoAgentsError struct {
	Capability Capability
}

func (e *NoAgentsError) Error() string {
	return "No agents available for capability: " + string(e.Capability)
}

// NotDeployedError is returned when an operation needs a live instance.
type NotDeployedError struct {
	AgentID string
	Message string
}

func (e *NotDeployedError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "Agent not currently deployed"
	}
	return msg + ": " + e.AgentID
}

// CodeOf maps err to its ErrorCode.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeNone
	}
	var (
		ve *ValidationError
		nf *NotFoundError
		hc *HealthCheckError
		rj *RejectedError
		pd *PolicyDeniedError
		na *NoAgentsError
		nd *NotDeployedError
	)
	switch {
	case errors.As(err, &ve):
		return CodeValidation
	case errors.As(err, &nf), errors.As(err, &na), errors.As(err, &nd):
		return CodeNotFound
	case errors.As(err, &pd):
		return CodePolicyDenied
	case errors.As(err, &rj):
		return CodeRejected
	case errors.As(err, &hc):
		return CodeHealthCheck
	}
	return CodeExecution
}
