// Package policy evaluates deployment admission rules written in Rego.
//
// The policy module must define data.fleet.deployment.deny as a set of
// reason strings. An empty set admits the deployment.
package policy

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/agentoven/agentfleet/control-plane/pkg/models"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog/log"
)

const denyQuery = "data.fleet.deployment.deny"

// AdmissionInput is the document the policy sees as `input`.
type AdmissionInput struct {
	Package         models.DeploymentManifest `json:"package"`
	Metadata        map[string]string         `json:"metadata"`
	WorkspaceID     string                    `json:"workspace_id"`
	EnvironmentID   string                    `json:"environment_id"`
	EnvironmentType string                    `json:"environment_type"`
	EnvVars         map[string]string         `json:"env_vars"`
}

// NewAdmissionInput builds the policy input for deploying pkg.
func NewAdmissionInput(pkg *models.AgentPackage, workspaceID, environmentID string, cfg *models.EffectiveConfiguration, envVars map[string]string) AdmissionInput {
	in := AdmissionInput{
		Package:       pkg.Manifest(),
		Metadata:      pkg.Metadata,
		WorkspaceID:   workspaceID,
		EnvironmentID: environmentID,
		EnvVars:       envVars,
	}
	if cfg != nil {
		in.EnvironmentType = cfg.EnvironmentType()
	}
	if in.Metadata == nil {
		in.Metadata = map[string]string{}
	}
	if in.EnvVars == nil {
		in.EnvVars = map[string]string{}
	}
	return in
}

// Engine is a prepared admission policy.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine prepares the given Rego module.
func NewEngine(ctx context.Context, module string) (*Engine, error) {
	r := rego.New(
		rego.Query(denyQuery),
		rego.Module("deployment.rego", module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare admission policy: %w", err)
	}
	return &Engine{query: query}, nil
}

// LoadFile prepares the policy at path, or the default policy when path is empty.
func LoadFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read admission policy: %w", err)
	}
	log.Info().Str("path", path).Msg("📜 Admission policy loaded")
	return NewEngine(ctx, string(data))
}

// Evaluate returns the sorted deny reasons for in.
func (e *Engine) Evaluate(ctx context.Context, in AdmissionInput) ([]string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return nil, fmt.Errorf("evaluate admission policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	set, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("admission policy: deny must be a set, got %T", results[0].Expressions[0].Value)
	}
	reasons := make([]string, 0, len(set))
	for _, v := range set {
		reasons = append(reasons, fmt.Sprint(v))
	}
	sort.Strings(reasons)
	return reasons, nil
}

// Admit returns a *models.PolicyDeniedError when any deny rule fires.
func (e *Engine) Admit(ctx context.Context, in AdmissionInput) error {
	reasons, err := e.Evaluate(ctx, in)
	if err != nil {
		return err
	}
	if len(reasons) > 0 {
		return &models.PolicyDeniedError{Reasons: reasons}
	}
	return nil
}

// DefaultPolicy guards production and keeps requirements within bounds.
const DefaultPolicy = `
package fleet.deployment

import rego.v1

production if input.environment_type == "production"

deny contains "pre-release versions cannot be deployed to production" if {
	production
	startswith(input.package.version, "0.")
}

deny contains "debug builds cannot be deployed to production" if {
	production
	input.metadata["debug-info"] == "true"
}

deny contains "package checksum is missing" if {
	input.package.checksum == ""
}

deny contains sprintf("package requires %d MB of memory, limit is 8192 MB", [input.package.requirements.memory_mb]) if {
	input.package.requirements.memory_mb > 8192
}
`
