package policy_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentoven/agentfleet/control-plane/internal/policy"
	"github.com/agentoven/agentfleet/control-plane/pkg/models"
)

func testPackage(version string) *models.AgentPackage {
	return &models.AgentPackage{
		PackageID:    "api-agent-1",
		AgentID:      "api-agent",
		Version:      version,
		AgentType:    models.AgentTypeTechnologyBridge,
		Capabilities: []models.Capability{models.CapAPIContractManagement},
		Checksum:     "0a1b2c3d4e5f6071",
		Requirements: models.RequirementsFor(models.AgentTypeTechnologyBridge),
		Metadata:     map[string]string{},
	}
}

func config(envType string) *models.EffectiveConfiguration {
	return &models.EffectiveConfiguration{Properties: map[string]any{models.PropEnvironmentType: envType}}
}

func TestDefaultPolicyAdmits(t *testing.T) {
	ctx := context.Background()
	e, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	in := policy.NewAdmissionInput(testPackage("1.2.0"), "default", "production", config("production"), nil)
	if err := e.Admit(ctx, in); err != nil {
		t.Errorf("Admit() error = %v", err)
	}
}

func TestDefaultPolicyDeniesPreReleaseInProduction(t *testing.T) {
	ctx := context.Background()
	e, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	pkg := testPackage("0.9.0")
	pkg.Metadata["debug-info"] = "true"

	reasons, err := e.Evaluate(ctx, policy.NewAdmissionInput(pkg, "default", "production", config("production"), nil))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	want := []string{
		"debug builds cannot be deployed to production",
		"pre-release versions cannot be deployed to production",
	}
	if len(reasons) != len(want) {
		t.Fatalf("Evaluate() = %v, want %v", reasons, want)
	}
	for i := range want {
		if reasons[i] != want[i] {
			t.Errorf("reasons[%d] = %q, want %q", i, reasons[i], want[i])
		}
	}

	// The same package is fine in development.
	err = e.Admit(ctx, policy.NewAdmissionInput(pkg, "default", "development", config("development"), nil))
	if err != nil {
		t.Errorf("Admit(development) error = %v", err)
	}

	err = e.Admit(ctx, policy.NewAdmissionInput(pkg, "default", "production", config("production"), nil))
	if models.CodeOf(err) != models.CodePolicyDenied {
		t.Errorf("Admit(production) code = %q, want policy_denied", models.CodeOf(err))
	}
}

func TestLoadFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "deploy.rego")
	module := `
package fleet.deployment

import rego.v1

deny contains "staging is frozen" if input.environment_id == "staging"
`
	if err := os.WriteFile(path, []byte(module), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	e, err := policy.LoadFile(ctx, path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if err := e.Admit(ctx, policy.NewAdmissionInput(testPackage("1.0.0"), "default", "staging", nil, nil)); err == nil {
		t.Error("Admit(staging) error = nil under a freeze")
	}
	if err := e.Admit(ctx, policy.NewAdmissionInput(testPackage("1.0.0"), "default", "production", nil, nil)); err != nil {
		t.Errorf("Admit(production) error = %v", err)
	}

	if _, err := policy.NewEngine(ctx, "package broken\n deny contains"); err == nil {
		t.Error("NewEngine() accepted an invalid module")
	}
}
