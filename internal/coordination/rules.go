package coordination

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/agentoven/agentfleet/control-plane/pkg/models"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"
)

// ruleEnv is what rule conditions see. Conditions reference fields by their
// Go names, e.g. `request.Priority >= 8 && agent.ID != "legacy-agent"`.
type ruleEnv struct {
	Request *models.AgentRequest    `expr:"request"`
	Agent   *models.AgentDescriptor `expr:"agent"`
}

// Rule is a compiled coordination rule.
type Rule struct {
	spec       models.CoordinationRuleSpec
	capability map[models.Capability]struct{}
	types      map[string]struct{}
	conditions []*vm.Program
}

// NewRule validates spec and compiles its conditions.
func NewRule(spec models.CoordinationRuleSpec) (*Rule, error) {
	if strings.TrimSpace(spec.ID) == "" {
		return nil, &models.ValidationError{Field: "id", Message: "rule id is required"}
	}
	if len(spec.RequiredAgents) == 0 {
		return nil, &models.ValidationError{Field: "required_agents", Message: "rule must require at least one agent"}
	}

	r := &Rule{
		spec:       spec,
		capability: make(map[models.Capability]struct{}, len(spec.TriggerCapabilities)),
		types:      make(map[string]struct{}, len(spec.TriggerRequestTypes)),
	}
	for _, c := range spec.TriggerCapabilities {
		if !c.Valid() {
			return nil, &models.ValidationError{Field: "trigger_capabilities", Message: "unknown capability: " + string(c)}
		}
		r.capability[c] = struct{}{}
	}
	for _, t := range spec.TriggerRequestTypes {
		r.types[t] = struct{}{}
	}
	for _, src := range spec.Conditions {
		prog, err := expr.Compile(src, expr.Env(ruleEnv{}), expr.AsBool())
		if err != nil {
			return nil, &models.ValidationError{Field: "conditions", Message: fmt.Sprintf("compile %q: %v", src, err)}
		}
		r.conditions = append(r.conditions, prog)
	}
	r.spec.Priority = r.Priority()
	return r, nil
}

func (r *Rule) ID() string { return r.spec.ID }

// RequiredAgents returns the agents the rule pulls into a coordination.
func (r *Rule) RequiredAgents() []string {
	return append([]string(nil), r.spec.RequiredAgents...)
}

// Spec returns the declarative form with its derived priority.
func (r *Rule) Spec() models.CoordinationRuleSpec {
	s := r.spec
	s.TriggerCapabilities = append([]models.Capability(nil), r.spec.TriggerCapabilities...)
	s.TriggerRequestTypes = append([]string(nil), r.spec.TriggerRequestTypes...)
	s.Conditions = append([]string(nil), r.spec.Conditions...)
	s.RequiredAgents = r.RequiredAgents()
	return s
}

// Priority grows with specificity: 10 per trigger set, 5 for the
// cross-project requirement, 5 per condition.
func (r *Rule) Priority() int {
	p := 0
	if len(r.spec.TriggerCapabilities) > 0 {
		p += 10
	}
	if len(r.spec.TriggerRequestTypes) > 0 {
		p += 10
	}
	if r.spec.RequiresCrossProject {
		p += 5
	}
	return p + 5*len(r.spec.Conditions)
}

// Applies reports whether the rule matches req handled by primary. A
// condition that fails to evaluate counts as false.
func (r *Rule) Applies(req *models.AgentRequest, primary *models.AgentDescriptor) bool {
	if len(r.capability) > 0 {
		if _, ok := r.capability[req.RequiredCapability]; !ok {
			return false
		}
	}
	if len(r.types) > 0 {
		if _, ok := r.types[req.Type]; !ok {
			return false
		}
	}
	if r.spec.RequiresCrossProject && !req.IsCrossProject() {
		return false
	}
	if len(r.conditions) == 0 {
		return true
	}
	env := ruleEnv{Request: req, Agent: primary}
	for _, prog := range r.conditions {
		out, err := expr.Run(prog, env)
		if err != nil {
			return false
		}
		if ok, _ := out.(bool); !ok {
			return false
		}
	}
	return true
}

// ── Rule set ────────────────────────────────────────────────

// RuleSet holds rules keyed by id.
type RuleSet struct {
	mu    sync.RWMutex
	rules map[string]*Rule
}

func NewRuleSet() *RuleSet {
	return &RuleSet{rules: make(map[string]*Rule)}
}

// Add compiles spec and stores it, replacing any rule with the same id.
func (s *RuleSet) Add(spec models.CoordinationRuleSpec) (*Rule, error) {
	r, err := NewRule(spec)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.rules[r.ID()] = r
	s.mu.Unlock()
	return r, nil
}

// Remove deletes a rule and reports whether it existed.
func (s *RuleSet) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rules[id]
	delete(s.rules, id)
	return ok
}

func (s *RuleSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

// Ordered returns the rules by descending priority, then ascending id.
func (s *RuleSet) Ordered() []*Rule {
	s.mu.RLock()
	out := make([]*Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].Priority(), out[j].Priority()
		if pi != pj {
			return pi > pj
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// Matching returns the applicable rules in application order.
func (s *RuleSet) Matching(req *models.AgentRequest, primary *models.AgentDescriptor) []*Rule {
	var out []*Rule
	for _, r := range s.Ordered() {
		if r.Applies(req, primary) {
			out = append(out, r)
		}
	}
	return out
}

// DefaultRules are installed in every new engine.
func DefaultRules() []models.CoordinationRuleSpec {
	return []models.CoordinationRuleSpec{
		{
			ID:                  "security-coordination",
			Description:         "Security requests require the unified security agent",
			TriggerCapabilities: []models.Capability{models.CapSecurityCoordination},
			RequiredAgents:      []string{"unified-security-agent"},
		},
		{
			ID:                   "cross-project-architecture",
			Description:          "Cross-project requests require the architecture agent",
			RequiresCrossProject: true,
			RequiredAgents:       []string{"workspace-architecture-agent"},
		},
		{
			ID:                  "api-contract-coordination",
			Description:         "API changes require the contract agent",
			TriggerRequestTypes: []string{models.RequestTypeAPIChange},
			RequiredAgents:      []string{"api-contract-agent"},
		},
		{
			ID:                  "performance-coordination",
			Description:         "Performance requests require performance coordination",
			TriggerCapabilities: []models.Capability{models.CapPerformanceOptimization},
			RequiredAgents:      []string{"performance-coordination-agent"},
		},
	}
}

type rulesFile struct {
	Rules []models.CoordinationRuleSpec `yaml:"rules"`
}

// LoadRulesFile reads rule specs from a YAML file of the form
//
//	rules:
//	  - id: schema-review
//	    trigger_request_types: [schema-change]
//	    conditions: ["request.Priority >= 7"]
//	    required_agents: [data-governance-agent]
func LoadRulesFile(path string) ([]models.CoordinationRuleSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	return f.Rules, nil
}
