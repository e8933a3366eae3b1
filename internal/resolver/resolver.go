// Package resolver reconciles the responses gathered during a coordination
// into one response.
//
// Only successful responses are considered. A single response is passed
// through; several responses are scanned for known conflicts (architecture,
// communication style, authentication, encryption, caching, database,
// frontend framework). Without conflicts the responses are merged; with
// conflicts each one is replaced by a fixed workspace-level resolution and
// the recommendations that contradict it are dropped.
package resolver

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/agentoven/agentfleet/control-plane/pkg/models"
)

// ConflictType names a class of contradiction between responses.
type ConflictType string

const (
	ConflictArchitecturalPattern   ConflictType = "architectural_pattern"
	ConflictCommunicationPattern   ConflictType = "communication_pattern"
	ConflictSecurityAuthentication ConflictType = "security_authentication"
	ConflictSecurityEncryption     ConflictType = "security_encryption"
	ConflictPerformanceCaching     ConflictType = "performance_caching"
	ConflictTechnologyDatabase     ConflictType = "technology_database"
	ConflictTechnologyFrontend     ConflictType = "technology_frontend"
)

// Resolutions applied for each conflict type.
var resolutions = map[ConflictType]string{
	ConflictArchitecturalPattern:   "Use microservices for scalability with monolithic deployment for simplicity in development",
	ConflictCommunicationPattern:   "Use synchronous APIs for user-facing operations and asynchronous events for background processing",
	ConflictSecurityAuthentication: "Implement JWT tokens as primary authentication with session fallback for legacy systems",
	ConflictSecurityEncryption:     "Use AES-256 encryption for all new implementations",
	ConflictPerformanceCaching:     "Implement Redis for distributed caching with in-memory fallback for local operations",
	ConflictTechnologyDatabase:     "Use PostgreSQL as primary database with appropriate data modeling for requirements",
	ConflictTechnologyFrontend:     "Standardize on Vue.js for consistency with existing Moqui framework integration",
}

const fallbackResolution = "Apply workspace-level architectural standards and consult with architecture team"

// Resolution returns the fixed resolution text for t.
func Resolution(t ConflictType) string {
	if r, ok := resolutions[t]; ok {
		return r
	}
	return fallbackResolution
}

// Conflict is one detected contradiction.
type Conflict struct {
	Type        ConflictType `json:"type"`
	Description string       `json:"description"`
	AgentIDs    []string     `json:"agent_ids,omitempty"`
}

// Outcome classifies what the resolver did.
type Outcome string

const (
	OutcomeNoValidResponses Outcome = "no_valid_responses"
	OutcomeSingle           Outcome = "single"
	OutcomeMerged           Outcome = "merged"
	OutcomeResolved         Outcome = "conflict-resolved"
)

// Result is the resolver's output.
type Result struct {
	Outcome   Outcome               `json:"outcome"`
	Response  *models.AgentResponse `json:"response"`
	Conflicts []Conflict            `json:"conflicts,omitempty"`
	Sources   int                   `json:"sources"`
}

// Successful reports whether a usable response was produced.
func (r *Result) Successful() bool {
	return r.Outcome != OutcomeNoValidResponses && r.Response != nil
}

// ConflictResolver is stateless and safe for concurrent use.
type ConflictResolver struct{}

func NewConflictResolver() *ConflictResolver {
	return &ConflictResolver{}
}

// Resolve reconciles responses gathered for requestID.
func (c *ConflictResolver) Resolve(requestID string, responses []*models.AgentResponse) *Result {
	ok := make([]*models.AgentResponse, 0, len(responses))
	for _, r := range responses {
		if r != nil && r.Success {
			ok = append(ok, r)
		}
	}

	switch len(ok) {
	case 0:
		return &Result{
			Outcome:  OutcomeNoValidResponses,
			Response: models.ErrorResponse(requestID, "No valid responses to resolve"),
		}
	case 1:
		single := cloneResponse(ok[0])
		single.Metadata["coordination-type"] = string(OutcomeSingle)
		return &Result{Outcome: OutcomeSingle, Response: single, Sources: 1}
	}

	conflicts := DetectConflicts(ok)
	if len(conflicts) == 0 {
		return &Result{Outcome: OutcomeMerged, Response: merge(requestID, ok), Sources: len(ok)}
	}
	return &Result{
		Outcome:   OutcomeResolved,
		Response:  resolve(requestID, conflicts, ok),
		Conflicts: conflicts,
		Sources:   len(ok),
	}
}

func cloneResponse(r *models.AgentResponse) *models.AgentResponse {
	cp := *r
	cp.Recommendations = append([]string(nil), r.Recommendations...)
	cp.Metadata = make(map[string]string, len(r.Metadata)+1)
	for k, v := range r.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// ── Detection ───────────────────────────────────────────────

// "synchronous" must not match inside "asynchronous".
var synchronousWord = regexp.MustCompile(`\bsynchronous\b`)

type groups map[string][]string

func (g groups) add(key, agentID string) { g[key] = append(g[key], agentID) }

func (g groups) count(keys ...string) int {
	n := 0
	for _, k := range keys {
		if _, ok := g[k]; ok {
			n++
		}
	}
	return n
}

func (g groups) agents(keys ...string) []string {
	var out []string
	for _, k := range keys {
		out = append(out, g[k]...)
	}
	return out
}

// DetectConflicts scans successful responses for contradictions. Matching
// is case-insensitive.
func DetectConflicts(responses []*models.AgentResponse) []Conflict {
	g := make(groups)
	for _, r := range responses {
		guidance := strings.ToLower(r.Guidance)
		recs := make([]string, len(r.Recommendations))
		for i, rec := range r.Recommendations {
			recs[i] = strings.ToLower(rec)
		}

		// Architecture and communication style come from guidance.
		switch {
		case strings.Contains(guidance, "microservice"):
			g.add("microservices", r.AgentID)
		case strings.Contains(guidance, "monolith"):
			g.add("monolith", r.AgentID)
		}
		switch {
		case synchronousWord.MatchString(guidance) || strings.Contains(guidance, "rest api"):
			g.add("synchronous", r.AgentID)
		case strings.Contains(guidance, "asynchronous") || strings.Contains(guidance, "event"):
			g.add("asynchronous", r.AgentID)
		}

		// Security choices come from recommendations.
		for _, rec := range recs {
			switch {
			case strings.Contains(rec, "jwt"):
				g.add("jwt", r.AgentID)
			case strings.Contains(rec, "session"):
				g.add("session", r.AgentID)
			case strings.Contains(rec, "oauth"):
				g.add("oauth", r.AgentID)
			}
			switch {
			case strings.Contains(rec, "aes-256"):
				g.add("aes256", r.AgentID)
			case strings.Contains(rec, "aes-128"):
				g.add("aes128", r.AgentID)
			}
		}

		// Caching looks at both.
		for _, cache := range []string{"redis", "memcached", "in-memory"} {
			if strings.Contains(guidance, cache) || anyContains(recs, cache) {
				g.add("cache:"+cache, r.AgentID)
			}
		}

		switch {
		case strings.Contains(guidance, "postgresql"):
			g.add("postgresql", r.AgentID)
		case strings.Contains(guidance, "mysql"):
			g.add("mysql", r.AgentID)
		case strings.Contains(guidance, "mongodb"):
			g.add("mongodb", r.AgentID)
		}
		switch {
		case strings.Contains(guidance, "react"):
			g.add("react", r.AgentID)
		case strings.Contains(guidance, "vue"):
			g.add("vue", r.AgentID)
		case strings.Contains(guidance, "angular"):
			g.add("angular", r.AgentID)
		}
	}

	var conflicts []Conflict
	if g.count("microservices", "monolith") == 2 {
		conflicts = append(conflicts, Conflict{
			Type:        ConflictArchitecturalPattern,
			Description: "Conflicting architectural patterns: microservices vs monolith",
			AgentIDs:    g.agents("microservices", "monolith"),
		})
	}
	if g.count("synchronous", "asynchronous") == 2 {
		conflicts = append(conflicts, Conflict{
			Type:        ConflictCommunicationPattern,
			Description: "Conflicting communication patterns: synchronous vs asynchronous",
			AgentIDs:    g.agents("synchronous", "asynchronous"),
		})
	}
	if g.count("jwt", "session", "oauth") > 1 {
		conflicts = append(conflicts, Conflict{
			Type:        ConflictSecurityAuthentication,
			Description: "Multiple authentication methods recommended",
			AgentIDs:    g.agents("jwt", "session", "oauth"),
		})
	}
	if g.count("aes256", "aes128") == 2 {
		conflicts = append(conflicts, Conflict{
			Type:        ConflictSecurityEncryption,
			Description: "Conflicting encryption standards: AES-256 vs AES-128",
			AgentIDs:    g.agents("aes256", "aes128"),
		})
	}
	if g.count("cache:redis", "cache:memcached", "cache:in-memory") > 1 {
		conflicts = append(conflicts, Conflict{
			Type:        ConflictPerformanceCaching,
			Description: "Multiple caching strategies recommended",
			AgentIDs:    g.agents("cache:redis", "cache:memcached", "cache:in-memory"),
		})
	}
	if g.count("postgresql", "mysql", "mongodb") > 1 {
		conflicts = append(conflicts, Conflict{
			Type:        ConflictTechnologyDatabase,
			Description: "Multiple database technologies recommended",
			AgentIDs:    g.agents("postgresql", "mysql", "mongodb"),
		})
	}
	if g.count("react", "vue", "angular") > 1 {
		conflicts = append(conflicts, Conflict{
			Type:        ConflictTechnologyFrontend,
			Description: "Multiple frontend frameworks recommended",
			AgentIDs:    g.agents("react", "vue", "angular"),
		})
	}
	return conflicts
}

func anyContains(items []string, sub string) bool {
	for _, s := range items {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ── Merge / resolve ─────────────────────────────────────────

func merge(requestID string, responses []*models.AgentResponse) *models.AgentResponse {
	guidance := make([]string, 0, len(responses))
	var recs []string
	seen := make(map[string]bool)
	for _, r := range responses {
		guidance = append(guidance, r.Guidance)
		for _, rec := range r.Recommendations {
			if !seen[rec] {
				seen[rec] = true
				recs = append(recs, rec)
			}
		}
	}

	out := models.SuccessResponse(requestID, strings.Join(guidance, "\n\n"), recs)
	out.Metadata["coordination-type"] = string(OutcomeMerged)
	out.Metadata["source-responses"] = strconv.Itoa(len(responses))
	out.Timestamp = time.Now().UTC()
	return out
}

func resolve(requestID string, conflicts []Conflict, responses []*models.AgentResponse) *models.AgentResponse {
	var b strings.Builder
	b.WriteString("Coordination resolved the following conflicts:\n\n")

	recs := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		res := Resolution(c.Type)
		b.WriteString("- " + c.Description + "\n")
		b.WriteString("  Resolution: " + res + "\n\n")
		recs = append(recs, res)
	}
	for _, r := range responses {
		for _, rec := range r.Recommendations {
			if !contradicts(rec, conflicts) {
				recs = append(recs, rec)
			}
		}
	}

	out := models.SuccessResponse(requestID, b.String(), recs)
	out.Metadata["coordination-type"] = string(OutcomeResolved)
	out.Metadata["conflicts-resolved"] = strconv.Itoa(len(conflicts))
	return out
}

// contradicts reports whether rec argues against a resolution that was applied.
func contradicts(rec string, conflicts []Conflict) bool {
	lower := strings.ToLower(rec)
	for _, c := range conflicts {
		switch c.Type {
		case ConflictSecurityAuthentication:
			if strings.Contains(lower, "session") && !strings.Contains(lower, "jwt") {
				return true
			}
		case ConflictSecurityEncryption:
			if strings.Contains(lower, "aes-128") {
				return true
			}
		case ConflictTechnologyDatabase:
			if strings.Contains(lower, "mysql") || strings.Contains(lower, "mongodb") {
				return true
			}
		case ConflictTechnologyFrontend:
			if strings.Contains(lower, "react") || strings.Contains(lower, "angular") {
				return true
			}
		}
	}
	return false
}
