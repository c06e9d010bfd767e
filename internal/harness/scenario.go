package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance scenario: a set of realms, sessions and
// authorization rules, a flow of intents to execute, and assertions over the
// resulting WAL trace and final state.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are named after it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Realms are scripted realms registered instead of the built-in ones.
	// When empty, the built-in realms are used.
	Realms []RealmSpec `yaml:"realms,omitempty"`

	// Policy is an inline materialization policy table, in the same shape
	// as a policy file. When empty, the runtime's default table applies.
	Policy map[string]any `yaml:"policy,omitempty"`

	// Rules are CEL authorization rules registered alongside the session check.
	Rules []RuleSpec `yaml:"rules,omitempty"`

	// Sessions are created before the flow runs.
	Sessions []SessionSpec `yaml:"sessions,omitempty"`

	// Flow contains the intents to execute, in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count,
	// final_state, published_count.
	Assertions []Assertion `yaml:"assertions"`

	// Start is the RFC 3339 instant the scenario clock starts at.
	// Defaults to DefaultStart.
	Start string `yaml:"start,omitempty"`

	// IDPrefix prefixes generated identifiers. Defaults to "id".
	IDPrefix string `yaml:"id_prefix,omitempty"`
}

// DefaultStart is the scenario clock's default starting instant.
var DefaultStart = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

// RealmSpec declares a scripted realm.
type RealmSpec struct {
	Name    string                `yaml:"name"`
	Intents map[string]IntentSpec `yaml:"intents"`
}

// IntentSpec scripts a realm's answer to one intent type.
type IntentSpec struct {
	// Schema is an optional JSON Schema for the intent parameters.
	Schema string `yaml:"schema,omitempty"`

	Artifacts map[string]ArtifactSpec `yaml:"artifacts,omitempty"`
	Events    []EventSpec             `yaml:"events,omitempty"`

	// Error makes the realm fail instead of producing an outcome.
	Error *ErrorSpec `yaml:"error,omitempty"`

	// CompensateError makes compensation of this intent type fail.
	CompensateError string `yaml:"compensate_error,omitempty"`
}

// ArtifactSpec is one scripted artifact.
type ArtifactSpec struct {
	ResultType  string `yaml:"result_type"`
	ContentType string `yaml:"content_type,omitempty"`
	Data        string `yaml:"data"`
}

// EventSpec is one scripted domain event.
type EventSpec struct {
	Type    string         `yaml:"type"`
	Payload map[string]any `yaml:"payload,omitempty"`
}

// ErrorSpec is a scripted realm failure.
type ErrorSpec struct {
	Code    string `yaml:"code"`
	Message string `yaml:"message"`
}

// RuleSpec is one CEL authorization rule.
type RuleSpec struct {
	Name   string `yaml:"name"`
	Effect string `yaml:"effect"`
	Expr   string `yaml:"expr"`
}

// SessionSpec creates a session before the flow.
type SessionSpec struct {
	Tenant  string         `yaml:"tenant"`
	Session string         `yaml:"session"`
	User    string         `yaml:"user"`
	Context map[string]any `yaml:"context,omitempty"`
}

// FlowStep submits one intent and optionally checks its outcome.
type FlowStep struct {
	Submit *SubmitSpec `yaml:"submit"`

	// Expect specifies the expected outcome.
	// If nil, no validation is performed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// SubmitSpec is the intent a flow step submits.
type SubmitSpec struct {
	IntentID   string         `yaml:"intent_id"`
	IntentType string         `yaml:"intent_type"`
	TenantID   string         `yaml:"tenant_id"`
	SessionID  string         `yaml:"session_id"`
	SolutionID string         `yaml:"solution_id,omitempty"`
	Parameters map[string]any `yaml:"parameters,omitempty"`
	Metadata   map[string]any `yaml:"metadata,omitempty"`
}

// ExpectClause specifies the expected outcome of a flow step.
type ExpectClause struct {
	// Status is the expected execution status, or "rejected" when the
	// intent is refused before an execution is recorded.
	Status string `yaml:"status"`

	// Code is the expected error code. Empty means no error.
	Code string `yaml:"code,omitempty"`

	// Artifacts lists the artifact names the result must carry, exactly.
	// Nil skips the check.
	Artifacts []string `yaml:"artifacts,omitempty"`

	// ManualIntervention expects the error to be flagged for an operator.
	ManualIntervention bool `yaml:"manual_intervention,omitempty"`
}

// StatusRejected is the ExpectClause status of an intent refused before
// an execution record existed.
const StatusRejected = "rejected"

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": a WAL event appears with a matching payload
	// - "trace_order": WAL events appear in order
	// - "trace_count": a WAL event appears exactly N times
	// - "final_state": query a table and verify expected values
	// - "published_count": a domain event was published exactly N times
	Type string `yaml:"type"`

	// Event is the WAL event type or, for published_count, the domain event type.
	Event string `yaml:"event,omitempty"`

	// Tenant restricts trace assertions to one tenant.
	Tenant string `yaml:"tenant,omitempty"`

	// Payload is the expected event payload (trace_contains). Subset match.
	Payload map[string]any `yaml:"payload,omitempty"`

	// Table is the state table name (final_state).
	Table string `yaml:"table,omitempty"`

	// Where specifies query filters (final_state). All fields must match exactly.
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected column values (final_state). Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of occurrences.
	Count int `yaml:"count,omitempty"`

	// Events is the expected event order (trace_order).
	Events []string `yaml:"events,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains  = "trace_contains"
	AssertTraceOrder     = "trace_order"
	AssertTraceCount     = "trace_count"
	AssertFinalState     = "final_state"
	AssertPublishedCount = "published_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field checking.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches "assertion:" vs "assertions:"
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// startTime returns the parsed clock start.
func (s *Scenario) startTime() (time.Time, error) {
	if s.Start == "" {
		return DefaultStart, nil
	}
	t, err := time.Parse(time.RFC3339, s.Start)
	if err != nil {
		return time.Time{}, fmt.Errorf("start: %w", err)
	}
	return t.UTC(), nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if _, err := s.startTime(); err != nil {
		return err
	}

	seen := map[string]bool{}
	for i, r := range s.Realms {
		if r.Name == "" {
			return fmt.Errorf("realms[%d]: name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("realms[%d]: duplicate realm %q", i, r.Name)
		}
		seen[r.Name] = true
		if len(r.Intents) == 0 {
			return fmt.Errorf("realms[%d]: intents must be non-empty", i)
		}
		for intentType, spec := range r.Intents {
			for name, a := range spec.Artifacts {
				if a.ResultType == "" {
					return fmt.Errorf("realms[%d].intents[%s].artifacts[%s]: result_type is required", i, intentType, name)
				}
			}
			if spec.Error != nil && spec.Error.Code == "" {
				return fmt.Errorf("realms[%d].intents[%s].error: code is required", i, intentType)
			}
		}
	}

	for i, r := range s.Rules {
		if r.Expr == "" {
			return fmt.Errorf("rules[%d]: expr is required", i)
		}
		if r.Effect != "allow" && r.Effect != "deny" {
			return fmt.Errorf("rules[%d]: effect must be allow or deny, got %q", i, r.Effect)
		}
	}

	for i, sess := range s.Sessions {
		if sess.Tenant == "" || sess.Session == "" {
			return fmt.Errorf("sessions[%d]: tenant and session are required", i)
		}
	}

	for i, step := range s.Flow {
		if step.Submit == nil {
			return fmt.Errorf("flow[%d]: submit is required", i)
		}
		if step.Expect != nil && step.Expect.Status == "" {
			return fmt.Errorf("flow[%d].expect: status is required", i)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount, AssertPublishedCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for %s", index, a.Type)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
