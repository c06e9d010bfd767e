package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/roach88/intentd/internal/model"
)

// Effect is what a matching CEL rule does.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// CELRule is one authorization rule. Expr must evaluate to a bool over the
// variable "intent" (intent_id, intent_type, tenant_id, session_id,
// solution_id, parameters, metadata).
type CELRule struct {
	Name   string `yaml:"name"`
	Effect Effect `yaml:"effect"`
	Expr   string `yaml:"expr"`
}

// CELAuthorizer evaluates rules compiled at construction.
//
// A matching deny rule denies. If any allow rule exists, at least one must
// match. Evaluation errors deny (fail closed).
type CELAuthorizer struct {
	rules    []compiledRule
	hasAllow bool
}

type compiledRule struct {
	CELRule
	prg cel.Program
}

// NewCELAuthorizer compiles rules. Invalid rules fail construction, so a bad
// rule file stops the boot instead of allowing traffic.
func NewCELAuthorizer(rules []CELRule) (*CELAuthorizer, error) {
	env, err := cel.NewEnv(
		cel.Variable("intent", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	a := &CELAuthorizer{}
	for i, r := range rules {
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule-%d", i)
		}
		switch r.Effect {
		case EffectAllow:
			a.hasAllow = true
		case EffectDeny:
		default:
			return nil, fmt.Errorf("rule %s: invalid effect %q", r.Name, r.Effect)
		}

		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %s: compile: %w", r.Name, issues.Err())
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("rule %s: expression must be bool, got %s", r.Name, out)
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("rule %s: program: %w", r.Name, err)
		}
		a.rules = append(a.rules, compiledRule{CELRule: r, prg: prg})
	}
	return a, nil
}

// LoadCELRules reads a YAML file of the form {rules: [{name, effect, expr}]}.
func LoadCELRules(path string) ([]CELRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var file struct {
		Rules []CELRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	for i := range file.Rules {
		file.Rules[i].Effect = Effect(strings.ToLower(string(file.Rules[i].Effect)))
	}
	return file.Rules, nil
}

// Authorize implements Authorizer.
func (a *CELAuthorizer) Authorize(ctx context.Context, req Request) (Verdict, error) {
	input, err := celInput(req.Intent)
	if err != nil {
		return Verdict{}, err
	}

	allowed := false
	for _, r := range a.rules {
		out, _, err := r.prg.ContextEval(ctx, input)
		if err != nil {
			return Verdict{}, fmt.Errorf("rule %s: eval: %w", r.Name, err)
		}
		match, ok := out.Value().(bool)
		if !ok {
			return Verdict{}, fmt.Errorf("rule %s: result not bool", r.Name)
		}
		if !match {
			continue
		}
		if r.Effect == EffectDeny {
			return Deny("denied by rule " + r.Name), nil
		}
		allowed = true
	}

	if a.hasAllow && !allowed {
		return Deny("no allow rule matched"), nil
	}
	return Allow(), nil
}

// celInput flattens the intent into plain JSON values CEL can adapt.
func celInput(intent model.Intent) (map[string]any, error) {
	raw, err := json.Marshal(intent)
	if err != nil {
		return nil, fmt.Errorf("encode intent: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode intent: %w", err)
	}
	for _, k := range []string{"parameters", "metadata"} {
		if m[k] == nil {
			m[k] = map[string]any{}
		}
	}
	if _, ok := m["solution_id"]; !ok {
		m["solution_id"] = ""
	}
	return map[string]any{"intent": m}, nil
}
