package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/intentd/internal/model"
)

// Wildcard matches every solution of a tenant in an override.
const Wildcard = "*"

// DefaultCacheTTL applies to cache rules that carry no TTL of their own.
const DefaultCacheTTL = time.Hour

// Rule maps one result type to an action.
type Rule struct {
	Action model.MaterializeAction
	TTL    time.Duration // Cache only; zero means the table default
}

// Override holds the rules of one tenant, optionally narrowed to a solution.
type Override struct {
	Tenant   string
	Solution string // Wildcard or empty applies to every solution
	Rules    map[string]Rule
}

// Table is a loaded materialization policy. It is read-only after load and
// safe for concurrent use.
type Table struct {
	DefaultCacheTTL time.Duration
	Defaults        map[string]Rule
	Overrides       []Override
}

// lookup finds the tenant rule for resultType, preferring an exact solution
// match over the tenant wildcard.
func (t *Table) lookup(tenantID, solutionID, resultType string) (Rule, bool) {
	var wildcard *Rule
	for i := range t.Overrides {
		o := &t.Overrides[i]
		if o.Tenant != tenantID {
			continue
		}
		r, ok := o.Rules[resultType]
		if !ok {
			continue
		}
		if o.Solution != "" && o.Solution != Wildcard {
			if o.Solution == solutionID {
				return r, true
			}
			continue
		}
		if wildcard == nil {
			wildcard = &r
		}
	}
	if wildcard != nil {
		return *wildcard, true
	}
	return Rule{}, false
}

// ParseRule converts a decoded rule into a Rule. A rule is either an action
// name ("persist", "cache", "discard") or a map {action, ttl}.
func ParseRule(v any) (Rule, error) {
	switch val := v.(type) {
	case string:
		return ruleFromAction(val, "")
	case map[string]any:
		action, _ := val["action"].(string)
		ttl := ""
		if raw, ok := val["ttl"]; ok {
			s, ok := raw.(string)
			if !ok {
				return Rule{}, fmt.Errorf("ttl must be a duration string, got %T", raw)
			}
			ttl = s
		}
		return ruleFromAction(action, ttl)
	case Rule:
		return val, nil
	default:
		return Rule{}, fmt.Errorf("rule must be an action name or {action, ttl}, got %T", v)
	}
}

func ruleFromAction(action, ttl string) (Rule, error) {
	r := Rule{Action: model.MaterializeAction(strings.ToLower(strings.TrimSpace(action)))}
	switch r.Action {
	case model.ActionPersist, model.ActionCache, model.ActionDiscard:
	default:
		return Rule{}, fmt.Errorf("invalid action %q", action)
	}
	if ttl != "" {
		if r.Action != model.ActionCache {
			return Rule{}, fmt.Errorf("ttl is only valid for cache rules")
		}
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return Rule{}, fmt.Errorf("invalid ttl %q: %w", ttl, err)
		}
		if d <= 0 {
			return Rule{}, fmt.Errorf("ttl must be positive, got %s", d)
		}
		r.TTL = d
	}
	return r, nil
}

// ParseRules converts a decoded result-type → rule map.
func ParseRules(raw map[string]any) (map[string]Rule, error) {
	rules := make(map[string]Rule, len(raw))
	for resultType, v := range raw {
		r, err := ParseRule(v)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", resultType, err)
		}
		rules[resultType] = r
	}
	return rules, nil
}
