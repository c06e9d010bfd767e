package policy

import (
	"fmt"

	"github.com/roach88/intentd/internal/model"
)

// Input is what a decision depends on.
type Input struct {
	ResultType string
	TenantID   string
	SolutionID string

	// Override is supplied by the execution and wins over the table.
	Override *Rule
}

// Evaluate returns the materialization decision for in under table.
// It never returns nil and never panics.
func Evaluate(in Input, table *Table) Decision {
	return guard(func() Decision {
		return resolve(in, table)
	})
}

// guard converts a panic in fn into Discard.
func guard(fn func() Decision) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			d = Discard{Reason: fmt.Sprintf("policy evaluation failed: %v", r)}
		}
	}()
	d = fn()
	if d == nil {
		return Discard{Reason: "no decision"}
	}
	return d
}

func resolve(in Input, table *Table) Decision {
	if in.Override != nil {
		return decide(*in.Override, table)
	}
	if table == nil {
		return Discard{Reason: "no policy table"}
	}
	if r, ok := table.lookup(in.TenantID, in.SolutionID, in.ResultType); ok {
		return decide(r, table)
	}
	if r, ok := table.Defaults[in.ResultType]; ok {
		return decide(r, table)
	}
	return Discard{Reason: fmt.Sprintf("no rule for result type %q", in.ResultType)}
}

func decide(r Rule, table *Table) Decision {
	switch r.Action {
	case model.ActionPersist:
		return Persist{}
	case model.ActionCache:
		ttl := r.TTL
		if ttl <= 0 && table != nil {
			ttl = table.DefaultCacheTTL
		}
		if ttl <= 0 {
			return Discard{Reason: "cache rule without ttl"}
		}
		return Cache{TTL: ttl}
	case model.ActionDiscard:
		return Discard{Reason: "rule"}
	default:
		return Discard{Reason: fmt.Sprintf("invalid action %q", r.Action)}
	}
}
