// Package policy decides how a produced artifact is materialized.
//
// Evaluate is a pure function of (result type, tenant, solution, table):
// it performs no I/O, reads no clock, and returns the same Decision for the
// same input. Resolution order:
//
//  1. an override supplied with the execution
//  2. the tenant's rules for the exact solution, then the tenant's "*" rules
//  3. the table defaults
//  4. Discard
//
// Any failure along the way (invalid action, missing table, panic) yields
// Discard. Data is never retained unless a rule asked for it.
//
// Tables are loaded at boot from YAML or CUE:
//
//	default_cache_ttl: 1h
//	defaults:
//	  document: persist
//	  thumbnail: {action: cache, ttl: 15m}
//	overrides:
//	  - tenant: t1
//	    solution: archive
//	    rules:
//	      thumbnail: persist
package policy
