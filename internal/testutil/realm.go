package testutil

import (
	"context"
	"sort"
	"sync"

	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/registry"
)

// Script is the canned behaviour of a ScriptedRealm for one intent type.
type Script struct {
	Artifacts map[string]registry.Artifact
	Events    []model.DomainEvent

	// Err is returned instead of an outcome.
	Err *registry.RealmError

	// Block, if set, holds HandleIntent until it is closed or the context
	// is done.
	Block <-chan struct{}

	// CompensateErr is returned by Compensate.
	CompensateErr error
}

// ScriptedRealm is a registry.Realm whose answers are configured per intent
// type. It records every call for assertions.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ScriptedRealm struct {
	mu          sync.Mutex
	name        string
	version     string
	scripts     map[string]Script
	schemas     map[string]string
	calls       []model.Intent
	compensated []string
}

// NewScriptedRealm creates a realm reporting version 1.0.0.
func NewScriptedRealm(name string) *ScriptedRealm {
	return &ScriptedRealm{
		name:    name,
		version: "1.0.0",
		scripts: map[string]Script{},
		schemas: map[string]string{},
	}
}

// On declares intentType and scripts its outcome.
func (r *ScriptedRealm) On(intentType string, s Script) *ScriptedRealm {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[intentType] = s
	return r
}

// WithSchema publishes a JSON Schema for the parameters of intentType.
func (r *ScriptedRealm) WithSchema(intentType, schema string) *ScriptedRealm {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[intentType] = schema
	return r
}

// Name implements registry.Realm.
func (r *ScriptedRealm) Name() string { return r.name }

// Version implements registry.Versioned.
func (r *ScriptedRealm) Version() string { return r.version }

// DeclareIntents implements registry.Realm.
func (r *ScriptedRealm) DeclareIntents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.scripts))
	for t := range r.scripts {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ParameterSchemas implements registry.SchemaProvider.
func (r *ScriptedRealm) ParameterSchemas() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.schemas))
	for k, v := range r.schemas {
		out[k] = v
	}
	return out
}

// HandleIntent implements registry.Realm.
func (r *ScriptedRealm) HandleIntent(ctx context.Context, intent model.Intent, ec registry.ExecContext) (registry.Outcome, error) {
	r.mu.Lock()
	r.calls = append(r.calls, intent)
	s, ok := r.scripts[intent.Type]
	r.mu.Unlock()

	if !ok {
		return registry.Outcome{}, &registry.RealmError{Realm: r.name, Code: "unscripted", Message: intent.Type}
	}
	if s.Block != nil {
		select {
		case <-s.Block:
		case <-ctx.Done():
			return registry.Outcome{}, &registry.RealmError{Realm: r.name, Code: "interrupted", Message: "context done", Err: ctx.Err()}
		}
	}
	if s.Err != nil {
		return registry.Outcome{}, s.Err
	}

	out := registry.Outcome{Artifacts: map[string]registry.Artifact{}, Events: []model.DomainEvent{}}
	for name, a := range s.Artifacts {
		out.Artifacts[name] = a
	}
	for _, ev := range s.Events {
		out.Events = append(out.Events, model.DomainEvent{Type: ev.Type, Payload: ev.Payload.Clone()})
	}
	return out, nil
}

// Compensate implements registry.Compensator and records the execution.
func (r *ScriptedRealm) Compensate(_ context.Context, intent model.Intent, ec registry.ExecContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.scripts[intent.Type].CompensateErr; err != nil {
		return err
	}
	r.compensated = append(r.compensated, ec.ExecutionID)
	return nil
}

// Calls returns the intents handled so far.
func (r *ScriptedRealm) Calls() []model.Intent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Intent(nil), r.calls...)
}

// Compensated returns the executions compensated so far.
func (r *ScriptedRealm) Compensated() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.compensated...)
}
