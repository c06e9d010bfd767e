package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/intentd/internal/app"
	"github.com/roach88/intentd/internal/config"
	"github.com/roach88/intentd/internal/lifecycle"
	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/observer"
	"github.com/roach88/intentd/internal/outbox"
	"github.com/roach88/intentd/internal/policy"
	"github.com/roach88/intentd/internal/registry"
	"github.com/roach88/intentd/internal/testutil"
)

// ClockStep is how far the scenario clock advances on every reading.
const ClockStep = time.Millisecond

// Harness runs one scenario against a real runtime.
type Harness struct {
	rt     *app.Runtime
	logger *slog.Logger

	mu        sync.Mutex
	published []PublishedEvent
}

// RunOption configures Run.
type RunOption func(*runOptions)

type runOptions struct {
	logger *slog.Logger
}

// WithLogger routes runtime logs to l. Logs are discarded by default.
func WithLogger(l *slog.Logger) RunOption {
	return func(o *runOptions) {
		o.logger = l
	}
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh database in a temporary directory, with
// a fixed clock and sequential identifiers, so the same scenario always
// produces the same trace.
//
// Execution flow:
//  1. Open a runtime with the scenario's realms
//  2. Install the policy table and CEL rules, create sessions
//  3. Execute each flow step and check its expect clause
//  4. Flush the outbox once
//  5. Collect the WAL trace and evaluate assertions
//
// The error is reserved for harness failures; failed expectations are
// reported on the result.
func Run(ctx context.Context, scenario *Scenario, opts ...RunOption) (*Result, error) {
	o := runOptions{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	start, err := scenario.startTime()
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "intentd-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	cfg, err := config.LoadFrom(map[string]string{
		config.Prefix + "DB_PATH": filepath.Join(dir, "scenario.db"),
		config.Prefix + "WORKERS": "1",
	})
	if err != nil {
		return nil, err
	}

	h := &Harness{logger: o.logger}
	clock := testutil.NewFixedClock(start, ClockStep)
	idPrefix := scenario.IDPrefix
	if idPrefix == "" {
		idPrefix = "id"
	}
	appOpts := []app.Option{
		app.WithClock(clock, testutil.NewSequenceIDs(idPrefix)),
		app.WithPublisher(outbox.PublisherFunc(h.publish)),
	}
	if len(scenario.Realms) > 0 {
		realms, err := buildRealms(scenario.Realms)
		if err != nil {
			return nil, err
		}
		appOpts = append(appOpts, app.WithRealms(realms...))
	}

	rt, err := app.Open(ctx, cfg, o.logger, appOpts...)
	if err != nil {
		return nil, fmt.Errorf("open runtime: %w", err)
	}
	defer rt.Close(context.WithoutCancel(ctx))
	h.rt = rt

	if err := h.setup(ctx, scenario, clock); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	result := NewResult()
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	if _, err := rt.Relay.Flush(ctx); err != nil {
		return nil, fmt.Errorf("flush outbox: %w", err)
	}
	h.mu.Lock()
	result.Published = append(result.Published, h.published...)
	h.mu.Unlock()

	trace, err := h.collectTrace(ctx)
	if err != nil {
		return nil, err
	}
	result.Trace = trace

	actx := &AssertionContext{Ctx: ctx, Query: rt.Store.DB()}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// buildRealms turns realm specs into scripted realms.
func buildRealms(specs []RealmSpec) ([]registry.Realm, error) {
	realms := make([]registry.Realm, 0, len(specs))
	for _, spec := range specs {
		realm := testutil.NewScriptedRealm(spec.Name)
		for _, intentType := range sortedKeys(spec.Intents) {
			is := spec.Intents[intentType]
			script := testutil.Script{
				Artifacts: map[string]registry.Artifact{},
			}
			for name, a := range is.Artifacts {
				script.Artifacts[name] = registry.Artifact{
					ResultType:  a.ResultType,
					ContentType: a.ContentType,
					Data:        []byte(a.Data),
				}
			}
			for _, ev := range is.Events {
				script.Events = append(script.Events, model.DomainEvent{
					Type:    ev.Type,
					Payload: model.Payload(ev.Payload).Clone(),
				})
			}
			if is.Error != nil {
				script.Err = &registry.RealmError{Realm: spec.Name, Code: is.Error.Code, Message: is.Error.Message}
			}
			if is.CompensateError != "" {
				script.CompensateErr = errors.New(is.CompensateError)
			}
			realm.On(intentType, script)
			if is.Schema != "" {
				realm.WithSchema(intentType, is.Schema)
			}
		}
		realms = append(realms, realm)
	}
	return realms, nil
}

// setup installs the scenario's policy table and rules and creates sessions.
func (h *Harness) setup(ctx context.Context, s *Scenario, clock model.Clock) error {
	if len(s.Policy) > 0 {
		raw, err := yaml.Marshal(s.Policy)
		if err != nil {
			return fmt.Errorf("encode policy: %w", err)
		}
		table, err := policy.LoadYAML(raw)
		if err != nil {
			return err
		}
		h.rt.Materializer.SetTable(table)
	}

	if len(s.Rules) > 0 {
		rules := make([]observer.CELRule, 0, len(s.Rules))
		for _, r := range s.Rules {
			rules = append(rules, observer.CELRule{Name: r.Name, Effect: observer.Effect(r.Effect), Expr: r.Expr})
		}
		authz, err := observer.NewCELAuthorizer(rules)
		if err != nil {
			return err
		}
		if err := h.rt.Bus.RegisterAuthorizer("scenario", authz); err != nil {
			return err
		}
	}

	for i, sess := range s.Sessions {
		err := h.rt.Store.CreateSession(ctx, model.Session{
			ID:        sess.Session,
			TenantID:  sess.Tenant,
			UserID:    sess.User,
			Context:   model.Payload(sess.Context).Clone(),
			CreatedAt: clock.Now(),
		})
		if err != nil {
			return fmt.Errorf("sessions[%d]: %w", i, err)
		}
	}
	return nil
}

// executeFlow runs every flow step and validates expect clauses.
//
// Each step goes through the lifecycle manager synchronously. A lifecycle
// error is an outcome to compare, not a harness failure.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		sub := step.Submit
		intent := model.Intent{
			ID:         sub.IntentID,
			Type:       sub.IntentType,
			TenantID:   sub.TenantID,
			SessionID:  sub.SessionID,
			SolutionID: sub.SolutionID,
			Parameters: model.Payload(sub.Parameters).Clone(),
			Metadata:   model.Payload(sub.Metadata).Clone(),
		}

		res, err := h.rt.Manager.Execute(ctx, intent)
		out := Outcome{IntentID: sub.IntentID, ExecutionID: res.ExecutionID, Status: string(res.Status)}
		if res.Error != nil {
			out.Code = res.Error.Code
		}
		if err != nil {
			if res.ExecutionID == "" {
				out.Status = StatusRejected
			}
			if out.Code == "" {
				out.Code = string(lifecycle.CodeOf(err))
			}
			if out.Code == "" {
				return fmt.Errorf("flow step %d: %w", i, err)
			}
		}
		result.Outcomes = append(result.Outcomes, out)

		h.logger.Info("flow step completed",
			"step", i,
			"intent_type", sub.IntentType,
			"execution_id", out.ExecutionID,
			"status", out.Status,
			"code", out.Code,
		)

		if step.Expect != nil {
			for _, msg := range checkExpect(i, step.Expect, out, res) {
				result.AddError(msg)
			}
		}
	}
	return nil
}

// checkExpect compares one step's outcome against its expect clause.
func checkExpect(step int, want *ExpectClause, got Outcome, res lifecycle.Result) []string {
	var errs []string
	if want.Status != got.Status {
		errs = append(errs, fmt.Sprintf("flow[%d]: expected status %s, got %s", step, want.Status, got.Status))
	}
	if want.Code != got.Code {
		errs = append(errs, fmt.Sprintf("flow[%d]: expected code %q, got %q", step, want.Code, got.Code))
	}
	if want.Artifacts != nil {
		expected := append([]string(nil), want.Artifacts...)
		sort.Strings(expected)
		actual := sortedKeys(res.Artifacts)
		if strings.Join(expected, ",") != strings.Join(actual, ",") {
			errs = append(errs, fmt.Sprintf("flow[%d]: expected artifacts %v, got %v", step, expected, actual))
		}
	}
	manual := res.Error != nil && res.Error.ManualIntervention
	if want.ManualIntervention != manual {
		errs = append(errs, fmt.Sprintf("flow[%d]: expected manual_intervention=%t, got %t", step, want.ManualIntervention, manual))
	}
	return errs
}

func (h *Harness) publish(_ context.Context, e model.OutboxEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.published = append(h.published, PublishedEvent{
		Type:        e.EventType,
		Tenant:      e.TenantID,
		ExecutionID: e.ExecutionID,
	})
	return nil
}

// collectTrace reads every WAL partition and orders entries by timestamp.
// The fixed clock never repeats an instant, so the order is total.
func (h *Harness) collectTrace(ctx context.Context) ([]TraceEvent, error) {
	partitions, err := h.rt.Store.ListPartitions(ctx, "")
	if err != nil {
		return nil, err
	}

	var entries []model.WALEntry
	for _, p := range partitions {
		es, err := h.rt.Store.ReadPartition(ctx, p, time.Time{}, time.Time{}, 0)
		if err != nil {
			return nil, err
		}
		entries = append(entries, es...)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		if entries[i].Partition != entries[j].Partition {
			return entries[i].Partition < entries[j].Partition
		}
		return entries[i].Seq < entries[j].Seq
	})

	trace := make([]TraceEvent, 0, len(entries))
	for _, e := range entries {
		var payload map[string]any
		if err := model.DecodePayload([]byte(e.Payload), &payload); err != nil {
			return nil, fmt.Errorf("decode wal payload %s: %w", e.EventID, err)
		}
		trace = append(trace, TraceEvent{
			Type:        string(e.EventType),
			Tenant:      e.TenantID,
			Partition:   e.Partition,
			Seq:         e.Seq,
			ExecutionID: e.ExecutionID,
			Payload:     payload,
		})
	}
	return trace, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
