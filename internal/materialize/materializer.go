package materialize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/policy"
	"github.com/roach88/intentd/internal/registry"
)

// Backend names recorded on artifact refs.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendS3     = "s3"
)

// StepName is the saga step that materializes artifacts.
const StepName = "materialize"

// MetadataKey is the intent metadata key carrying a materialization
// override, in the same form as a policy table rule.
const MetadataKey = "materialization"

// ErrMaterialize marks a failed write to an artifact backend.
var ErrMaterialize = errors.New("materialization failed")

// Object is one artifact to store.
type Object struct {
	TenantID    string
	ExecutionID string
	Name        string
	ContentType string
	Digest      string
	Data        []byte
	TTL         time.Duration // Zero for persisted objects
}

// Key is the backend-neutral object key "<tenant>/<execution>/<name>".
func (o Object) Key() string {
	return o.TenantID + "/" + o.ExecutionID + "/" + o.Name
}

// Backend is an external artifact store.
type Backend interface {
	Name() string
	// Locate returns the location Put reports for the object key.
	Locate(key string) string
	Put(ctx context.Context, obj Object) (location string, err error)
	Get(ctx context.Context, location string) ([]byte, error)
	Delete(ctx context.Context, location string) error
}

// Plan is the result of materializing one execution's artifacts.
type Plan struct {
	// Refs become Execution.Artifacts.
	Refs map[string]model.ArtifactRef

	// Records are written by the commit, sorted by name. Inline artifacts
	// carry their bytes.
	Records []model.ArtifactRecord

	// External lists refs already written to external backends.
	External []model.ArtifactRef

	// Discarded maps artifact name to the reason it was dropped.
	Discarded map[string]string
}

// StepData is the compensation data for the completed materialize step.
func (p Plan) StepData() model.Payload {
	ext := make([]any, 0, len(p.External))
	for _, ref := range p.External {
		ext = append(ext, map[string]any{"backend": ref.Backend, "location": ref.Location})
	}
	return model.Payload{"external": ext}
}

// target is where one artifact goes. A nil backend stores it inline.
type target struct {
	obj     Object
	ref     model.ArtifactRef
	backend Backend

	discarded bool
	reason    string
}

// Materializer routes artifacts to backends.
//
// Thread-safety: safe for concurrent use. The policy table may be swapped
// at runtime with SetTable.
type Materializer struct {
	table   atomic.Pointer[policy.Table]
	persist Backend
	cache   Backend
	clock   model.Clock
	logger  *slog.Logger
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithPersistBackend stores persisted artifacts externally.
func WithPersistBackend(b Backend) Option {
	return func(m *Materializer) {
		m.persist = b
	}
}

// WithCacheBackend stores cached artifacts externally.
func WithCacheBackend(b Backend) Option {
	return func(m *Materializer) {
		m.cache = b
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Materializer) {
		m.logger = l
	}
}

// New creates a Materializer using table. A nil table discards everything.
func New(table *policy.Table, clock model.Clock, opts ...Option) *Materializer {
	m := &Materializer{clock: clock, logger: slog.Default()}
	m.table.Store(table)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetTable replaces the policy table for subsequent executions.
func (m *Materializer) SetTable(t *policy.Table) {
	m.table.Store(t)
}

// Table returns the current policy table.
func (m *Materializer) Table() *policy.Table {
	return m.table.Load()
}

// Decide evaluates the policy for one artifact of exec.
func (m *Materializer) Decide(exec model.Execution, resultType string, override *policy.Rule) policy.Decision {
	return policy.Evaluate(policy.Input{
		ResultType: resultType,
		TenantID:   exec.TenantID,
		SolutionID: exec.SolutionID,
		Override:   override,
	}, m.table.Load())
}

// Intended returns the compensation data of a materialize step that has
// not run yet: every external location Materialize would write for these
// artifacts, keyed by object. Recorded when the step begins, it lets a
// crash in the middle of the writes be undone.
func (m *Materializer) Intended(exec model.Execution, override *policy.Rule, artifacts map[string]registry.Artifact) model.Payload {
	ext := []any{}
	for _, t := range m.route(exec, override, artifacts, time.Time{}) {
		if t.discarded || t.backend == nil {
			continue
		}
		ext = append(ext, map[string]any{
			"backend":  t.backend.Name(),
			"key":      t.obj.Key(),
			"location": t.backend.Locate(t.obj.Key()),
		})
	}
	return model.Payload{"external": ext}
}

// route decides every artifact, in name order.
func (m *Materializer) route(exec model.Execution, override *policy.Rule, artifacts map[string]registry.Artifact, now time.Time) []target {
	names := make([]string, 0, len(artifacts))
	for name := range artifacts {
		names = append(names, name)
	}
	sort.Strings(names)

	targets := make([]target, 0, len(names))
	for _, name := range names {
		art := artifacts[name]
		decision := m.Decide(exec, art.ResultType, override)

		t := target{
			obj: Object{
				TenantID:    exec.TenantID,
				ExecutionID: exec.ID,
				Name:        name,
				ContentType: art.ContentType,
				Digest:      model.Digest(model.DomainArtifact, art.Data),
				Data:        art.Data,
			},
		}
		t.ref = model.ArtifactRef{
			Name:       name,
			ResultType: art.ResultType,
			Action:     decision.Action(),
			Digest:     t.obj.Digest,
		}
		switch d := decision.(type) {
		case policy.Discard:
			t.discarded, t.reason = true, d.Reason
		case policy.Persist:
			t.backend = m.persist
		case policy.Cache:
			t.obj.TTL = d.TTL
			expires := now.Add(d.TTL)
			t.ref.ExpiresAt = &expires
			t.backend = m.cache
		}
		targets = append(targets, t)
	}
	return targets
}

// Materialize decides and stores every artifact. On a backend failure the
// external objects written so far are evicted and an ErrMaterialize error
// is returned.
func (m *Materializer) Materialize(ctx context.Context, exec model.Execution, override *policy.Rule, artifacts map[string]registry.Artifact) (Plan, error) {
	plan := Plan{
		Refs:      make(map[string]model.ArtifactRef),
		Records:   []model.ArtifactRecord{},
		External:  []model.ArtifactRef{},
		Discarded: make(map[string]string),
	}

	for _, t := range m.route(exec, override, artifacts, m.clock.Now()) {
		name, ref := t.obj.Name, t.ref
		if t.discarded {
			plan.Discarded[name] = t.reason
			m.logger.Debug("artifact discarded",
				"execution_id", exec.ID,
				"artifact", name,
				"result_type", ref.ResultType,
				"reason", t.reason,
			)
			continue
		}

		rec := model.ArtifactRecord{ExecutionID: exec.ID, TenantID: exec.TenantID}
		if t.backend == nil {
			ref.Backend = BackendSQLite
			ref.Location = BackendSQLite + "://" + t.obj.Key()
			rec.Data = t.obj.Data
		} else {
			loc, err := t.backend.Put(ctx, t.obj)
			if err != nil {
				if evictErr := m.Evict(context.WithoutCancel(ctx), plan.External); evictErr != nil {
					m.logger.Error("evict after failed materialization",
						"execution_id", exec.ID,
						"error", evictErr,
					)
				}
				return Plan{}, fmt.Errorf("%w: artifact %q to %s: %v", ErrMaterialize, name, t.backend.Name(), err)
			}
			ref.Backend = t.backend.Name()
			ref.Location = loc
			plan.External = append(plan.External, ref)
		}

		rec.Ref = ref
		plan.Refs[name] = ref
		plan.Records = append(plan.Records, rec)
	}
	return plan, nil
}

// Read returns the bytes of a stored artifact.
func (m *Materializer) Read(ctx context.Context, rec model.ArtifactRecord) ([]byte, error) {
	if rec.Ref.Backend == BackendSQLite {
		return rec.Data, nil
	}
	b, err := m.backend(rec.Ref.Backend)
	if err != nil {
		return nil, err
	}
	return b.Get(ctx, rec.Ref.Location)
}

// Evict deletes externally stored artifacts. Inline refs are ignored; they
// vanish with the rolled-back commit.
func (m *Materializer) Evict(ctx context.Context, refs []model.ArtifactRef) error {
	var errs []error
	for _, ref := range refs {
		if ref.Backend == BackendSQLite || ref.Backend == "" {
			continue
		}
		b, err := m.backend(ref.Backend)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := b.Delete(ctx, ref.Location); err != nil {
			errs = append(errs, fmt.Errorf("evict %s: %w", ref.Location, err))
		}
	}
	return errors.Join(errs...)
}

// Compensate undoes a materialize saga step. A completed step carries the
// locations actually written; a step interrupted while writing carries the
// locations it intended to write, some of which may not exist.
func (m *Materializer) Compensate(ctx context.Context, saga *model.Saga, step model.StepRecord) error {
	raw, _ := step.Data["external"].([]any)
	refs := make([]model.ArtifactRef, 0, len(raw))
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("saga %s: malformed materialize step data", saga.ID)
		}
		backend, _ := obj["backend"].(string)
		location, _ := obj["location"].(string)
		refs = append(refs, model.ArtifactRef{Backend: backend, Location: location})
	}
	if len(refs) > 0 {
		m.logger.Info("evicting artifacts", "saga_id", saga.ID, "count", len(refs))
	}
	return m.Evict(ctx, refs)
}

func (m *Materializer) backend(name string) (Backend, error) {
	for _, b := range []Backend{m.persist, m.cache} {
		if b != nil && b.Name() == name {
			return b, nil
		}
	}
	return nil, fmt.Errorf("no artifact backend %q configured", name)
}

// OverrideFromMetadata reads the materialization override of an intent, if
// any. It accepts the forms of a policy table rule: "persist", "discard",
// or {action: cache, ttl: 10m}.
func OverrideFromMetadata(md model.Payload) (*policy.Rule, error) {
	v, ok := md[MetadataKey]
	if !ok || v == nil {
		return nil, nil
	}
	if p, ok := v.(model.Payload); ok {
		v = map[string]any(p)
	}
	r, err := policy.ParseRule(v)
	if err != nil {
		return nil, fmt.Errorf("metadata %s: %w", MetadataKey, err)
	}
	return &r, nil
}
