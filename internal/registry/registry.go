// Package registry maps intent types to the realms that handle them.
//
// Registration is a boot-time concern: realms are registered, the registry
// is sealed, and from then on it is read-only. Intent types are globally
// unique; a second realm declaring an owned type is rejected at Register.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/roach88/intentd/internal/model"
)

var (
	ErrUnknownIntent     = errors.New("unknown intent type")
	ErrDuplicateIntent   = errors.New("intent type already registered")
	ErrDuplicateRealm    = errors.New("realm already registered")
	ErrSealed            = errors.New("registry is sealed")
	ErrInvalidRealm      = errors.New("invalid realm")
	ErrInvalidParameters = errors.New("invalid parameters")
)

// Registry owns the realms of one runtime instance.
//
// Thread-safety: Registry is safe for concurrent use. Resolve takes a read lock.
type Registry struct {
	mu       sync.RWMutex
	realms   map[string]Realm
	order    []string
	byIntent map[string]string
	versions map[string]*semver.Version
	schemas  map[string]*jsonschema.Schema
	sealed   bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		realms:   make(map[string]Realm),
		byIntent: make(map[string]string),
		versions: make(map[string]*semver.Version),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Register adds a realm and claims its declared intent types.
// Nothing is registered if any check fails.
func (r *Registry) Register(realm Realm) error {
	if realm == nil {
		return fmt.Errorf("%w: nil realm", ErrInvalidRealm)
	}
	name := strings.TrimSpace(realm.Name())
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidRealm)
	}

	intents := realm.DeclareIntents()
	if len(intents) == 0 {
		return fmt.Errorf("%w: realm %s declares no intents", ErrInvalidRealm, name)
	}

	var version *semver.Version
	if v, ok := realm.(Versioned); ok {
		parsed, err := semver.NewVersion(v.Version())
		if err != nil {
			return fmt.Errorf("%w: realm %s version %q: %v", ErrInvalidRealm, name, v.Version(), err)
		}
		version = parsed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("register %s: %w", name, ErrSealed)
	}
	if _, ok := r.realms[name]; ok {
		return fmt.Errorf("register %s: %w", name, ErrDuplicateRealm)
	}

	seen := make(map[string]bool, len(intents))
	for _, it := range intents {
		it = model.NormalizeID(strings.TrimSpace(it))
		if it == "" {
			return fmt.Errorf("%w: realm %s declares an empty intent type", ErrInvalidRealm, name)
		}
		if seen[it] {
			return fmt.Errorf("%w: realm %s declares %q twice", ErrInvalidRealm, name, it)
		}
		seen[it] = true
		if owner, ok := r.byIntent[it]; ok {
			return fmt.Errorf("register %s: %q owned by %s: %w", name, it, owner, ErrDuplicateIntent)
		}
	}

	schemas := map[string]*jsonschema.Schema{}
	if sp, ok := realm.(SchemaProvider); ok {
		for raw, src := range sp.ParameterSchemas() {
			it := model.NormalizeID(strings.TrimSpace(raw))
			if !seen[it] {
				return fmt.Errorf("%w: realm %s has a schema for undeclared intent %q", ErrInvalidRealm, name, it)
			}
			if _, ok := schemas[it]; ok {
				return fmt.Errorf("%w: realm %s has two schemas for %q", ErrInvalidRealm, name, it)
			}
			compiled, err := compileSchema(name, it, src)
			if err != nil {
				return err
			}
			schemas[it] = compiled
		}
	}

	r.realms[name] = realm
	r.order = append(r.order, name)
	for it := range seen {
		r.byIntent[it] = name
	}
	for it, s := range schemas {
		r.schemas[it] = s
	}
	if version != nil {
		r.versions[name] = version
	}
	return nil
}

func compileSchema(realm, intentType, src string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://intentd.local/schemas/%s/%s.schema.json", realm, intentType)
	if err := c.AddResource(url, strings.NewReader(src)); err != nil {
		return nil, fmt.Errorf("%w: realm %s schema for %q: %v", ErrInvalidRealm, realm, intentType, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%w: realm %s schema for %q: %v", ErrInvalidRealm, realm, intentType, err)
	}
	return compiled, nil
}

// Seal ends registration. Later calls to Register fail with ErrSealed.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Resolve returns the realm owning intentType.
func (r *Registry) Resolve(intentType string) (Realm, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.byIntent[model.NormalizeID(intentType)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIntent, intentType)
	}
	return r.realms[name], nil
}

// ValidateParameters checks params against the intent type's JSON Schema.
// Intent types without a schema accept any parameters.
func (r *Registry) ValidateParameters(intentType string, params model.Payload) error {
	r.mu.RLock()
	schema, ok := r.schemas[model.NormalizeID(intentType)]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	if params == nil {
		params = model.Payload{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidParameters, intentType, err)
	}
	return nil
}

// Version returns the semantic version a realm reported, if any.
func (r *Registry) Version(realm string) (*semver.Version, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.versions[realm]
	return v, ok
}

// Realms returns realm names in registration order.
func (r *Registry) Realms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// IntentTypes returns every registered intent type, sorted.
func (r *Registry) IntentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.byIntent))
	for it := range r.byIntent {
		types = append(types, it)
	}
	sort.Strings(types)
	return types
}

// Close releases realms that implement io.Closer, in reverse registration
// order. Every closer runs; their errors are joined.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		if c, ok := r.realms[name].(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close realm %s: %w", name, err))
			}
		}
	}
	r.sealed = true
	return errors.Join(errs...)
}
