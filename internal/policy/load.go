package policy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// rawTable is the file shape shared by the YAML and CUE loaders.
type rawTable struct {
	DefaultCacheTTL string         `yaml:"default_cache_ttl" json:"default_cache_ttl"`
	Defaults        map[string]any `yaml:"defaults" json:"defaults"`
	Overrides       []rawOverride  `yaml:"overrides" json:"overrides"`
}

type rawOverride struct {
	Tenant   string         `yaml:"tenant" json:"tenant"`
	Solution string         `yaml:"solution" json:"solution"`
	Rules    map[string]any `yaml:"rules" json:"rules"`
}

// LoadFile loads a policy table, choosing the format by extension:
// .cue for CUE, .yaml/.yml/.json for YAML.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy table: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return LoadCUE(data, path)
	case ".yaml", ".yml", ".json":
		return LoadYAML(data)
	default:
		return nil, fmt.Errorf("policy table %s: unsupported extension %q", path, filepath.Ext(path))
	}
}

// LoadYAML parses a YAML (or JSON) policy table. Unknown fields are rejected.
func LoadYAML(data []byte) (*Table, error) {
	var raw rawTable
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse policy table: %w", err)
	}
	return raw.build()
}

func (raw rawTable) build() (*Table, error) {
	t := &Table{
		DefaultCacheTTL: DefaultCacheTTL,
		Defaults:        map[string]Rule{},
		Overrides:       []Override{},
	}

	if raw.DefaultCacheTTL != "" {
		d, err := time.ParseDuration(raw.DefaultCacheTTL)
		if err != nil {
			return nil, fmt.Errorf("default_cache_ttl: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("default_cache_ttl must be positive, got %s", d)
		}
		t.DefaultCacheTTL = d
	}

	defaults, err := ParseRules(raw.Defaults)
	if err != nil {
		return nil, fmt.Errorf("defaults: %w", err)
	}
	t.Defaults = defaults

	seen := map[string]bool{}
	for i, ro := range raw.Overrides {
		if strings.TrimSpace(ro.Tenant) == "" {
			return nil, fmt.Errorf("overrides[%d]: tenant is required", i)
		}
		solution := ro.Solution
		if solution == "" {
			solution = Wildcard
		}
		key := ro.Tenant + "\x00" + solution
		if seen[key] {
			return nil, fmt.Errorf("overrides[%d]: duplicate override for tenant %q solution %q", i, ro.Tenant, solution)
		}
		seen[key] = true

		rules, err := ParseRules(ro.Rules)
		if err != nil {
			return nil, fmt.Errorf("overrides[%d]: %w", i, err)
		}
		t.Overrides = append(t.Overrides, Override{Tenant: ro.Tenant, Solution: solution, Rules: rules})
	}
	return t, nil
}
