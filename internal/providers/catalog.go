package providers

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tier groups models by intended use. The "fast" and "reasoning" aliases
// resolve through tiers, and credential fallback substitutes within a tier
// rather than silently switching to a model of a different class.
type Tier string

const (
	TierFast      Tier = "fast"
	TierReasoning Tier = "reasoning"
)

// ModelSpec describes one catalog entry: a canonical model id, the
// provider kind that serves it natively, its aliases, and its capacity.
type ModelSpec struct {
	Canonical     string   `yaml:"canonical"`
	Provider      Kind     `yaml:"provider"`
	Aliases       []string `yaml:"aliases,omitempty"`
	Tier          Tier     `yaml:"tier,omitempty"`
	ContextWindow int      `yaml:"context_window"`
}

// Catalog is the alias table. Read-only after initialization — safe for
// concurrent reads without locking.
type Catalog struct {
	specs   []ModelSpec
	byName  map[string]*ModelSpec // canonical ids and aliases, lowercased
	allowed map[string]bool       // empty means allow all
	denied  map[string]bool
}

// defaultSpecs is the built-in alias table. A YAML catalog file can extend
// or override it (LoadCatalog).
var defaultSpecs = []ModelSpec{
	{Canonical: "claude-sonnet-4-5", Provider: KindAnthropic, Aliases: []string{"sonnet"}, Tier: TierFast, ContextWindow: 200_000},
	{Canonical: "claude-opus-4-1", Provider: KindAnthropic, Aliases: []string{"opus"}, Tier: TierReasoning, ContextWindow: 200_000},
	{Canonical: "gpt-5", Provider: KindOpenAI, Aliases: []string{"gpt5"}, Tier: TierReasoning, ContextWindow: 400_000},
	{Canonical: "gpt-5-mini", Provider: KindOpenAI, Aliases: []string{"mini"}, Tier: TierFast, ContextWindow: 400_000},
	{Canonical: "o4-mini", Provider: KindOpenAI, Tier: TierFast, ContextWindow: 200_000},
	{Canonical: "deepseek/deepseek-r1", Provider: KindOpenRouter, Aliases: []string{"deepseek", "r1"}, Tier: TierReasoning, ContextWindow: 128_000},
	{Canonical: "meta-llama/llama-3.3-70b-instruct", Provider: KindOpenRouter, Aliases: []string{"llama"}, Tier: TierFast, ContextWindow: 128_000},
}

// NewCatalog builds a catalog from the given specs (nil means built-ins)
// with optional allow/deny restriction lists of canonical ids or aliases.
func NewCatalog(specs []ModelSpec, allow, deny []string) (*Catalog, error) {
	if specs == nil {
		specs = defaultSpecs
	}
	c := &Catalog{
		specs:   specs,
		byName:  make(map[string]*ModelSpec),
		allowed: toSet(allow),
		denied:  toSet(deny),
	}
	for i := range c.specs {
		spec := &c.specs[i]
		if spec.Canonical == "" {
			return nil, fmt.Errorf("catalog entry %d has no canonical id", i)
		}
		names := append([]string{spec.Canonical}, spec.Aliases...)
		for _, name := range names {
			key := strings.ToLower(name)
			if prev, dup := c.byName[key]; dup && prev.Canonical != spec.Canonical {
				return nil, fmt.Errorf("alias %q maps to both %s and %s", name, prev.Canonical, spec.Canonical)
			}
			c.byName[key] = spec
		}
	}
	return c, nil
}

// catalogFile is the YAML shape of an external model catalog.
type catalogFile struct {
	Models []ModelSpec `yaml:"models"`
}

// LoadCatalog reads model specs from a YAML file and appends them to the
// built-in table (later entries win alias collisions are rejected).
func LoadCatalog(path string, allow, deny []string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing model catalog: %w", err)
	}
	specs := append(append([]ModelSpec{}, defaultSpecs...), f.Models...)
	return NewCatalog(specs, allow, deny)
}

// Lookup resolves a requested name (canonical id or alias) to its spec.
// Tier aliases ("fast", "reasoning") resolve to the first permitted model
// of that tier in provider-priority order.
func (c *Catalog) Lookup(requested string) (*ModelSpec, bool) {
	key := strings.ToLower(strings.TrimSpace(requested))
	if key == "" {
		return nil, false
	}
	if tier := Tier(key); tier == TierFast || tier == TierReasoning {
		return c.firstOfTier(tier)
	}
	spec, ok := c.byName[key]
	if !ok || !c.Permitted(spec.Canonical) {
		return nil, false
	}
	return spec, true
}

// firstOfTier returns the highest-priority permitted model of a tier.
func (c *Catalog) firstOfTier(tier Tier) (*ModelSpec, bool) {
	for _, kind := range kindPriority {
		for i := range c.specs {
			spec := &c.specs[i]
			if spec.Provider == kind && spec.Tier == tier && c.Permitted(spec.Canonical) {
				return spec, true
			}
		}
	}
	return nil, false
}

// SameTier returns permitted models sharing a tier with the given spec,
// excluding the spec itself, in provider-priority order. Used for
// credential fallback.
func (c *Catalog) SameTier(of *ModelSpec) []*ModelSpec {
	var out []*ModelSpec
	for _, kind := range kindPriority {
		for i := range c.specs {
			spec := &c.specs[i]
			if spec == of || spec.Provider != kind {
				continue
			}
			if of.Tier != "" && spec.Tier == of.Tier && c.Permitted(spec.Canonical) {
				out = append(out, spec)
			}
		}
	}
	return out
}

// Permitted applies the allow/deny restriction lists to a canonical id.
func (c *Catalog) Permitted(canonical string) bool {
	key := strings.ToLower(canonical)
	if c.denied[key] {
		return false
	}
	if len(c.allowed) == 0 {
		return true
	}
	return c.allowed[key]
}

// ContextWindow returns the capacity for a canonical id, or a conservative
// default for models the catalog does not know.
func (c *Catalog) ContextWindow(canonical string) int {
	if spec, ok := c.byName[strings.ToLower(canonical)]; ok {
		return spec.ContextWindow
	}
	return 128_000
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			set[n] = true
		}
	}
	return set
}
