package providers

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

// Registry resolves requested model names to a usable provider. The
// provider set, catalog, and priority order are read-only after
// construction; Resolve is safe for concurrent use.
type Registry struct {
	catalog  *Catalog
	byKind   map[Kind]Provider
	attempts int
	timeout  time.Duration
	logf     func(format string, args ...any)
}

// Resolution is a successful model lookup: the provider to call, the
// canonical model id to pass it, and the capacity the budget allocator
// should plan against.
type Resolution struct {
	Provider      Provider
	Canonical     string
	ContextWindow int
	// Substituted is true when credential fallback switched away from
	// the provider that serves the requested model natively.
	Substituted bool
	// Attempted lists the providers tried, for diagnostics.
	Attempted []string
}

// NewRegistry builds a registry over the given catalog and providers.
func NewRegistry(catalog *Catalog, provs ...Provider) *Registry {
	r := &Registry{
		catalog:  catalog,
		byKind:   make(map[Kind]Provider, len(provs)),
		attempts: 2,
		timeout:  DefaultCallTimeout,
		logf:     log.Printf,
	}
	for _, p := range provs {
		r.byKind[p.Kind()] = p
	}
	return r
}

// AvailableKinds lists the provider kinds that are registered and hold
// usable credentials.
func (r *Registry) AvailableKinds() []Kind {
	var out []Kind
	for _, kind := range kindPriority {
		if p, ok := r.byKind[kind]; ok && p.Available() {
			out = append(out, kind)
		}
	}
	return out
}

// Resolve maps a requested name to a provider and canonical model id.
//
// Order: (1) a provider-qualified id ("anthropic/claude-...") is used
// directly; (2) otherwise the catalog alias table resolves the name; (3) if
// the resolved provider has no usable credentials, fall through to the next
// provider serving an equivalent tier, logging the substitution. "auto" (or
// empty) picks the first available provider/tier combination consistent
// with the restriction lists.
func (r *Registry) Resolve(requested string) (*Resolution, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" || strings.EqualFold(requested, "auto") {
		return r.resolveAuto()
	}

	if kind, rest, ok := splitQualified(requested); ok {
		p := r.byKind[kind]
		if p == nil || !p.Available() {
			return nil, fmt.Errorf("%w: %s (qualified id %q)", ErrProviderUnavailable, kind, requested)
		}
		return &Resolution{
			Provider:      p,
			Canonical:     rest,
			ContextWindow: r.catalog.ContextWindow(rest),
			Attempted:     []string{string(kind)},
		}, nil
	}

	spec, ok := r.catalog.Lookup(requested)
	if !ok {
		return nil, fmt.Errorf("%w: unknown or restricted model %q", ErrProviderUnavailable, requested)
	}

	var attempted []string
	if p := r.byKind[spec.Provider]; p != nil && p.Available() {
		return &Resolution{
			Provider:      p,
			Canonical:     spec.Canonical,
			ContextWindow: spec.ContextWindow,
			Attempted:     []string{string(spec.Provider)},
		}, nil
	}
	attempted = append(attempted, string(spec.Provider))

	// Credential fallback within the same tier.
	for _, alt := range r.catalog.SameTier(spec) {
		p := r.byKind[alt.Provider]
		if p == nil || !p.Available() {
			if len(attempted) == 0 || attempted[len(attempted)-1] != string(alt.Provider) {
				attempted = append(attempted, string(alt.Provider))
			}
			continue
		}
		r.logf("WARNING: model %q: provider %s has no usable credentials; substituting %s via %s",
			requested, spec.Provider, alt.Canonical, alt.Provider)
		return &Resolution{
			Provider:      p,
			Canonical:     alt.Canonical,
			ContextWindow: alt.ContextWindow,
			Substituted:   true,
			Attempted:     append(attempted, string(alt.Provider)),
		}, nil
	}

	return nil, fmt.Errorf("%w: %q (attempted: %s)",
		ErrProviderUnavailable, requested, strings.Join(attempted, ", "))
}

// resolveAuto picks the first available provider/model combination in
// priority order, honoring the restriction lists.
func (r *Registry) resolveAuto() (*Resolution, error) {
	var attempted []string
	for _, kind := range kindPriority {
		p := r.byKind[kind]
		if p == nil {
			continue
		}
		if !p.Available() {
			attempted = append(attempted, string(kind))
			continue
		}
		for i := range r.catalog.specs {
			spec := &r.catalog.specs[i]
			if spec.Provider != kind || !r.catalog.Permitted(spec.Canonical) {
				continue
			}
			return &Resolution{
				Provider:      p,
				Canonical:     spec.Canonical,
				ContextWindow: spec.ContextWindow,
				Attempted:     append(attempted, string(kind)),
			}, nil
		}
		attempted = append(attempted, string(kind))
	}
	return nil, fmt.Errorf("%w: auto selection (attempted: %s)",
		ErrProviderUnavailable, strings.Join(attempted, ", "))
}

// Generate runs one model call through a resolution with the registry's
// per-call timeout and attempt budget. Retries stay within the same
// provider; resolution-level fallback already happened in Resolve.
func (r *Registry) Generate(ctx context.Context, res *Resolution, req GenerateRequest) (string, error) {
	if req.Model == "" {
		req.Model = res.Canonical
	}
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		out, err := res.Provider.Generate(callCtx, req)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		r.logf("WARNING: provider %s attempt %d/%d failed: %v", res.Provider.Kind(), attempt, r.attempts, err)
	}
	return "", fmt.Errorf("provider %s: %w", res.Provider.Kind(), lastErr)
}

// splitQualified detects provider-qualified ids like "openai/gpt-5".
// Aggregator models themselves contain slashes ("deepseek/deepseek-r1"),
// so only known provider kinds qualify.
func splitQualified(requested string) (Kind, string, bool) {
	prefix, rest, ok := strings.Cut(requested, "/")
	if !ok || rest == "" {
		return "", "", false
	}
	switch k := Kind(strings.ToLower(prefix)); k {
	case KindAnthropic, KindOpenAI, KindOpenRouter, KindCustom:
		return k, rest, true
	}
	return "", "", false
}
