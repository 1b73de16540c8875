// Package providers resolves model names to concrete AI backends.
//
// A static catalog maps short aliases (including the "fast" and
// "reasoning" tier aliases) to canonical model ids, and a registry picks
// the provider that serves a canonical id — falling through a configured
// priority order when the preferred provider has no usable credentials.
// HTTP specifics, auth headers, and vendor response shapes live entirely
// behind the Provider interface.
package providers

import (
	"context"
	"errors"
	"time"
)

// ErrProviderUnavailable means no provider in the fallback chain is usable
// for the requested model. Never silently degrades to a wrong model.
var ErrProviderUnavailable = errors.New("no usable model provider")

// Kind identifies a provider backend.
type Kind string

const (
	KindAnthropic  Kind = "anthropic"
	KindOpenAI     Kind = "openai"
	KindOpenRouter Kind = "openrouter" // aggregator, OpenAI-compatible
	KindCustom     Kind = "custom"     // local / self-hosted endpoint
)

// kindPriority is the resolution order: native API providers before the
// aggregator before a local endpoint.
var kindPriority = []Kind{KindAnthropic, KindOpenAI, KindOpenRouter, KindCustom}

// GenerateRequest is the provider-neutral shape of one model call.
type GenerateRequest struct {
	Model        string // canonical model id
	SystemPrompt string
	Prompt       string
	// Files carries already-rendered embedded file blocks, appended to
	// the prompt body.
	Files       string
	MaxTokens   int
	Temperature *float64
}

// Provider is the only surface the workflow engine sees. Implementations
// own their SDK client, timeouts excepted: the context carries those.
type Provider interface {
	Kind() Kind
	// Available reports whether the provider has usable credentials.
	// Read-only after initialization; safe for concurrent use.
	Available() bool
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

const (
	// DefaultCallTimeout bounds a single outbound provider call.
	DefaultCallTimeout = 3 * time.Minute
	// DefaultMaxOutputTokens is the per-call output budget when the
	// request does not set one.
	DefaultMaxOutputTokens = 8192
)
