// Package providers defines the adapter interface the gateway dispatches to
// and the registry provider packages register themselves into.
package providers

import (
	"context"
	"fmt"
	"sort"

	"llmgate/internal/core"
)

// CallConfig carries the per-call settings resolved by the gateway. The API
// key lives here rather than on the adapter so credentials are never
// persisted between calls.
type CallConfig struct {
	Model           string
	Temperature     float64
	MaxOutputTokens int
	APIKey          string
}

// Adapter is a vendor-specific LLM client with a normalized surface.
type Adapter interface {
	// Name returns the provider identifier, e.g. "openai".
	Name() string

	// Stream starts a streaming completion. The returned StreamResult owns
	// the response body; its usage and response futures resolve when the
	// stream ends, successfully or not.
	Stream(ctx context.Context, messages []core.Message, cfg CallConfig) (*StreamResult, error)

	// Generate runs a non-streaming completion.
	Generate(ctx context.Context, messages []core.Message, cfg CallConfig) (*core.LLMResponse, error)
}

// Builder creates an adapter. baseURL overrides the provider default when
// non-empty.
type Builder func(baseURL string) Adapter

var registry = make(map[string]Builder)

// Register records a provider builder. Called from init() in provider
// packages; the cmd package blank-imports them to trigger registration.
func Register(name string, builder Builder) {
	registry[name] = builder
}

// New builds the named adapter.
func New(name, baseURL string) (Adapter, error) {
	builder, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	return builder(baseURL), nil
}

// Registered returns the registered provider names, sorted.
func Registered() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
