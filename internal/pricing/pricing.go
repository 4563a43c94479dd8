// Package pricing holds the static model price table and cost calculation.
//
// Prices are compiled into the binary from models.yaml and expressed in USD
// per 1,000 tokens. Lookups never fail: unknown models resolve to the
// fallback tier so usage tracking always produces a cost.
package pricing

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"llmgate/internal/core"
)

//go:embed models.yaml
var modelsYAML []byte

// Price is the per-1,000-token price of a model in USD.
type Price struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// Registry answers price and default-model lookups against the embedded table.
type Registry struct {
	models        map[string]Price
	defaultModels map[string]string
	fallback      string
}

type tableFile struct {
	DefaultModels map[string]string `yaml:"default_models"`
	Fallback      string            `yaml:"fallback"`
	Models        map[string]Price  `yaml:"models"`
}

// NewRegistry parses the embedded price table.
func NewRegistry() (*Registry, error) {
	var tf tableFile
	if err := yaml.Unmarshal(modelsYAML, &tf); err != nil {
		return nil, fmt.Errorf("parse embedded price table: %w", err)
	}
	if tf.Fallback == "" {
		return nil, fmt.Errorf("price table has no fallback tier")
	}
	if _, ok := tf.Models[tf.Fallback]; !ok {
		return nil, fmt.Errorf("fallback tier %q not present in price table", tf.Fallback)
	}
	return &Registry{
		models:        tf.Models,
		defaultModels: tf.DefaultModels,
		fallback:      tf.Fallback,
	}, nil
}

// MustRegistry is NewRegistry for startup paths where a broken embedded
// table is unrecoverable.
func MustRegistry() *Registry {
	r, err := NewRegistry()
	if err != nil {
		panic(err)
	}
	return r
}

// PriceOf returns the price for model, falling back to the default tier when
// the model is not in the table.
func (r *Registry) PriceOf(model string) Price {
	if p, ok := r.models[model]; ok {
		return p
	}
	return r.models[r.fallback]
}

// Known reports whether model has an explicit entry in the table.
func (r *Registry) Known(model string) bool {
	_, ok := r.models[model]
	return ok
}

// DefaultModel returns the default model for a provider, or "" if the
// provider is unknown.
func (r *Registry) DefaultModel(provider string) string {
	return r.defaultModels[provider]
}

// CalculateCost computes the USD cost of a call from its token usage.
// Deterministic for a given (model, usage) pair and zero for zero usage.
func (r *Registry) CalculateCost(model string, u core.Usage) float64 {
	p := r.PriceOf(model)
	return float64(u.InputTokens)/1000*p.Input + float64(u.OutputTokens)/1000*p.Output
}
