// Package pricing estimates the dollar cost of a provider response from its
// token usage when the provider does not report cost itself.
package pricing

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/signalnine/agentv/internal/trace"
)

// ModelPricing holds USD prices per 1K tokens.
type ModelPricing struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// Table maps provider kind to model name to price.
type Table struct {
	Providers map[string]map[string]ModelPricing
}

func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pricing file: %w", err)
	}
	var providers map[string]map[string]ModelPricing
	if err := yaml.Unmarshal(data, &providers); err != nil {
		return nil, fmt.Errorf("parsing pricing file: %w", err)
	}
	return &Table{Providers: providers}, nil
}

// lookup finds the price for model, falling back to the longest configured
// name that prefixes it so dated snapshots ("gpt-4o-2024-08-06") share the
// base model's price.
func (t *Table) lookup(provider, model string) (ModelPricing, bool) {
	if t == nil || t.Providers == nil {
		return ModelPricing{}, false
	}
	models, ok := t.Providers[provider]
	if !ok {
		return ModelPricing{}, false
	}
	if p, ok := models[model]; ok {
		return p, true
	}
	best, bestLen := ModelPricing{}, 0
	for name, p := range models {
		if strings.HasPrefix(model, name) && len(name) > bestLen {
			best, bestLen = p, len(name)
		}
	}
	return best, bestLen > 0
}

// Cost calculates total cost for a request. Prices are per 1K tokens.
func (t *Table) Cost(provider, model string, inputTokens, outputTokens int) float64 {
	p, ok := t.lookup(provider, model)
	if !ok {
		return 0
	}
	return (float64(inputTokens)/1000.0)*p.Input + (float64(outputTokens)/1000.0)*p.Output
}

// Estimate prices usage, reporting false when the model is not in the table.
func (t *Table) Estimate(provider, model string, usage *trace.TokenUsage) (float64, bool) {
	if usage == nil {
		return 0, false
	}
	if _, ok := t.lookup(provider, model); !ok {
		return 0, false
	}
	return t.Cost(provider, model, usage.InputTokens, usage.OutputTokens), true
}
