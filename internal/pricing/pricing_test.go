package pricing_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/signalnine/agentv/internal/pricing"
	"github.com/signalnine/agentv/internal/trace"
)

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func loadTable(t *testing.T) *pricing.Table {
	t.Helper()
	dir := t.TempDir()
	content := `anthropic:
  claude-sonnet-4-5:
    input: 0.003
    output: 0.015
openai:
  gpt-4o:
    input: 0.0025
    output: 0.01
  gpt-4o-mini:
    input: 0.00015
    output: 0.0006
`
	path := filepath.Join(dir, "pricing.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	table, err := pricing.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return table
}

func TestLoadPricing(t *testing.T) {
	table := loadTable(t)
	cost := table.Cost("anthropic", "claude-sonnet-4-5", 1000, 500)
	want := 0.0105
	if abs(cost-want) > 0.0001 {
		t.Errorf("got %f, want %f", cost, want)
	}
}

func TestCostPrefixMatch(t *testing.T) {
	table := loadTable(t)
	tests := []struct {
		model string
		want  float64
	}{
		{"gpt-4o-2024-08-06", 0.0025},
		{"gpt-4o-mini-2024-07-18", 0.00015},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got := table.Cost("openai", tt.model, 1000, 0)
			if abs(got-tt.want) > 1e-9 {
				t.Errorf("got %f, want %f", got, tt.want)
			}
		})
	}
}

func TestCostUnknownModel(t *testing.T) {
	table := &pricing.Table{}
	cost := table.Cost("unknown", "unknown", 1000, 500)
	if cost != 0 {
		t.Errorf("expected 0 for unknown model, got %f", cost)
	}
}

func TestEstimate(t *testing.T) {
	table := loadTable(t)
	if _, ok := table.Estimate("openai", "gpt-4o", nil); ok {
		t.Error("expected no estimate without usage")
	}
	if _, ok := table.Estimate("openai", "o1", &trace.TokenUsage{InputTokens: 10}); ok {
		t.Error("expected no estimate for unpriced model")
	}
	got, ok := table.Estimate("openai", "gpt-4o", &trace.TokenUsage{InputTokens: 2000, OutputTokens: 1000})
	if !ok || abs(got-0.015) > 1e-9 {
		t.Errorf("got %f (%v), want 0.015", got, ok)
	}
	var nilTable *pricing.Table
	if _, ok := nilTable.Estimate("openai", "gpt-4o", &trace.TokenUsage{}); ok {
		t.Error("nil table should not estimate")
	}
}
