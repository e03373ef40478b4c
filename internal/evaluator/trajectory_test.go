package evaluator_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/signalnine/agentv/internal/evaluator"
	"github.com/signalnine/agentv/internal/suite"
	"github.com/signalnine/agentv/internal/trace"
)

func toolTrace(calls ...string) *trace.Trace {
	t := &trace.Trace{}
	for _, c := range calls {
		t.Events = append(t.Events, trace.Event{Type: trace.EventToolCall, Name: c})
	}
	return t
}

func expected(tools ...string) []suite.ExpectedToolCall {
	out := make([]suite.ExpectedToolCall, len(tools))
	for i, tool := range tools {
		out[i] = suite.ExpectedToolCall{Tool: tool}
	}
	return out
}

func runTrajectory(t *testing.T, cfg suite.EvaluatorConfig, tr *trace.Trace) evaluator.Score {
	t.Helper()
	cfg.Type = "tool_trajectory"
	e, err := evaluator.Build(cfg, evaluator.Deps{})
	if err != nil {
		t.Fatal(err)
	}
	return evaluator.Run(context.Background(), e, &evaluator.Context{Case: &suite.Case{}, Trace: tr})
}

func TestTrajectory(t *testing.T) {
	tests := []struct {
		name  string
		cfg   suite.EvaluatorConfig
		trace *trace.Trace
		want  float64
	}{
		{"exact match", suite.EvaluatorConfig{Mode: "exact", Expected: expected("A", "B")}, toolTrace("A", "B"), 1},
		{"exact extra call", suite.EvaluatorConfig{Mode: "exact", Expected: expected("A", "B")}, toolTrace("A", "B", "C"), 0},
		{"exact wrong order", suite.EvaluatorConfig{Mode: "exact", Expected: expected("A", "B")}, toolTrace("B", "A"), 0},
		{"in order with gaps", suite.EvaluatorConfig{Mode: "in_order", Expected: expected("A", "B")}, toolTrace("A", "X", "B"), 1},
		{"in order partial", suite.EvaluatorConfig{Mode: "in_order", Expected: expected("A", "B", "C", "D")}, toolTrace("A", "C", "B"), 0.5},
		{"in order reversed", suite.EvaluatorConfig{Mode: "in_order", Expected: expected("A", "B")}, toolTrace("B", "A"), 0.5},
		{"any order satisfied", suite.EvaluatorConfig{Minimums: map[string]int{"Read": 2, "Bash": 1}}, toolTrace("Bash", "Read", "Read"), 1},
		{"any order partial", suite.EvaluatorConfig{Minimums: map[string]int{"Read": 2, "Bash": 1}}, toolTrace("Read", "Read"), 0.5},
		{"any order from expected", suite.EvaluatorConfig{Expected: expected("Read", "Read")}, toolTrace("Read"), 0},
		{"no tool calls", suite.EvaluatorConfig{Mode: "exact", Expected: expected("A")}, &trace.Trace{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := runTrajectory(t, tt.cfg, tt.trace)
			if absf(got.Score-tt.want) > 0.001 {
				t.Errorf("score = %v, want %v (hits %v, misses %v)", got.Score, tt.want, got.Hits, got.Misses)
			}
			if got.Score < 1 && len(got.Misses) == 0 {
				t.Error("imperfect score without misses")
			}
		})
	}
}

func TestTrajectoryNoTrace(t *testing.T) {
	got := runTrajectory(t, suite.EvaluatorConfig{Mode: "exact", Expected: expected("A")}, nil)
	if got.Score != 0 || len(got.Misses) != 1 {
		t.Errorf("got %+v", got)
	}
}

func TestTrajectoryArgs(t *testing.T) {
	tr := &trace.Trace{Events: []trace.Event{
		{Type: trace.EventToolCall, Name: "Read", Input: json.RawMessage(`{"path": "main.go", "limit": 100}`)},
	}}
	tests := []struct {
		name string
		args map[string]any
		want float64
	}{
		{"subset matches", map[string]any{"path": "main.go"}, 1},
		{"yaml int equals json number", map[string]any{"limit": 100}, 1},
		{"value differs", map[string]any{"path": "other.go"}, 0},
		{"key absent", map[string]any{"offset": 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := suite.EvaluatorConfig{Mode: "exact", Expected: []suite.ExpectedToolCall{{Tool: "Read", Args: tt.args}}}
			if got := runTrajectory(t, cfg, tr); got.Score != tt.want {
				t.Errorf("score = %v, want %v", got.Score, tt.want)
			}
		})
	}
}
