package evaluator_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/signalnine/agentv/internal/evaluator"
	"github.com/signalnine/agentv/internal/suite"
)

func absf(x float64) float64 { return math.Abs(x) }

func ptr[T any](v T) *T { return &v }

func TestClamp(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0.5, 0.5},
		{-0.2, 0},
		{1.7, 1},
		{math.NaN(), 0},
		{math.Inf(1), 1},
		{math.Inf(-1), 0},
	}
	for _, tt := range tests {
		if got := evaluator.Clamp(tt.in); got != tt.want {
			t.Errorf("Clamp(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestVerdictFor(t *testing.T) {
	tests := []struct {
		score float64
		want  evaluator.Verdict
	}{
		{1, evaluator.Pass},
		{0.8, evaluator.Pass},
		{0.79, evaluator.Borderline},
		{0.6, evaluator.Borderline},
		{0.59, evaluator.Fail},
		{0, evaluator.Fail},
	}
	for _, tt := range tests {
		if got := evaluator.VerdictFor(tt.score); got != tt.want {
			t.Errorf("VerdictFor(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestBuildUnknownType(t *testing.T) {
	_, err := evaluator.Build(suite.EvaluatorConfig{Name: "oracle", Type: "telepathy"}, evaluator.Deps{})
	if !errors.Is(err, suite.ErrUnknownEvaluator) {
		t.Fatalf("want ErrUnknownEvaluator, got %v", err)
	}
}

func TestBuildConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  suite.EvaluatorConfig
		want string
	}{
		{"code judge without command", suite.EvaluatorConfig{Type: "code_judge"}, "command or script is required"},
		{"proxy target missing", suite.EvaluatorConfig{Type: "code_judge", Command: []string{"true"}, JudgeProxy: &suite.JudgeProxyConfig{Targets: []string{"nope"}}}, `judge_proxy target "nope"`},
		{"duplicate rubric", suite.EvaluatorConfig{Type: "llm_judge", Rubrics: []suite.Rubric{{ID: "a", Description: "x"}, {ID: "a", Description: "y"}}}, `duplicate rubric id "a"`},
		{"empty composite", suite.EvaluatorConfig{Type: "composite"}, "at least one child"},
		{"gate not a child", suite.EvaluatorConfig{Type: "composite", Evaluators: []suite.EvaluatorConfig{{Name: "c", Type: "is_json"}}, Aggregator: &suite.Aggregator{Type: "safety_gate", Gate: "safety"}}, `gate "safety" is not a child`},
		{"in_order without tools", suite.EvaluatorConfig{Type: "tool_trajectory", Mode: "in_order"}, "in_order needs expected tools"},
		{"any_order without minimums", suite.EvaluatorConfig{Type: "tool_trajectory"}, "any_order needs"},
		{"field accuracy without fields", suite.EvaluatorConfig{Type: "field_accuracy"}, "at least one field"},
		{"latency without max", suite.EvaluatorConfig{Type: "latency"}, "max_ms"},
		{"metrics without limits", suite.EvaluatorConfig{Type: "execution_metrics"}, "at least one limit"},
		{"bad regex", suite.EvaluatorConfig{Type: "regex", Pattern: "("}, "compiling pattern"},
		{"contains without value", suite.EvaluatorConfig{Type: "contains"}, "needs a value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := evaluator.Build(tt.cfg, evaluator.Deps{})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestBuildRubricAlias(t *testing.T) {
	e, err := evaluator.Build(suite.EvaluatorConfig{Type: "rubric", Rubrics: []suite.Rubric{{ID: "a", Description: "x"}}}, evaluator.Deps{})
	if err != nil {
		t.Fatal(err)
	}
	if e.Type() != "llm_judge" || e.Name() != "llm_judge" {
		t.Errorf("got %s/%s, want llm_judge/llm_judge", e.Name(), e.Type())
	}
}

// stub is an evaluator that returns a fixed score or panics.
type stub struct {
	cfg   suite.EvaluatorConfig
	score evaluator.Score
	panic bool
}

func (s *stub) Name() string                   { return s.cfg.Name }
func (s *stub) Type() string                   { return s.cfg.Type }
func (s *stub) Config() *suite.EvaluatorConfig { return &s.cfg }
func (s *stub) Evaluate(context.Context, *evaluator.Context) evaluator.Score {
	if s.panic {
		panic("boom")
	}
	return s.score
}

func TestRunNormalizes(t *testing.T) {
	tests := []struct {
		name        string
		score       evaluator.Score
		wantScore   float64
		wantVerdict evaluator.Verdict
		wantMiss    string
	}{
		{"out of range", evaluator.Score{Score: 3}, 1, evaluator.Pass, ""},
		{"negative", evaluator.Score{Score: -1}, 0, evaluator.Fail, "custom scored 0"},
		{"nan", evaluator.Score{Score: math.NaN()}, 0, evaluator.Fail, "custom scored 0"},
		{"borderline", evaluator.Score{Score: 0.7}, 0.7, evaluator.Borderline, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &stub{cfg: suite.EvaluatorConfig{Name: "custom", Type: "custom", Weight: ptr(2.0)}, score: tt.score}
			got := evaluator.Run(context.Background(), e, &evaluator.Context{Case: &suite.Case{}})
			if got.Score != tt.wantScore || got.Verdict != tt.wantVerdict {
				t.Errorf("got %v/%s, want %v/%s", got.Score, got.Verdict, tt.wantScore, tt.wantVerdict)
			}
			if got.Weight != 2 || got.Name != "custom" {
				t.Errorf("config not copied: %+v", got)
			}
			if got.Hits == nil || got.Misses == nil {
				t.Error("hits and misses must be non-nil")
			}
			if tt.wantMiss != "" && (len(got.Misses) != 1 || got.Misses[0] != tt.wantMiss) {
				t.Errorf("misses = %v, want [%s]", got.Misses, tt.wantMiss)
			}
		})
	}
}

func TestRunRecoversPanic(t *testing.T) {
	e := &stub{cfg: suite.EvaluatorConfig{Name: "bad", Type: "custom"}, panic: true}
	got := evaluator.Run(context.Background(), e, &evaluator.Context{Case: &suite.Case{}})
	if got.Score != 0 || got.Verdict != evaluator.Fail {
		t.Errorf("got %v/%s, want 0/fail", got.Score, got.Verdict)
	}
	if !strings.Contains(got.Error, "panicked: boom") {
		t.Errorf("error = %q", got.Error)
	}
}

func TestCombine(t *testing.T) {
	tests := []struct {
		name        string
		scores      []evaluator.Score
		wantScore   float64
		wantVerdict evaluator.Verdict
	}{
		{
			name:        "empty",
			wantVerdict: evaluator.Fail,
		},
		{
			name: "weighted mean",
			scores: []evaluator.Score{
				{Name: "a", Score: 1, Weight: 3},
				{Name: "b", Score: 0, Weight: 1},
			},
			wantScore:   0.75,
			wantVerdict: evaluator.Borderline,
		},
		{
			name: "zero weights fall back to plain mean",
			scores: []evaluator.Score{
				{Name: "a", Score: 1},
				{Name: "b", Score: 0.6},
			},
			wantScore:   0.8,
			wantVerdict: evaluator.Pass,
		},
		{
			name: "required below threshold fails the case",
			scores: []evaluator.Score{
				{Name: "safety", Score: 0.5, Weight: 1, Required: true, Threshold: 0.8},
				{Name: "quality", Score: 1, Weight: 9},
			},
			wantScore:   0.95,
			wantVerdict: evaluator.Fail,
		},
		{
			name: "required at threshold passes",
			scores: []evaluator.Score{
				{Name: "safety", Score: 0.8, Weight: 1, Required: true, Threshold: 0.8},
			},
			wantScore:   0.8,
			wantVerdict: evaluator.Pass,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := evaluator.Combine(tt.scores)
			if absf(got.Score-tt.wantScore) > 0.001 || got.Verdict != tt.wantVerdict {
				t.Errorf("got %v/%s, want %v/%s", got.Score, got.Verdict, tt.wantScore, tt.wantVerdict)
			}
			if got.Verdict == evaluator.Fail && len(got.Misses) == 0 {
				t.Error("a failing case must explain itself")
			}
		})
	}
}

func TestCombineLabelsMultipleEvaluators(t *testing.T) {
	got := evaluator.Combine([]evaluator.Score{
		{Name: "a", Score: 1, Weight: 1, Hits: []string{"good"}},
		{Name: "b", Score: 0, Weight: 1, Misses: []string{"bad"}},
	})
	if len(got.Hits) != 1 || got.Hits[0] != "a: good" {
		t.Errorf("hits = %v", got.Hits)
	}
	if len(got.Misses) != 1 || got.Misses[0] != "b: bad" {
		t.Errorf("misses = %v", got.Misses)
	}
	single := evaluator.Combine([]evaluator.Score{{Name: "a", Score: 1, Hits: []string{"good"}}})
	if single.Hits[0] != "good" {
		t.Errorf("single evaluator hits should not be labeled: %v", single.Hits)
	}
}
