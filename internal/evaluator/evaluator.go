// Package evaluator scores a provider response. Every evaluator kind is built
// from a suite.EvaluatorConfig by Build and run through Run, which guarantees a
// clamped score and an explanation for every failure.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/signalnine/agentv/internal/metrics"
	"github.com/signalnine/agentv/internal/provider"
	"github.com/signalnine/agentv/internal/suite"
	"github.com/signalnine/agentv/internal/trace"
)

// ErrNoJudgeTarget is reported when an evaluator needs an LLM but no judge
// target is configured.
var ErrNoJudgeTarget = errors.New("no judge target configured")

type Verdict string

const (
	Pass       Verdict = "pass"
	Borderline Verdict = "borderline"
	Fail       Verdict = "fail"
)

// Verdict score bars.
const (
	PassThreshold       = 0.8
	BorderlineThreshold = 0.6
)

// VerdictFor maps a score onto a verdict.
func VerdictFor(score float64) Verdict {
	switch {
	case score >= PassThreshold:
		return Pass
	case score >= BorderlineThreshold:
		return Borderline
	default:
		return Fail
	}
}

// Score is the outcome of one evaluator. Composites nest their children in
// EvaluatorResults.
type Score struct {
	Name             string   `json:"name"`
	Type             string   `json:"type"`
	Score            float64  `json:"score"`
	Verdict          Verdict  `json:"verdict"`
	Hits             []string `json:"hits"`
	Misses           []string `json:"misses"`
	Reasoning        string   `json:"reasoning,omitempty"`
	Weight           float64  `json:"weight"`
	Required         bool     `json:"required,omitempty"`
	Threshold        float64  `json:"threshold,omitempty"`
	EvaluatorResults []Score  `json:"evaluator_results,omitempty"`
	Error            string   `json:"error,omitempty"`

	// forcedFail marks a score whose verdict is fail regardless of value,
	// such as an llm_judge with an unsatisfied required rubric.
	forcedFail bool
}

// ForcedFail reports whether the evaluator failed the case outright.
func (s Score) ForcedFail() bool { return s.forcedFail }

// Context is everything an evaluator may look at. It is shared read-only by
// all evaluators of a case.
type Context struct {
	Case           *suite.Case
	Answer         string
	OutputMessages []suite.Message
	Trace          *trace.Trace
	Summary        trace.Summary
	Metrics        *trace.ExecutionMetrics
	// FileChanges is a unified diff of what the agent changed in the case
	// workspace, if one was prepared.
	FileChanges string
	// WorkDir is the case workspace. Code judges get a private copy.
	WorkDir string
}

// Deps are the collaborators evaluators may call.
type Deps struct {
	// Judge is the default judge target, JudgeTarget its name.
	Judge       provider.Provider
	JudgeTarget string
	// Targets are all configured targets by name, for per-evaluator overrides
	// and judge proxy target selection.
	Targets map[string]provider.Provider
}

func (d Deps) judge(name string) (provider.Provider, string, error) {
	if name == "" || name == d.JudgeTarget {
		if d.Judge == nil {
			return nil, "", ErrNoJudgeTarget
		}
		return d.Judge, d.JudgeTarget, nil
	}
	p, ok := d.Targets[name]
	if !ok {
		return nil, "", fmt.Errorf("judge target %q is not configured", name)
	}
	return p, name, nil
}

type Evaluator interface {
	Name() string
	Type() string
	Config() *suite.EvaluatorConfig
	Evaluate(ctx context.Context, ec *Context) Score
}

// base carries the common configuration every evaluator embeds.
type base struct {
	cfg suite.EvaluatorConfig
}

func (b *base) Name() string                   { return b.cfg.Name }
func (b *base) Type() string                   { return b.cfg.Type }
func (b *base) Config() *suite.EvaluatorConfig { return &b.cfg }

// Build constructs the evaluator for cfg. Configuration errors surface here,
// before any case runs.
func Build(cfg suite.EvaluatorConfig, deps Deps) (Evaluator, error) {
	if cfg.Type == "rubric" {
		cfg.Type = "llm_judge"
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Type
	}
	b := base{cfg: cfg}
	var (
		e   Evaluator
		err error
	)
	switch cfg.Type {
	case "code_judge":
		e, err = newCodeJudge(b, deps)
	case "llm_judge":
		e, err = newLLMJudge(b, deps)
	case "composite":
		e, err = newComposite(b, deps)
	case "tool_trajectory":
		e, err = newToolTrajectory(b)
	case "field_accuracy":
		e, err = newFieldAccuracy(b)
	case "latency", "cost", "token_usage", "execution_metrics":
		e, err = newThreshold(b)
	case "contains", "regex", "equals", "is_json":
		e, err = newTextCheck(b)
	default:
		return nil, fmt.Errorf("evaluator %q: %w %q", cfg.Name, suite.ErrUnknownEvaluator, cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("evaluator %q (%s): %w", cfg.Name, cfg.Type, err)
	}
	return e, nil
}

// BuildAll builds every config, failing on the first error.
func BuildAll(cfgs []suite.EvaluatorConfig, deps Deps) ([]Evaluator, error) {
	out := make([]Evaluator, 0, len(cfgs))
	for _, c := range cfgs {
		e, err := Build(c, deps)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// DefaultConfig is used for cases that configure no evaluator at all.
func DefaultConfig() suite.EvaluatorConfig {
	return suite.EvaluatorConfig{Name: "llm_judge", Type: "llm_judge"}
}

// Run evaluates e and normalizes the outcome: panics become failures, the
// score is clamped to [0,1], the verdict is set and a zero score always
// carries at least one miss.
func Run(ctx context.Context, e Evaluator, ec *Context) (s Score) {
	tr := otel.Tracer("github.com/signalnine/agentv/internal/evaluator")
	ctx, span := tr.Start(ctx, "evaluator.run", oteltrace.WithAttributes(
		attribute.String("evaluator.name", e.Name()),
		attribute.String("evaluator.type", e.Type()),
	))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			s = failure(fmt.Errorf("evaluator panicked: %v", r))
		}
		finalize(&s, e)

		span.SetAttributes(attribute.Float64("evaluator.score", s.Score))
		if s.Error != "" {
			metrics.EvaluatorFailures.WithLabelValues(s.Type).Inc()
			span.SetStatus(codes.Error, s.Error)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		metrics.EvaluatorScores.WithLabelValues(s.Type).Observe(s.Score)
		span.SetAttributes(attribute.Int64("evaluator.duration_ms", time.Since(start).Milliseconds()))
		span.End()
	}()
	return e.Evaluate(ctx, ec)
}

func finalize(s *Score, e Evaluator) {
	cfg := e.Config()
	s.Name = cfg.Name
	s.Type = cfg.Type
	s.Weight = cfg.WeightOrDefault()
	s.Required = cfg.Required
	if cfg.Required {
		s.Threshold = cfg.ThresholdOrDefault()
	}
	s.Score = Clamp(s.Score)
	if s.Hits == nil {
		s.Hits = []string{}
	}
	if s.Misses == nil {
		s.Misses = []string{}
	}
	if s.Score == 0 && len(s.Misses) == 0 {
		s.Misses = append(s.Misses, fmt.Sprintf("%s scored 0", cfg.Name))
	}
	if s.forcedFail {
		s.Verdict = Fail
	} else {
		s.Verdict = VerdictFor(s.Score)
	}
}

// Clamp forces v into [0,1]. NaN becomes 0.
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= 1:
		return 1
	default:
		return v
	}
}

// failure is the score of an evaluator that could not do its job.
func failure(err error) Score {
	return Score{Score: 0, Misses: []string{err.Error()}, Reasoning: err.Error(), Error: err.Error()}
}

// binary scores a single pass/fail check.
func binary(ok bool, hit, miss string) Score {
	if ok {
		return Score{Score: 1, Hits: []string{hit}}
	}
	return Score{Score: 0, Misses: []string{miss}}
}

// fraction scores the share of satisfied checks.
func fraction(hits, misses []string) Score {
	total := len(hits) + len(misses)
	if total == 0 {
		return Score{}
	}
	return Score{Score: float64(len(hits)) / float64(total), Hits: hits, Misses: misses}
}
