package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/chainguard-dev/clog"

	"github.com/signalnine/agentv/internal/provider"
	"github.com/signalnine/agentv/internal/suite"
)

// maxAnswerChars truncates answers before they go into a judge prompt.
// ~100K chars is 25-30K tokens, leaving room for prompt and response.
const maxAnswerChars = 100_000

const defaultJudgePrompt = `You are an expert evaluator. Grade the candidate answer against the criteria.

Question:
{{question}}

Criteria:
{{criteria}}

Reference answer:
{{reference_answer}}

Candidate answer:
{{answer}}`

const plainInstructions = `

Respond with ONLY a JSON object:
{"score": <0.0-1.0>, "hits": ["what the answer got right"], "misses": ["what it got wrong"], "reasoning": "<one paragraph>"}`

const rubricInstructions = `

Check the candidate answer against each rubric item:
%s
Respond with ONLY a JSON object:
{"checks": [{"id": "<rubric id>", "satisfied": true|false, "reasoning": "<short>"}]}`

// llmJudge asks a judge target to grade the answer, either holistically or
// against a list of rubric items.
type llmJudge struct {
	base
	deps    Deps
	samples int
}

type plainVerdict struct {
	Score     *float64 `json:"score"`
	Hits      []string `json:"hits"`
	Misses    []string `json:"misses"`
	Reasoning string   `json:"reasoning"`
}

type rubricVerdict struct {
	Checks []rubricCheck `json:"checks"`
}

type rubricCheck struct {
	ID        string `json:"id"`
	Satisfied bool   `json:"satisfied"`
	Reasoning string `json:"reasoning"`
}

func newLLMJudge(b base, deps Deps) (*llmJudge, error) {
	seen := make(map[string]bool, len(b.cfg.Rubrics))
	for _, r := range b.cfg.Rubrics {
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate rubric id %q", r.ID)
		}
		seen[r.ID] = true
	}
	if b.cfg.Target != "" && b.cfg.Target != deps.JudgeTarget {
		if _, ok := deps.Targets[b.cfg.Target]; !ok {
			return nil, fmt.Errorf("judge target %q is not configured", b.cfg.Target)
		}
	}
	samples := b.cfg.Samples
	if samples <= 0 {
		samples = 1
	}
	return &llmJudge{base: b, deps: deps, samples: samples}, nil
}

func (j *llmJudge) Evaluate(ctx context.Context, ec *Context) Score {
	judge, name, err := j.deps.judge(j.cfg.Target)
	if err != nil {
		return failure(err)
	}
	prompt := j.prompt(ec)

	var results []Score
	var lastErr error
	for i := 0; i < j.samples; i++ {
		s, err := j.sample(ctx, judge, prompt)
		if err != nil {
			clog.FromContext(ctx).With("evaluator", j.cfg.Name, "judge_target", name, "sample", i+1).Warn("judge sample failed: " + err.Error())
			lastErr = err
			continue
		}
		results = append(results, s)
	}
	if len(results) == 0 {
		return failure(fmt.Errorf("all %d judge samples failed: %w", j.samples, lastErr))
	}

	scores := make([]float64, len(results))
	for i, r := range results {
		scores[i] = r.Score
	}
	median := MedianScore(scores)
	// Report the sample closest to the median.
	best := results[0]
	for _, r := range results[1:] {
		if math.Abs(r.Score-median) < math.Abs(best.Score-median) {
			best = r
		}
	}
	best.Score = median
	if len(results) > 1 {
		best.Reasoning = fmt.Sprintf("median of %d samples: %s", len(results), best.Reasoning)
	}
	return best
}

func (j *llmJudge) sample(ctx context.Context, judge provider.Provider, prompt string) (Score, error) {
	resp, err := judge.Invoke(ctx, &provider.Request{Question: prompt})
	if err != nil {
		return Score{}, fmt.Errorf("invoking judge: %w", err)
	}
	if len(j.cfg.Rubrics) > 0 {
		var v rubricVerdict
		if err := ParseJudgeResponse(resp.Text, &v); err != nil {
			return Score{}, err
		}
		return scoreRubrics(j.cfg.Rubrics, v.Checks), nil
	}
	var v plainVerdict
	if err := ParseJudgeResponse(resp.Text, &v); err != nil {
		return Score{}, err
	}
	if v.Score == nil {
		return Score{}, errors.New(`judge response has no "score" field`)
	}
	return Score{Score: *v.Score, Hits: v.Hits, Misses: v.Misses, Reasoning: v.Reasoning}, nil
}

func (j *llmJudge) prompt(ec *Context) string {
	answer := ec.Answer
	if len(answer) > maxAnswerChars {
		answer = answer[:maxAnswerChars] + fmt.Sprintf("\n\n... [answer truncated from %d to %d chars] ...", len(ec.Answer), maxAnswerChars)
	}
	tmpl := j.cfg.Prompt
	if tmpl == "" {
		tmpl = defaultJudgePrompt
	}
	prompt := strings.NewReplacer(
		"{{question}}", ec.Case.Question(),
		"{{criteria}}", ec.Case.Criteria,
		"{{expected_outcome}}", ec.Case.Criteria,
		"{{reference_answer}}", ec.Case.ReferenceAnswer,
		"{{answer}}", answer,
		"{{candidate_answer}}", answer,
	).Replace(tmpl)

	if len(j.cfg.Rubrics) == 0 {
		return prompt + plainInstructions
	}
	var items strings.Builder
	for _, r := range j.cfg.Rubrics {
		fmt.Fprintf(&items, "- %s: %s", r.ID, r.Description)
		if r.Required {
			items.WriteString(" (required)")
		}
		items.WriteString("\n")
	}
	return prompt + fmt.Sprintf(rubricInstructions, items.String())
}

// scoreRubrics computes the weighted share of satisfied rubric items. A
// required item that is unsatisfied or unanswered fails the evaluator.
func scoreRubrics(rubrics []suite.Rubric, checks []rubricCheck) Score {
	byID := make(map[string]rubricCheck, len(checks))
	for _, c := range checks {
		byID[c.ID] = c
	}
	var s Score
	var total, satisfied float64
	var reasons []string
	for _, r := range rubrics {
		w := 1.0
		if r.Weight != nil {
			w = *r.Weight
		}
		total += w
		c, ok := byID[r.ID]
		switch {
		case !ok:
			s.Misses = append(s.Misses, fmt.Sprintf("%s: not assessed by judge", r.ID))
		case c.Satisfied:
			satisfied += w
			s.Hits = append(s.Hits, fmt.Sprintf("%s: %s", r.ID, r.Description))
		default:
			s.Misses = append(s.Misses, fmt.Sprintf("%s: %s", r.ID, r.Description))
		}
		if (!ok || !c.Satisfied) && r.Required {
			s.forcedFail = true
		}
		if ok && c.Reasoning != "" {
			reasons = append(reasons, r.ID+": "+c.Reasoning)
		}
	}
	if total > 0 {
		s.Score = satisfied / total
	}
	s.Reasoning = strings.Join(reasons, "; ")
	return s
}

// ParseJudgeResponse decodes the JSON object in a judge reply, tolerating
// markdown fences and chatter around it.
func ParseJudgeResponse(content string, v any) error {
	content = strings.TrimSpace(content)

	if start := strings.Index(content, "```"); start >= 0 {
		inner := content[start+3:]
		inner = strings.TrimPrefix(inner, "json")
		if end := strings.Index(inner, "```"); end >= 0 {
			content = strings.TrimSpace(inner[:end])
		}
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("parsing judge response: no JSON object found")
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), v); err != nil {
		return fmt.Errorf("parsing judge response: %w", err)
	}
	return nil
}

// MedianScore returns the median of scores, 0 for none.
func MedianScore(scores []float64) float64 {
	if len(scores) == 0 {
		return 0.0
	}
	sorted := make([]float64, len(scores))
	copy(sorted, scores)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
