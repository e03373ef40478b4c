package evaluator

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// DefaultExplorationTolerance is how far the exploration ratio may drift from
// its target.
const DefaultExplorationTolerance = 0.2

// threshold scores execution metrics against configured limits. Each limit is
// one check and the score is the share of checks satisfied.
type threshold struct {
	base
}

func newThreshold(b base) (*threshold, error) {
	c := b.cfg
	switch c.Type {
	case "latency":
		if c.MaxMs == nil {
			return nil, errors.New("latency needs max_ms")
		}
	case "cost":
		if c.BudgetUSD == nil {
			return nil, errors.New("cost needs budget_usd")
		}
	case "token_usage":
		if c.MaxTotal == nil && c.MaxInput == nil && c.MaxOutput == nil {
			return nil, errors.New("token_usage needs max_total, max_input or max_output")
		}
	case "execution_metrics":
		if c.MaxToolCalls == nil && c.MaxLLMCalls == nil && c.MaxTokens == nil &&
			c.MaxCostUSD == nil && c.MaxDurationMs == nil && c.TargetExplorationRatio == nil {
			return nil, errors.New("execution_metrics needs at least one limit")
		}
	}
	return &threshold{base: b}, nil
}

func (t *threshold) Evaluate(_ context.Context, ec *Context) Score {
	m := ec.Metrics
	if m == nil {
		return Score{Score: 0, Misses: []string{"no execution metrics available"}}
	}
	c := t.cfg
	var hits, misses []string
	check := func(ok bool, hit, miss string) {
		if ok {
			hits = append(hits, hit)
		} else {
			misses = append(misses, miss)
		}
	}
	limitInt := func(name string, limit *int, value int, known bool) {
		if limit == nil {
			return
		}
		if !known {
			misses = append(misses, fmt.Sprintf("%s unknown (limit %d)", name, *limit))
			return
		}
		check(value <= *limit,
			fmt.Sprintf("%s %d within limit %d", name, value, *limit),
			fmt.Sprintf("%s %d exceeds limit %d", name, value, *limit))
	}
	limitCost := func(limit *float64) {
		if limit == nil {
			return
		}
		if m.CostUSD == nil {
			misses = append(misses, fmt.Sprintf("cost unknown (budget $%.4f)", *limit))
			return
		}
		check(*m.CostUSD <= *limit,
			fmt.Sprintf("cost $%.4f within budget $%.4f", *m.CostUSD, *limit),
			fmt.Sprintf("cost $%.4f exceeds budget $%.4f", *m.CostUSD, *limit))
	}
	limitDuration := func(limit *int64) {
		if limit == nil {
			return
		}
		check(m.DurationMs <= *limit,
			fmt.Sprintf("took %dms, limit %dms", m.DurationMs, *limit),
			fmt.Sprintf("took %dms, exceeds limit %dms", m.DurationMs, *limit))
	}

	usage := m.TokenUsage
	var in, out, total int
	if usage != nil {
		in, out, total = usage.InputTokens, usage.OutputTokens, usage.Total()
	}

	switch c.Type {
	case "latency":
		limitDuration(c.MaxMs)
	case "cost":
		limitCost(c.BudgetUSD)
	case "token_usage":
		limitInt("total tokens", c.MaxTotal, total, usage != nil)
		limitInt("input tokens", c.MaxInput, in, usage != nil)
		limitInt("output tokens", c.MaxOutput, out, usage != nil)
	case "execution_metrics":
		limitInt("tool calls", c.MaxToolCalls, m.ToolCalls, true)
		limitInt("llm calls", c.MaxLLMCalls, m.LLMCalls, true)
		limitInt("tokens", c.MaxTokens, total, usage != nil)
		limitCost(c.MaxCostUSD)
		limitDuration(c.MaxDurationMs)
		if c.TargetExplorationRatio != nil {
			target := *c.TargetExplorationRatio
			tol := DefaultExplorationTolerance
			if c.ExplorationTolerance != nil {
				tol = *c.ExplorationTolerance
			}
			if m.Exploration == nil {
				misses = append(misses, fmt.Sprintf("exploration ratio unknown (target %.2f)", target))
			} else {
				r := *m.Exploration
				check(math.Abs(r-target) <= tol,
					fmt.Sprintf("exploration ratio %.2f within %.2f of target %.2f", r, tol, target),
					fmt.Sprintf("exploration ratio %.2f not within %.2f of target %.2f", r, tol, target))
			}
		}
	}
	return fraction(hits, misses)
}
