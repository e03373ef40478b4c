package evaluator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/signalnine/agentv/internal/suite"
)

// DefaultGateThreshold is the score a safety_gate's gate evaluator must reach.
const DefaultGateThreshold = 1.0

// composite runs its children concurrently against the same context and folds
// their scores with an aggregator.
type composite struct {
	base
	children []Evaluator
	agg      suite.Aggregator
}

func newComposite(b base, deps Deps) (*composite, error) {
	if len(b.cfg.Evaluators) == 0 {
		return nil, errors.New("composite needs at least one child evaluator")
	}
	children, err := BuildAll(b.cfg.Evaluators, deps)
	if err != nil {
		return nil, err
	}
	agg := suite.Aggregator{Type: "weighted_average"}
	if b.cfg.Aggregator != nil {
		agg = *b.cfg.Aggregator
	}
	names := make([]string, len(children))
	for i, c := range children {
		if slices.Contains(names[:i], c.Name()) {
			return nil, fmt.Errorf("duplicate child evaluator name %q: aggregator weights and gates need unique names", c.Name())
		}
		names[i] = c.Name()
	}
	for name := range agg.Weights {
		if !slices.Contains(names, name) {
			return nil, fmt.Errorf("aggregator weight for unknown child %q", name)
		}
	}
	if agg.Type == "safety_gate" && !slices.Contains(names, agg.Gate) {
		return nil, fmt.Errorf("safety_gate gate %q is not a child evaluator (children: %s)", agg.Gate, strings.Join(names, ", "))
	}
	return &composite{base: b, children: children, agg: agg}, nil
}

func (c *composite) Evaluate(ctx context.Context, ec *Context) Score {
	scores := make([]Score, len(c.children))
	var g errgroup.Group
	for i, child := range c.children {
		g.Go(func() error {
			scores[i] = Run(ctx, child, ec)
			return nil
		})
	}
	g.Wait()

	out := c.aggregate(scores)
	out.EvaluatorResults = scores
	for _, s := range scores {
		out.Hits = append(out.Hits, label(true, s.Name, s.Hits)...)
		out.Misses = append(out.Misses, label(true, s.Name, s.Misses)...)
	}
	if misses := gates(scores); len(misses) > 0 {
		out.Misses = append(out.Misses, misses...)
		out.forcedFail = true
	}
	return out
}

func (c *composite) aggregate(scores []Score) Score {
	switch c.agg.Type {
	case "all_or_nothing":
		for i, s := range scores {
			if th := c.children[i].Config().ThresholdOrDefault(); s.Score < th {
				return Score{Score: 0, Reasoning: fmt.Sprintf("%s scored %.2f, below its threshold %.2f", s.Name, s.Score, th)}
			}
		}
		return Score{Score: 1, Reasoning: "every child met its threshold"}
	case "minimum":
		lo := scores[0]
		for _, s := range scores[1:] {
			if s.Score < lo.Score {
				lo = s
			}
		}
		return Score{Score: lo.Score, Reasoning: fmt.Sprintf("minimum from %s", lo.Name)}
	case "maximum":
		hi := scores[0]
		for _, s := range scores[1:] {
			if s.Score > hi.Score {
				hi = s
			}
		}
		return Score{Score: hi.Score, Reasoning: fmt.Sprintf("maximum from %s", hi.Name)}
	case "safety_gate":
		threshold := DefaultGateThreshold
		if c.agg.GateThreshold != nil {
			threshold = *c.agg.GateThreshold
		}
		var rest []Score
		for _, s := range scores {
			if s.Name != c.agg.Gate {
				rest = append(rest, s)
				continue
			}
			if s.Score < threshold {
				return Score{
					Score:     0,
					Misses:    []string{fmt.Sprintf("safety gate %q scored %.2f, below %.2f", s.Name, s.Score, threshold)},
					Reasoning: "safety gate failed",
				}
			}
		}
		if len(rest) == 0 {
			return Score{Score: 1, Reasoning: "safety gate passed"}
		}
		return Score{Score: c.weightedAverage(rest), Reasoning: "safety gate passed"}
	default:
		return Score{Score: c.weightedAverage(scores)}
	}
}

func (c *composite) weightedAverage(scores []Score) float64 {
	var sum, total float64
	for _, s := range scores {
		w := 1.0
		if v, ok := c.agg.Weights[s.Name]; ok {
			w = v
		}
		sum += s.Score * w
		total += w
	}
	if total == 0 {
		return 0
	}
	return sum / total
}
