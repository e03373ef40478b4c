package evaluator

import (
	"fmt"
	"strings"
)

// Combine folds the scores of a case's evaluators into the case score: the
// weighted mean of the children, then required gates. A required evaluator
// below its threshold fails the case whatever the mean.
func Combine(scores []Score) Score {
	out := Score{Hits: []string{}, Misses: []string{}, EvaluatorResults: scores}
	if len(scores) == 0 {
		out.Misses = append(out.Misses, "no evaluator produced a score")
		out.Verdict = Fail
		return out
	}

	var sum, weights, plain float64
	for _, s := range scores {
		sum += s.Score * s.Weight
		weights += s.Weight
		plain += s.Score
	}
	if weights > 0 {
		out.Score = sum / weights
	} else {
		out.Score = plain / float64(len(scores))
	}
	out.Score = Clamp(out.Score)

	prefix := len(scores) > 1
	var reasons []string
	for _, s := range scores {
		out.Hits = append(out.Hits, label(prefix, s.Name, s.Hits)...)
		out.Misses = append(out.Misses, label(prefix, s.Name, s.Misses)...)
		if s.Reasoning != "" {
			if prefix {
				reasons = append(reasons, s.Name+": "+s.Reasoning)
			} else {
				reasons = append(reasons, s.Reasoning)
			}
		}
	}
	out.Reasoning = strings.Join(reasons, "\n")

	if gateMisses := gates(scores); len(gateMisses) > 0 {
		out.Misses = append(out.Misses, gateMisses...)
		out.Verdict = Fail
		out.forcedFail = true
	} else {
		out.Verdict = VerdictFor(out.Score)
	}
	return out
}

// gates explains every score that fails its parent outright: required
// evaluators below threshold and evaluators that failed themselves.
func gates(scores []Score) []string {
	var misses []string
	for _, s := range scores {
		switch {
		case s.forcedFail:
			misses = append(misses, fmt.Sprintf("evaluator %q failed a required check", s.Name))
		case s.Required && s.Score < s.Threshold:
			misses = append(misses, fmt.Sprintf("required evaluator %q scored %.2f, below threshold %.2f", s.Name, s.Score, s.Threshold))
		}
	}
	return misses
}

func label(prefix bool, name string, items []string) []string {
	if !prefix {
		return items
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = name + ": " + it
	}
	return out
}
