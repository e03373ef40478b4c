package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/signalnine/agentv/internal/suite"
	"github.com/signalnine/agentv/internal/trace"
)

// toolTrajectory checks the tool calls recorded in the trace.
//
//   - any_order: every tool reaches its minimum call count; partial credit is
//     the share of satisfied minimums.
//   - in_order: the expected calls appear as a subsequence of the actual
//     calls; partial credit is the share matched before the first gap.
//   - exact: the actual calls equal the expected calls, same length and order.
type toolTrajectory struct {
	base
	mode     string
	expected []suite.ExpectedToolCall
	minimums map[string]int
}

func newToolTrajectory(b base) (*toolTrajectory, error) {
	t := &toolTrajectory{base: b, mode: b.cfg.Mode, expected: b.cfg.Expected, minimums: b.cfg.Minimums}
	if t.mode == "" {
		t.mode = "any_order"
	}
	if t.mode == "any_order" && len(t.minimums) == 0 {
		t.minimums = make(map[string]int)
		for _, e := range t.expected {
			t.minimums[e.Tool]++
		}
	}
	if t.mode == "any_order" && len(t.minimums) == 0 {
		return nil, errors.New("any_order needs minimums or expected tools")
	}
	if t.mode == "in_order" && len(t.expected) == 0 {
		return nil, errors.New("in_order needs expected tools")
	}
	return t, nil
}

func (t *toolTrajectory) Evaluate(_ context.Context, ec *Context) Score {
	if ec.Trace == nil {
		return Score{Score: 0, Misses: []string{"no trace available: the target did not report tool calls"}}
	}
	calls := ec.Trace.ToolCalls()
	switch t.mode {
	case "exact":
		return t.exact(calls)
	case "in_order":
		return t.inOrder(calls)
	default:
		return t.anyOrder(trace.Summarize(ec.Trace))
	}
}

func (t *toolTrajectory) anyOrder(sum trace.Summary) Score {
	var hits, misses []string
	for _, tool := range slices.Sorted(maps.Keys(t.minimums)) {
		want, got := t.minimums[tool], sum.ToolCallsByName[tool]
		if got >= want {
			hits = append(hits, fmt.Sprintf("%s called %d time(s), minimum %d", tool, got, want))
		} else {
			misses = append(misses, fmt.Sprintf("%s called %d time(s), minimum %d", tool, got, want))
		}
	}
	return fraction(hits, misses)
}

func (t *toolTrajectory) inOrder(calls []trace.Event) Score {
	matched := 0
	for _, c := range calls {
		if matched == len(t.expected) {
			break
		}
		if callMatches(t.expected[matched], c) {
			matched++
		}
	}
	var s Score
	for i, e := range t.expected {
		if i < matched {
			s.Hits = append(s.Hits, fmt.Sprintf("step %d: %s", i+1, e.Tool))
		} else {
			s.Misses = append(s.Misses, fmt.Sprintf("step %d: %s not found in order", i+1, e.Tool))
		}
	}
	s.Score = float64(matched) / float64(len(t.expected))
	s.Reasoning = fmt.Sprintf("actual sequence: %s", sequence(calls))
	return s
}

func (t *toolTrajectory) exact(calls []trace.Event) Score {
	reason := fmt.Sprintf("expected %s, got %s", expectedSequence(t.expected), sequence(calls))
	if len(calls) != len(t.expected) {
		return Score{Score: 0, Misses: []string{fmt.Sprintf("expected %d tool calls, got %d", len(t.expected), len(calls))}, Reasoning: reason}
	}
	for i, e := range t.expected {
		if !callMatches(e, calls[i]) {
			return Score{Score: 0, Misses: []string{fmt.Sprintf("call %d: expected %s, got %s", i+1, e.Tool, calls[i].Name)}, Reasoning: reason}
		}
	}
	return Score{Score: 1, Hits: []string{"tool sequence matches exactly"}, Reasoning: reason}
}

// callMatches compares the tool name and, when given, the expected argument
// subset.
func callMatches(e suite.ExpectedToolCall, c trace.Event) bool {
	if e.Tool != c.Name {
		return false
	}
	if len(e.Args) == 0 {
		return true
	}
	var got map[string]any
	if err := json.Unmarshal(c.Input, &got); err != nil {
		return false
	}
	// Round-trip through JSON so YAML and JSON numbers compare equal.
	want := make(map[string]any, len(e.Args))
	if b, err := json.Marshal(e.Args); err != nil || json.Unmarshal(b, &want) != nil {
		return false
	}
	for k, v := range want {
		if !cmp.Equal(v, got[k]) {
			return false
		}
	}
	return true
}

func sequence(calls []trace.Event) string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return "[" + strings.Join(names, ", ") + "]"
}

func expectedSequence(expected []suite.ExpectedToolCall) string {
	names := make([]string, len(expected))
	for i, e := range expected {
		names[i] = e.Tool
	}
	return "[" + strings.Join(names, ", ") + "]"
}
