package trace_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/signalnine/agentv/internal/trace"
)

func toolCalls(names ...string) *trace.Trace {
	t := &trace.Trace{}
	for _, n := range names {
		t.Events = append(t.Events, trace.Event{Type: trace.EventToolCall, Name: n})
	}
	return t
}

func TestSummarize(t *testing.T) {
	got := trace.Summarize(toolCalls("A", "A", "B"))
	want := trace.Summary{
		EventCount:      3,
		ToolNames:       []string{"A", "B"},
		ToolCallsByName: map[string]int{"A": 2, "B": 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Summarize mismatch (-want +got):\n%s", diff)
	}
}

func TestSummarizeSortsAndCountsErrors(t *testing.T) {
	tr := toolCalls("zeta", "alpha")
	tr.Events = append(tr.Events,
		trace.Event{Type: trace.EventError, Text: "boom"},
		trace.Event{Type: trace.EventModelStep},
		trace.Event{Type: trace.EventToolResult, Name: "alpha"},
	)
	got := trace.Summarize(tr)
	if got.EventCount != 5 {
		t.Errorf("eventCount: got %d, want 5", got.EventCount)
	}
	if diff := cmp.Diff([]string{"alpha", "zeta"}, got.ToolNames); diff != "" {
		t.Errorf("toolNames (-want +got):\n%s", diff)
	}
	if got.ErrorCount != 1 {
		t.Errorf("errorCount: got %d, want 1", got.ErrorCount)
	}
	if got.ToolCallsByName["alpha"] != 1 {
		t.Errorf("tool_result must not count as a call, got %d", got.ToolCallsByName["alpha"])
	}
}

func TestUnnamedToolCallsIgnored(t *testing.T) {
	tr := toolCalls("Read", "", "Edit")
	calls := tr.ToolCalls()
	if len(calls) != 2 || calls[0].Name != "Read" || calls[1].Name != "Edit" {
		t.Errorf("ToolCalls = %+v", calls)
	}
	if got := trace.Summarize(tr).ToolCallCount(); got != len(calls) {
		t.Errorf("summary counts %d tool calls, ToolCalls returns %d", got, len(calls))
	}
}

func TestSummarizeNil(t *testing.T) {
	got := trace.Summarize(nil)
	data, err := json.Marshal(got)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"eventCount":0,"toolNames":[],"toolCallsByName":{},"errorCount":0}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestSummarizeDeterministic(t *testing.T) {
	tr := toolCalls("c", "b", "a", "b")
	first := trace.Summarize(tr)
	for i := 0; i < 10; i++ {
		if diff := cmp.Diff(first, trace.Summarize(tr)); diff != "" {
			t.Fatalf("summary changed between calls:\n%s", diff)
		}
	}
}

func TestNewExecutionMetrics(t *testing.T) {
	tr := toolCalls("Read", "Read", "Edit", "Grep")
	tr.Events = append(tr.Events, trace.Event{Type: trace.EventModelStep}, trace.Event{Type: trace.EventModelStep})
	usage := &trace.TokenUsage{InputTokens: 100, OutputTokens: 20}
	m := trace.NewExecutionMetrics(tr, 1500*time.Millisecond, usage, nil)

	if m.DurationMs != 1500 {
		t.Errorf("duration: got %d, want 1500", m.DurationMs)
	}
	if m.ToolCalls != 4 || m.LLMCalls != 2 {
		t.Errorf("counts: got tools=%d llm=%d, want 4/2", m.ToolCalls, m.LLMCalls)
	}
	if m.Exploration == nil || *m.Exploration != 0.75 {
		t.Errorf("exploration: got %v, want 0.75", m.Exploration)
	}
	if m.TokenUsage.Total() != 120 {
		t.Errorf("tokens: got %d, want 120", m.TokenUsage.Total())
	}
	if m.CostUSD != nil {
		t.Errorf("cost should be unreported, got %v", *m.CostUSD)
	}
}
