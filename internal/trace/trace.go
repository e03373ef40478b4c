// Package trace holds the execution trace a provider reports for one case and
// the deterministic summaries derived from it.
package trace

import (
	"encoding/json"
	"sort"
	"time"
)

type EventType string

const (
	EventModelStep  EventType = "model_step"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventMessage    EventType = "message"
	EventError      EventType = "error"
)

// Event is one step of an agent run. Only tool_call events carry a Name that
// is meaningful for summaries. A tool_call without a Name is not counted as a
// tool call anywhere.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Text      string          `json:"text,omitempty"`
}

type Trace struct {
	Events []Event `json:"events"`
}

// ToolCalls returns the named tool_call events in order.
func (t *Trace) ToolCalls() []Event {
	if t == nil {
		return nil
	}
	var calls []Event
	for _, e := range t.Events {
		if e.Type == EventToolCall && e.Name != "" {
			calls = append(calls, e)
		}
	}
	return calls
}

type Summary struct {
	EventCount      int            `json:"eventCount"`
	ToolNames       []string       `json:"toolNames"`
	ToolCallsByName map[string]int `json:"toolCallsByName"`
	ErrorCount      int            `json:"errorCount"`
}

// Summarize computes the summary of t. A nil trace yields the zero summary with
// non-nil collections so it serializes the same way as an empty trace.
func Summarize(t *Trace) Summary {
	s := Summary{
		ToolNames:       []string{},
		ToolCallsByName: map[string]int{},
	}
	if t == nil {
		return s
	}
	s.EventCount = len(t.Events)
	for _, e := range t.Events {
		switch e.Type {
		case EventToolCall:
			if e.Name == "" {
				continue
			}
			if s.ToolCallsByName[e.Name] == 0 {
				s.ToolNames = append(s.ToolNames, e.Name)
			}
			s.ToolCallsByName[e.Name]++
		case EventError:
			s.ErrorCount++
		}
	}
	sort.Strings(s.ToolNames)
	return s
}

// ToolCallCount is the total number of tool_call events.
func (s Summary) ToolCallCount() int {
	n := 0
	for _, c := range s.ToolCallsByName {
		n += c
	}
	return n
}
