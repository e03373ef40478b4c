package trace

import "time"

// TokenUsage is the token accounting a provider reports for one invocation.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ExecutionMetrics is what threshold evaluators check against. Pointers
// distinguish "not reported" from zero.
type ExecutionMetrics struct {
	DurationMs  int64       `json:"duration_ms"`
	TokenUsage  *TokenUsage `json:"token_usage,omitempty"`
	CostUSD     *float64    `json:"cost_usd,omitempty"`
	ToolCalls   int         `json:"tool_calls"`
	LLMCalls    int         `json:"llm_calls"`
	ErrorCount  int         `json:"error_count"`
	EventCount  int         `json:"event_count"`
	Exploration *float64    `json:"exploration_ratio,omitempty"`
}

// explorationTools are read-only tools whose share of all tool calls is the
// exploration ratio.
var explorationTools = map[string]bool{
	"read": true, "Read": true,
	"grep": true, "Grep": true,
	"glob": true, "Glob": true,
	"search": true, "list": true, "ls": true, "LS": true,
}

// NewExecutionMetrics combines a run's wall time, optional usage and cost with
// the counts found in its trace.
func NewExecutionMetrics(t *Trace, d time.Duration, usage *TokenUsage, cost *float64) ExecutionMetrics {
	s := Summarize(t)
	m := ExecutionMetrics{
		DurationMs: d.Milliseconds(),
		TokenUsage: usage,
		CostUSD:    cost,
		ToolCalls:  s.ToolCallCount(),
		ErrorCount: s.ErrorCount,
		EventCount: s.EventCount,
	}
	if t != nil {
		for _, e := range t.Events {
			if e.Type == EventModelStep {
				m.LLMCalls++
			}
		}
	}
	if m.ToolCalls > 0 {
		explore := 0
		for name, n := range s.ToolCallsByName {
			if explorationTools[name] {
				explore += n
			}
		}
		ratio := float64(explore) / float64(m.ToolCalls)
		m.Exploration = &ratio
	}
	return m
}
