// Package provider adapts agent and LLM backends to a single request/response
// contract the runner and judges call through.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/signalnine/agentv/internal/suite"
	"github.com/signalnine/agentv/internal/trace"
)

// ErrTimeout marks a provider call that ran out of time. It is the only
// error class the runner retries.
var ErrTimeout = errors.New("provider timed out")

type Request struct {
	// Question is the prompt text for single-turn callers such as judges.
	Question     string
	SystemPrompt string
	// Messages is the full conversation. When empty, Question is sent as a
	// single user message.
	Messages []suite.Message
	// WorkDir is the case workspace, if one was prepared.
	WorkDir string
	CaseID  string
}

// Conversation returns the messages to send, with the system prompt first.
func (r *Request) Conversation() []suite.Message {
	var msgs []suite.Message
	if r.SystemPrompt != "" {
		msgs = append(msgs, suite.Message{Role: "system", Content: r.SystemPrompt})
	}
	if len(r.Messages) == 0 {
		return append(msgs, suite.Message{Role: "user", Content: r.Question})
	}
	return append(msgs, r.Messages...)
}

// Prompt flattens the conversation into plain text for backends that take a
// single prompt string.
func (r *Request) Prompt() string {
	if len(r.Messages) == 0 {
		return r.Question
	}
	if len(r.Messages) == 1 {
		return r.Messages[0].Content
	}
	var out string
	for i, m := range r.Messages {
		if i > 0 {
			out += "\n\n"
		}
		out += "[" + m.Role + "]\n" + m.Content
	}
	return out
}

type Response struct {
	OutputMessages []suite.Message
	// Text is the final answer.
	Text     string
	Trace    *trace.Trace
	Usage    *trace.TokenUsage
	CostUSD  *float64
	Duration time.Duration
	Model    string
}

type Provider interface {
	Name() string
	Invoke(ctx context.Context, req *Request) (*Response, error)
}

// IsTimeout reports whether err is a provider timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// textResponse builds the common single assistant message response.
func textResponse(text string, started time.Time) *Response {
	return &Response{
		OutputMessages: []suite.Message{{Role: "assistant", Content: text}},
		Text:           text,
		Duration:       time.Since(started),
	}
}

// modelStepTrace is the trace of a plain completion: one model step that
// produced one message.
func modelStepTrace(model, text string, at time.Time) *trace.Trace {
	return &trace.Trace{Events: []trace.Event{
		{Type: trace.EventModelStep, Timestamp: at, Name: model},
		{Type: trace.EventMessage, Timestamp: time.Now(), Text: text},
	}}
}
