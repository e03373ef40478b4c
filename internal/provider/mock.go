package provider

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/signalnine/agentv/internal/trace"
)

// DefaultMockResponse is what the mock answers when nothing is configured.
const DefaultMockResponse = "mock response"

// Mock answers every request locally. It backs dry runs and tests.
type Mock struct {
	name     string
	response string
	delay    time.Duration
	delayMax time.Duration
	calls    atomic.Int64

	// Script, when set, replaces the default behavior. call is 1-based.
	Script func(ctx context.Context, req *Request, call int) (*Response, error)
}

type MockOption func(*Mock)

func WithMockResponse(text string) MockOption {
	return func(m *Mock) { m.response = text }
}

// WithMockDelay sleeps a fixed delay, or a uniformly random one in
// [lo, hi] when hi > lo.
func WithMockDelay(lo, hi time.Duration) MockOption {
	return func(m *Mock) { m.delay, m.delayMax = lo, hi }
}

func WithMockScript(fn func(ctx context.Context, req *Request, call int) (*Response, error)) MockOption {
	return func(m *Mock) { m.Script = fn }
}

func NewMock(name string, opts ...MockOption) *Mock {
	m := &Mock{name: name, response: DefaultMockResponse}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Mock) Name() string { return m.name }

// Calls returns how many times Invoke ran.
func (m *Mock) Calls() int { return int(m.calls.Load()) }

func (m *Mock) Invoke(ctx context.Context, req *Request) (*Response, error) {
	call := int(m.calls.Add(1))
	if m.Script != nil {
		return m.Script(ctx, req, call)
	}
	start := time.Now()
	if d := m.sleepFor(); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	resp := textResponse(m.response, start)
	resp.Model = "mock"
	resp.Trace = &trace.Trace{Events: []trace.Event{
		{Type: trace.EventModelStep, Timestamp: start, ID: uuid.NewString(), Name: "mock"},
		{Type: trace.EventMessage, Timestamp: time.Now(), ID: uuid.NewString(), Text: m.response},
	}}
	resp.Usage = &trace.TokenUsage{InputTokens: len(req.Prompt()) / 4, OutputTokens: len(m.response) / 4}
	return resp, nil
}

func (m *Mock) sleepFor() time.Duration {
	if m.delayMax > m.delay {
		return m.delay + rand.N(m.delayMax-m.delay+1)
	}
	return m.delay
}
