package provider_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/signalnine/agentv/internal/config"
	"github.com/signalnine/agentv/internal/provider"
	"github.com/signalnine/agentv/internal/suite"
)

func TestConversationAndPrompt(t *testing.T) {
	tests := []struct {
		name       string
		req        provider.Request
		wantConv   []suite.Message
		wantPrompt string
	}{
		{
			name:       "question only",
			req:        provider.Request{Question: "2+2?"},
			wantConv:   []suite.Message{{Role: "user", Content: "2+2?"}},
			wantPrompt: "2+2?",
		},
		{
			name: "system prompt first",
			req:  provider.Request{Question: "hi", SystemPrompt: "be brief"},
			wantConv: []suite.Message{
				{Role: "system", Content: "be brief"},
				{Role: "user", Content: "hi"},
			},
			wantPrompt: "hi",
		},
		{
			name: "multi turn",
			req: provider.Request{Messages: []suite.Message{
				{Role: "user", Content: "a"},
				{Role: "assistant", Content: "b"},
				{Role: "user", Content: "c"},
			}},
			wantConv: []suite.Message{
				{Role: "user", Content: "a"},
				{Role: "assistant", Content: "b"},
				{Role: "user", Content: "c"},
			},
			wantPrompt: "[user]\na\n\n[assistant]\nb\n\n[user]\nc",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.wantConv, tt.req.Conversation()); diff != "" {
				t.Errorf("Conversation() mismatch (-want +got):\n%s", diff)
			}
			if got := tt.req.Prompt(); got != tt.wantPrompt {
				t.Errorf("Prompt() = %q, want %q", got, tt.wantPrompt)
			}
		})
	}
}

func TestIsTimeout(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("boom"), false},
		{provider.ErrTimeout, true},
		{fmt.Errorf("target x: %w", provider.ErrTimeout), true},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
	}
	for _, tt := range tests {
		if got := provider.IsTimeout(tt.err); got != tt.want {
			t.Errorf("IsTimeout(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestMockDefault(t *testing.T) {
	m := provider.NewMock("dry")
	resp, err := m.Invoke(context.Background(), &provider.Request{Question: "q"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Text != provider.DefaultMockResponse {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.Trace == nil || len(resp.Trace.Events) != 2 {
		t.Fatalf("expected a two event trace, got %+v", resp.Trace)
	}
	if m.Calls() != 1 {
		t.Errorf("Calls() = %d, want 1", m.Calls())
	}
}

func TestMockDelayTimesOut(t *testing.T) {
	m := provider.NewMock("slow", provider.WithMockDelay(time.Second, time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Invoke(ctx, &provider.Request{Question: "q"})
	if !provider.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestMockScript(t *testing.T) {
	m := provider.NewMock("scripted", provider.WithMockScript(func(_ context.Context, _ *provider.Request, call int) (*provider.Response, error) {
		if call < 3 {
			return nil, provider.ErrTimeout
		}
		return &provider.Response{Text: "ok"}, nil
	}))
	for i := 1; i <= 3; i++ {
		resp, err := m.Invoke(context.Background(), &provider.Request{})
		if i < 3 && !provider.IsTimeout(err) {
			t.Fatalf("call %d: expected timeout, got %v", i, err)
		}
		if i == 3 && (err != nil || resp.Text != "ok") {
			t.Fatalf("call 3: got %+v, %v", resp, err)
		}
	}
}

func TestCLIStructuredOutput(t *testing.T) {
	script := `read -r line; echo "progress"; echo '{"text":"42","usage":{"input_tokens":3,"output_tokens":1},"trace":{"events":[{"type":"tool_call","name":"Read"}]}}'`
	p := provider.NewCLI("agent", []string{"sh", "-c", script}, nil, 5*time.Second)
	resp, err := p.Invoke(context.Background(), &provider.Request{Question: "answer?", CaseID: "c1"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Text != "42" {
		t.Errorf("Text = %q, want 42", resp.Text)
	}
	if resp.Usage == nil || resp.Usage.InputTokens != 3 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
	if got := resp.Trace.ToolCalls(); len(got) != 1 || got[0].Name != "Read" {
		t.Errorf("tool calls = %+v", got)
	}
	if diff := cmp.Diff([]suite.Message{{Role: "assistant", Content: "42"}}, resp.OutputMessages); diff != "" {
		t.Errorf("OutputMessages mismatch (-want +got):\n%s", diff)
	}
}

func TestCLIReceivesRequestOnStdin(t *testing.T) {
	p := provider.NewCLI("echo", []string{"cat"}, nil, 5*time.Second)
	resp, err := p.Invoke(context.Background(), &provider.Request{Question: "ping", CaseID: "case-7"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	// cat echoes the request object, which has no text field, so the raw
	// stdout becomes the answer.
	if !strings.Contains(resp.Text, `"case_id":"case-7"`) || !strings.Contains(resp.Text, `"question":"ping"`) {
		t.Errorf("stdin payload not echoed: %s", resp.Text)
	}
}

func TestCLIPlaceholders(t *testing.T) {
	dir := t.TempDir()
	p := provider.NewCLI("args", []string{"sh", "-c", `echo "$1 $2"`, "_", "{{case_id}}", "{{workdir}}"}, nil, 5*time.Second)
	resp, err := p.Invoke(context.Background(), &provider.Request{CaseID: "abc", WorkDir: dir})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if want := "abc " + dir; resp.Text != want {
		t.Errorf("Text = %q, want %q", resp.Text, want)
	}
}

func TestCLIErrors(t *testing.T) {
	t.Run("non-zero exit", func(t *testing.T) {
		p := provider.NewCLI("fail", []string{"sh", "-c", "echo bad >&2; exit 2"}, nil, 5*time.Second)
		_, err := p.Invoke(context.Background(), &provider.Request{Question: "q"})
		if err == nil || provider.IsTimeout(err) {
			t.Fatalf("expected non-timeout error, got %v", err)
		}
		if !strings.Contains(err.Error(), "code 2") || !strings.Contains(err.Error(), "bad") {
			t.Errorf("error lacks exit code or stderr: %v", err)
		}
	})
	t.Run("timeout", func(t *testing.T) {
		p := provider.NewCLI("hang", []string{"sleep", "10"}, nil, 50*time.Millisecond)
		_, err := p.Invoke(context.Background(), &provider.Request{Question: "q"})
		if !provider.IsTimeout(err) {
			t.Fatalf("expected timeout, got %v", err)
		}
	})
}

func TestRateLimited(t *testing.T) {
	m := provider.NewMock("m")
	if got := provider.RateLimited(m, 0); got != provider.Provider(m) {
		t.Error("rps 0 should return the provider unchanged")
	}
	limited := provider.RateLimited(m, 20)
	if limited.Name() != "m" {
		t.Errorf("Name() = %q", limited.Name())
	}
	start := time.Now()
	for i := 0; i < 25; i++ {
		if _, err := limited.Invoke(context.Background(), &provider.Request{}); err != nil {
			t.Fatalf("Invoke: %v", err)
		}
	}
	// burst of 20, then five more at 20/s
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("25 calls at 20 rps took %s, expected throttling", elapsed)
	}
}

func TestNew(t *testing.T) {
	cfg := config.Default()
	p, err := provider.New(context.Background(), cfg, &config.Target{Name: "dry", Provider: "mock", MockResponse: "canned"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Invoke(context.Background(), &provider.Request{Question: "q"})
	if err != nil || resp.Text != "canned" {
		t.Fatalf("got %+v, %v", resp, err)
	}

	if _, err := provider.New(context.Background(), cfg, &config.Target{Name: "x", Provider: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
