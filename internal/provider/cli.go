package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/signalnine/agentv/internal/ipc"
	"github.com/signalnine/agentv/internal/suite"
	"github.com/signalnine/agentv/internal/trace"
)

// CLI runs a local agent executable once per request. The request is written
// to stdin as JSON; stdout is either a JSON object (see cliOutput) or the
// plain-text answer.
type CLI struct {
	name    string
	argv    []string
	env     []string
	timeout time.Duration
}

type cliInput struct {
	Question      string          `json:"question"`
	SystemPrompt  string          `json:"system_prompt,omitempty"`
	InputMessages []suite.Message `json:"input_messages"`
	WorkDir       string          `json:"workdir,omitempty"`
	CaseID        string          `json:"case_id,omitempty"`
}

type cliOutput struct {
	Text           string            `json:"text"`
	OutputMessages []suite.Message   `json:"output_messages"`
	Trace          *trace.Trace      `json:"trace"`
	Usage          *trace.TokenUsage `json:"usage"`
	CostUSD        *float64          `json:"cost_usd"`
	Model          string            `json:"model"`
}

func NewCLI(name string, argv []string, env map[string]string, timeout time.Duration) *CLI {
	return &CLI{name: name, argv: argv, env: envList(env), timeout: timeout}
}

func (p *CLI) Name() string { return p.name }

func (p *CLI) Invoke(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	payload, err := json.Marshal(cliInput{
		Question:      req.Question,
		SystemPrompt:  req.SystemPrompt,
		InputMessages: req.Conversation(),
		WorkDir:       req.WorkDir,
		CaseID:        req.CaseID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	argv := expandArgv(p.argv, map[string]string{"{{workdir}}": req.WorkDir, "{{case_id}}": req.CaseID})
	res, err := ipc.ExecFileWithStdin(ctx, argv, payload, ipc.Options{Dir: req.WorkDir, Env: p.env, Timeout: p.timeout})
	if err != nil {
		return nil, err
	}
	if res.TimedOut {
		return nil, fmt.Errorf("%s after %s: %w", p.name, res.Duration.Round(time.Millisecond), ErrTimeout)
	}
	if res.Killed {
		return nil, ctx.Err()
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%s exited with code %d: %s", p.name, res.ExitCode, tail(res.Stderr, 512))
	}

	var out cliOutput
	if err := ipc.DecodeLastJSON(res.Stdout, &out); err == nil && (out.Text != "" || len(out.OutputMessages) > 0) {
		if out.Text == "" {
			out.Text = out.OutputMessages[len(out.OutputMessages)-1].Content
		}
		if len(out.OutputMessages) == 0 {
			out.OutputMessages = []suite.Message{{Role: "assistant", Content: out.Text}}
		}
		return &Response{
			OutputMessages: out.OutputMessages,
			Text:           out.Text,
			Trace:          out.Trace,
			Usage:          out.Usage,
			CostUSD:        out.CostUSD,
			Model:          out.Model,
			Duration:       time.Since(start),
		}, nil
	}
	resp := textResponse(strings.TrimSpace(string(res.Stdout)), start)
	resp.Trace = modelStepTrace(p.name, resp.Text, start)
	return resp, nil
}

func expandArgv(argv []string, vars map[string]string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		for k, v := range vars {
			a = strings.ReplaceAll(a, k, v)
		}
		out[i] = a
	}
	return out
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// tail returns at most n trailing bytes of b as a trimmed string.
func tail(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
