package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/signalnine/agentv/internal/ipc"
	"github.com/signalnine/agentv/internal/judgeproxy"
	"github.com/signalnine/agentv/internal/provider"
	"github.com/signalnine/agentv/internal/suite"
	"github.com/signalnine/agentv/internal/trace"
	"github.com/signalnine/agentv/internal/workspace"
)

// DefaultCodeJudgeTimeout bounds a code judge run when the config sets none.
const DefaultCodeJudgeTimeout = 60 * time.Second

// codeJudge runs an external script that reads the case as JSON on stdin and
// prints {score, hits, misses, reasoning} on stdout.
type codeJudge struct {
	base
	deps    Deps
	timeout time.Duration
	proxy   *suite.JudgeProxyConfig
	targets map[string]provider.Provider
}

// codeJudgeInput is the stdin payload. Several keys are aliases kept for
// judges written against older payload names.
type codeJudgeInput struct {
	Question                string                  `json:"question"`
	Criteria                string                  `json:"criteria"`
	ExpectedOutcome         string                  `json:"expected_outcome"`
	ReferenceAnswer         string                  `json:"reference_answer"`
	ExpectedOutput          string                  `json:"expected_output"`
	Answer                  string                  `json:"answer"`
	CandidateAnswer         string                  `json:"candidate_answer"`
	InputMessages           []suite.Message         `json:"input_messages"`
	Output                  []suite.Message         `json:"output"`
	OutputMessages          []suite.Message         `json:"output_messages"`
	ExpectedMessages        []suite.Message         `json:"expected_messages"`
	ReferenceOutputMessages []suite.Message         `json:"reference_output_messages"`
	Trace                   trace.Summary           `json:"trace"`
	CandidateTraceSummary   trace.Summary           `json:"candidate_trace_summary"`
	TraceEvents             []trace.Event           `json:"trace_events,omitempty"`
	ExecutionMetrics        *trace.ExecutionMetrics `json:"execution_metrics,omitempty"`
	FileChanges             string                  `json:"file_changes,omitempty"`
	WorkspacePath           string                  `json:"workspace_path,omitempty"`
	Config                  map[string]any          `json:"config"`
}

type codeJudgeOutput struct {
	Score     *float64 `json:"score"`
	Hits      []string `json:"hits"`
	Misses    []string `json:"misses"`
	Reasoning string   `json:"reasoning"`
}

func newCodeJudge(b base, deps Deps) (*codeJudge, error) {
	if len(b.cfg.Command) == 0 {
		return nil, errors.New("command or script is required")
	}
	j := &codeJudge{base: b, deps: deps, timeout: DefaultCodeJudgeTimeout, proxy: b.cfg.JudgeProxy}
	if b.cfg.TimeoutSeconds > 0 {
		j.timeout = time.Duration(b.cfg.TimeoutSeconds) * time.Second
	}
	if j.proxy != nil {
		j.targets = make(map[string]provider.Provider, len(j.proxy.Targets))
		for _, name := range j.proxy.Targets {
			p, ok := deps.Targets[name]
			if !ok {
				return nil, fmt.Errorf("judge_proxy target %q is not configured", name)
			}
			j.targets[name] = p
		}
	}
	return j, nil
}

func (j *codeJudge) Evaluate(ctx context.Context, ec *Context) Score {
	// Missing judge access is a configuration error: fail before spawning.
	if j.proxy != nil && j.deps.Judge == nil {
		return failure(fmt.Errorf("judge_proxy requested but %w", ErrNoJudgeTarget))
	}

	in := j.input(ec)
	opts := ipc.Options{Dir: j.cfg.Cwd, Timeout: j.timeout}

	if ec.WorkDir != "" {
		dir, err := workspace.Clone(ec.WorkDir)
		if err != nil {
			return failure(fmt.Errorf("preparing judge workspace: %w", err))
		}
		defer os.RemoveAll(dir)
		in.WorkspacePath = dir
		opts.Env = append(opts.Env, "AGENTV_WORKSPACE="+dir)
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return failure(fmt.Errorf("encoding judge input: %w", err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sess *judgeproxy.Session
	if j.proxy != nil {
		sess, err = judgeproxy.Start(runCtx, judgeproxy.Options{
			Target:     j.deps.Judge,
			TargetName: j.deps.JudgeTarget,
			Targets:    j.targets,
			MaxCalls:   j.proxy.MaxCalls,
			OnLimit:    cancel,
		})
		if err != nil {
			return failure(fmt.Errorf("starting judge proxy: %w", err))
		}
		defer sess.Close()
		opts.Env = append(opts.Env, sess.Env()...)
	}

	res, err := ipc.ExecFileWithStdin(runCtx, j.cfg.Command, payload, opts)
	if sess != nil {
		// The subprocess is gone; the proxy must not outlive it.
		sess.Close()
	}
	if err != nil {
		return failure(fmt.Errorf("running code judge: %w", err))
	}

	log := clog.FromContext(ctx).With("evaluator", j.cfg.Name)
	switch {
	case sess != nil && sess.LimitExceeded():
		return failure(fmt.Errorf("judge proxy call limit exceeded (max_calls %d, %d calls made)", j.maxCalls(), sess.CallCount()))
	case sess != nil && sess.AuthFailures() > 0:
		return failure(fmt.Errorf("code judge made %d unauthenticated judge proxy requests", sess.AuthFailures()))
	case res.TimedOut:
		return failure(fmt.Errorf("code judge timed out after %s", j.timeout))
	case res.Killed:
		return failure(fmt.Errorf("code judge was cancelled: %w", ctx.Err()))
	case res.ExitCode != 0:
		log.With("exit_code", res.ExitCode).Warn("code judge failed")
		s := failure(fmt.Errorf("code judge exited with code %d: %s", res.ExitCode, diagnostic(res)))
		// Judges that report their own error as JSON before exiting keep
		// their explanation.
		var out codeJudgeOutput
		if ipc.DecodeLastJSON(res.Stdout, &out) == nil {
			s.Misses = append(s.Misses, out.Misses...)
		}
		return s
	}

	var out codeJudgeOutput
	if err := ipc.DecodeLastJSON(res.Stdout, &out); err != nil {
		return failure(fmt.Errorf("code judge output is not JSON: %s", snippet(res.Stdout)))
	}
	if out.Score == nil {
		return failure(errors.New(`code judge output has no "score" field`))
	}
	return Score{Score: *out.Score, Hits: out.Hits, Misses: out.Misses, Reasoning: out.Reasoning}
}

func (j *codeJudge) maxCalls() int {
	if j.proxy.MaxCalls > 0 {
		return j.proxy.MaxCalls
	}
	return suite.DefaultMaxCalls
}

func (j *codeJudge) input(ec *Context) *codeJudgeInput {
	c := ec.Case
	summary := ec.Summary
	if summary.ToolNames == nil {
		summary = trace.Summarize(ec.Trace)
	}
	in := &codeJudgeInput{
		Question:                c.Question(),
		Criteria:                c.Criteria,
		ExpectedOutcome:         c.Criteria,
		ReferenceAnswer:         c.ReferenceAnswer,
		ExpectedOutput:          c.ReferenceAnswer,
		Answer:                  ec.Answer,
		CandidateAnswer:         ec.Answer,
		InputMessages:           nonNil(c.InputMessages),
		Output:                  nonNil(ec.OutputMessages),
		OutputMessages:          nonNil(ec.OutputMessages),
		ExpectedMessages:        nonNil(c.ExpectedMessages),
		ReferenceOutputMessages: nonNil(c.ExpectedMessages),
		Trace:                   summary,
		CandidateTraceSummary:   summary,
		ExecutionMetrics:        ec.Metrics,
		FileChanges:             ec.FileChanges,
		Config:                  j.cfg.Config,
	}
	if in.Config == nil {
		in.Config = map[string]any{}
	}
	if j.cfg.IncludeTrace && ec.Trace != nil {
		in.TraceEvents = ec.Trace.Events
	}
	return in
}

func nonNil(msgs []suite.Message) []suite.Message {
	if msgs == nil {
		return []suite.Message{}
	}
	return msgs
}

// diagnostic picks the most useful output of a failed judge.
func diagnostic(res *ipc.Result) string {
	if s := snippet(res.Stderr); s != "" {
		return s
	}
	if s := snippet(res.Stdout); s != "" {
		return s
	}
	return "no output"
}

func snippet(b []byte) string {
	const limit = 500
	b = bytes.TrimSpace(b)
	if len(b) > limit {
		return string(b[len(b)-limit:])
	}
	return string(b)
}
