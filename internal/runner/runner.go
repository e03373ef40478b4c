// Package runner schedules eval cases over a bounded worker pool, invokes
// providers with retry on timeout, and scores every final attempt.
package runner

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"

	"github.com/signalnine/agentv/internal/config"
	"github.com/signalnine/agentv/internal/evaluator"
	"github.com/signalnine/agentv/internal/pricing"
	"github.com/signalnine/agentv/internal/provider"
	"github.com/signalnine/agentv/internal/result"
	"github.com/signalnine/agentv/internal/suite"
)

// DefaultAgentTimeout bounds one provider attempt when nothing else does.
const DefaultAgentTimeout = 5 * time.Minute

// dryRunJudgeResponse lets llm_judge evaluators score dry runs.
const dryRunJudgeResponse = `{"score": 1, "hits": ["dry run"], "misses": [], "reasoning": "dry run"}`

// ErrNoTarget is returned when a case resolves to no target.
var ErrNoTarget = errors.New("no target configured")

type Options struct {
	EvalFiles []string
	// Config supplies targets, the judge target and pricing. It may be nil
	// for dry runs.
	Config *config.Config
	// Target overrides every case's target.
	Target       string
	Workers int
	// AgentTimeout bounds one provider attempt for targets without their own
	// timeout_seconds. TimeoutOverride, when set, bounds every attempt
	// regardless of target settings; a case's timeout_seconds still wins.
	AgentTimeout    time.Duration
	TimeoutOverride time.Duration
	MaxRetries      int
	Backoff      Backoff
	// DryRun replaces every target, configured or named by an eval file, with
	// a mock answering after DryRunDelay, or a random delay up to
	// DryRunDelayMax when that is larger. Every judge becomes a mock that
	// passes.
	DryRun         bool
	DryRunDelay    time.Duration
	DryRunDelayMax time.Duration
	IncludeTrace   bool
	// Filter is a glob matched against case ids.
	Filter string
	RunID  string
	// Providers, when set, are used instead of building targets from Config.
	Providers map[string]provider.Provider
	Pricing   *pricing.Table
}

// Sink receives each result as soon as it is ready. Writes come from
// several workers at once.
type Sink interface {
	Write(r *result.EvaluationResult) error
}

// WorkUnit identifies one provider invocation. Attempt increments only on
// provider timeout retries.
type WorkUnit struct {
	EvalFile string
	CaseID   string
	Attempt  int
}

// plan is everything resolved up front for one case.
type plan struct {
	file       *suite.File
	c          *suite.Case
	target     string
	kind       string
	provider   provider.Provider
	evaluators []evaluator.Evaluator
	timeout    time.Duration
	maxRetries int
}

type runner struct {
	opts    Options
	runID   string
	sink    Sink
	backoff Backoff

	mu      sync.Mutex
	results []result.EvaluationResult
}

// RunEvaluation loads the eval files, builds every evaluator, then runs all
// cases over opts.Workers workers. Cases sharing a conversation_id run in
// order on one worker. The returned results are in completion order.
func RunEvaluation(ctx context.Context, opts Options, sink Sink) ([]result.EvaluationResult, error) {
	files, err := suite.LoadAll(opts.EvalFiles)
	if err != nil {
		return nil, err
	}

	providers, kinds, err := resolveProviders(ctx, opts)
	if err != nil {
		return nil, err
	}
	deps := evaluator.Deps{Targets: providers}
	if opts.Config != nil && opts.Config.JudgeTarget != "" {
		deps.JudgeTarget = opts.Config.JudgeTarget
		deps.Judge = providers[deps.JudgeTarget]
	}
	if opts.DryRun {
		deps = dryRunDeps(providers, deps.JudgeTarget)
	}

	chains, err := buildChains(files, opts, providers, kinds, deps)
	if err != nil {
		return nil, err
	}

	r := &runner{opts: opts, runID: opts.RunID, sink: sink, backoff: opts.Backoff}
	if r.runID == "" {
		r.runID = uuid.NewString()
	}
	if r.backoff.Base == 0 {
		r.backoff = BackoffFromConfig(config.Backoff{})
	}

	units := 0
	jobs := make([]Job, len(chains))
	for i, chain := range chains {
		units += len(chain)
		jobs[i] = func(ctx context.Context) error { return r.runChain(ctx, chain) }
	}
	workers := ClampWorkers(opts.Workers)
	clog.InfoContextf(ctx, "running %d cases from %d eval files with %d workers", units, len(files), workers)

	if err := RunPool(ctx, workers, jobs); err != nil {
		return r.results, err
	}
	return r.results, nil
}

// resolveProviders returns providers and provider kinds keyed by target
// name.
func resolveProviders(ctx context.Context, opts Options) (map[string]provider.Provider, map[string]string, error) {
	kinds := make(map[string]string)
	var names []string
	if opts.Config != nil {
		for _, t := range opts.Config.Targets {
			kinds[t.Name] = t.Provider
			names = append(names, t.Name)
		}
	}
	if opts.DryRun {
		if opts.Target != "" && kinds[opts.Target] == "" {
			names = append(names, opts.Target)
		}
		out := make(map[string]provider.Provider, len(names))
		for _, n := range names {
			out[n] = provider.NewMock(n, provider.WithMockDelay(opts.DryRunDelay, opts.DryRunDelayMax))
			kinds[n] = "mock"
		}
		return out, kinds, nil
	}
	if opts.Providers != nil {
		return opts.Providers, kinds, nil
	}
	if opts.Config == nil {
		return map[string]provider.Provider{}, kinds, nil
	}
	out, err := provider.NewAll(ctx, opts.Config)
	if err != nil {
		return nil, nil, err
	}
	return out, kinds, nil
}

// dryRunDeps answers every judge request, by default or by target name, with
// a passing verdict.
func dryRunDeps(providers map[string]provider.Provider, judgeTarget string) evaluator.Deps {
	if judgeTarget == "" {
		judgeTarget = "dry-run-judge"
	}
	judge := provider.NewMock(judgeTarget, provider.WithMockResponse(dryRunJudgeResponse))
	targets := make(map[string]provider.Provider, len(providers)+1)
	for name := range providers {
		targets[name] = judge
	}
	targets[judgeTarget] = judge
	return evaluator.Deps{Judge: judge, JudgeTarget: judgeTarget, Targets: targets}
}

// judgeTargetNames collects the judge and judge proxy targets named by cfgs
// and their children.
func judgeTargetNames(cfgs []suite.EvaluatorConfig) []string {
	var names []string
	for _, c := range cfgs {
		if c.Target != "" {
			names = append(names, c.Target)
		}
		if c.JudgeProxy != nil {
			names = append(names, c.JudgeProxy.Targets...)
		}
		names = append(names, judgeTargetNames(c.Evaluators)...)
	}
	return names
}

// buildChains resolves every case into a plan and groups plans by
// (file, conversation_id). Cases without a conversation form their own chain.
func buildChains(files []*suite.File, opts Options, providers map[string]provider.Provider, kinds map[string]string, deps evaluator.Deps) ([][]*plan, error) {
	var chains [][]*plan
	index := make(map[string]int)
	for _, f := range files {
		for _, c := range f.Cases {
			if opts.Filter != "" {
				ok, err := path.Match(opts.Filter, c.ID)
				if err != nil {
					return nil, fmt.Errorf("bad case filter %q: %w", opts.Filter, err)
				}
				if !ok {
					continue
				}
			}
			p, err := newPlan(f, c, opts, providers, kinds, deps)
			if err != nil {
				return nil, fmt.Errorf("eval file %s case %q: %w", f.Path, c.ID, err)
			}
			if c.ConversationID == "" {
				chains = append(chains, []*plan{p})
				continue
			}
			key := f.Path + "\x00" + c.ConversationID
			if i, ok := index[key]; ok {
				chains[i] = append(chains[i], p)
				continue
			}
			index[key] = len(chains)
			chains = append(chains, []*plan{p})
		}
	}
	return chains, nil
}

func newPlan(f *suite.File, c *suite.Case, opts Options, providers map[string]provider.Provider, kinds map[string]string, deps evaluator.Deps) (*plan, error) {
	target := firstNonEmpty(opts.Target, c.Execution.Target, f.Target)
	if target == "" && opts.Config != nil && len(opts.Config.Targets) > 0 {
		target = opts.Config.Targets[0].Name
	}
	if target == "" {
		if !opts.DryRun {
			return nil, ErrNoTarget
		}
		target = "dry-run"
	}
	p, ok := providers[target]
	if !ok && opts.DryRun {
		p = provider.NewMock(target, provider.WithMockDelay(opts.DryRunDelay, opts.DryRunDelayMax))
		providers[target] = p
		kinds[target] = "mock"
		ok = true
	}
	if !ok {
		return nil, fmt.Errorf("target %q is not configured", target)
	}

	cfgs := c.Evaluators
	if len(cfgs) == 0 {
		cfgs = []suite.EvaluatorConfig{evaluator.DefaultConfig()}
	}
	if opts.DryRun {
		for _, name := range judgeTargetNames(cfgs) {
			deps.Targets[name] = deps.Judge
		}
	}
	evals, err := evaluator.BuildAll(cfgs, deps)
	if err != nil {
		return nil, err
	}

	timeout := opts.AgentTimeout
	if opts.Config != nil {
		if t := opts.Config.FindTarget(target); t != nil && t.Timeout() > 0 {
			timeout = t.Timeout()
		}
	}
	if opts.TimeoutOverride > 0 {
		timeout = opts.TimeoutOverride
	}
	if c.Execution.TimeoutSeconds > 0 {
		timeout = time.Duration(c.Execution.TimeoutSeconds) * time.Second
	}
	if timeout <= 0 {
		timeout = DefaultAgentTimeout
	}
	retries := opts.MaxRetries
	if c.Execution.MaxRetries != nil {
		retries = *c.Execution.MaxRetries
	}

	return &plan{
		file:       f,
		c:          c,
		target:     target,
		kind:       kinds[target],
		provider:   p,
		evaluators: evals,
		timeout:    timeout,
		maxRetries: retries,
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// runChain runs a conversation's turns in order. Later turns see the earlier
// turns' messages.
func (r *runner) runChain(ctx context.Context, chain []*plan) error {
	var history []suite.Message
	for _, p := range chain {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, output := r.runUnit(ctx, p, history)
		for _, m := range p.c.InputMessages {
			if m.Role != "system" || len(history) == 0 {
				history = append(history, m)
			}
		}
		history = append(history, output...)

		if err := r.emit(res); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) emit(res *result.EvaluationResult) error {
	r.mu.Lock()
	r.results = append(r.results, *res)
	r.mu.Unlock()
	if r.sink == nil {
		return nil
	}
	if err := r.sink.Write(res); err != nil {
		return fmt.Errorf("writing result for %s: %w", res.CaseID, err)
	}
	return nil
}
