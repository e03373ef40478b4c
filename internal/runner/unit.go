package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/signalnine/agentv/internal/evaluator"
	"github.com/signalnine/agentv/internal/metrics"
	"github.com/signalnine/agentv/internal/provider"
	"github.com/signalnine/agentv/internal/result"
	"github.com/signalnine/agentv/internal/suite"
	"github.com/signalnine/agentv/internal/trace"
	"github.com/signalnine/agentv/internal/workspace"
)

// runUnit invokes the provider for one case, retrying timeouts, and scores
// the final attempt. It never fails: every outcome is a result. The second
// return value is the assistant output to carry into later turns.
func (r *runner) runUnit(ctx context.Context, p *plan, history []suite.Message) (res *result.EvaluationResult, output []suite.Message) {
	unit := WorkUnit{EvalFile: p.file.Path, CaseID: p.c.ID}
	tr := otel.Tracer("github.com/signalnine/agentv/internal/runner")
	ctx, span := tr.Start(ctx, "runner.unit", oteltrace.WithAttributes(
		attribute.String("eval.file", unit.EvalFile),
		attribute.String("eval.case_id", unit.CaseID),
		attribute.String("eval.target", p.target),
	))
	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With("case_id", p.c.ID, "target", p.target))

	defer func() {
		if rec := recover(); rec != nil {
			res = r.failed(p, unit, fmt.Errorf("panic while running case: %v", rec))
			output = nil
		}
		span.SetAttributes(attribute.Int("eval.attempt", res.Attempt), attribute.Float64("eval.score", res.Score))
		if res.Error != "" {
			span.SetStatus(codes.Error, res.Error)
			metrics.WorkUnits.WithLabelValues("failed").Inc()
		} else {
			span.SetStatus(codes.Ok, "")
			metrics.WorkUnits.WithLabelValues("ok").Inc()
		}
		span.End()
	}()

	var workDir string
	if p.file.WorkspaceTemplate != "" {
		dir, err := workspace.Prepare(ctx, p.file.WorkspaceTemplate)
		if err != nil {
			return r.failed(p, unit, fmt.Errorf("preparing workspace: %w", err)), nil
		}
		defer os.RemoveAll(dir)
		workDir = dir
	}

	req := &provider.Request{
		Messages: append(append([]suite.Message(nil), history...), p.c.InputMessages...),
		WorkDir:  workDir,
		CaseID:   p.c.ID,
	}
	resp, err := r.invoke(ctx, p, &unit, req)
	if err != nil {
		return r.failed(p, unit, err), nil
	}
	return r.evaluate(ctx, p, unit, resp, workDir), resp.OutputMessages
}

// invoke runs the attempt state machine: a provider timeout is retried with
// backoff until maxRetries retries are spent; any other error is terminal.
func (r *runner) invoke(ctx context.Context, p *plan, unit *WorkUnit, req *provider.Request) (*provider.Response, error) {
	log := clog.FromContext(ctx)
	for {
		unit.Attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
		start := time.Now()
		resp, err := p.provider.Invoke(attemptCtx, req)
		timedOut := err != nil && ctx.Err() == nil &&
			(provider.IsTimeout(err) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded))
		cancel()
		metrics.ProviderLatency.WithLabelValues(p.target).Observe(time.Since(start).Seconds())

		switch {
		case err == nil:
			metrics.ProviderAttempts.WithLabelValues(p.target, "ok").Inc()
			if resp.Duration == 0 {
				resp.Duration = time.Since(start)
			}
			return resp, nil
		case !timedOut:
			metrics.ProviderAttempts.WithLabelValues(p.target, "error").Inc()
			return nil, fmt.Errorf("invoking target %s: %w", p.target, err)
		}

		metrics.ProviderAttempts.WithLabelValues(p.target, "timeout").Inc()
		if unit.Attempt > p.maxRetries {
			return nil, fmt.Errorf("target %s timed out after %d attempts: %w", p.target, unit.Attempt, provider.ErrTimeout)
		}
		delay := r.backoff.Delay(unit.Attempt)
		log.With("attempt", unit.Attempt).
			With("max_retries", p.maxRetries).
			With("backoff", delay).
			With("error", err.Error()).
			Warn("provider timed out, retrying")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("waiting to retry target %s: %w", p.target, ctx.Err())
		case <-t.C:
		}
	}
}

func (r *runner) evaluate(ctx context.Context, p *plan, unit WorkUnit, resp *provider.Response, workDir string) *result.EvaluationResult {
	cost := resp.CostUSD
	if cost == nil && r.opts.Pricing != nil {
		if c, ok := r.opts.Pricing.Estimate(p.kind, resp.Model, resp.Usage); ok {
			cost = &c
		}
	}
	summary := trace.Summarize(resp.Trace)
	m := trace.NewExecutionMetrics(resp.Trace, resp.Duration, resp.Usage, cost)

	var changes string
	if workDir != "" {
		diff, err := workspace.CaptureChanges(ctx, workDir)
		if err != nil {
			clog.FromContext(ctx).Warn("capturing file changes: " + err.Error())
		}
		changes = diff
	}

	ec := &evaluator.Context{
		Case:           p.c,
		Answer:         resp.Text,
		OutputMessages: resp.OutputMessages,
		Trace:          resp.Trace,
		Summary:        summary,
		Metrics:        &m,
		FileChanges:    changes,
		WorkDir:        workDir,
	}
	scores := make([]evaluator.Score, len(p.evaluators))
	var wg sync.WaitGroup
	for i, e := range p.evaluators {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scores[i] = evaluator.Run(ctx, e, ec)
		}()
	}
	wg.Wait()
	combined := evaluator.Combine(scores)

	res := r.base(p, unit)
	res.Score = combined.Score
	res.Verdict = combined.Verdict
	res.Hits = combined.Hits
	res.Misses = combined.Misses
	res.Reasoning = combined.Reasoning
	res.Answer = resp.Text
	res.EvaluatorResults = scores
	res.TraceSummary = summary
	res.ExecutionMetrics = m
	if r.opts.IncludeTrace {
		res.Trace = resp.Trace
	}
	clog.FromContext(ctx).With("score", res.Score).With("verdict", res.Verdict).With("attempt", res.Attempt).Debug("case scored")
	return res
}

// failed is the result of a unit that never produced a response.
func (r *runner) failed(p *plan, unit WorkUnit, err error) *result.EvaluationResult {
	res := r.base(p, unit)
	res.Score = 0
	res.Verdict = evaluator.Fail
	res.Hits = []string{}
	res.Misses = []string{err.Error()}
	res.EvaluatorResults = []evaluator.Score{}
	res.TraceSummary = trace.Summarize(nil)
	res.Error = err.Error()
	return res
}

func (r *runner) base(p *plan, unit WorkUnit) *result.EvaluationResult {
	return &result.EvaluationResult{
		RunID:          r.runID,
		EvalFile:       unit.EvalFile,
		CaseID:         unit.CaseID,
		ConversationID: p.c.ConversationID,
		Target:         p.target,
		Attempt:        max(unit.Attempt, 1),
		Timestamp:      time.Now().UTC(),
	}
}
