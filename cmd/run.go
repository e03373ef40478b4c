package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/signalnine/agentv/internal/config"
	"github.com/signalnine/agentv/internal/evaluator"
	"github.com/signalnine/agentv/internal/pricing"
	"github.com/signalnine/agentv/internal/report"
	"github.com/signalnine/agentv/internal/result"
	"github.com/signalnine/agentv/internal/runner"
)

type runFlags struct {
	target         string
	workers        int
	dryRun         bool
	dryRunDelay    time.Duration
	dryRunDelayMax time.Duration
	maxRetries     int
	agentTimeout   time.Duration
	includeTrace   bool
	filter         string
	resultsDir     string
	metricsAddr    string
	format         string
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <eval-file>...",
		Short: "Run eval files against their targets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(cmd, args, &f)
		},
	}
	cmd.Flags().StringVar(&f.target, "target", "", "send every case to this target")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "concurrent work units (1-50, default from config)")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "replace every target with a mock provider")
	cmd.Flags().DurationVar(&f.dryRunDelay, "dry-run-delay", 0, "fixed mock latency in dry runs")
	cmd.Flags().DurationVar(&f.dryRunDelayMax, "dry-run-delay-max", 0, "maximum random mock latency in dry runs")
	cmd.Flags().IntVar(&f.maxRetries, "max-retries", 0, "retries after a provider timeout (default from config)")
	cmd.Flags().DurationVar(&f.agentTimeout, "agent-timeout", 0, "timeout for one provider attempt; overrides target timeout_seconds (default from config)")
	cmd.Flags().BoolVar(&f.includeTrace, "include-trace", false, "write full traces to the results file")
	cmd.Flags().StringVar(&f.filter, "filter", "", "only run cases whose id matches this glob")
	cmd.Flags().StringVar(&f.resultsDir, "out", "", "results directory (default from config)")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	cmd.Flags().StringVar(&f.format, "format", "table", "summary format (table, markdown, json)")
	return cmd
}

func runEval(cmd *cobra.Command, evalFiles []string, f *runFlags) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	opts, err := runOptions(cmd, cfg, evalFiles, f)
	if err != nil {
		return err
	}

	if f.metricsAddr != "" {
		stop := serveMetrics(ctx, f.metricsAddr)
		defer stop()
	}

	resultsDir := cfg.Results.Dir
	if f.resultsDir != "" {
		resultsDir = f.resultsDir
	}
	runDir, err := result.CreateRunDir(resultsDir)
	if err != nil {
		return err
	}
	fmt.Printf("Run directory: %s\n", runDir)

	w, err := result.NewWriter(filepath.Join(runDir, result.ResultsFile), opts.IncludeTrace)
	if err != nil {
		return err
	}
	defer w.Close()

	meta := &result.RunMeta{
		RunID:     opts.RunID,
		StartedAt: time.Now().UTC(),
		EvalFiles: evalFiles,
		Target:    opts.Target,
		Workers:   runner.ClampWorkers(opts.Workers),
		DryRun:    opts.DryRun,
	}
	results, runErr := runner.RunEvaluation(ctx, opts, w)
	meta.FinishedAt = time.Now().UTC()
	for i := range results {
		meta.Cases++
		switch {
		case results[i].Failed():
			meta.Errors++
		case results[i].Verdict == evaluator.Pass:
			meta.Passed++
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing results: %w", err)
	}
	if err := result.WriteRunMeta(runDir, meta); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if meta.Cases == 0 {
		clog.FromContext(ctx).Warn("no cases matched")
		return nil
	}

	fmt.Printf("\n--- Results (%d/%d passed, %d errors) ---\n", meta.Passed, meta.Cases, meta.Errors)
	return report.Generate(runDir, f.format, os.Stdout)
}

// runOptions merges the config file with flags. Flags win when set.
func runOptions(cmd *cobra.Command, cfg *config.Config, evalFiles []string, f *runFlags) (runner.Options, error) {
	exec := cfg.Execution
	opts := runner.Options{
		EvalFiles:      evalFiles,
		Config:         cfg,
		Target:         f.target,
		Workers:        exec.Workers,
		AgentTimeout:   time.Duration(exec.AgentTimeoutSeconds) * time.Second,
		MaxRetries:     exec.MaxRetries,
		Backoff:        runner.BackoffFromConfig(exec.RetryBackoff),
		DryRun:         f.dryRun,
		DryRunDelay:    f.dryRunDelay,
		DryRunDelayMax: f.dryRunDelayMax,
		IncludeTrace:   exec.IncludeTrace || f.includeTrace,
		Filter:         f.filter,
		RunID:          uuid.NewString(),
	}
	flags := cmd.Flags()
	if flags.Changed("workers") {
		opts.Workers = f.workers
	}
	if flags.Changed("max-retries") {
		if f.maxRetries < 0 {
			return opts, errors.New("--max-retries must not be negative")
		}
		opts.MaxRetries = f.maxRetries
	}
	if flags.Changed("agent-timeout") {
		opts.AgentTimeout = f.agentTimeout
		opts.TimeoutOverride = f.agentTimeout
	}
	if opts.Workers != runner.ClampWorkers(opts.Workers) {
		clog.FromContext(cmd.Context()).With("workers", opts.Workers).
			Warn(fmt.Sprintf("workers clamped to %d", runner.ClampWorkers(opts.Workers)))
	}
	if cfg.Pricing.File != "" {
		table, err := pricing.Load(cfg.Pricing.File)
		if err != nil {
			return opts, err
		}
		opts.Pricing = table
	}
	return opts, nil
}

// serveMetrics exposes the default Prometheus registry until the returned
// stop function is called.
func serveMetrics(ctx context.Context, addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			clog.FromContext(ctx).With("addr", addr).Error("metrics server: " + err.Error())
		}
	}()
	clog.FromContext(ctx).With("addr", addr).Info("serving metrics")
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
}
