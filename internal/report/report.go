// Package report summarizes a results file by target and by eval file.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/signalnine/agentv/internal/evaluator"
	"github.com/signalnine/agentv/internal/result"
)

// Summary aggregates the results sharing one key.
type Summary struct {
	Name          string  `json:"name"`
	Cases         int     `json:"cases"`
	Passed        int     `json:"passed"`
	Borderline    int     `json:"borderline"`
	Errors        int     `json:"errors"`
	PassRate      float64 `json:"pass_rate"`
	MeanScore     float64 `json:"mean_score"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	Retries       int     `json:"retries"`
}

// Report is the full output of Generate.
type Report struct {
	RunID    string    `json:"run_id,omitempty"`
	Targets  []Summary `json:"targets"`
	Files    []Summary `json:"eval_files"`
	Failures []Failure `json:"failures,omitempty"`
}

// Failure is a case that did not pass.
type Failure struct {
	EvalFile string  `json:"eval_file"`
	CaseID   string  `json:"case_id"`
	Target   string  `json:"target"`
	Score    float64 `json:"score"`
	Reason   string  `json:"reason"`
}

// Generate reads the results at path (a results file or a run directory)
// and writes a summary in format: table (default), markdown or json.
func Generate(path, format string, w io.Writer) error {
	results, err := result.ReadResults(result.ResolveResultsPath(path))
	if err != nil {
		return err
	}
	rep := Build(results)

	switch format {
	case "markdown":
		return writeMarkdown(rep, w)
	case "json":
		return writeJSON(rep, w)
	case "", "table":
		return writeTable(rep, w)
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

// Build aggregates results. Summaries are sorted by name.
func Build(results []result.EvaluationResult) *Report {
	rep := &Report{
		Targets: aggregate(results, func(r *result.EvaluationResult) string { return r.Target }),
		Files:   aggregate(results, func(r *result.EvaluationResult) string { return r.EvalFile }),
	}
	for i := range results {
		r := &results[i]
		if rep.RunID == "" {
			rep.RunID = r.RunID
		}
		if r.Verdict == evaluator.Pass && !r.Failed() {
			continue
		}
		rep.Failures = append(rep.Failures, Failure{
			EvalFile: r.EvalFile,
			CaseID:   r.CaseID,
			Target:   r.Target,
			Score:    r.Score,
			Reason:   failureReason(r),
		})
	}
	sort.SliceStable(rep.Failures, func(i, j int) bool {
		a, b := rep.Failures[i], rep.Failures[j]
		if a.EvalFile != b.EvalFile {
			return a.EvalFile < b.EvalFile
		}
		return a.CaseID < b.CaseID
	})
	return rep
}

func failureReason(r *result.EvaluationResult) string {
	if r.Error != "" {
		return r.Error
	}
	if len(r.Misses) > 0 {
		return r.Misses[0]
	}
	return string(r.Verdict)
}

func aggregate(results []result.EvaluationResult, key func(*result.EvaluationResult) string) []Summary {
	type accum struct {
		Summary
		score   float64
		latency float64
		timed   int
	}
	byKey := map[string]*accum{}

	for i := range results {
		r := &results[i]
		k := key(r)
		a, ok := byKey[k]
		if !ok {
			a = &accum{Summary: Summary{Name: k}}
			byKey[k] = a
		}
		a.Cases++
		a.score += r.Score
		a.Retries += max(r.Attempt-1, 0)
		switch {
		case r.Failed():
			a.Errors++
		case r.Verdict == evaluator.Pass:
			a.Passed++
		case r.Verdict == evaluator.Borderline:
			a.Borderline++
		}
		if r.ExecutionMetrics.DurationMs > 0 {
			a.latency += float64(r.ExecutionMetrics.DurationMs)
			a.timed++
		}
		if r.ExecutionMetrics.CostUSD != nil {
			a.TotalCostUSD += *r.ExecutionMetrics.CostUSD
		}
	}

	summaries := make([]Summary, 0, len(byKey))
	for _, a := range byKey {
		s := a.Summary
		s.PassRate = float64(a.Passed) / float64(a.Cases)
		s.MeanScore = a.score / float64(a.Cases)
		if a.timed > 0 {
			s.MeanLatencyMs = a.latency / float64(a.timed)
		}
		summaries = append(summaries, s)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Name < summaries[j].Name
	})
	return summaries
}

var headers = []string{"Cases", "Pass Rate", "Mean Score", "Mean Latency", "Cost", "Errors", "Retries"}

func row(s Summary) []string {
	return []string{
		s.Name,
		fmt.Sprint(s.Cases),
		fmt.Sprintf("%.0f%%", s.PassRate*100),
		fmt.Sprintf("%.3f", s.MeanScore),
		fmt.Sprintf("%.0fms", s.MeanLatencyMs),
		fmt.Sprintf("$%.4f", s.TotalCostUSD),
		fmt.Sprint(s.Errors),
		fmt.Sprint(s.Retries),
	}
}

func writeTable(rep *Report, w io.Writer) error {
	for _, section := range []struct {
		title     string
		summaries []Summary
	}{
		{"Target", rep.Targets},
		{"Eval File", rep.Files},
	} {
		table := createStandardTable(append([]string{section.title}, headers...), w)
		for _, s := range section.summaries {
			if err := table.Append(row(s)); err != nil {
				return fmt.Errorf("appending row: %w", err)
			}
		}
		if err := table.Render(); err != nil {
			return fmt.Errorf("rendering table: %w", err)
		}
		fmt.Fprintln(w)
	}
	if len(rep.Failures) == 0 {
		return nil
	}
	table := createStandardTable([]string{"Eval File", "Case", "Target", "Score", "Reason"}, w)
	for _, f := range rep.Failures {
		if err := table.Append([]string{f.EvalFile, f.CaseID, f.Target, fmt.Sprintf("%.3f", f.Score), f.Reason}); err != nil {
			return fmt.Errorf("appending row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("rendering table: %w", err)
	}
	return nil
}

func writeMarkdown(rep *Report, w io.Writer) error {
	if rep.RunID != "" {
		fmt.Fprintf(w, "# Run %s\n\n", rep.RunID)
	}
	for _, section := range []struct {
		title     string
		summaries []Summary
	}{
		{"Target", rep.Targets},
		{"Eval File", rep.Files},
	} {
		fmt.Fprintf(w, "## By %s\n\n", section.title)
		fmt.Fprintf(w, "| %s | Cases | Pass Rate | Mean Score | Mean Latency | Cost | Errors | Retries |\n", section.title)
		fmt.Fprintln(w, "|---|---|---|---|---|---|---|---|")
		for _, s := range section.summaries {
			fmt.Fprintf(w, "| %s | %d | %.0f%% | %.3f | %.0fms | $%.4f | %d | %d |\n",
				s.Name, s.Cases, s.PassRate*100, s.MeanScore, s.MeanLatencyMs, s.TotalCostUSD, s.Errors, s.Retries)
		}
		fmt.Fprintln(w)
	}
	if len(rep.Failures) > 0 {
		fmt.Fprintln(w, "## Not Passing")
		fmt.Fprintln(w)
		for _, f := range rep.Failures {
			fmt.Fprintf(w, "- `%s` %s (%s, %.3f): %s\n", f.EvalFile, f.CaseID, f.Target, f.Score, f.Reason)
		}
	}
	return nil
}

func writeJSON(rep *Report, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
