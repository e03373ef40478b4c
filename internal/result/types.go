// Package result defines the record written for every evaluated case and the
// on-disk layout of a run.
package result

import (
	"time"

	"github.com/signalnine/agentv/internal/evaluator"
	"github.com/signalnine/agentv/internal/trace"
)

// EvaluationResult is one line of a results file: the final attempt of one
// work unit.
type EvaluationResult struct {
	RunID            string                 `json:"run_id"`
	EvalFile         string                 `json:"eval_file"`
	CaseID           string                 `json:"case_id"`
	ConversationID   string                 `json:"conversation_id,omitempty"`
	Target           string                 `json:"target"`
	Attempt          int                    `json:"attempt"`
	Timestamp        time.Time              `json:"timestamp"`
	Score            float64                `json:"score"`
	Verdict          evaluator.Verdict      `json:"verdict"`
	Hits             []string               `json:"hits"`
	Misses           []string               `json:"misses"`
	Reasoning        string                 `json:"reasoning,omitempty"`
	Answer           string                 `json:"answer"`
	EvaluatorResults []evaluator.Score      `json:"evaluator_results"`
	TraceSummary     trace.Summary          `json:"trace_summary"`
	Trace            *trace.Trace           `json:"trace,omitempty"`
	ExecutionMetrics trace.ExecutionMetrics `json:"execution_metrics"`
	Error            string                 `json:"error,omitempty"`
}

// Failed reports whether the case errored before it could be scored.
func (r *EvaluationResult) Failed() bool { return r.Error != "" }

// RunMeta describes a run as a whole.
type RunMeta struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	EvalFiles  []string  `json:"eval_files"`
	Target     string    `json:"target,omitempty"`
	Workers    int       `json:"workers"`
	DryRun     bool      `json:"dry_run,omitempty"`
	Cases      int       `json:"cases"`
	Passed     int       `json:"passed"`
	Errors     int       `json:"errors"`
}
