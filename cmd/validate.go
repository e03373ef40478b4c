package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/signalnine/agentv/internal/config"
	"github.com/signalnine/agentv/internal/evaluator"
	"github.com/signalnine/agentv/internal/suite"
)

var errInvalid = errors.New("validation failed")

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <eval-file>...",
		Short: "Check eval files load and every evaluator builds",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return validateFiles(cmd.OutOrStdout(), cfg, args)
		},
	}
}

// validateFiles reports every problem it finds, not just the first, and
// returns errInvalid if there were any.
func validateFiles(w io.Writer, cfg *config.Config, paths []string) error {
	problems := 0
	report := func(format string, args ...any) {
		problems++
		fmt.Fprintf(w, "  ERROR: "+format+"\n", args...)
	}

	for _, path := range paths {
		fmt.Fprintf(w, "%s\n", path)
		f, err := suite.Load(path)
		if err != nil {
			report("%v", err)
			continue
		}
		for _, c := range f.Cases {
			target := firstSet(c.Execution.Target, f.Target)
			if target != "" && len(cfg.Targets) > 0 && cfg.FindTarget(target) == nil {
				report("case %q: target %q is not configured", c.ID, target)
			}
			cfgs := c.Evaluators
			if len(cfgs) == 0 {
				cfgs = []suite.EvaluatorConfig{evaluator.DefaultConfig()}
			}
			for _, ec := range cfgs {
				if _, err := evaluator.Build(ec, evaluator.Deps{}); err != nil {
					report("case %q: %v", c.ID, err)
				}
				if needsJudge(ec) && cfg.JudgeTarget == "" && ec.Target == "" {
					fmt.Fprintf(w, "  WARN: case %q: %s needs a judge but judge_target is not set\n", c.ID, ec.Type)
				}
			}
		}
		fmt.Fprintf(w, "  %d cases\n", len(f.Cases))
	}
	if problems > 0 {
		return fmt.Errorf("%w: %d problems", errInvalid, problems)
	}
	return nil
}

func needsJudge(c suite.EvaluatorConfig) bool {
	switch c.Type {
	case "llm_judge", "rubric":
		return true
	case "code_judge":
		return c.JudgeProxy != nil
	case "composite":
		for _, child := range c.Evaluators {
			if needsJudge(child) {
				return true
			}
		}
	}
	return false
}

func firstSet(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
