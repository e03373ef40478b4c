package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/signalnine/agentv/internal/config"
	"github.com/signalnine/agentv/internal/suite"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [eval-file]...",
		Short: "List configured targets and the cases in eval files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return listAll(cmd.OutOrStdout(), cfg, args)
		},
	}
}

func listAll(w io.Writer, cfg *config.Config, paths []string) error {
	fmt.Fprintln(w, "Targets:")
	for _, t := range cfg.Targets {
		judge := ""
		if t.Name == cfg.JudgeTarget {
			judge = " [judge]"
		}
		fmt.Fprintf(w, "  - %s (%s%s)%s\n", t.Name, t.Provider, modelSuffix(t.Model), judge)
	}
	if len(paths) == 0 {
		return nil
	}
	files, err := suite.LoadAll(paths)
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Fprintf(w, "\n%s (%d cases)\n", f.Path, len(f.Cases))
		for _, c := range f.Cases {
			var types []string
			for _, e := range c.Evaluators {
				types = append(types, e.Type)
			}
			conv := ""
			if c.ConversationID != "" {
				conv = " conversation=" + c.ConversationID
			}
			fmt.Fprintf(w, "  - %s%s [%s]\n", c.ID, conv, strings.Join(types, ", "))
		}
	}
	return nil
}

func modelSuffix(model string) string {
	if model == "" {
		return ""
	}
	return ", model: " + model
}
