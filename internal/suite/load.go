package suite

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/signalnine/agentv/internal/ipc"
)

var validate = validator.New()

// ErrUnknownEvaluator is returned for an evaluator type no constructor exists for.
var ErrUnknownEvaluator = errors.New("unknown evaluator type")

// EvaluatorTypes is the closed set of evaluator types, after alias resolution.
var EvaluatorTypes = []string{
	"code_judge", "llm_judge", "composite", "tool_trajectory", "field_accuracy",
	"latency", "cost", "token_usage", "execution_metrics",
	"contains", "regex", "equals", "is_json",
}

// Load reads, validates and normalizes one eval file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading eval file %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing eval file %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving eval file %s: %w", path, err)
	}
	f.Path = abs
	if err := normalize(&f); err != nil {
		return nil, fmt.Errorf("invalid eval file %s: %w", path, err)
	}
	if err := validate.Struct(&f); err != nil {
		return nil, fmt.Errorf("invalid eval file %s: %w", path, err)
	}
	return &f, nil
}

// LoadAll loads every path, failing on the first bad file.
func LoadAll(paths []string) ([]*File, error) {
	files := make([]*File, 0, len(paths))
	for _, p := range paths {
		f, err := Load(p)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

func normalize(f *File) error {
	dir := filepath.Dir(f.Path)
	if f.WorkspaceTemplate != "" && !filepath.IsAbs(f.WorkspaceTemplate) {
		f.WorkspaceTemplate = filepath.Join(dir, f.WorkspaceTemplate)
	}
	for i := range f.Evaluators {
		if err := normalizeEvaluator(&f.Evaluators[i], dir); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(f.Cases))
	for i, c := range f.Cases {
		if c == nil {
			return fmt.Errorf("case %d: empty", i)
		}
		if c.ID == "" {
			return fmt.Errorf("case %d: id is required", i)
		}
		if seen[c.ID] {
			return fmt.Errorf("case %q: duplicate id", c.ID)
		}
		seen[c.ID] = true

		if c.Criteria == "" {
			c.Criteria = c.ExpectedOutcome
		}
		if len(c.InputMessages) == 0 && c.Input != "" {
			c.InputMessages = []Message{{Role: "user", Content: c.Input}}
		}
		if len(c.InputMessages) == 0 {
			return fmt.Errorf("case %q: input or input_messages is required", c.ID)
		}
		if c.ReferenceAnswer == "" && len(c.ExpectedMessages) > 0 {
			c.ReferenceAnswer = c.ExpectedMessages[len(c.ExpectedMessages)-1].Content
		}
		if len(c.Evaluators) == 0 && len(f.Evaluators) > 0 {
			c.Evaluators = append([]EvaluatorConfig(nil), f.Evaluators...)
		} else {
			for j := range c.Evaluators {
				if err := normalizeEvaluator(&c.Evaluators[j], dir); err != nil {
					return fmt.Errorf("case %q: %w", c.ID, err)
				}
			}
		}
	}
	return nil
}

// normalizeEvaluator applies aliases and converts legacy shell strings into
// argv so nothing downstream ever invokes a shell implicitly.
func normalizeEvaluator(e *EvaluatorConfig, baseDir string) error {
	if e.Type == "rubric" {
		e.Type = "llm_judge"
	}
	if !slices.Contains(EvaluatorTypes, e.Type) {
		return fmt.Errorf("evaluator %q: %w %q", e.Name, ErrUnknownEvaluator, e.Type)
	}
	if e.Name == "" {
		e.Name = e.Type
	}
	if len(e.Command) == 0 && e.Script != "" {
		e.Command = ipc.ShellArgv(e.Script)
		e.Script = ""
	}
	if e.Type == "code_judge" {
		switch {
		case e.Cwd == "":
			e.Cwd = baseDir
		case !filepath.IsAbs(e.Cwd):
			e.Cwd = filepath.Join(baseDir, e.Cwd)
		}
	}
	seen := make(map[string]bool, len(e.Evaluators))
	for i := range e.Evaluators {
		child := &e.Evaluators[i]
		if err := normalizeEvaluator(child, baseDir); err != nil {
			return err
		}
		if seen[child.Name] {
			return fmt.Errorf("evaluator %q: duplicate child name %q", e.Name, child.Name)
		}
		seen[child.Name] = true
	}
	return nil
}
