//go:build integration

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalnine/agentv/internal/config"
	"github.com/signalnine/agentv/internal/result"
	"github.com/signalnine/agentv/internal/runner"
)

// createFixtureRepo creates a minimal git repo to use as a workspace template.
func createFixtureRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cmds := [][]string{
		{"git", "init"},
		{"git", "config", "user.email", "test@test.com"},
		{"git", "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		c := exec.Command(args[0], args[1:]...)
		c.Dir = dir
		if out, err := c.CombinedOutput(); err != nil {
			t.Fatalf("%v: %s", err, out)
		}
	}
	os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello"), 0o644)
	for _, args := range [][]string{
		{"git", "add", "."},
		{"git", "commit", "-m", "initial"},
	} {
		c := exec.Command(args[0], args[1:]...)
		c.Dir = dir
		if out, err := c.CombinedOutput(); err != nil {
			t.Fatalf("%v: %s", err, out)
		}
	}
	return dir
}

const integrationEval = `
workspace_template: %s
cases:
  - id: edit-file
    input: Modify hello.txt to say goodbye
    evaluators:
      - type: contains
        value: edited
      - name: diff-check
        type: code_judge
        command:
          - sh
          - -c
          - 'if grep -q farewell-42; then echo "{\"score\": 1}"; else echo "{\"score\": 0, \"misses\": [\"no change\"]}"; fi'
`

func TestDockerTargetIntegration(t *testing.T) {
	if os.Getenv("AGENTV_DOCKER_TESTS") == "" {
		t.Skip("set AGENTV_DOCKER_TESTS=1 to run integration tests")
	}

	fixtureDir := createFixtureRepo(t)
	evalPath := filepath.Join(t.TempDir(), "edit.yaml")
	if err := os.WriteFile(evalPath, []byte(fmt.Sprintf(integrationEval, fixtureDir)), 0o644); err != nil {
		t.Fatal(err)
	}

	resultsDir := t.TempDir()
	runDir, err := result.CreateRunDir(resultsDir)
	if err != nil {
		t.Fatalf("CreateRunDir: %v", err)
	}
	w, err := result.NewWriter(filepath.Join(runDir, result.ResultsFile), false)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	cfg := config.Default()
	cfg.Targets = []config.Target{{
		Name:     "alpine",
		Provider: "docker",
		Image:    "alpine:latest",
		Command:  []string{"sh", "-c", "echo farewell-42 > /workspace/hello.txt && echo edited"},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	results, err := runner.RunEvaluation(ctx, runner.Options{
		EvalFiles:    []string{evalPath},
		Config:       cfg,
		Workers:      1,
		AgentTimeout: time.Minute,
	}, w)
	if err != nil {
		t.Fatalf("RunEvaluation: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if r.Error != "" || r.Score != 1 {
		t.Errorf("score %v error %q misses %v", r.Score, r.Error, r.Misses)
	}

	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	stored, err := result.ReadResults(filepath.Join(runDir, result.ResultsFile))
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].CaseID != "edit-file" {
		t.Errorf("stored results = %+v", stored)
	}
}
