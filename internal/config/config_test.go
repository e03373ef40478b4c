package config_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/signalnine/agentv/internal/config"
)

func TestLoadMinimal(t *testing.T) {
	cfg, err := config.Load(context.Background(), "../../testdata/minimal.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Targets) != 1 {
		t.Errorf("expected 1 target, got %d", len(cfg.Targets))
	}
	if cfg.Execution.Workers != 3 {
		t.Errorf("expected default workers 3, got %d", cfg.Execution.Workers)
	}
	if cfg.Execution.RetryBackoff.Strategy != "exponential" {
		t.Errorf("expected exponential backoff, got %q", cfg.Execution.RetryBackoff.Strategy)
	}
	if cfg.Results.Dir != ".agentv/results" {
		t.Errorf("expected default results dir, got %q", cfg.Results.Dir)
	}
}

func TestLoadFull(t *testing.T) {
	t.Cleanup(func() {
		os.Unsetenv("AGENTV_TEST_OPENAI_KEY")
		os.Unsetenv("AGENTV_TEST_EXPORTED")
	})
	cfg, err := config.Load(context.Background(), "../../testdata/full.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Targets) != 5 {
		t.Errorf("expected 5 targets, got %d", len(cfg.Targets))
	}
	if cfg.JudgeTarget != "judge" {
		t.Errorf("judge target: got %q", cfg.JudgeTarget)
	}
	if cfg.Execution.Workers != 8 || cfg.Execution.MaxRetries != 3 {
		t.Errorf("execution: got %+v", cfg.Execution)
	}
	if b := cfg.Execution.RetryBackoff; b.Strategy != "fixed" || b.BaseMs != 250 || b.MaxMs != 30_000 {
		t.Errorf("backoff: got %+v", b)
	}
	if !strings.HasSuffix(cfg.Pricing.File, "testdata/pricing.yaml") {
		t.Errorf("pricing file not resolved against config dir: %q", cfg.Pricing.File)
	}
	gpt := cfg.FindTarget("gpt")
	if gpt == nil {
		t.Fatal("target gpt not found")
	}
	if got := cfg.APIKey(gpt); got != "sk-from-file" {
		t.Errorf("api key from secrets file: got %q", got)
	}
	if got := os.Getenv("AGENTV_TEST_EXPORTED"); got != "quoted value" {
		t.Errorf("exported secret: got %q", got)
	}
	if c := cfg.FindTarget("sandboxed").Container; c.CPUs != 2 || c.MemoryMB != 1024 || !c.NoNetwork || len(c.Mounts) != 1 {
		t.Errorf("container limits: got %+v", c)
	}
	if cfg.FindTarget("claude").Timeout().Seconds() != 90 {
		t.Errorf("claude timeout: got %s", cfg.FindTarget("claude").Timeout())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("AGENTV_WORKERS", "12")
	t.Setenv("AGENTV_RESULTS_DIR", "/tmp/agentv-results")
	t.Setenv("ANTHROPIC_API_KEY", "ak-env")
	cfg, err := config.Load(context.Background(), "../../testdata/minimal.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Execution.Workers != 12 {
		t.Errorf("workers: got %d, want 12", cfg.Execution.Workers)
	}
	if cfg.Results.Dir != "/tmp/agentv-results" {
		t.Errorf("results dir: got %q", cfg.Results.Dir)
	}
	if got := cfg.APIKey(&config.Target{Provider: "anthropic"}); got != "ak-env" {
		t.Errorf("default anthropic key: got %q", got)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{"missing", "nonexistent.yaml", "reading config"},
		{"unknown provider", "../../testdata/invalid.yaml", "Provider"},
		{"unknown judge target", "../../testdata/bad_judge.yaml", "judge_target"},
		{"too many workers", "../../testdata/too_many_workers.yaml", "Workers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(context.Background(), tt.path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if cfg.Execution.Workers < 1 || cfg.Execution.Workers > config.MaxWorkers {
		t.Errorf("default workers out of range: %d", cfg.Execution.Workers)
	}
	if cfg.Execution.AgentTimeoutSeconds == 0 {
		t.Error("expected default agent timeout")
	}
}
