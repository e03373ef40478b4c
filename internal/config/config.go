package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// MaxWorkers is the hard ceiling on concurrent work units.
const MaxWorkers = 50

type Config struct {
	Targets     []Target    `yaml:"targets" validate:"dive"`
	JudgeTarget string      `yaml:"judge_target" env:"AGENTV_JUDGE_TARGET, overwrite"`
	Execution   Execution   `yaml:"execution"`
	Secrets     Secrets     `yaml:"secrets"`
	Results     Results     `yaml:"results"`
	Pricing     Pricing     `yaml:"pricing"`
	Credentials Credentials `yaml:"-"`
}

// Target is one provider endpoint cases can be sent to.
type Target struct {
	Name           string            `yaml:"name" validate:"required"`
	Provider       string            `yaml:"provider" validate:"required,oneof=mock openai anthropic gemini cli docker ws_bridge"`
	Model          string            `yaml:"model"`
	APIKeyEnv      string            `yaml:"api_key_env"`
	BaseURL        string            `yaml:"base_url" validate:"omitempty,url"`
	Command        []string          `yaml:"command"`
	Image          string            `yaml:"image"`
	Env            map[string]string `yaml:"env"`
	TimeoutSeconds int               `yaml:"timeout_seconds" validate:"gte=0"`
	MaxRPS         float64           `yaml:"max_rps" validate:"gte=0"`
	Temperature    *float64          `yaml:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens      int               `yaml:"max_tokens" validate:"gte=0"`
	Backend        string            `yaml:"backend" validate:"omitempty,oneof=gemini_api vertex"`
	Project        string            `yaml:"project"`
	Location       string            `yaml:"location"`
	MockResponse   string            `yaml:"mock_response"`
	MockDelayMs    int               `yaml:"mock_delay_ms" validate:"gte=0"`
	Container      Container         `yaml:"container"`
}

// Container limits a docker target's agent container.
type Container struct {
	CPUs     float64 `yaml:"cpus" validate:"gte=0"`
	MemoryMB int64   `yaml:"memory_mb" validate:"gte=0"`
	// NoNetwork starts the container without networking.
	NoNetwork bool   `yaml:"no_network"`
	User      string `yaml:"user"`
	// Mounts are extra bind mounts as "source:target" or "source:target:ro".
	Mounts []string `yaml:"mounts"`
}

// Timeout is the per-attempt provider timeout, zero when unset.
func (t *Target) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

type Execution struct {
	Workers             int     `yaml:"workers" env:"AGENTV_WORKERS, overwrite" validate:"gte=1,lte=50"`
	AgentTimeoutSeconds int     `yaml:"agent_timeout_seconds" validate:"gte=1"`
	MaxRetries          int     `yaml:"max_retries" env:"AGENTV_MAX_RETRIES, overwrite" validate:"gte=0"`
	RetryBackoff        Backoff `yaml:"retry_backoff"`
	IncludeTrace        bool    `yaml:"include_trace"`
}

// Backoff controls the wait between provider timeout retries.
type Backoff struct {
	Strategy string `yaml:"strategy" validate:"oneof=exponential fixed"`
	BaseMs   int    `yaml:"base_ms" validate:"gte=0"`
	MaxMs    int    `yaml:"max_ms" validate:"gte=0"`
	JitterMs int    `yaml:"jitter_ms" validate:"gte=0"`
}

type Secrets struct {
	EnvFile string `yaml:"env_file"`
}

type Results struct {
	Dir string `yaml:"dir" env:"AGENTV_RESULTS_DIR, overwrite"`
}

type Pricing struct {
	File string `yaml:"file"`
}

// Credentials are the default API keys used when a target does not name its
// own api_key_env.
type Credentials struct {
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	GeminiAPIKey    string `env:"GEMINI_API_KEY"`
	GoogleProject   string `env:"GOOGLE_CLOUD_PROJECT"`
	GoogleLocation  string `env:"GOOGLE_CLOUD_LOCATION"`
}

var validate = validator.New()

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func Load(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	resolveRelative(filepath.Dir(path), &cfg.Secrets.EnvFile, &cfg.Pricing.File)
	if cfg.Secrets.EnvFile != "" {
		// Existing environment variables win over the file.
		if err := godotenv.Load(cfg.Secrets.EnvFile); err != nil {
			return nil, fmt.Errorf("loading secrets %s: %w", cfg.Secrets.EnvFile, err)
		}
	}
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	applyDefaults(&cfg)
	if err := check(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// resolveRelative makes file references relative to the config file.
func resolveRelative(dir string, paths ...*string) {
	for _, p := range paths {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Execution.Workers == 0 {
		cfg.Execution.Workers = 3
	}
	if cfg.Execution.AgentTimeoutSeconds == 0 {
		cfg.Execution.AgentTimeoutSeconds = 300
	}
	b := &cfg.Execution.RetryBackoff
	if b.Strategy == "" {
		b.Strategy = "exponential"
	}
	if b.BaseMs == 0 {
		b.BaseMs = 1000
	}
	if b.MaxMs == 0 {
		b.MaxMs = 30_000
	}
	if cfg.Results.Dir == "" {
		cfg.Results.Dir = ".agentv/results"
	}
}

func check(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	seen := make(map[string]bool, len(cfg.Targets))
	for _, t := range cfg.Targets {
		if seen[t.Name] {
			return fmt.Errorf("target %q: duplicate name", t.Name)
		}
		seen[t.Name] = true
		switch t.Provider {
		case "cli", "ws_bridge":
			if len(t.Command) == 0 {
				return fmt.Errorf("target %q: command is required for %s", t.Name, t.Provider)
			}
		case "docker":
			if t.Image == "" {
				return fmt.Errorf("target %q: image is required", t.Name)
			}
		case "openai", "anthropic", "gemini":
			if t.Model == "" {
				return fmt.Errorf("target %q: model is required", t.Name)
			}
		}
	}
	if cfg.JudgeTarget != "" && !seen[cfg.JudgeTarget] {
		return fmt.Errorf("judge_target %q is not a defined target", cfg.JudgeTarget)
	}
	return nil
}

// FindTarget returns the named target or nil.
func (c *Config) FindTarget(name string) *Target {
	for i := range c.Targets {
		if c.Targets[i].Name == name {
			return &c.Targets[i]
		}
	}
	return nil
}

// APIKey resolves the key for t: its api_key_env first, then the provider's
// default credential.
func (c *Config) APIKey(t *Target) string {
	if t.APIKeyEnv != "" {
		if v := os.Getenv(t.APIKeyEnv); v != "" {
			return v
		}
	}
	switch t.Provider {
	case "openai":
		return c.Credentials.OpenAIAPIKey
	case "anthropic":
		return c.Credentials.AnthropicAPIKey
	case "gemini":
		return c.Credentials.GeminiAPIKey
	}
	return ""
}
