package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/signalnine/agentv/internal/config"
	"github.com/signalnine/agentv/internal/docker"
)

// New builds the provider a target describes, rate limited when the target
// sets max_rps.
func New(ctx context.Context, cfg *config.Config, t *config.Target) (Provider, error) {
	p, err := build(ctx, cfg, t)
	if err != nil {
		return nil, fmt.Errorf("target %q: %w", t.Name, err)
	}
	return RateLimited(p, t.MaxRPS), nil
}

func build(ctx context.Context, cfg *config.Config, t *config.Target) (Provider, error) {
	switch t.Provider {
	case "mock":
		var opts []MockOption
		if t.MockResponse != "" {
			opts = append(opts, WithMockResponse(t.MockResponse))
		}
		if t.MockDelayMs > 0 {
			d := time.Duration(t.MockDelayMs) * time.Millisecond
			opts = append(opts, WithMockDelay(d, d))
		}
		return NewMock(t.Name, opts...), nil
	case "openai":
		return NewOpenAI(t.Name, OpenAIConfig{
			APIKey:      cfg.APIKey(t),
			BaseURL:     t.BaseURL,
			Model:       t.Model,
			Temperature: t.Temperature,
			MaxTokens:   t.MaxTokens,
		}), nil
	case "anthropic":
		return NewAnthropic(t.Name, AnthropicConfig{
			APIKey:      cfg.APIKey(t),
			BaseURL:     t.BaseURL,
			Model:       t.Model,
			Temperature: t.Temperature,
			MaxTokens:   t.MaxTokens,
		}), nil
	case "gemini":
		project, location := t.Project, t.Location
		if project == "" {
			project = cfg.Credentials.GoogleProject
		}
		if location == "" {
			location = cfg.Credentials.GoogleLocation
		}
		return NewGemini(ctx, t.Name, GeminiConfig{
			APIKey:      cfg.APIKey(t),
			Vertex:      t.Backend == "vertex",
			Project:     project,
			Location:    location,
			Model:       t.Model,
			Temperature: t.Temperature,
			MaxTokens:   t.MaxTokens,
		})
	case "cli":
		return NewCLI(t.Name, t.Command, t.Env, t.Timeout()), nil
	case "docker":
		mounts := make([]docker.Mount, 0, len(t.Container.Mounts))
		for _, spec := range t.Container.Mounts {
			m, err := docker.ParseMount(spec)
			if err != nil {
				return nil, err
			}
			mounts = append(mounts, m)
		}
		return NewDocker(t.Name, DockerConfig{
			Image:     t.Image,
			Command:   t.Command,
			Env:       t.Env,
			Timeout:   t.Timeout(),
			Mounts:    mounts,
			NoNetwork: t.Container.NoNetwork,
			CPUs:      t.Container.CPUs,
			MemoryMB:  t.Container.MemoryMB,
			User:      t.Container.User,
		}), nil
	case "ws_bridge":
		return NewWSBridge(t.Name, t.Command, t.Env, t.Timeout()), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", t.Provider)
	}
}

// NewAll builds every configured target keyed by name.
func NewAll(ctx context.Context, cfg *config.Config) (map[string]Provider, error) {
	out := make(map[string]Provider, len(cfg.Targets))
	for i := range cfg.Targets {
		p, err := New(ctx, cfg, &cfg.Targets[i])
		if err != nil {
			return nil, err
		}
		out[cfg.Targets[i].Name] = p
	}
	return out, nil
}
