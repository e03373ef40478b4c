package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/signalnine/agentv/internal/docker"
)

// Docker runs an agent image once per request. The prompt is passed in the
// AGENTV_PROMPT environment variable and the container output is the answer.
type Docker struct {
	name string
	cfg  DockerConfig
}

type DockerConfig struct {
	Image     string
	Command   []string
	Env       map[string]string
	Timeout   time.Duration
	Mounts    []docker.Mount
	NoNetwork bool
	CPUs      float64
	MemoryMB  int64
	User      string
}

func NewDocker(name string, cfg DockerConfig) *Docker {
	return &Docker{name: name, cfg: cfg}
}

func (p *Docker) Name() string { return p.name }

func (p *Docker) Invoke(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	env := map[string]string{
		"AGENTV_PROMPT":  req.Prompt(),
		"AGENTV_CASE_ID": req.CaseID,
	}
	if req.SystemPrompt != "" {
		env["AGENTV_SYSTEM_PROMPT"] = req.SystemPrompt
	}
	for k, v := range p.cfg.Env {
		env[k] = v
	}

	timeout := p.cfg.Timeout
	if dl, ok := ctx.Deadline(); ok && (timeout == 0 || time.Until(dl) < timeout) {
		timeout = time.Until(dl)
	}
	res, err := docker.RunContainer(ctx, &docker.RunOpts{
		Image:     p.cfg.Image,
		Command:   p.cfg.Command,
		WorkDir:   req.WorkDir,
		Env:       env,
		Timeout:   timeout,
		Mounts:    p.cfg.Mounts,
		NoNetwork: p.cfg.NoNetwork,
		CPUs:      p.cfg.CPUs,
		MemoryMB:  p.cfg.MemoryMB,
		User:      p.cfg.User,
	})
	if err != nil {
		return nil, fmt.Errorf("running container: %w", err)
	}
	if res.TimedOut {
		return nil, fmt.Errorf("%s after %s: %w", p.name, res.Duration.Round(time.Second), ErrTimeout)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%s exited with code %d: %s", p.name, res.ExitCode, tail(res.Output, 512))
	}
	resp := textResponse(strings.TrimSpace(string(res.Output)), start)
	resp.Trace = modelStepTrace(p.cfg.Image, resp.Text, start)
	return resp, nil
}
