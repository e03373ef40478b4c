// Package docker runs one-shot agent containers and collects their output.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/client"
)

// TimeoutExitCode is reported when the container was killed on timeout.
const TimeoutExitCode = 124

// WorkspaceDir is where RunOpts.WorkDir is mounted inside the container.
const WorkspaceDir = "/workspace"

// maxOutput caps how much container output is kept in memory.
const maxOutput = 8 << 20

// RunOpts describes one agent container.
type RunOpts struct {
	Image   string
	Command []string
	// WorkDir, when set, is bind-mounted at WorkspaceDir and used as the
	// working directory.
	WorkDir   string
	Env       map[string]string
	Timeout   time.Duration
	Mounts    []Mount
	NoNetwork bool
	CPUs      float64
	MemoryMB  int64
	User      string
}

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ParseMount parses "source:target" or "source:target:ro".
func ParseMount(spec string) (Mount, error) {
	parts := strings.Split(spec, ":")
	switch {
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return Mount{Source: parts[0], Target: parts[1]}, nil
	case len(parts) == 3 && parts[0] != "" && parts[1] != "" && parts[2] == "ro":
		return Mount{Source: parts[0], Target: parts[1], ReadOnly: true}, nil
	}
	return Mount{}, fmt.Errorf("bad mount %q: want source:target[:ro]", spec)
}

type RunResult struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
	// Output is the combined stdout and stderr of the container.
	Output []byte
}

// containerConfig translates opts into the engine's create request.
func containerConfig(opts *RunOpts) (*container.Config, *container.HostConfig) {
	env := make([]string, 0, len(opts.Env))
	for _, k := range slices.Sorted(maps.Keys(opts.Env)) {
		env = append(env, k+"="+opts.Env[k])
	}

	cfg := &container.Config{
		Image: opts.Image,
		Cmd:   opts.Command,
		Env:   env,
		// A TTY merges stdout and stderr into one raw stream, so the logs
		// need no demultiplexing.
		Tty:             true,
		NetworkDisabled: opts.NoNetwork,
		User:            opts.User,
		Labels:          map[string]string{"agentv": "true"},
	}

	useInit := true
	host := &container.HostConfig{Init: &useInit}
	if opts.WorkDir != "" {
		cfg.WorkingDir = WorkspaceDir
		host.Mounts = append(host.Mounts, mount.Mount{Type: mount.TypeBind, Source: opts.WorkDir, Target: WorkspaceDir})
	}
	for _, m := range opts.Mounts {
		host.Mounts = append(host.Mounts, mount.Mount{Type: mount.TypeBind, Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}
	if opts.NoNetwork {
		host.NetworkMode = "none"
	}
	if opts.CPUs > 0 {
		host.NanoCPUs = int64(opts.CPUs * 1e9)
	}
	if opts.MemoryMB > 0 {
		host.Memory = opts.MemoryMB << 20
	}
	return cfg, host
}

// RunContainer creates, starts and waits for one container, then removes it.
// A container outliving opts.Timeout is killed and reported as TimedOut; that
// is not an error.
func RunContainer(ctx context.Context, opts *RunOpts) (*RunResult, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	defer cli.Close()

	cfg, host := containerConfig(opts)
	created, err := cli.ContainerCreate(ctx, client.ContainerCreateOptions{Config: cfg, HostConfig: host})
	if err != nil {
		return nil, fmt.Errorf("creating container from %s: %w", opts.Image, err)
	}
	id := created.ID
	log := clog.FromContext(ctx).With("image", opts.Image).With("container", shortID(id))
	defer cli.ContainerRemove(context.WithoutCancel(ctx), id, client.ContainerRemoveOptions{Force: true})

	start := time.Now()
	if _, err := cli.ContainerStart(ctx, id, client.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}
	log.Debug("container started")

	waitCtx, cancel := ctx, context.CancelFunc(func() {})
	if opts.Timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}
	defer cancel()

	wait := cli.ContainerWait(waitCtx, id, client.ContainerWaitOptions{Condition: container.WaitConditionNotRunning})
	for {
		select {
		case status := <-wait.Result:
			return &RunResult{
				ExitCode: int(status.StatusCode),
				Duration: time.Since(start),
				Output:   readLogs(ctx, cli, id),
			}, nil
		case err := <-wait.Error:
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				cli.ContainerKill(context.WithoutCancel(ctx), id, client.ContainerKillOptions{Signal: "SIGKILL"})
				return nil, fmt.Errorf("waiting for container: %w", ctx.Err())
			}
			if waitCtx.Err() == nil {
				return nil, fmt.Errorf("waiting for container: %w", err)
			}
			cli.ContainerKill(context.WithoutCancel(ctx), id, client.ContainerKillOptions{Signal: "SIGKILL"})
			log.With("timeout", opts.Timeout).Warn("container killed after timeout")
			return &RunResult{
				ExitCode: TimeoutExitCode,
				TimedOut: true,
				Duration: time.Since(start),
				Output:   readLogs(ctx, cli, id),
			}, nil
		}
	}
}

func readLogs(ctx context.Context, cli *client.Client, id string) []byte {
	r, err := cli.ContainerLogs(context.WithoutCancel(ctx), id, client.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil || r == nil {
		return nil
	}
	defer r.Close()
	var buf bytes.Buffer
	io.Copy(&buf, io.LimitReader(r, maxOutput))
	return buf.Bytes()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
