// Package ipc spawns short-lived helper processes that speak JSON over stdio.
package ipc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// ErrEmptyCommand is returned when no executable was given.
var ErrEmptyCommand = errors.New("empty command")

// killGrace bounds how long Wait keeps draining pipes after the process group
// has been killed.
const killGrace = 2 * time.Second

type Options struct {
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Env entries (KEY=VALUE) are appended to the parent environment.
	Env     []string
	Timeout time.Duration
}

type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	TimedOut bool
	// Killed is set when the process was stopped by timeout or cancellation.
	Killed   bool
	Duration time.Duration
}

// ExecFileWithStdin runs argv directly (no shell), writes payload to its stdin
// and closes it, and collects stdout and stderr concurrently. The child runs
// in its own process group which is killed as a whole on timeout or when ctx
// is cancelled.
//
// The returned error is non-nil only when the process could not be started.
// Non-zero exits and timeouts are reported through Result.
func ExecFileWithStdin(ctx context.Context, argv []string, payload []byte, opts Options) (*Result, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, ErrEmptyCommand
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = killGrace

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", argv[0], err)
	}
	waitErr := cmd.Wait()

	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
		ExitCode: -1,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		res.Killed = true
		res.TimedOut = errors.Is(ctxErr, context.DeadlineExceeded)
		return res, nil
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return nil, fmt.Errorf("waiting for %s: %w", argv[0], waitErr)
	}
	return res, nil
}
