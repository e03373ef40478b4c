package ipc_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/signalnine/agentv/internal/ipc"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestExecLargePayloadRoundTrip(t *testing.T) {
	skipOnWindows(t)
	payload := bytes.Repeat([]byte("0123456789abcdef"), 4<<16) // 4 MiB
	res, err := ipc.ExecFileWithStdin(context.Background(), []string{"cat"}, payload, ipc.Options{Timeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("ExecFileWithStdin: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code: got %d, want 0 (stderr=%s)", res.ExitCode, res.Stderr)
	}
	if !bytes.Equal(res.Stdout, payload) {
		t.Errorf("stdout length %d, want %d", len(res.Stdout), len(payload))
	}
}

func TestExecLargeStderrDoesNotBlock(t *testing.T) {
	skipOnWindows(t)
	// Writes ~2 MiB to stderr before touching stdout.
	script := `head -c 2097152 /dev/zero >&2; echo done`
	res, err := ipc.ExecFileWithStdin(context.Background(), []string{"sh", "-c", script}, nil, ipc.Options{Timeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("ExecFileWithStdin: %v", err)
	}
	if len(res.Stderr) != 2097152 {
		t.Errorf("stderr length: got %d", len(res.Stderr))
	}
	if strings.TrimSpace(string(res.Stdout)) != "done" {
		t.Errorf("stdout: got %q", res.Stdout)
	}
}

func TestExecExitCodeAndStderr(t *testing.T) {
	skipOnWindows(t)
	res, err := ipc.ExecFileWithStdin(context.Background(), []string{"sh", "-c", "echo oops >&2; exit 3"}, nil, ipc.Options{})
	if err != nil {
		t.Fatalf("ExecFileWithStdin: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code: got %d, want 3", res.ExitCode)
	}
	if strings.TrimSpace(string(res.Stderr)) != "oops" {
		t.Errorf("stderr: got %q", res.Stderr)
	}
	if res.TimedOut || res.Killed {
		t.Error("unexpected timeout flags")
	}
}

func TestExecTimeoutKillsProcessGroup(t *testing.T) {
	skipOnWindows(t)
	// The background sleep inherits stdout; without a group kill Wait would
	// block until it exits.
	argv := []string{"sh", "-c", "sleep 30 & sleep 30; wait"}
	start := time.Now()
	res, err := ipc.ExecFileWithStdin(context.Background(), argv, nil, ipc.Options{Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("ExecFileWithStdin: %v", err)
	}
	if !res.TimedOut || !res.Killed {
		t.Errorf("expected timed out result, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("took %s, process group was not killed", elapsed)
	}
}

func TestExecCancelIsNotTimeout(t *testing.T) {
	skipOnWindows(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	res, err := ipc.ExecFileWithStdin(ctx, []string{"sleep", "30"}, nil, ipc.Options{Timeout: time.Minute})
	if err != nil {
		t.Fatalf("ExecFileWithStdin: %v", err)
	}
	if !res.Killed || res.TimedOut {
		t.Errorf("expected killed without timeout, got %+v", res)
	}
}

func TestExecEnvIsAdditive(t *testing.T) {
	skipOnWindows(t)
	t.Setenv("AGENTV_PARENT_VAR", "parent")
	argv := []string{"sh", "-c", `printf '%s|%s' "$AGENTV_PARENT_VAR" "$AGENTV_CHILD_VAR"`}
	res, err := ipc.ExecFileWithStdin(context.Background(), argv, nil, ipc.Options{Env: []string{"AGENTV_CHILD_VAR=child"}})
	if err != nil {
		t.Fatalf("ExecFileWithStdin: %v", err)
	}
	if got := string(res.Stdout); got != "parent|child" {
		t.Errorf("got %q, want %q", got, "parent|child")
	}
}

func TestExecWorkingDirectory(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	res, err := ipc.ExecFileWithStdin(context.Background(), []string{"pwd"}, nil, ipc.Options{Dir: dir})
	if err != nil {
		t.Fatalf("ExecFileWithStdin: %v", err)
	}
	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(string(res.Stdout)))
	if got != want {
		t.Errorf("pwd: got %q, want %q", got, want)
	}
}

func TestExecSpawnFailure(t *testing.T) {
	_, err := ipc.ExecFileWithStdin(context.Background(), []string{"/nonexistent/agentv-judge"}, nil, ipc.Options{})
	if err == nil {
		t.Fatal("expected error for missing executable")
	}
	_, err = ipc.ExecFileWithStdin(context.Background(), nil, nil, ipc.Options{})
	if !errors.Is(err, ipc.ErrEmptyCommand) {
		t.Errorf("got %v, want ErrEmptyCommand", err)
	}
}

func TestExecNoShellInterpretation(t *testing.T) {
	skipOnWindows(t)
	res, err := ipc.ExecFileWithStdin(context.Background(), []string{"echo", "$HOME; rm -rf /"}, nil, ipc.Options{})
	if err != nil {
		t.Fatalf("ExecFileWithStdin: %v", err)
	}
	if got := strings.TrimSpace(string(res.Stdout)); got != "$HOME; rm -rf /" {
		t.Errorf("argument was interpreted: %q", got)
	}
}

func TestShellArgv(t *testing.T) {
	got := ipc.ShellArgv("python judge.py --strict")
	if runtime.GOOS == "windows" {
		if got[0] != "cmd.exe" || got[1] != "/c" {
			t.Errorf("got %v", got)
		}
		return
	}
	want := []string{"sh", "-lc", "python judge.py --strict"}
	if strings.Join(got, "\x00") != strings.Join(want, "\x00") {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDecodeLastJSON(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    float64
		wantErr bool
	}{
		{"single object", `{"score": 0.5}`, 0.5, false},
		{"log lines before result", "loading model\n{\"progress\": 1}\n{\"score\": 0.9}\n", 0.9, false},
		{"pretty printed", "{\n  \"score\": 0.25\n}\n", 0.25, false},
		{"garbage", "not json at all", 0, true},
		{"empty", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v struct {
				Score float64 `json:"score"`
			}
			err := ipc.DecodeLastJSON([]byte(tt.out), &v)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && v.Score != tt.want {
				t.Errorf("score: got %v, want %v", v.Score, tt.want)
			}
		})
	}
}
