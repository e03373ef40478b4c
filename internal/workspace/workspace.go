// Package workspace prepares scratch copies of a workspace template and
// reports what an agent changed in them.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"
)

// Prepare copies template into a new temp directory and commits the copy as
// a git baseline so CaptureChanges can diff against it later. Without git on
// PATH the copy is still made but has no baseline.
func Prepare(ctx context.Context, template string) (string, error) {
	dir, err := Clone(template)
	if err != nil {
		return "", err
	}
	if _, err := exec.LookPath("git"); err != nil {
		clog.FromContext(ctx).With("template", template).Warn("git not found, workspace changes will not be captured")
		return dir, nil
	}
	for _, args := range [][]string{
		{"init", "-q"},
		{"add", "-A"},
		{"-c", "user.email=agentv@localhost", "-c", "user.name=agentv", "commit", "-q", "--allow-empty", "--no-verify", "-m", "baseline"},
	} {
		if err := git(ctx, dir, args...); err != nil {
			os.RemoveAll(dir)
			return "", err
		}
	}
	return dir, nil
}

// Clone copies src into a new temp directory and returns its path.
func Clone(src string) (string, error) {
	info, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("reading workspace template: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace template %s is not a directory", src)
	}
	dir, err := os.MkdirTemp("", "agentv-ws-")
	if err != nil {
		return "", fmt.Errorf("creating workspace: %w", err)
	}
	if err := os.CopyFS(dir, os.DirFS(src)); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("copying workspace template %s: %w", src, err)
	}
	return dir, nil
}

// CaptureChanges stages all changes (including untracked files) and returns
// the diff against the baseline. A workspace without a baseline has no
// changes to report.
func CaptureChanges(ctx context.Context, dir string) (string, error) {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return "", nil
	}
	if err := git(ctx, dir, "add", "-A"); err != nil {
		return "", err
	}
	diff := exec.CommandContext(ctx, "git", "diff", "--cached")
	diff.Dir = dir
	out, err := diff.Output()
	if err != nil {
		return "", fmt.Errorf("git diff --cached: %w", err)
	}
	return string(out), nil
}

func git(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), out, err)
	}
	return nil
}
