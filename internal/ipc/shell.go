package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"runtime"
)

// ShellArgv wraps a legacy shell command string into an argv for the
// platform shell. Only config normalization should call this; everything
// downstream spawns argv directly.
func ShellArgv(command string) []string {
	if runtime.GOOS == "windows" {
		return []string{"cmd.exe", "/c", command}
	}
	return []string{"sh", "-lc", command}
}

// ErrNoJSON is returned when no JSON object could be found in the output.
var ErrNoJSON = errors.New("no JSON object in output")

// DecodeLastJSON decodes the last line of out that holds a JSON object into v.
// Scripts commonly print progress before their result, so earlier lines are
// ignored. If no single line parses, the whole output is tried.
func DecodeLastJSON(out []byte, v any) error {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		if err := json.Unmarshal(line, v); err == nil {
			return nil
		}
	}
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, v); err == nil {
			return nil
		}
	}
	return ErrNoJSON
}
