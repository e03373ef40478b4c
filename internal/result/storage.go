package result

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ResultsFile is the name of the JSONL file inside a run directory.
const ResultsFile = "results.jsonl"

// CreateRunDir makes a fresh timestamped directory under baseDir/runs and
// points baseDir/latest at it. Runs started in the same second get a numeric
// suffix instead of sharing a directory.
func CreateRunDir(baseDir string) (string, error) {
	runsDir, err := filepath.Abs(filepath.Join(baseDir, "runs"))
	if err != nil {
		return "", fmt.Errorf("resolving run dir: %w", err)
	}
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return "", fmt.Errorf("creating run dir: %w", err)
	}
	stamp := time.Now().UTC().Format("2006-01-02T15-04-05")
	runDir := filepath.Join(runsDir, stamp)
	for n := 2; ; n++ {
		err := os.Mkdir(runDir, 0o755)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("creating run dir: %w", err)
		}
		runDir = filepath.Join(runsDir, fmt.Sprintf("%s-%d", stamp, n))
	}

	latest := filepath.Join(baseDir, "latest")
	os.Remove(latest)
	if err := os.Symlink(runDir, latest); err != nil {
		return "", fmt.Errorf("creating latest symlink: %w", err)
	}
	return runDir, nil
}

// Writer appends results to a JSONL file. It is safe for concurrent use by
// the runner's workers.
type Writer struct {
	mu           sync.Mutex
	f            *os.File
	w            *bufio.Writer
	includeTrace bool
	closed       bool
}

// NewWriter creates path. Full traces are dropped unless includeTrace is set.
func NewWriter(path string, includeTrace bool) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating results file: %w", err)
	}
	return &Writer{f: f, w: bufio.NewWriter(f), includeTrace: includeTrace}, nil
}

// Write appends r as one line and flushes, so a crashed run keeps every
// result written so far.
func (w *Writer) Write(r *EvaluationResult) error {
	if !w.includeTrace && r.Trace != nil {
		cp := *r
		cp.Trace = nil
		r = &cp
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling result %s: %w", r.CaseID, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing result %s: %w", r.CaseID, err)
	}
	return w.w.Flush()
}

// Close flushes and closes the file. Later calls are no-ops.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("flushing results: %w", err)
	}
	return w.f.Close()
}

// ReadResults loads every result in a JSONL file.
func ReadResults(path string) ([]EvaluationResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading results: %w", err)
	}
	defer f.Close()

	var out []EvaluationResult
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r EvaluationResult
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("parsing %s line %d: %w", path, line, err)
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading results: %w", err)
	}
	return out, nil
}

// ResolveResultsPath accepts a results file or a run directory.
func ResolveResultsPath(path string) string {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		return filepath.Join(path, ResultsFile)
	}
	return path
}

func WriteRunMeta(runDir string, meta *RunMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling meta: %w", err)
	}
	return os.WriteFile(filepath.Join(runDir, "meta.json"), data, 0o644)
}

func ReadRunMeta(path string) (*RunMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading meta: %w", err)
	}
	var meta RunMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing meta: %w", err)
	}
	return &meta, nil
}
