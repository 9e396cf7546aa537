// Package testrunner runs generated pytest suites in a subprocess and
// reports pass/fail counts.
package testrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

type Result struct {
	Passed    int    `json:"passed"`
	Failed    int    `json:"failed"`
	Collected int    `json:"collected"`
	RawOutput string `json:"output"`
}

// ZeroCollected means pytest found nothing to run, which points at a
// configuration problem rather than failing code.
func (r Result) ZeroCollected() bool { return r.Collected == 0 }

func (r Result) AllPassed() bool { return r.Collected > 0 && r.Failed == 0 }

type Config struct {
	// Command is the pytest invocation; the test path and report flags are
	// appended. Default: python -m pytest.
	Command []string
	// Dir is the working directory, usually the workspace root.
	Dir string
	// ExtraPaths are prepended to PYTHONPATH.
	ExtraPaths []string
	// Timeout bounds one run; 0 means 5 minutes.
	Timeout time.Duration
	Logger  *slog.Logger
}

type Runner struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Runner {
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"python", "-m", "pytest"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: logger.With("component", "testrunner")}
}

// RunTests runs one test file. A failing suite is not an error; only a
// runner that could not start (or was cancelled) returns one.
func (r *Runner) RunTests(ctx context.Context, testPath string) (Result, error) {
	full := testPath
	if !filepath.IsAbs(full) && r.cfg.Dir != "" {
		full = filepath.Join(r.cfg.Dir, testPath)
	}
	if _, err := os.Stat(full); err != nil {
		return Result{Failed: 1, RawOutput: "Test file not found: " + testPath}, nil
	}

	reportDir, err := os.MkdirTemp("", "ticketsmith-pytest-*")
	if err != nil {
		return Result{}, err
	}
	defer os.RemoveAll(reportDir)
	reportPath := filepath.Join(reportDir, "report.json")

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	args := append([]string{}, r.cfg.Command[1:]...)
	args = append(args, testPath, "--json-report", "--json-report-file="+reportPath, "-p", "no:cacheprovider", "-v")
	cmd := exec.CommandContext(ctx, r.cfg.Command[0], args...)
	cmd.Dir = r.cfg.Dir
	cmd.Env = r.env()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	runErr := cmd.Run()
	output := stdout.String() + "\n" + stderr.String()
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return Result{RawOutput: output}, fmt.Errorf("run tests %s: %w", testPath, runErr)
		}
		if ctx.Err() != nil {
			return Result{RawOutput: output}, fmt.Errorf("run tests %s: %w", testPath, context.Cause(ctx))
		}
	}

	res, ok := readReport(reportPath)
	if !ok {
		res = countOutcomes(output)
	}
	res.RawOutput = output
	r.logger.Info("tests finished",
		"path", testPath,
		"passed", res.Passed,
		"failed", res.Failed,
		"collected", res.Collected,
		"duration", time.Since(started),
	)
	return res, nil
}

func (r *Runner) env() []string {
	env := os.Environ()
	if len(r.cfg.ExtraPaths) == 0 {
		return env
	}
	paths := append([]string{}, r.cfg.ExtraPaths...)
	if cur := os.Getenv("PYTHONPATH"); cur != "" {
		paths = append(paths, cur)
	}
	return append(env, "PYTHONPATH="+strings.Join(paths, string(os.PathListSeparator)))
}

type reportSummary struct {
	Passed int `json:"passed"`
	Failed int `json:"failed"`
	Error  int `json:"error"`
	Total  int `json:"total"`
}

// readReport parses a pytest-json-report file. Collection errors count as
// failures.
func readReport(path string) (Result, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, false
	}
	return parseReport(data)
}

func parseReport(data []byte) (Result, bool) {
	var rep struct {
		Summary *reportSummary `json:"summary"`
	}
	if err := json.Unmarshal(data, &rep); err != nil || rep.Summary == nil {
		return Result{}, false
	}
	s := rep.Summary
	return Result{Passed: s.Passed, Failed: s.Failed + s.Error, Collected: s.Total}, true
}

func countOutcomes(output string) Result {
	passed := strings.Count(output, " PASSED")
	failed := strings.Count(output, " FAILED")
	return Result{Passed: passed, Failed: failed, Collected: passed + failed}
}
