package codegen

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/danshapiro/ticketsmith/internal/llm"
	"github.com/danshapiro/ticketsmith/internal/pipeline/engine"
	"github.com/danshapiro/ticketsmith/internal/testrunner"
	"github.com/danshapiro/ticketsmith/internal/tracker"
	"github.com/danshapiro/ticketsmith/internal/workspace"
)

const (
	archJSON = `{"app_name": "calc", "modules": [{"name": "Calculator", "purpose": "Arithmetic", "tickets": ["CALC-1"], "functions": ["add"]}]}`
	specJSON = `{"module": "calculator", "functions": [{"name": "add", "inputs": ["a: float", "b: float"], "output": "float"}]}`
	testsSrc = "```python\ndef test_add():\n    assert add(1, 2) == 3\n```"
	codeSrc  = "def add(a, b):\n    return a + b\n"
	cleanApp = "import streamlit as st\nfrom modules.calculator import add\n\nst.title(\"Calc\")\n"
)

// scriptedLLM answers by recognizing which prompt it was sent.
type scriptedLLM struct {
	mu      sync.Mutex
	prompts map[string][]string

	analyses []string
	apps     []string
	appFixes []string
	failOn   string
	err      error
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{prompts: map[string][]string{}}
}

func (f *scriptedLLM) kind(prompt string) string {
	switch {
	case strings.Contains(prompt, "overall application goal"):
		return "goal"
	case strings.Contains(prompt, "You are a software architect"):
		return "architect"
	case strings.Contains(prompt, "Analyze EPIC requirements"):
		return "requirements"
	case strings.Contains(prompt, "Extract an implementation spec"):
		return "spec"
	case strings.Contains(prompt, "Review spec completeness"):
		return "review"
	case strings.Contains(prompt, "Create pytest tests"):
		return "tests"
	case strings.Contains(prompt, "Implement the module"):
		return "code"
	case strings.Contains(prompt, "Fix the code"):
		return "fix"
	case strings.Contains(prompt, "Design the best Streamlit layout"):
		return "ui"
	case strings.Contains(prompt, "Create the main Streamlit app"):
		return "app"
	case strings.Contains(prompt, "Fix the Streamlit app"):
		return "app_fix"
	case strings.Contains(prompt, "release readiness"):
		return "quality"
	}
	return "unknown"
}

func (f *scriptedLLM) Complete(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	k := f.kind(prompt)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts[k] = append(f.prompts[k], prompt)
	n := len(f.prompts[k])
	if f.failOn == k {
		return "", f.err
	}
	switch k {
	case "goal":
		return "A calculator for everyday sums.", nil
	case "architect":
		return "```json\n" + archJSON + "\n```", nil
	case "requirements":
		return pick(f.analyses, n, "BANNED_PATTERNS_FOUND: None\nAPPROVED: YES"), nil
	case "spec":
		return specJSON, nil
	case "review":
		return "SPEC_QUALITY: 9\nREADY: YES", nil
	case "tests":
		return testsSrc, nil
	case "code", "fix":
		return codeSrc, nil
	case "ui":
		return "UI_PATTERN: tabs\nLAYOUT: one tab per module", nil
	case "app":
		return pick(f.apps, n, cleanApp), nil
	case "app_fix":
		return pick(f.appFixes, n, cleanApp), nil
	case "quality":
		return "Ready to ship.", nil
	}
	return "", errors.New("unexpected prompt: " + truncate(prompt, 80))
}

func (f *scriptedLLM) calls(kind string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.prompts[kind]...)
}

// pick returns the n-th scripted answer, repeating the last one.
func pick(answers []string, n int, def string) string {
	if len(answers) == 0 {
		return def
	}
	return answers[min(n, len(answers))-1]
}

type fakeTracker struct {
	items   []tracker.WorkItem
	pingErr error

	mu   sync.Mutex
	keys []string
}

func (f *fakeTracker) FetchWorkItems(ctx context.Context, project, keys string) ([]tracker.WorkItem, error) {
	f.mu.Lock()
	f.keys = append(f.keys, project+"/"+keys)
	f.mu.Unlock()
	return f.items, nil
}

func (f *fakeTracker) Ping(ctx context.Context) error { return f.pingErr }

// fakeRunner returns results in order, repeating the last one.
type fakeRunner struct {
	mu      sync.Mutex
	results []testrunner.Result
	err     error
	calls   int
}

func (f *fakeRunner) RunTests(ctx context.Context, path string) (testrunner.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return testrunner.Result{}, f.err
	}
	return f.results[min(f.calls, len(f.results))-1], nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeSyntax rejects files whose content contains marker.
type fakeSyntax struct {
	root   string
	marker string
}

func (f fakeSyntax) CheckSyntax(ctx context.Context, path string) error {
	b, err := os.ReadFile(filepath.Join(f.root, path))
	if err != nil {
		return err
	}
	if strings.Contains(string(b), f.marker) {
		return errors.New("invalid syntax")
	}
	return nil
}

var passing = testrunner.Result{Passed: 1, Collected: 1, RawOutput: "1 passed"}

type fixture struct {
	cfg     *RunConfigFile
	deps    Deps
	llm     *scriptedLLM
	tracker *fakeTracker
	runner  *fakeRunner
	root    string
	logs    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	cfg := &RunConfigFile{ProjectKey: "CALC"}
	cfg.Workspace.Root = root
	cfg.Tracker.BaseURL = "https://example.atlassian.net"
	applyConfigDefaults(cfg)
	files, err := workspace.NewWriter(root, cfg.Workspace.Allow, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	f := &fixture{
		cfg: cfg,
		llm: newScriptedLLM(),
		tracker: &fakeTracker{items: []tracker.WorkItem{
			{Key: "CALC-1", Title: "Add numbers", Description: "Sum two numbers.", Type: "Story"},
		}},
		runner: &fakeRunner{results: []testrunner.Result{passing}},
		root:   root,
		logs:   t.TempDir(),
	}
	f.deps = Deps{LLM: f.llm, Tracker: f.tracker, Tests: f.runner, Files: files}
	return f
}

func (f *fixture) run(t *testing.T, opts engine.RunOptions) (*engine.Result, error) {
	t.Helper()
	if opts.LogsRoot == "" {
		opts.LogsRoot = f.logs
	}
	return Run(context.Background(), f.cfg, f.deps, InitialFields("calc", []string{"calc-1"}), opts)
}

func (f *fixture) read(t *testing.T, rel string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(f.root, rel))
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	return string(b)
}
