package codegen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/danshapiro/ticketsmith/internal/backoff"
	"github.com/danshapiro/ticketsmith/internal/llm"
	"github.com/danshapiro/ticketsmith/internal/pipeline/engine"
	"github.com/danshapiro/ticketsmith/internal/pipeline/graph"
	"github.com/danshapiro/ticketsmith/internal/pipeline/runtime"
	"github.com/danshapiro/ticketsmith/internal/pipeline/validate"
	"github.com/danshapiro/ticketsmith/internal/testrunner"
	"github.com/danshapiro/ticketsmith/internal/tracker"
	"github.com/danshapiro/ticketsmith/internal/workspace"
)

// Exit codes reported by the CLI.
const (
	ExitSuccess      = 0
	ExitDefect       = 2
	ExitCollaborator = 3
	ExitCanceled     = 130 // shell convention for SIGINT
)

// NewDeps builds the production collaborators from cfg.
func NewDeps(cfg *RunConfigFile, logger *slog.Logger) (Deps, error) {
	if cfg == nil {
		return Deps{}, fmt.Errorf("config is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	provider, err := llm.NewOpenAIProvider(llm.OpenAIConfig{APIKey: cfg.LLM.APIKey, BaseURL: cfg.LLM.BaseURL})
	if err != nil {
		return Deps{}, err
	}
	client, err := llm.NewClient(provider, llm.ClientOptions{
		Defaults:          llm.Options{MaxTokens: cfg.LLM.MaxTokens, Temperature: cfg.LLM.Temperature},
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		Burst:             1,
		MaxAttempts:       cfg.LLM.MaxAttempts,
		Logger:            logger,
	})
	if err != nil {
		return Deps{}, err
	}
	tc, err := tracker.NewClient(tracker.Config{
		BaseURL:     cfg.Tracker.BaseURL,
		Email:       cfg.Tracker.Email,
		Token:       cfg.Tracker.Token,
		BoardID:     cfg.Tracker.BoardID,
		Timeout:     time.Duration(cfg.Tracker.TimeoutMS) * time.Millisecond,
		MaxAttempts: cfg.Tracker.MaxAttempts,
		Backoff:     backoff.Config{InitialDelayMS: 1000, BackoffFactor: 2, MaxDelayMS: 8000},
		Logger:      logger,
	})
	if err != nil {
		return Deps{}, err
	}
	files, err := workspace.NewWriter(cfg.Workspace.Root, cfg.Workspace.Allow, logger)
	if err != nil {
		return Deps{}, err
	}
	testTimeout := time.Duration(cfg.Tests.TimeoutMS) * time.Millisecond
	deps := Deps{
		LLM:       client,
		LLMHealth: client,
		Tracker:   tc,
		Tests: testrunner.New(testrunner.Config{
			Command:    cfg.Tests.Command,
			Dir:        files.Root(),
			ExtraPaths: []string{files.Root()},
			Timeout:    testTimeout,
			Logger:     logger,
		}),
		Files:  files,
		Logger: logger,
	}
	if len(cfg.Tests.SyntaxCheck) > 0 {
		deps.Syntax = &testrunner.SyntaxChecker{Command: cfg.Tests.SyntaxCheck, Dir: files.Root()}
	}
	return deps, nil
}

// InitialFields is the seed state for a run. An empty ticket list means
// every item in the project.
func InitialFields(project string, tickets []string) map[string]any {
	keys := make([]any, 0, len(tickets))
	for _, t := range tickets {
		if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
			keys = append(keys, t)
		}
	}
	if len(keys) == 0 {
		keys = append(keys, tracker.AllItems)
	}
	return map[string]any{
		KeyProjectKey: strings.ToUpper(strings.TrimSpace(project)),
		KeyTicketKeys: keys,
	}
}

// Run compiles the pipeline and invokes it once with fields as the seed
// state. Options left zero are filled from cfg.
func Run(ctx context.Context, cfg *RunConfigFile, deps Deps, fields map[string]any, opts engine.RunOptions) (*engine.Result, error) {
	g, err := compile(cfg, deps, &opts)
	if err != nil {
		return nil, err
	}
	seed := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		seed[k] = v
	}
	if s, _ := seed[KeyProjectKey].(string); s == "" {
		if cfg.ProjectKey == "" {
			return nil, fmt.Errorf("project key is required")
		}
		seed[KeyProjectKey] = cfg.ProjectKey
	}
	if _, ok := seed[KeyTicketKeys]; !ok {
		seed[KeyTicketKeys] = []any{tracker.AllItems}
	}
	opts.Logger.Info("starting run", "run_id", opts.RunID, "project", seed[KeyProjectKey], "logs_root", opts.LogsRoot)
	return engine.Invoke(ctx, g, seed, opts)
}

// Resume continues the run whose checkpoint lives in logsRoot.
func Resume(ctx context.Context, cfg *RunConfigFile, deps Deps, logsRoot string, opts engine.RunOptions) (*engine.Result, error) {
	cp, err := runtime.LoadCheckpoint(filepath.Join(logsRoot, "checkpoint.json"))
	if err != nil {
		return nil, err
	}
	if opts.RunID == "" {
		opts.RunID = cp.RunID
	}
	if opts.LogsRoot == "" {
		opts.LogsRoot = logsRoot
	}
	g, err := compile(cfg, deps, &opts)
	if err != nil {
		return nil, err
	}
	opts.Logger.Info("resuming run", "run_id", opts.RunID, "next_node", cp.NextNode, "steps", cp.Steps)
	return engine.Resume(ctx, g, cp, opts)
}

func compile(cfg *RunConfigFile, deps Deps, opts *engine.RunOptions) (*graph.Graph, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if opts.Logger == nil {
		opts.Logger = deps.Logger
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if deps.Logger == nil {
		deps.Logger = opts.Logger
	}
	if opts.RunID == "" {
		id, err := engine.NewRunID()
		if err != nil {
			return nil, err
		}
		opts.RunID = id
	}
	if opts.StepBudget == 0 {
		opts.StepBudget = cfg.Pipeline.StepBudget
	}
	if opts.NodeTimeout == 0 {
		opts.NodeTimeout = cfg.NodeTimeout()
	}
	if opts.LogsRoot == "" {
		if cfg.LogsRoot != "" {
			opts.LogsRoot = filepath.Join(cfg.LogsRoot, opts.RunID)
		} else {
			opts.LogsRoot = engine.DefaultLogsRoot(opts.RunID)
		}
	}
	g, diags, err := BuildGraph(cfg, deps)
	if err != nil {
		return nil, err
	}
	for _, d := range diags {
		if d.Severity == validate.SeverityError {
			opts.Logger.Error("graph diagnostic", "rule", d.Rule, "node", d.NodeID, "message", d.Message)
			continue
		}
		opts.Logger.Warn("graph diagnostic", "rule", d.Rule, "node", d.NodeID, "message", d.Message)
	}
	return g, nil
}

// ExitCode maps a run error to the CLI exit status. A canceled run is
// neither a defect nor a collaborator failure. Graph build failures,
// routing failures, exhausted step budgets, contract violations and panics
// are defects; anything else came from a collaborator.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if errors.Is(err, context.Canceled) {
		return ExitCanceled
	}
	var ge *graph.GraphError
	if errors.As(err, &ge) || engine.IsEngineDefect(err) ||
		errors.Is(err, engine.ErrContractViolation) || errors.Is(err, engine.ErrNodePanic) {
		return ExitDefect
	}
	return ExitCollaborator
}

// ErrOffline is returned by the collaborators Describe wires in.
var ErrOffline = errors.New("collaborator unavailable: graph built for inspection only")

type offline struct{}

func (offline) Complete(context.Context, string, llm.Options) (string, error) { return "", ErrOffline }
func (offline) Ping(context.Context) error                                     { return ErrOffline }
func (offline) FetchWorkItems(context.Context, string, string) ([]tracker.WorkItem, error) {
	return nil, ErrOffline
}
func (offline) RunTests(context.Context, string) (testrunner.Result, error) {
	return testrunner.Result{}, ErrOffline
}
func (offline) WriteFiles([]workspace.File) ([]string, error) { return nil, ErrOffline }
func (offline) ReadFile(string) (string, error)                { return "", ErrOffline }
func (offline) Exists(string) bool                             { return false }

// Describe compiles the pipeline without credentials or a workspace so its
// shape and diagnostics can be inspected.
func Describe(cfg *RunConfigFile) (*graph.Graph, []validate.Diagnostic, error) {
	o := offline{}
	return BuildGraph(cfg, Deps{LLM: o, Tracker: o, Tests: o, Files: o})
}
