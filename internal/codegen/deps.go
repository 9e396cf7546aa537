package codegen

import (
	"context"
	"log/slog"

	"github.com/danshapiro/ticketsmith/internal/llm"
	"github.com/danshapiro/ticketsmith/internal/testrunner"
	"github.com/danshapiro/ticketsmith/internal/tracker"
	"github.com/danshapiro/ticketsmith/internal/workspace"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type WorkItemSource interface {
	FetchWorkItems(ctx context.Context, project, keys string) ([]tracker.WorkItem, error)
	Ping(ctx context.Context) error
}

type TestRunner interface {
	RunTests(ctx context.Context, path string) (testrunner.Result, error)
}

// SyntaxChecker reports a non-nil error when a generated file does not parse.
type SyntaxChecker interface {
	CheckSyntax(ctx context.Context, path string) error
}

type FileStore interface {
	WriteFiles(files []workspace.File) ([]string, error)
	ReadFile(rel string) (string, error)
	Exists(rel string) bool
}

// Deps are the collaborators the pipeline nodes call. LLMHealth and Syntax
// are optional.
type Deps struct {
	LLM       llm.Completer
	LLMHealth Pinger
	Tracker   WorkItemSource
	Tests     TestRunner
	Syntax    SyntaxChecker
	Files     FileStore
	Logger    *slog.Logger
}
