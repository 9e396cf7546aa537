package codegen

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/danshapiro/ticketsmith/internal/llm"
	"github.com/danshapiro/ticketsmith/internal/pipeline/loopguard"
	"github.com/danshapiro/ticketsmith/internal/pipeline/runtime"
	"github.com/danshapiro/ticketsmith/internal/workspace"
)

// pipeline holds what every node needs. Nodes keep no state of their own
// between invocations; everything flows through runtime.State.
type pipeline struct {
	cfg  *RunConfigFile
	deps Deps
	log  *slog.Logger

	arch    loopguard.Loop
	testFix loopguard.Loop
	appFix  loopguard.Loop
}

func newPipeline(cfg *RunConfigFile, deps Deps) (*pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	switch {
	case deps.LLM == nil:
		return nil, fmt.Errorf("llm collaborator is required")
	case deps.Tracker == nil:
		return nil, fmt.Errorf("tracker collaborator is required")
	case deps.Tests == nil:
		return nil, fmt.Errorf("test runner collaborator is required")
	case deps.Files == nil:
		return nil, fmt.Errorf("file store collaborator is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &pipeline{cfg: cfg, deps: deps, log: logger.With("component", "codegen")}
	p.arch, p.testFix, p.appFix = loops(cfg)
	return p, nil
}

func (p *pipeline) complete(ctx context.Context, model, system, prompt string, maxTokens int) (string, error) {
	opts := llm.Options{Model: model, System: system, MaxTokens: p.cfg.LLM.MaxTokens, Temperature: p.cfg.LLM.Temperature}
	if maxTokens > 0 {
		opts.MaxTokens = maxTokens
	}
	return p.deps.LLM.Complete(ctx, prompt, opts)
}

// forEachModule runs fn for every module with bounded concurrency. Results
// are collected here and returned to the node, which merges them as one
// update.
func (p *pipeline) forEachModule(ctx context.Context, names []string, fn func(ctx context.Context, name string) (string, error)) (map[string]string, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Pipeline.ModuleConcurrency)
	var mu sync.Mutex
	out := make(map[string]string, len(names))
	for _, name := range names {
		name := name
		g.Go(func() error {
			v, err := fn(gctx, name)
			if err != nil {
				return fmt.Errorf("module %s: %w", name, err)
			}
			mu.Lock()
			out[name] = v
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// writeChecked writes a generated file and, when a syntax checker is
// configured, replaces unparsable output with fallback (or the previous
// content when fallback is empty). It reports whether the generated text
// was kept.
func (p *pipeline) writeChecked(ctx context.Context, path, content, fallback string) (bool, error) {
	previous := ""
	if fallback == "" {
		prev, err := p.deps.Files.ReadFile(path)
		if err != nil {
			return false, err
		}
		previous = prev
	}
	if _, err := p.deps.Files.WriteFiles([]workspace.File{{Path: path, Content: content}}); err != nil {
		return false, err
	}
	if p.deps.Syntax == nil {
		return true, nil
	}
	serr := p.deps.Syntax.CheckSyntax(ctx, path)
	if serr == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, context.Cause(ctx)
	}
	restore := fallback
	if restore == "" {
		restore = previous
	}
	p.log.Warn("generated file does not parse, falling back", "path", path, "error", serr)
	if _, err := p.deps.Files.WriteFiles([]workspace.File{{Path: path, Content: restore}}); err != nil {
		return false, err
	}
	return false, nil
}

// readFunctions maps each module to the functions its code actually defines.
func (p *pipeline) readFunctions(codeFiles map[string]string) map[string][]string {
	out := make(map[string][]string, len(codeFiles))
	for name, path := range codeFiles {
		src, err := p.deps.Files.ReadFile(path)
		if err != nil {
			p.log.Warn("cannot read module", "module", name, "path", path, "error", err)
			continue
		}
		out[name] = topLevelFunctions(src)
	}
	return out
}

// notes collects warnings from concurrent module work.
type notes struct {
	mu   sync.Mutex
	msgs []string
}

func (n *notes) add(format string, args ...any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, fmt.Sprintf(format, args...))
}

// into appends the collected warnings to update, sorted for stable output.
func (n *notes) into(s runtime.State, update map[string]any) map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.msgs) == 0 {
		return update
	}
	sort.Strings(n.msgs)
	ws := s.Warnings()
	if existing, ok := update[runtime.KeyWarnings].([]string); ok {
		ws = existing
	}
	update[runtime.KeyWarnings] = append(ws, n.msgs...)
	return update
}

var identRE = regexp.MustCompile(`[^a-z0-9_]+`)

// moduleIdent turns an architect-chosen module name into a Python
// identifier, or "" when the name has no usable characters.
func moduleIdent(name string) string {
	id := identRE.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
	id = strings.Trim(id, "_")
	if id == "" {
		return ""
	}
	if id[0] >= '0' && id[0] <= '9' {
		id = "m_" + id
	}
	return id
}

func decodeState[T any](s runtime.State, key string) (T, error) {
	var out T
	err := s.Decode(key, &out)
	return out, err
}
