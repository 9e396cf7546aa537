// Package engine walks a compiled graph from its entry node to a terminal
// node, one node at a time, merging every partial update into the shared
// state and enforcing a step budget as the last guard against runaway
// cycles.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	rdebug "runtime/debug"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/danshapiro/ticketsmith/internal/pipeline/graph"
	"github.com/danshapiro/ticketsmith/internal/pipeline/loopguard"
	"github.com/danshapiro/ticketsmith/internal/pipeline/model"
	"github.com/danshapiro/ticketsmith/internal/pipeline/runtime"
)

// DefaultStepBudget bounds node invocations per run.
const DefaultStepBudget = 50

// lastVisitsReported is how many trailing node names a RecursionLimitError
// carries.
const lastVisitsReported = 5

var tracer = otel.Tracer("ticketsmith/pipeline")

type RunOptions struct {
	// RunID is a globally unique filesystem-safe identifier. If empty, one is generated (ULID).
	RunID string

	// LogsRoot receives progress.ndjson, checkpoint.json and final.json.
	// Empty disables persistence.
	LogsRoot string

	// StepBudget caps node invocations. Zero uses DefaultStepBudget.
	StepBudget int

	// NodeTimeout bounds each node invocation when > 0.
	NodeTimeout time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
	Tracer  trace.Tracer
}

func (o *RunOptions) applyDefaults() error {
	if o.RunID == "" {
		id, err := NewRunID()
		if err != nil {
			return err
		}
		o.RunID = id
	}
	if o.StepBudget < 0 {
		return fmt.Errorf("step budget must be >= 0")
	}
	if o.StepBudget == 0 {
		o.StepBudget = DefaultStepBudget
	}
	if o.NodeTimeout < 0 {
		o.NodeTimeout = 0
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Tracer == nil {
		o.Tracer = tracer
	}
	return nil
}

type Result struct {
	RunID       string
	LogsRoot    string
	FinalStatus runtime.FinalStatus
	State       runtime.State
	Steps       int
	Visited     []string
	Warnings    []string
}

// Engine runs one invocation of a compiled graph. Use Invoke or Resume
// unless the caller needs the state after a failure.
type Engine struct {
	Graph   *graph.Graph
	Options RunOptions

	mu      sync.Mutex
	state   runtime.State
	steps   int
	visited []string

	progressMu sync.Mutex
	persisted  bool
}

func New(g *graph.Graph, opts RunOptions) (*Engine, error) {
	if g == nil {
		return nil, fmt.Errorf("graph is nil")
	}
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	return &Engine{Graph: g, Options: opts, state: runtime.State{}}, nil
}

// Invoke runs g from its entry node against a copy of initial.
func Invoke(ctx context.Context, g *graph.Graph, initial map[string]any, opts RunOptions) (*Result, error) {
	e, err := New(g, opts)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, initial)
}

// Resume continues a run from a checkpoint with the restored state and the
// remaining step budget.
func Resume(ctx context.Context, g *graph.Graph, cp *runtime.Checkpoint, opts RunOptions) (*Result, error) {
	if cp == nil {
		return nil, fmt.Errorf("checkpoint is nil")
	}
	if cp.Graph != "" && g != nil && cp.Graph != g.Name() {
		return nil, fmt.Errorf("checkpoint belongs to graph %q, not %q", cp.Graph, g.Name())
	}
	if opts.RunID == "" {
		opts.RunID = cp.RunID
	}
	e, err := New(g, opts)
	if err != nil {
		return nil, err
	}
	if _, ok := g.Node(cp.NextNode); !ok && cp.NextNode != model.End {
		return nil, fmt.Errorf("checkpoint next node %q is not in graph %q", cp.NextNode, g.Name())
	}
	e.state = runtime.NewState(cp.State)
	e.steps = cp.Steps
	e.visited = append([]string{}, cp.Visited...)
	e.appendProgress(map[string]any{
		"event":     "run_resumed",
		"graph":     g.Name(),
		"next_node": cp.NextNode,
		"steps":     cp.Steps,
	})
	return e.loop(ctx, cp.NextNode)
}

// Run seeds the state with initial and walks the graph.
func (e *Engine) Run(ctx context.Context, initial map[string]any) (*Result, error) {
	e.mu.Lock()
	e.state = runtime.NewState(initial)
	e.steps = 0
	e.visited = nil
	e.persisted = false
	e.mu.Unlock()
	e.appendProgress(map[string]any{
		"event":       "run_started",
		"graph":       e.Graph.Name(),
		"step_budget": e.Options.StepBudget,
	})
	return e.loop(ctx, e.Graph.Entry())
}

// State returns a copy of the current state. After a failed run it holds
// every update merged before the failure.
func (e *Engine) State() runtime.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

func (e *Engine) loop(ctx context.Context, current string) (res *Result, err error) {
	log := e.Options.Logger.With("graph", e.Graph.Name(), "run_id", e.Options.RunID)
	ctx, span := e.Options.Tracer.Start(ctx, "pipeline.Invoke", trace.WithAttributes(
		attribute.String("pipeline.graph", e.Graph.Name()),
		attribute.String("pipeline.run_id", e.Options.RunID),
		attribute.Int("pipeline.step_budget", e.Options.StepBudget),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error("run failed", "error", err, "steps", e.steps)
			e.persistFailure(err, current)
			e.Options.Metrics.observeRun(e.Graph.Name(), "fail")
		} else {
			span.SetStatus(codes.Ok, "")
			e.Options.Metrics.observeRun(e.Graph.Name(), "success")
		}
		span.End()
	}()

	for {
		if current == model.End {
			return e.finish(log, current), nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("run canceled before node %q: %w", current, context.Cause(ctx))
		}
		if e.steps >= e.Options.StepBudget {
			return nil, &RecursionLimitError{Budget: e.Options.StepBudget, LastVisits: e.lastVisits()}
		}
		node, ok := e.Graph.Node(current)
		if !ok {
			return nil, fmt.Errorf("missing node: %s", current)
		}

		e.appendProgress(map[string]any{"event": "node_started", "node": current, "step": e.steps + 1})
		log.Debug("node started", "node", current, "step", e.steps+1)
		started := time.Now()
		update, nerr := e.executeNode(ctx, node)
		e.Options.Metrics.observeNode(e.Graph.Name(), current, time.Since(started), nerr)
		if nerr != nil {
			return nil, &NodeError{Node: current, Step: e.steps + 1, Err: nerr}
		}
		if verr := e.checkContract(node, update); verr != nil {
			return nil, &NodeError{Node: current, Step: e.steps + 1, Err: verr}
		}

		e.mu.Lock()
		before := len(e.state.Warnings())
		e.state.Apply(update)
		e.steps++
		e.visited = append(e.visited, current)
		newWarnings := e.state.Warnings()[min(before, len(e.state.Warnings())):]
		e.mu.Unlock()

		e.appendProgress(map[string]any{
			"event":       "node_finished",
			"node":        current,
			"step":        e.steps,
			"keys":        updateKeys(update),
			"duration_ms": time.Since(started).Milliseconds(),
		})
		log.Debug("node finished", "node", current, "step", e.steps, "duration", time.Since(started))
		for _, d := range loopguard.DecisionsIn(update) {
			e.Options.Metrics.observeLoop(e.Graph.Name(), d.Loop, string(d.Exit))
			e.appendProgress(map[string]any{
				"event":     "loop_decision",
				"node":      current,
				"loop":      d.Loop,
				"exit":      string(d.Exit),
				"iteration": d.Iteration,
				"repeats":   d.Repeats,
				"stuck":     d.Stuck,
			})
			log.Info("loop decision", "loop", d.Loop, "exit", d.Exit, "iteration", d.Iteration, "repeats", d.Repeats)
		}
		for _, w := range newWarnings {
			e.appendProgress(map[string]any{"event": "warning", "node": current, "message": w})
			log.Warn(w, "node", current)
		}

		if e.Graph.IsTerminal(current) {
			e.checkpoint(current, model.End)
			return e.finish(log, current), nil
		}

		next, label, rerr := e.resolveNext(node)
		if rerr != nil {
			return nil, rerr
		}
		ev := map[string]any{"event": "edge_selected", "from_node": current, "to_node": next}
		if label != "" {
			ev["label"] = label
		}
		e.appendProgress(ev)
		e.checkpoint(current, next)
		current = next
	}
}

// executeNode runs the node on a private copy of the state. Panics become
// errors so a faulty node cannot crash the caller.
func (e *Engine) executeNode(ctx context.Context, node *model.Node) (update map[string]any, err error) {
	ctx, span := e.Options.Tracer.Start(ctx, "pipeline.node", trace.WithAttributes(
		attribute.String("pipeline.node", node.Name),
		attribute.Int("pipeline.step", e.steps+1),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	if e.Options.NodeTimeout > 0 {
		cctx, cancel := context.WithTimeout(ctx, e.Options.NodeTimeout)
		defer cancel()
		ctx = cctx
	}
	input := e.State()
	func() {
		defer func() {
			if r := recover(); r != nil {
				e.writePanic(node.Name, r)
				update = nil
				err = fmt.Errorf("%w: %v", ErrNodePanic, r)
			}
		}()
		update, err = node.Fn(ctx, input)
	}()
	if err != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(err, cause) && ctx.Err() != nil {
			err = fmt.Errorf("%w (context: %v)", err, cause)
		}
		return nil, err
	}
	return update, nil
}

// checkContract enforces declared writes and key schemas on a node update
// before anything is merged.
func (e *Engine) checkContract(node *model.Node, update map[string]any) error {
	for _, key := range updateKeys(update) {
		if node.DeclaresWrites() && !node.WritesKey(key) && key != runtime.KeyWarnings {
			return fmt.Errorf("%w: wrote undeclared key %q (declared: %v)", ErrContractViolation, key, node.Writes)
		}
		if err := e.Graph.ValidateValue(key, update[key]); err != nil {
			return fmt.Errorf("%w: %v", ErrContractViolation, err)
		}
	}
	return nil
}

// resolveNext follows the node's unconditional edge or evaluates its router
// against the merged state.
func (e *Engine) resolveNext(node *model.Node) (next, label string, err error) {
	to, router := e.Graph.Transition(node.Name)
	if router == nil {
		if to == "" {
			return "", "", fmt.Errorf("node %q has no outgoing transition", node.Name)
		}
		return to, "", nil
	}
	snapshot := e.State()
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = &RoutingError{Node: node.Name, Declared: router.Labels(), Err: fmt.Errorf("%w: %v", ErrNodePanic, r)}
			}
		}()
		label = router.Fn(snapshot)
	}()
	if err != nil {
		return "", "", err
	}
	target, ok := router.Routes[label]
	if !ok {
		return "", label, &RoutingError{Node: node.Name, Label: label, Declared: router.Labels()}
	}
	return target, label, nil
}

func (e *Engine) lastVisits() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.visited)
	return append([]string{}, e.visited[max(0, n-lastVisitsReported):]...)
}

func (e *Engine) finish(log *slog.Logger, last string) *Result {
	e.mu.Lock()
	res := &Result{
		RunID:       e.Options.RunID,
		LogsRoot:    e.Options.LogsRoot,
		FinalStatus: runtime.FinalSuccess,
		State:       e.state.Clone(),
		Steps:       e.steps,
		Visited:     append([]string{}, e.visited...),
		Warnings:    e.state.Warnings(),
	}
	e.mu.Unlock()
	if last == model.End && len(res.Visited) > 0 {
		last = res.Visited[len(res.Visited)-1]
	}
	e.appendProgress(map[string]any{"event": "run_completed", "steps": res.Steps, "warnings": len(res.Warnings)})
	log.Info("run completed", "steps", res.Steps, "warnings", len(res.Warnings))
	e.persistFinal(runtime.FinalOutcome{
		Status:   runtime.FinalSuccess,
		LastNode: last,
		Steps:    res.Steps,
		Warnings: res.Warnings,
	})
	return res
}

func (e *Engine) checkpoint(last, next string) {
	if e.Options.LogsRoot == "" {
		return
	}
	e.mu.Lock()
	cp := &runtime.Checkpoint{
		Timestamp: time.Now().UTC(),
		RunID:     e.Options.RunID,
		Graph:     e.Graph.Name(),
		Steps:     e.steps,
		LastNode:  last,
		NextNode:  next,
		Visited:   append([]string{}, e.visited...),
		State:     e.state.Clone(),
	}
	e.mu.Unlock()
	if err := cp.Save(filepath.Join(e.Options.LogsRoot, "checkpoint.json")); err != nil {
		e.Options.Logger.Warn("checkpoint write failed", "error", err)
	}
}

func (e *Engine) persistFailure(runErr error, current string) {
	e.appendProgress(map[string]any{"event": "run_failed", "node": current, "error": runErr.Error()})
	e.mu.Lock()
	steps, warnings := e.steps, e.state.Warnings()
	e.mu.Unlock()
	e.persistFinal(runtime.FinalOutcome{
		Status:        runtime.FinalFail,
		LastNode:      current,
		Steps:         steps,
		FailureReason: runErr.Error(),
		Warnings:      warnings,
	})
}

func (e *Engine) persistFinal(final runtime.FinalOutcome) {
	if e.Options.LogsRoot == "" || e.persisted {
		return
	}
	e.persisted = true
	final.Timestamp = time.Now().UTC()
	final.RunID = e.Options.RunID
	if err := final.Save(filepath.Join(e.Options.LogsRoot, "final.json")); err != nil {
		e.Options.Logger.Warn("final outcome write failed", "error", err)
	}
}

func (e *Engine) writePanic(node string, r any) {
	stack := string(rdebug.Stack())
	e.Options.Logger.Error("node panic recovered", "node", node, "panic", fmt.Sprint(r))
	e.appendProgress(map[string]any{"event": "node_panic", "node": node, "panic": fmt.Sprint(r), "stack": stack})
}

func updateKeys(update map[string]any) []string {
	keys := make([]string, 0, len(update))
	for k := range update {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
