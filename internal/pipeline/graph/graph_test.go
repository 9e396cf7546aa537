package graph

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/danshapiro/ticketsmith/internal/pipeline/runtime"
)

func emit(kv map[string]any) func(context.Context, runtime.State) (map[string]any, error) {
	return func(context.Context, runtime.State) (map[string]any, error) { return kv, nil }
}

func label(l string) func(runtime.State) string {
	return func(runtime.State) string { return l }
}

func asGraphError(t *testing.T, err error) *GraphError {
	t.Helper()
	var ge *GraphError
	if !errors.As(err, &ge) {
		t.Fatalf("expected *GraphError, got %T: %v", err, err)
	}
	return ge
}

func TestBuilder_AddNode_DuplicateNameFails(t *testing.T) {
	b := New("g")
	if err := b.AddNode("a", emit(nil)); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	ge := asGraphError(t, b.AddNode("a", emit(nil)))
	if ge.Rule != "duplicate_node" || ge.Node != "a" {
		t.Fatalf("unexpected error: %+v", ge)
	}
	// The recorded build error also fails Compile, even if the caller
	// ignored the return value.
	_ = b.AddEdge(Start, "a")
	_ = b.AddEdge("a", End)
	if _, _, err := b.Compile(); err == nil || !strings.Contains(err.Error(), `"a"`) {
		t.Fatalf("Compile should surface duplicate node, got %v", err)
	}
}

func TestBuilder_AddEdge_DanglingEndpointsFail(t *testing.T) {
	b := New("g")
	_ = b.AddNode("a", emit(nil))
	ge := asGraphError(t, b.AddEdge("a", "ghost"))
	if ge.Rule != "dangling_edge" || ge.Node != "ghost" {
		t.Fatalf("unexpected error: %+v", ge)
	}
	ge = asGraphError(t, b.AddEdge("ghost", "a"))
	if ge.Node != "ghost" {
		t.Fatalf("unexpected error: %+v", ge)
	}
	if err := b.AddEdge(Start, "a"); err != nil {
		t.Fatalf("START edge should be allowed: %v", err)
	}
	if err := b.AddEdge("a", End); err != nil {
		t.Fatalf("END edge should be allowed: %v", err)
	}
	if err := b.AddEdge(End, "a"); err == nil {
		t.Fatalf("edges out of END must fail")
	}
}

func TestBuilder_AddConditionalEdge_UnregisteredTargetFails(t *testing.T) {
	b := New("g")
	_ = b.AddNode("check", emit(nil))
	_ = b.AddNode("fix", emit(nil))
	err := b.AddConditionalEdge("check", label("retry"), map[string]string{"retry": "fix", "done": "nowhere"})
	ge := asGraphError(t, err)
	if ge.Rule != "router_target_exists" || ge.Node != "check" || !strings.Contains(ge.Message, "nowhere") {
		t.Fatalf("unexpected error: %+v", ge)
	}
	if err := b.AddConditionalEdge("check", nil, map[string]string{"x": "fix"}); err == nil {
		t.Fatalf("nil router must fail")
	}
	if err := b.AddConditionalEdge("check", label("x"), nil); err == nil {
		t.Fatalf("empty routes must fail")
	}
}

func TestCompile_MissingOutgoingNamesNode(t *testing.T) {
	b := New("g")
	_ = b.AddNode("a", emit(nil))
	_ = b.AddNode("b", emit(nil))
	_ = b.AddEdge(Start, "a")
	_ = b.AddEdge("a", "b")
	_, diags, err := b.Compile()
	ge := asGraphError(t, err)
	if ge.Rule != "missing_outgoing" || ge.Node != "b" {
		t.Fatalf("unexpected error: %+v", ge)
	}
	if len(diags) == 0 {
		t.Fatalf("expected diagnostics alongside the error")
	}
}

func TestCompile_UnreachableNodeNamesNode(t *testing.T) {
	b := New("g")
	_ = b.AddNode("a", emit(nil))
	_ = b.AddNode("island", emit(nil))
	_ = b.AddEdge(Start, "a")
	_ = b.AddEdge("a", End)
	_ = b.AddEdge("island", End)
	ge := asGraphError(t, func() error { _, _, err := b.Compile(); return err }())
	if ge.Rule != "reachability" || ge.Node != "island" {
		t.Fatalf("unexpected error: %+v", ge)
	}
}

func TestCompile_TerminalNodeNeedsNoEdge(t *testing.T) {
	b := New("g")
	_ = b.AddNode("a", emit(nil))
	_ = b.AddNode("report", emit(nil), Terminal())
	_ = b.AddEdge(Start, "a")
	_ = b.AddEdge("a", "report")
	g, _, err := b.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !g.IsTerminal("report") || !g.IsTerminal(End) || g.IsTerminal("a") {
		t.Fatalf("terminal detection wrong")
	}
}

func TestCompile_ProducesFrozenGraph(t *testing.T) {
	b := New("loop")
	_ = b.AddNode("check", emit(nil))
	_ = b.AddNode("fix", emit(nil))
	_ = b.AddEdge(Start, "check")
	_ = b.AddConditionalEdge("check", label("done"), map[string]string{"retry": "fix", "done": End})
	_ = b.AddEdge("fix", "check")
	g, diags, err := b.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	if g.Entry() != "check" || g.Name() != "loop" {
		t.Fatalf("entry=%q name=%q", g.Entry(), g.Name())
	}
	to, r := g.Transition("check")
	if to != "" || r == nil || len(r.Labels()) != 2 {
		t.Fatalf("Transition(check)=%q %+v", to, r)
	}
	if to, r := g.Transition("fix"); to != "check" || r != nil {
		t.Fatalf("Transition(fix)=%q %+v", to, r)
	}

	// Later builder changes do not leak into the compiled graph.
	_ = b.AddNode("late", emit(nil))
	if _, ok := g.Node("late"); ok {
		t.Fatalf("compiled graph must be immutable")
	}
}

func TestCompile_ReadsUnwrittenIsWarningOnly(t *testing.T) {
	b := New("g")
	b.Inputs("ticket_id")
	_ = b.AddNode("reader", emit(nil), Reads("ticket_id"), Writes("work_item"))
	_ = b.AddNode("design", emit(nil), Reads("work_item", "epic_description"))
	_ = b.AddEdge(Start, "reader")
	_ = b.AddEdge("reader", "design")
	_ = b.AddEdge("design", End)
	_, diags, err := b.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(diags) != 1 || diags[0].Rule != "reads_unwritten" || diags[0].NodeID != "design" {
		t.Fatalf("diags=%+v", diags)
	}
}

func TestKeySchema_ValidateValue(t *testing.T) {
	b := New("g")
	_ = b.AddNode("a", emit(nil))
	_ = b.AddEdge(Start, "a")
	_ = b.AddEdge("a", End)
	err := b.KeySchema("test_results", map[string]any{
		"type": "object",
		"additionalProperties": map[string]any{
			"type":     "object",
			"required": []any{"passed", "failed"},
		},
	})
	if err != nil {
		t.Fatalf("KeySchema: %v", err)
	}
	g, _, err := b.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	type result struct {
		Passed int `json:"passed"`
		Failed int `json:"failed"`
	}
	if err := g.ValidateValue("test_results", map[string]result{"auth": {Passed: 2}}); err != nil {
		t.Fatalf("valid value rejected: %v", err)
	}
	if err := g.ValidateValue("test_results", "not an object"); err == nil {
		t.Fatalf("expected schema violation")
	}
	if err := g.ValidateValue("unschematized", 42); err != nil {
		t.Fatalf("keys without schema must pass: %v", err)
	}
}

func TestKeySchema_InvalidSchemaFailsAtBuild(t *testing.T) {
	b := New("g")
	err := b.KeySchema("x", map[string]any{"type": 12})
	ge := asGraphError(t, err)
	if ge.Rule != "key_schema" {
		t.Fatalf("unexpected error: %+v", ge)
	}
}

// Graph validity: compile succeeds iff every non-terminal node has exactly one
// transition whose targets are registered, and every node is reachable.
func TestCompile_ValidityTable(t *testing.T) {
	cases := []struct {
		name  string
		build func(b *Builder)
		ok    bool
	}{
		{"linear", func(b *Builder) {
			_ = b.AddNode("a", emit(nil))
			_ = b.AddEdge(Start, "a")
			_ = b.AddEdge("a", End)
		}, true},
		{"edge_and_router", func(b *Builder) {
			_ = b.AddNode("a", emit(nil))
			_ = b.AddEdge(Start, "a")
			_ = b.AddEdge("a", End)
			_ = b.AddConditionalEdge("a", label("x"), map[string]string{"x": End})
		}, false},
		{"two_edges", func(b *Builder) {
			_ = b.AddNode("a", emit(nil))
			_ = b.AddNode("b", emit(nil))
			_ = b.AddEdge(Start, "a")
			_ = b.AddEdge("a", "b")
			_ = b.AddEdge("a", End)
			_ = b.AddEdge("b", End)
		}, false},
		{"no_start", func(b *Builder) {
			_ = b.AddNode("a", emit(nil))
			_ = b.AddEdge("a", End)
		}, false},
		{"cycle_with_exit", func(b *Builder) {
			_ = b.AddNode("a", emit(nil))
			_ = b.AddNode("b", emit(nil))
			_ = b.AddEdge(Start, "a")
			_ = b.AddEdge("a", "b")
			_ = b.AddConditionalEdge("b", label("again"), map[string]string{"again": "a", "out": End})
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := New(tc.name)
			tc.build(b)
			_, _, err := b.Compile()
			if (err == nil) != tc.ok {
				t.Fatalf("Compile ok=%v want %v (err=%v)", err == nil, tc.ok, err)
			}
		})
	}
}
