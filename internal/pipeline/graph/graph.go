package graph

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/danshapiro/ticketsmith/internal/pipeline/model"
)

// Graph is a compiled pipeline. It is safe to invoke concurrently from
// several engines because nothing in it changes after Compile.
type Graph struct {
	shape   *model.Graph
	entry   string
	schemas map[string]*jsonschema.Schema
}

func freeze(src *model.Graph) (*Graph, error) {
	shape := model.NewGraph(src.Name)
	shape.Inputs = append([]string{}, src.Inputs...)
	for _, name := range src.NodeNames() {
		n := *src.Nodes[name]
		n.Reads = append([]string(nil), n.Reads...)
		if n.Writes != nil {
			n.Writes = append([]string{}, n.Writes...)
		}
		shape.Nodes[name] = &n
	}
	for _, e := range src.Edges {
		shape.AddEdge(&model.Edge{From: e.From, To: e.To})
	}
	for from, r := range src.Routers {
		routes := make(map[string]string, len(r.Routes))
		for l, to := range r.Routes {
			routes[l] = to
		}
		shape.Routers[from] = &model.Router{From: from, Fn: r.Fn, Routes: routes}
	}

	g := &Graph{shape: shape, schemas: map[string]*jsonschema.Schema{}}
	for key, doc := range src.KeySchemas {
		sch, err := compileSchema(key, doc)
		if err != nil {
			return nil, newGraphError(src.Name, "key_schema", "", "key %q: %v", key, err)
		}
		shape.KeySchemas[key] = doc
		g.schemas[key] = sch
	}
	out := shape.Outgoing(model.Start)
	if len(out) != 1 {
		return nil, newGraphError(src.Name, "start_edge", model.Start, "START must have exactly one outgoing edge")
	}
	g.entry = out[0].To
	return g, nil
}

func (g *Graph) Name() string { return g.shape.Name }

// Entry is the first node START leads to.
func (g *Graph) Entry() string { return g.entry }

func (g *Graph) Node(name string) (*model.Node, bool) {
	n, ok := g.shape.Nodes[name]
	return n, ok
}

func (g *Graph) NodeNames() []string { return g.shape.NodeNames() }

func (g *Graph) Inputs() []string { return append([]string{}, g.shape.Inputs...) }

// IsTerminal reports whether reaching name finishes an invocation, either
// because it is END or because it runs as a terminal node.
func (g *Graph) IsTerminal(name string) bool {
	if name == model.End {
		return true
	}
	n, ok := g.shape.Nodes[name]
	return ok && n.Terminal
}

// Transition returns the fixed successor of from, or its router when the
// node branches.
func (g *Graph) Transition(from string) (to string, router *model.Router) {
	if r := g.shape.Routers[from]; r != nil {
		return "", r
	}
	for _, e := range g.shape.Outgoing(from) {
		return e.To, nil
	}
	return "", nil
}

// Shape returns a read-only view of the compiled topology for rendering.
// Callers must not modify it.
func (g *Graph) Shape() *model.Graph { return g.shape }

func (g *Graph) HasSchema(key string) bool {
	_, ok := g.schemas[key]
	return ok
}

// ValidateValue checks v against the schema registered for key. Keys
// without a schema always pass.
func (g *Graph) ValidateValue(key string, v any) error {
	sch, ok := g.schemas[key]
	if !ok {
		return nil
	}
	doc, err := normalizeJSON(v)
	if err != nil {
		return fmt.Errorf("key %q: value is not JSON-representable: %w", key, err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("key %q: %w", key, err)
	}
	return nil
}

func compileSchema(key string, doc map[string]any) (*jsonschema.Schema, error) {
	if doc == nil {
		return nil, fmt.Errorf("schema is nil")
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	url := "state/" + strings.ReplaceAll(key, "/", "_") + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// normalizeJSON converts typed Go values (map[string]int, []string, ...)
// into the generic shapes the schema validator expects.
func normalizeJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
