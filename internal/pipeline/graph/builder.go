// Package graph builds and compiles pipelines. A Builder collects nodes,
// edges and routers; Compile validates the shape and freezes it into an
// executable Graph.
package graph

import (
	"fmt"
	"strings"

	"github.com/danshapiro/ticketsmith/internal/pipeline/model"
	"github.com/danshapiro/ticketsmith/internal/pipeline/validate"
)

const (
	Start = model.Start
	End   = model.End
)

type NodeOption func(*model.Node)

// Reads declares the state keys a node consumes.
func Reads(keys ...string) NodeOption {
	return func(n *model.Node) { n.Reads = appendKeys(n.Reads, keys) }
}

// Writes declares the state keys a node may return. Once declared, any
// other key in the node's update is a contract violation.
func Writes(keys ...string) NodeOption {
	return func(n *model.Node) {
		if n.Writes == nil {
			n.Writes = []string{}
		}
		n.Writes = appendKeys(n.Writes, keys)
	}
}

// Terminal marks a node whose completion finishes the invocation.
func Terminal() NodeOption {
	return func(n *model.Node) { n.Terminal = true }
}

type Builder struct {
	g    *model.Graph
	errs []*GraphError
}

func New(name string) *Builder {
	return &Builder{g: model.NewGraph(strings.TrimSpace(name))}
}

func (b *Builder) fail(err *GraphError) error {
	b.errs = append(b.errs, err)
	return err
}

// AddNode registers fn under a unique name.
func (b *Builder) AddNode(name string, fn model.NodeFunc, opts ...NodeOption) error {
	name = strings.TrimSpace(name)
	if fn == nil {
		return b.fail(newGraphError(b.g.Name, "node_func", name, "node function is nil"))
	}
	n := &model.Node{Name: name, Fn: fn}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	if err := b.g.AddNode(n); err != nil {
		rule := "duplicate_node"
		if name == "" || model.IsSentinel(name) {
			rule = "node_name"
		}
		return b.fail(newGraphError(b.g.Name, rule, name, "%v", err))
	}
	return nil
}

// AddEdge registers an unconditional transition. Both endpoints must
// already be registered, except for the START and END sentinels.
func (b *Builder) AddEdge(from, to string) error {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	switch {
	case !b.g.Has(from):
		return b.fail(newGraphError(b.g.Name, "dangling_edge", from, "edge %s -> %s: source is not a registered node", from, to))
	case !b.g.Has(to):
		return b.fail(newGraphError(b.g.Name, "dangling_edge", to, "edge %s -> %s: target is not a registered node", from, to))
	case from == End:
		return b.fail(newGraphError(b.g.Name, "terminal_no_outgoing", from, "END cannot have outgoing edges"))
	case to == Start:
		return b.fail(newGraphError(b.g.Name, "start_no_incoming", from, "edges cannot target START"))
	}
	b.g.AddEdge(&model.Edge{From: from, To: to})
	return nil
}

// AddConditionalEdge registers a router on from together with its declared
// label -> node mapping.
func (b *Builder) AddConditionalEdge(from string, router model.RouterFunc, routes map[string]string) error {
	from = strings.TrimSpace(from)
	switch {
	case router == nil:
		return b.fail(newGraphError(b.g.Name, "router_func", from, "router function is nil"))
	case from == Start || from == End || !b.g.Has(from):
		return b.fail(newGraphError(b.g.Name, "router_source", from, "routers must be attached to a registered node"))
	case b.g.Routers[from] != nil:
		return b.fail(newGraphError(b.g.Name, "multiple_outgoing", from, "node already has a router"))
	case len(routes) == 0:
		return b.fail(newGraphError(b.g.Name, "router_routes", from, "router declares no labels"))
	}
	copied := make(map[string]string, len(routes))
	for label, to := range routes {
		label, to = strings.TrimSpace(label), strings.TrimSpace(to)
		if label == "" {
			return b.fail(newGraphError(b.g.Name, "router_routes", from, "router declares an empty label"))
		}
		if to == Start || !b.g.Has(to) {
			return b.fail(newGraphError(b.g.Name, "router_target_exists", from, "label %q targets unregistered node %q", label, to))
		}
		copied[label] = to
	}
	b.g.SetRouter(&model.Router{From: from, Fn: router, Routes: copied})
	return nil
}

// Inputs declares the keys callers seed at invocation.
func (b *Builder) Inputs(keys ...string) {
	b.g.Inputs = appendKeys(b.g.Inputs, keys)
}

// KeySchema attaches a JSON schema every written value of key must satisfy.
func (b *Builder) KeySchema(key string, schema map[string]any) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return b.fail(newGraphError(b.g.Name, "key_schema", "", "schema key is empty"))
	}
	if _, err := compileSchema(key, schema); err != nil {
		return b.fail(newGraphError(b.g.Name, "key_schema", "", "key %q: %v", key, err))
	}
	b.g.KeySchemas[key] = schema
	return nil
}

// Compile validates the graph and returns an immutable executable copy.
// Warnings are returned alongside a successful compile.
func (b *Builder) Compile(extra ...validate.LintRule) (*Graph, []validate.Diagnostic, error) {
	if len(b.errs) > 0 {
		first := *b.errs[0]
		if len(b.errs) > 1 {
			first.Message = fmt.Sprintf("%s (and %d more build errors)", first.Message, len(b.errs)-1)
		}
		return nil, nil, &first
	}
	diags := validate.Validate(b.g, extra...)
	if errs := validate.Errors(diags); len(errs) > 0 {
		d := errs[0]
		return nil, diags, &GraphError{
			Graph:       b.g.Name,
			Rule:        d.Rule,
			Node:        d.NodeID,
			Message:     d.Message,
			Diagnostics: errs,
		}
	}
	g, err := freeze(b.g)
	if err != nil {
		return nil, diags, err
	}
	return g, diags, nil
}

func appendKeys(dst, keys []string) []string {
	seen := map[string]bool{}
	for _, k := range dst {
		seen[k] = true
	}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		dst = append(dst, k)
	}
	return dst
}
