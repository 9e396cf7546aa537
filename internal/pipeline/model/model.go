// Package model holds the static shape of a pipeline: named nodes, the
// unconditional edges between them and the routers that pick among
// declared successors.
package model

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/danshapiro/ticketsmith/internal/pipeline/runtime"
)

// Reserved sentinel names. Start is never executed; reaching End finishes
// the invocation.
const (
	Start = "__start__"
	End   = "__end__"
)

// NodeFunc performs one unit of work. It receives a private copy of the
// state and returns the keys it wants merged back.
type NodeFunc func(ctx context.Context, s runtime.State) (map[string]any, error)

// RouterFunc picks the label of the next hop from the merged state. It must
// be a pure function of its argument.
type RouterFunc func(s runtime.State) string

type Node struct {
	Name string
	Fn   NodeFunc

	// Reads and Writes declare the state keys the node consumes and
	// produces. A node with a nil Writes list is not checked at run time.
	Reads  []string
	Writes []string

	// Terminal nodes run and then finish the invocation.
	Terminal bool

	Order int
}

func (n *Node) DeclaresWrites() bool {
	return n != nil && n.Writes != nil
}

func (n *Node) WritesKey(key string) bool {
	if n == nil {
		return false
	}
	for _, k := range n.Writes {
		if k == key {
			return true
		}
	}
	return false
}

type Edge struct {
	From string
	To   string
}

type Router struct {
	From   string
	Fn     RouterFunc
	Routes map[string]string // label -> target node
}

// Labels returns the declared labels in sorted order.
func (r *Router) Labels() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Routes))
	for l := range r.Routes {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

type Graph struct {
	Name string

	Nodes   map[string]*Node
	Edges   []*Edge
	Routers map[string]*Router

	// Inputs are the keys a caller is expected to seed at invocation.
	Inputs []string
	// KeySchemas maps a state key to a JSON schema document.
	KeySchemas map[string]map[string]any
}

func NewGraph(name string) *Graph {
	return &Graph{
		Name:       name,
		Nodes:      map[string]*Node{},
		Routers:    map[string]*Router{},
		KeySchemas: map[string]map[string]any{},
	}
}

func IsSentinel(name string) bool {
	return name == Start || name == End
}

// Has reports whether name is a registered node or a sentinel.
func (g *Graph) Has(name string) bool {
	if IsSentinel(name) {
		return true
	}
	_, ok := g.Nodes[name]
	return ok
}

func (g *Graph) AddNode(n *Node) error {
	if n == nil {
		return fmt.Errorf("node is nil")
	}
	name := strings.TrimSpace(n.Name)
	if name == "" {
		return fmt.Errorf("node name is empty")
	}
	if IsSentinel(name) {
		return fmt.Errorf("node name %q is reserved", name)
	}
	if _, exists := g.Nodes[name]; exists {
		return fmt.Errorf("duplicate node %q", name)
	}
	n.Name = name
	n.Order = len(g.Nodes)
	g.Nodes[name] = n
	return nil
}

func (g *Graph) AddEdge(e *Edge) {
	g.Edges = append(g.Edges, e)
}

func (g *Graph) SetRouter(r *Router) {
	g.Routers[r.From] = r
}

func (g *Graph) Outgoing(from string) []*Edge {
	var out []*Edge
	for _, e := range g.Edges {
		if e != nil && e.From == from {
			out = append(out, e)
		}
	}
	return out
}

func (g *Graph) Incoming(to string) []*Edge {
	var out []*Edge
	for _, e := range g.Edges {
		if e != nil && e.To == to {
			out = append(out, e)
		}
	}
	return out
}

// Successors returns every possible next hop of from, through edges or its
// router, sorted and de-duplicated.
func (g *Graph) Successors(from string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(to string) {
		if !seen[to] {
			seen[to] = true
			out = append(out, to)
		}
	}
	for _, e := range g.Outgoing(from) {
		add(e.To)
	}
	if r := g.Routers[from]; r != nil {
		for _, to := range r.Routes {
			add(to)
		}
	}
	sort.Strings(out)
	return out
}

// NodeNames returns registered node names in registration order.
func (g *Graph) NodeNames() []string {
	names := make([]string, 0, len(g.Nodes))
	for name := range g.Nodes {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return g.Nodes[names[i]].Order < g.Nodes[names[j]].Order
	})
	return names
}

// Reachable returns every vertex reachable from from, including from.
func (g *Graph) Reachable(from string) map[string]bool {
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.Successors(cur) {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}
