// Package dot renders compiled pipelines as Graphviz digraphs. Shapes follow
// the usual pipeline conventions: Mdiamond for START, Msquare for exits and
// diamonds for nodes that branch through a router.
package dot

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/danshapiro/ticketsmith/internal/pipeline/graph"
	"github.com/danshapiro/ticketsmith/internal/pipeline/model"
)

// Render returns the DOT source for g. Output is deterministic.
func Render(g *graph.Graph) []byte {
	shape := g.Shape()
	var b bytes.Buffer
	fmt.Fprintf(&b, "digraph %s {\n", quoteID(shape.Name))
	b.WriteString("  rankdir=LR\n")
	fmt.Fprintf(&b, "  %s [shape=Mdiamond, label=\"START\"]\n", quoteID(model.Start))
	fmt.Fprintf(&b, "  %s [shape=Msquare, label=\"END\"]\n", quoteID(model.End))
	for _, name := range shape.NodeNames() {
		n := shape.Nodes[name]
		attrs := []string{"shape=" + nodeShape(shape, n)}
		if tip := keyTooltip(n); tip != "" {
			attrs = append(attrs, "tooltip="+quote(tip))
		}
		fmt.Fprintf(&b, "  %s [%s]\n", quoteID(name), strings.Join(attrs, ", "))
	}
	for _, e := range shape.Edges {
		fmt.Fprintf(&b, "  %s -> %s\n", quoteID(e.From), quoteID(e.To))
	}
	for _, from := range shape.NodeNames() {
		r := shape.Routers[from]
		if r == nil {
			continue
		}
		for _, label := range r.Labels() {
			fmt.Fprintf(&b, "  %s -> %s [label=%s, style=dashed]\n", quoteID(from), quoteID(r.Routes[label]), quote(label))
		}
	}
	b.WriteString("}\n")
	return b.Bytes()
}

func nodeShape(g *model.Graph, n *model.Node) string {
	switch {
	case n.Terminal:
		return "Msquare"
	case g.Routers[n.Name] != nil:
		return "diamond"
	default:
		return "box"
	}
}

func keyTooltip(n *model.Node) string {
	var parts []string
	if len(n.Reads) > 0 {
		parts = append(parts, "reads: "+strings.Join(n.Reads, ", "))
	}
	if len(n.Writes) > 0 {
		parts = append(parts, "writes: "+strings.Join(n.Writes, ", "))
	}
	return strings.Join(parts, "\n")
}

// quoteID leaves plain identifiers bare and quotes everything else,
// including DOT keywords.
func quoteID(id string) string {
	if id == "" {
		return `""`
	}
	switch strings.ToLower(id) {
	case "node", "edge", "graph", "digraph", "subgraph", "strict":
		return quote(id)
	}
	for i, r := range id {
		ok := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9')
		if !ok {
			return quote(id)
		}
	}
	return id
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return `"` + s + `"`
}
