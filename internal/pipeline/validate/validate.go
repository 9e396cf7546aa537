package validate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/danshapiro/ticketsmith/internal/pipeline/model"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	NodeID   string   `json:"node_id,omitempty"`
	EdgeFrom string   `json:"edge_from,omitempty"`
	EdgeTo   string   `json:"edge_to,omitempty"`
	Fix      string   `json:"fix,omitempty"`
}

func (d Diagnostic) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", d.Severity, d.Rule)
	if d.NodeID != "" {
		fmt.Fprintf(&b, " [node %s]", d.NodeID)
	}
	if d.EdgeFrom != "" || d.EdgeTo != "" {
		fmt.Fprintf(&b, " [edge %s -> %s]", d.EdgeFrom, d.EdgeTo)
	}
	fmt.Fprintf(&b, ": %s", d.Message)
	return b.String()
}

// LintRule lets callers add graph-specific checks on top of the built-in rules.
type LintRule interface {
	Name() string
	Apply(g *model.Graph) []Diagnostic
}

// Validate runs all built-in lint rules and any extra rules against the graph.
// Diagnostics come back sorted by severity, then node.
func Validate(g *model.Graph, extraRules ...LintRule) []Diagnostic {
	if g == nil {
		return []Diagnostic{{Rule: "graph_nil", Severity: SeverityError, Message: "graph is nil"}}
	}
	var diags []Diagnostic
	diags = append(diags, lintStartEdge(g)...)
	diags = append(diags, lintEdgeTargetsExist(g)...)
	diags = append(diags, lintRouters(g)...)
	diags = append(diags, lintStartNoIncoming(g)...)
	diags = append(diags, lintOutgoing(g)...)
	diags = append(diags, lintTerminalNoOutgoing(g)...)
	diags = append(diags, lintReachability(g)...)
	diags = append(diags, lintTerminalReachable(g)...)
	diags = append(diags, lintReadsUnwritten(g)...)
	for _, rule := range extraRules {
		if rule != nil {
			diags = append(diags, rule.Apply(g)...)
		}
	}
	sortDiagnostics(diags)
	return diags
}

func ValidateOrError(g *model.Graph, extraRules ...LintRule) error {
	diags := Validate(g, extraRules...)
	var errs []string
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d.String())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Errors filters diags down to error severity.
func Errors(diags []Diagnostic) []Diagnostic {
	var out []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			out = append(out, d)
		}
	}
	return out
}

func lintStartEdge(g *model.Graph) []Diagnostic {
	out := g.Outgoing(model.Start)
	if g.Routers[model.Start] != nil {
		return []Diagnostic{{
			Rule:     "start_edge",
			Severity: SeverityError,
			Message:  "START must use an unconditional edge, not a router",
			NodeID:   model.Start,
		}}
	}
	if len(out) != 1 {
		return []Diagnostic{{
			Rule:     "start_edge",
			Severity: SeverityError,
			Message:  fmt.Sprintf("START must have exactly one outgoing edge (found %d)", len(out)),
			NodeID:   model.Start,
			Fix:      "add exactly one edge from START to the first node",
		}}
	}
	return nil
}

func lintEdgeTargetsExist(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		if !g.Has(e.From) {
			diags = append(diags, Diagnostic{
				Rule:     "edge_target_exists",
				Severity: SeverityError,
				Message:  "edge references missing from-node",
				NodeID:   e.From,
				EdgeFrom: e.From,
				EdgeTo:   e.To,
			})
		}
		if !g.Has(e.To) {
			diags = append(diags, Diagnostic{
				Rule:     "edge_target_exists",
				Severity: SeverityError,
				Message:  "edge references missing to-node",
				NodeID:   e.To,
				EdgeFrom: e.From,
				EdgeTo:   e.To,
			})
		}
	}
	return diags
}

func lintRouters(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, from := range sortedRouterSources(g) {
		r := g.Routers[from]
		if from == model.End || (!model.IsSentinel(from) && !g.Has(from)) {
			diags = append(diags, Diagnostic{
				Rule:     "router_source",
				Severity: SeverityError,
				Message:  "router attached to a missing or terminal node",
				NodeID:   from,
			})
		}
		if r.Fn == nil {
			diags = append(diags, Diagnostic{
				Rule:     "router_func",
				Severity: SeverityError,
				Message:  "router function is nil",
				NodeID:   from,
			})
		}
		if len(r.Routes) == 0 {
			diags = append(diags, Diagnostic{
				Rule:     "router_routes",
				Severity: SeverityError,
				Message:  "router declares no labels",
				NodeID:   from,
			})
		}
		for _, label := range r.Labels() {
			to := r.Routes[label]
			if strings.TrimSpace(label) == "" {
				diags = append(diags, Diagnostic{
					Rule:     "router_routes",
					Severity: SeverityError,
					Message:  "router declares an empty label",
					NodeID:   from,
					EdgeFrom: from,
					EdgeTo:   to,
				})
			}
			if to == model.Start || !g.Has(to) {
				diags = append(diags, Diagnostic{
					Rule:     "router_target_exists",
					Severity: SeverityError,
					Message:  fmt.Sprintf("label %q targets unregistered node %q", label, to),
					NodeID:   from,
					EdgeFrom: from,
					EdgeTo:   to,
				})
			}
		}
	}
	return diags
}

func lintStartNoIncoming(g *model.Graph) []Diagnostic {
	if len(g.Incoming(model.Start)) > 0 {
		return []Diagnostic{{
			Rule:     "start_no_incoming",
			Severity: SeverityError,
			Message:  "START must have no incoming edges",
			NodeID:   model.Start,
		}}
	}
	return nil
}

// lintOutgoing enforces one successor rule per non-terminal node: exactly
// one unconditional edge or exactly one router.
func lintOutgoing(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, name := range g.NodeNames() {
		n := g.Nodes[name]
		if n.Terminal {
			continue
		}
		count := len(g.Outgoing(name))
		if g.Routers[name] != nil {
			count++
		}
		switch {
		case count == 0:
			diags = append(diags, Diagnostic{
				Rule:     "missing_outgoing",
				Severity: SeverityError,
				Message:  "non-terminal node has no outgoing edge or router",
				NodeID:   name,
				Fix:      "add an edge, a conditional edge, or mark the node terminal",
			})
		case count > 1:
			diags = append(diags, Diagnostic{
				Rule:     "multiple_outgoing",
				Severity: SeverityError,
				Message:  fmt.Sprintf("node has %d outgoing transitions; use a single router to branch", count),
				NodeID:   name,
			})
		}
		if n.Fn == nil {
			diags = append(diags, Diagnostic{
				Rule:     "node_func",
				Severity: SeverityError,
				Message:  "node function is nil",
				NodeID:   name,
			})
		}
	}
	return diags
}

func lintTerminalNoOutgoing(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	terminals := []string{model.End}
	for _, name := range g.NodeNames() {
		if g.Nodes[name].Terminal {
			terminals = append(terminals, name)
		}
	}
	for _, name := range terminals {
		if len(g.Outgoing(name)) > 0 || g.Routers[name] != nil {
			diags = append(diags, Diagnostic{
				Rule:     "terminal_no_outgoing",
				Severity: SeverityError,
				Message:  "terminal node must have no outgoing edges",
				NodeID:   name,
			})
		}
	}
	return diags
}

func lintReachability(g *model.Graph) []Diagnostic {
	seen := g.Reachable(model.Start)
	var diags []Diagnostic
	for _, name := range g.NodeNames() {
		if !seen[name] {
			diags = append(diags, Diagnostic{
				Rule:     "reachability",
				Severity: SeverityError,
				Message:  "node is not reachable from START",
				NodeID:   name,
			})
		}
	}
	return diags
}

func lintTerminalReachable(g *model.Graph) []Diagnostic {
	seen := g.Reachable(model.Start)
	if seen[model.End] {
		return nil
	}
	for name := range seen {
		if n := g.Nodes[name]; n != nil && n.Terminal {
			return nil
		}
	}
	return []Diagnostic{{
		Rule:     "terminal_reachable",
		Severity: SeverityWarning,
		Message:  "no terminal node is reachable from START; every run will exhaust its step budget",
	}}
}

// lintReadsUnwritten warns when a node reads a key that is neither a
// declared input nor written by any node that can run before it.
func lintReadsUnwritten(g *model.Graph) []Diagnostic {
	inputs := map[string]bool{}
	for _, k := range g.Inputs {
		inputs[k] = true
	}
	ancestors := ancestorSets(g)
	var diags []Diagnostic
	for _, name := range g.NodeNames() {
		n := g.Nodes[name]
		for _, key := range n.Reads {
			if inputs[key] {
				continue
			}
			written := false
			for anc := range ancestors[name] {
				if g.Nodes[anc].WritesKey(key) {
					written = true
					break
				}
			}
			if !written {
				diags = append(diags, Diagnostic{
					Rule:     "reads_unwritten",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("reads key %q that no upstream node writes", key),
					NodeID:   name,
					Fix:      "declare the key as a graph input or add it to an upstream node's writes",
				})
			}
		}
	}
	return diags
}

// ancestorSets maps each node to the registered nodes that can run before
// it. Nodes inside a cycle are their own ancestors.
func ancestorSets(g *model.Graph) map[string]map[string]bool {
	out := map[string]map[string]bool{}
	for _, name := range g.NodeNames() {
		out[name] = map[string]bool{}
	}
	for _, src := range g.NodeNames() {
		for _, next := range g.Successors(src) {
			if _, ok := g.Nodes[next]; !ok {
				continue
			}
			for reached := range g.Reachable(next) {
				if set, ok := out[reached]; ok {
					set[src] = true
				}
			}
		}
	}
	return out
}

func sortedRouterSources(g *model.Graph) []string {
	out := make([]string, 0, len(g.Routers))
	for from := range g.Routers {
		out = append(out, from)
	}
	sort.Strings(out)
	return out
}

func severityRank(s Severity) int {
	switch s {
	case SeverityError:
		return 0
	case SeverityWarning:
		return 1
	default:
		return 2
	}
}

func sortDiagnostics(diags []Diagnostic) {
	sort.SliceStable(diags, func(i, j int) bool {
		ri, rj := severityRank(diags[i].Severity), severityRank(diags[j].Severity)
		if ri != rj {
			return ri < rj
		}
		return diags[i].NodeID < diags[j].NodeID
	})
}
