package graph

import (
	"fmt"
	"strings"

	"github.com/danshapiro/ticketsmith/internal/pipeline/validate"
)

// GraphError reports a malformed graph. Node names the offending vertex
// whenever one exists.
type GraphError struct {
	Graph   string
	Rule    string
	Node    string
	Message string

	// Diagnostics holds every error-severity finding when the failure comes
	// from Compile.
	Diagnostics []validate.Diagnostic
}

func (e *GraphError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "graph %q: ", e.Graph)
	if e.Node != "" {
		fmt.Fprintf(&b, "node %q: ", e.Node)
	}
	fmt.Fprintf(&b, "%s: %s", e.Rule, e.Message)
	if extra := len(e.Diagnostics) - 1; extra > 0 {
		fmt.Fprintf(&b, " (and %d more)", extra)
	}
	return b.String()
}

func newGraphError(graph, rule, node, format string, args ...any) *GraphError {
	return &GraphError{
		Graph:   graph,
		Rule:    rule,
		Node:    node,
		Message: fmt.Sprintf(format, args...),
	}
}
