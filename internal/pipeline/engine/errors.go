package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrContractViolation marks a node update that writes undeclared keys
	// or values that fail their key schema.
	ErrContractViolation = errors.New("node contract violation")
	// ErrNodePanic marks a node or router that panicked.
	ErrNodePanic = errors.New("panic recovered")
)

// NodeError is a node failure surfaced to the caller. The engine never
// retries nodes, so one NodeError ends the invocation.
type NodeError struct {
	Node string
	Step int
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %q failed at step %d: %v", e.Node, e.Step, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// RoutingError reports a router that returned a label outside its declared
// set. It always indicates a defect in the router.
type RoutingError struct {
	Node     string
	Label    string
	Declared []string
	Err      error
}

func (e *RoutingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("router on node %q failed: %v", e.Node, e.Err)
	}
	return fmt.Sprintf("router on node %q returned undeclared label %q (declared: %s)",
		e.Node, e.Label, strings.Join(e.Declared, ", "))
}

func (e *RoutingError) Unwrap() error { return e.Err }

// RecursionLimitError reports an exhausted step budget together with the
// last visited nodes.
type RecursionLimitError struct {
	Budget     int
	LastVisits []string
}

func (e *RecursionLimitError) Error() string {
	return fmt.Sprintf("step budget %d exhausted; last visited: %s", e.Budget, strings.Join(e.LastVisits, " -> "))
}

// IsEngineDefect reports whether err is a routing or step-budget failure,
// as opposed to a failure surfaced by a node's collaborators.
func IsEngineDefect(err error) bool {
	var re *RoutingError
	var rl *RecursionLimitError
	return errors.As(err, &re) || errors.As(err, &rl)
}
