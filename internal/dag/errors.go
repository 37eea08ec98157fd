package dag

import (
	"errors"
	"fmt"
)

// Sentinel errors for graph assembly and execution. Callers match them with
// errors.Is; the wrapped messages carry the offending node and port names.
var (
	// ErrDuplicateNode reports a node name collision within one graph.
	ErrDuplicateNode = errors.New("duplicate node")

	// ErrInvalidPort reports an invalid port declaration on a node, such as
	// overlapping input and output names or an empty port set on a
	// non-passthrough node.
	ErrInvalidPort = errors.New("invalid port declaration")

	// ErrUnknownPort reports a connection endpoint that does not exist with
	// the required direction.
	ErrUnknownPort = errors.New("unknown port")

	// ErrPortAlreadyBound reports a second connection into an input port
	// that already has a producer.
	ErrPortAlreadyBound = errors.New("input port already bound")

	// ErrCycle reports an edge or a graph that would violate acyclicity.
	ErrCycle = errors.New("cycle detected")

	// ErrUnboundInput reports an input port with no incoming connection and
	// no caller-supplied value. It is raised by the executor's pre-flight
	// pass, before any node is invoked.
	ErrUnboundInput = errors.New("unbound input port")
)

// ExitCoder is implemented by invocation errors that carry the exit status
// of an external process.
type ExitCoder interface {
	ExitCode() int
}

// NodeError wraps a failure with the identity of the node that produced it.
// When the underlying cause is an external process exit, the wrapped error
// also satisfies ExitCoder.
type NodeError struct {
	Node string
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %q: %v", e.Node, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }
