package dag

import (
	"context"
	"fmt"
	"slices"
)

// Values carries named artifacts across a node boundary. Keys are port
// names; values are opaque to the graph, typically filesystem paths, path
// lists, or small scalars.
type Values map[string]any

// Clone returns a shallow copy of v.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Invoker is the uniform execution capability behind every node. External
// tools and in-process functions both satisfy it; the graph never
// special-cases either kind.
type Invoker interface {
	Invoke(ctx context.Context, in Values) (Values, error)
}

// Port identifies a single named slot on a node.
type Port struct {
	Node string
	Name string
}

func (p Port) String() string { return p.Node + "." + p.Name }

// Node is a unit of computation with a unique name, a fixed set of declared
// input and output ports, and an Invoker that realizes its behavior.
type Node struct {
	Name    string
	Inputs  []string
	Outputs []string
	Invoker Invoker

	passthrough bool
}

// NewNode declares a node. Input and output port names must not overlap,
// and both sets must be non-empty; passthrough boundary nodes are declared
// with Passthrough instead.
func NewNode(name string, inputs, outputs []string, invoker Invoker) (*Node, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: node name must not be empty", ErrInvalidPort)
	}
	if invoker == nil {
		return nil, fmt.Errorf("%w: node %q has no invoker", ErrInvalidPort, name)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("%w: node %q must declare both inputs and outputs", ErrInvalidPort, name)
	}
	if err := checkPortNames(name, inputs); err != nil {
		return nil, err
	}
	if err := checkPortNames(name, outputs); err != nil {
		return nil, err
	}
	for _, in := range inputs {
		if slices.Contains(outputs, in) {
			return nil, fmt.Errorf("%w: node %q declares %q as both input and output", ErrInvalidPort, name, in)
		}
	}
	return &Node{
		Name:    name,
		Inputs:  slices.Clone(inputs),
		Outputs: slices.Clone(outputs),
		Invoker: invoker,
	}, nil
}

// Passthrough declares an identity node whose outputs equal its inputs by
// name. The fieldmap workflow uses two of these as its external contract:
// the graph-level input node and output node.
func Passthrough(name string, fields ...string) (*Node, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: node name must not be empty", ErrInvalidPort)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: passthrough node %q must declare at least one field", ErrInvalidPort, name)
	}
	if err := checkPortNames(name, fields); err != nil {
		return nil, err
	}
	return &Node{
		Name:        name,
		Inputs:      slices.Clone(fields),
		Outputs:     slices.Clone(fields),
		Invoker:     identity{},
		passthrough: true,
	}, nil
}

// HasInput reports whether the node declares an input port with that name.
func (n *Node) HasInput(name string) bool { return slices.Contains(n.Inputs, name) }

// HasOutput reports whether the node declares an output port with that name.
func (n *Node) HasOutput(name string) bool { return slices.Contains(n.Outputs, name) }

func checkPortNames(node string, names []string) error {
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if name == "" {
			return fmt.Errorf("%w: node %q declares an empty port name", ErrInvalidPort, node)
		}
		if seen[name] {
			return fmt.Errorf("%w: node %q declares port %q twice", ErrInvalidPort, node, name)
		}
		seen[name] = true
	}
	return nil
}

// identity copies every input through to the output port of the same name.
type identity struct{}

func (identity) Invoke(_ context.Context, in Values) (Values, error) {
	return in.Clone(), nil
}
