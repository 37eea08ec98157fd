package dag

import (
	"fmt"
)

// Connection is a directed edge from a source output port to a destination
// input port.
type Connection struct {
	Src Port
	Dst Port
}

// Graph owns a set of named nodes and the connections between their ports.
// It is mutated only during single-threaded assembly; after that it is read
// by the executor.
type Graph struct {
	name  string
	nodes map[string]*Node
	// order preserves node insertion order so that topological ties break
	// deterministically.
	order    []string
	conns    []Connection
	producer map[Port]Port
}

// New creates an empty graph with the given name.
func New(name string) *Graph {
	return &Graph{
		name:     name,
		nodes:    make(map[string]*Node),
		producer: make(map[Port]Port),
	}
}

// Name returns the graph's name.
func (g *Graph) Name() string { return g.name }

// AddNode inserts a node into the graph.
func (g *Graph) AddNode(n *Node) error {
	if _, exists := g.nodes[n.Name]; exists {
		return fmt.Errorf("%w: %q already exists in graph %q", ErrDuplicateNode, n.Name, g.name)
	}
	g.nodes[n.Name] = n
	g.order = append(g.order, n.Name)
	return nil
}

// Node returns the node with the given name, if present.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Nodes returns the node names in insertion order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Connections returns a copy of all recorded edges.
func (g *Graph) Connections() []Connection {
	out := make([]Connection, len(g.conns))
	copy(out, g.conns)
	return out
}

// Producer returns the output port feeding the given input port, if any.
func (g *Graph) Producer(dst Port) (Port, bool) {
	src, ok := g.producer[dst]
	return src, ok
}

// Connect records a directed edge from srcNode's output port srcPort to
// dstNode's input port dstPort. Both endpoints must already exist with the
// matching direction, the destination port must not have a producer yet,
// and the edge must not close a cycle. A rejected edge leaves the graph
// exactly as it was.
func (g *Graph) Connect(srcNode, srcPort, dstNode, dstPort string) error {
	src, ok := g.nodes[srcNode]
	if !ok {
		return fmt.Errorf("%w: no node %q in graph %q", ErrUnknownPort, srcNode, g.name)
	}
	dst, ok := g.nodes[dstNode]
	if !ok {
		return fmt.Errorf("%w: no node %q in graph %q", ErrUnknownPort, dstNode, g.name)
	}
	if !src.HasOutput(srcPort) {
		return fmt.Errorf("%w: node %q has no output %q", ErrUnknownPort, srcNode, srcPort)
	}
	if !dst.HasInput(dstPort) {
		return fmt.Errorf("%w: node %q has no input %q", ErrUnknownPort, dstNode, dstPort)
	}
	if srcNode == dstNode {
		return fmt.Errorf("%w: self-referential edge on %q", ErrCycle, srcNode)
	}
	to := Port{Node: dstNode, Name: dstPort}
	if prev, bound := g.producer[to]; bound {
		return fmt.Errorf("%w: %s is already fed by %s", ErrPortAlreadyBound, to, prev)
	}
	// The new edge srcNode -> dstNode closes a cycle iff srcNode is already
	// reachable from dstNode.
	if g.reachable(dstNode, srcNode) {
		return fmt.Errorf("%w: edge %s -> %s would close a cycle", ErrCycle,
			Port{Node: srcNode, Name: srcPort}, to)
	}

	from := Port{Node: srcNode, Name: srcPort}
	g.conns = append(g.conns, Connection{Src: from, Dst: to})
	g.producer[to] = from
	return nil
}

// reachable reports whether a directed path leads from one node to another.
func (g *Graph) reachable(from, to string) bool {
	if from == to {
		return true
	}
	next := g.successors()
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, succ := range next[cur] {
			if succ == to {
				return true
			}
			if !seen[succ] {
				seen[succ] = true
				stack = append(stack, succ)
			}
		}
	}
	return false
}

// successors builds the node-level adjacency of the graph, deduplicating
// parallel port edges between the same pair of nodes.
func (g *Graph) successors() map[string][]string {
	next := make(map[string][]string, len(g.nodes))
	seen := make(map[[2]string]bool, len(g.conns))
	for _, c := range g.conns {
		pair := [2]string{c.Src.Node, c.Dst.Node}
		if seen[pair] {
			continue
		}
		seen[pair] = true
		next[c.Src.Node] = append(next[c.Src.Node], c.Dst.Node)
	}
	return next
}

// TopologicalOrder returns a total order over the graph's nodes in which
// every connection's source precedes its destination. Ties among
// independent nodes break by insertion order, so the result is
// deterministic for a given assembly sequence. A cyclic graph is reported
// with ErrCycle; Connect already prevents one from being assembled, so this
// is defense in depth.
func (g *Graph) TopologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	seen := make(map[[2]string]bool, len(g.conns))
	for _, c := range g.conns {
		pair := [2]string{c.Src.Node, c.Dst.Node}
		if seen[pair] {
			continue
		}
		seen[pair] = true
		indegree[c.Dst.Node]++
	}

	next := g.successors()
	done := make(map[string]bool, len(g.nodes))
	order := make([]string, 0, len(g.nodes))
	for len(order) < len(g.order) {
		progressed := false
		for _, name := range g.order {
			if done[name] || indegree[name] > 0 {
				continue
			}
			done[name] = true
			order = append(order, name)
			for _, succ := range next[name] {
				indegree[succ]--
			}
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("%w: graph %q has no valid topological order", ErrCycle, g.name)
		}
	}
	return order, nil
}
