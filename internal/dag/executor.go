package dag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kasbohm/fmriprep/internal/ctxlog"
)

// nodeState tracks a node through one run.
type nodeState int32

const (
	statePending nodeState = iota
	stateRunning
	stateDone
	stateFailed
)

// Bindings supplies values for input ports that have no incoming
// connection, typically the ports of the graph's boundary input node.
type Bindings map[Port]any

// Executor drives a graph's nodes in dependency order. Nodes with no path
// between them may run concurrently on the worker pool; the graph's edges
// are the only ordering constraint.
type Executor struct {
	graph     *Graph
	workers   int
	retention Retention
	workDir   string
	runID     string

	mu        sync.Mutex
	results   map[string]Values
	artifacts map[string][]string

	wg sync.WaitGroup
}

// Option configures an Executor.
type Option func(*Executor)

// WithWorkers sets the size of the worker pool.
func WithWorkers(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithRetention sets the artifact retention policy applied after the run.
func WithRetention(r Retention) Option {
	return func(e *Executor) { e.retention = r }
}

// WithWorkDir sets the directory under which the run's per-node work
// directories are created.
func WithWorkDir(dir string) Option {
	return func(e *Executor) { e.workDir = dir }
}

// NewExecutor prepares an executor for one run of the graph. Each run gets
// a fresh id so that concurrent runs of the same topology never collide on
// artifact paths.
func NewExecutor(g *Graph, opts ...Option) *Executor {
	e := &Executor{
		graph:     g,
		workers:   4,
		retention: RetainOnFailure,
		workDir:   os.TempDir(),
		runID:     uuid.NewString(),
		results:   make(map[string]Values),
		artifacts: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunDir returns the directory holding this run's artifacts.
func (e *Executor) RunDir() string {
	return filepath.Join(e.workDir, e.graph.Name()+"-"+e.runID)
}

// Outputs returns the values a node produced during the run.
func (e *Executor) Outputs(node string) (Values, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out, ok := e.results[node]
	if !ok {
		return nil, false
	}
	return out.Clone(), true
}

// runtime bookkeeping per node, mirrored from the graph before the pool
// starts so no worker ever mutates the graph itself.
type runtimeNode struct {
	node       *Node
	deps       []string
	dependents []string
	depCount   atomic.Int32
	state      atomic.Int32
	err        error
	skipOnce   sync.Once
}

// Run validates the whole graph up front and then executes it. The
// pre-flight pass fails with ErrUnboundInput before any node is invoked if
// some input port has neither a producer nor a binding. The first failing
// node aborts the run: unstarted dependents are skipped, nodes already
// running finish and their results are discarded with the rest of the
// sweep. A run cancelled through ctx reports the context's error; a run
// returns nil only when every node completed.
func (e *Executor) Run(ctx context.Context, bind Bindings) error {
	logger := ctxlog.FromContext(ctx).With("graph", e.graph.Name(), "run_id", e.runID)
	ctx = ctxlog.WithLogger(ctx, logger)

	if err := e.preflight(bind); err != nil {
		return err
	}
	order, err := e.graph.TopologicalOrder()
	if err != nil {
		return err
	}
	logger.Debug("Pre-flight validation passed.", "node_count", len(order))

	nodes := e.buildRuntime()
	runErr := e.runPool(ctx, nodes, bind)
	e.sweep(ctx, runErr)
	return runErr
}

// preflight checks every input port of every node for a producer or a
// supplied binding.
func (e *Executor) preflight(bind Bindings) error {
	for _, name := range e.graph.Nodes() {
		n, _ := e.graph.Node(name)
		for _, in := range n.Inputs {
			port := Port{Node: name, Name: in}
			if _, ok := e.graph.Producer(port); ok {
				continue
			}
			if _, ok := bind[port]; ok {
				continue
			}
			return fmt.Errorf("%w: %s has no producer and no supplied value", ErrUnboundInput, port)
		}
	}
	return nil
}

func (e *Executor) buildRuntime() map[string]*runtimeNode {
	nodes := make(map[string]*runtimeNode, len(e.graph.Nodes()))
	for _, name := range e.graph.Nodes() {
		n, _ := e.graph.Node(name)
		nodes[name] = &runtimeNode{node: n}
	}
	next := e.graph.successors()
	for name, succs := range next {
		for _, succ := range succs {
			nodes[name].dependents = append(nodes[name].dependents, succ)
			nodes[succ].deps = append(nodes[succ].deps, name)
		}
	}
	for _, rn := range nodes {
		rn.depCount.Store(int32(len(rn.deps)))
	}
	return nodes
}

// runPool is a worker pool over a ready channel fed by
// dependency counters, fail-fast cancellation, and recursive skip
// propagation through dependents of a failed node.
func (e *Executor) runPool(ctx context.Context, nodes map[string]*runtimeNode, bind Bindings) error {
	logger := ctxlog.FromContext(ctx)

	readyChan := make(chan *runtimeNode, len(nodes))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rootCount := 0
	for _, name := range e.graph.Nodes() {
		rn := nodes[name]
		if rn.depCount.Load() == 0 {
			readyChan <- rn
			rootCount++
		}
	}
	logger.Debug("Found root nodes.", "count", rootCount)

	e.wg.Add(len(nodes))
	for i := 0; i < e.workers; i++ {
		go e.worker(runCtx, readyChan, cancel, nodes, bind)
	}
	e.wg.Wait()
	close(readyChan)

	var failed []string
	var rootCause error
	for _, name := range e.graph.Nodes() {
		rn := nodes[name]
		if nodeState(rn.state.Load()) != stateFailed {
			continue
		}
		if rn.err == nil || errors.Is(rn.err, errSkipped) || errors.Is(rn.err, context.Canceled) {
			continue
		}
		failed = append(failed, name)
		if rootCause == nil {
			rootCause = rn.err
		}
	}
	if rootCause != nil {
		logger.Error("Run failed.", "failed_nodes", failed)
		return rootCause
	}

	// No node failed on its own merits, but the run is only a success when
	// every node actually finished. Caller cancellation leaves nodes
	// skipped with the context's error, and that must surface.
	for _, name := range e.graph.Nodes() {
		if nodeState(nodes[name].state.Load()) != stateDone {
			if err := ctx.Err(); err != nil {
				logger.Error("Run cancelled before completion.", "unfinished_node", name)
				return fmt.Errorf("graph %q cancelled: %w", e.graph.Name(), err)
			}
			return fmt.Errorf("graph %q: node %q never completed", e.graph.Name(), name)
		}
	}
	return nil
}

// errSkipped marks nodes that never ran because an upstream node failed.
var errSkipped = errors.New("skipped due to upstream failure")

func (e *Executor) worker(ctx context.Context, readyChan chan *runtimeNode, cancel context.CancelFunc, nodes map[string]*runtimeNode, bind Bindings) {
	logger := ctxlog.FromContext(ctx)

	for rn := range readyChan {
		nodeLogger := logger.With("node", rn.node.Name)

		if ctx.Err() != nil {
			rn.skipOnce.Do(func() {
				if !rn.state.CompareAndSwap(int32(statePending), int32(stateFailed)) {
					return
				}
				rn.err = ctx.Err()
				e.wg.Done()
				e.skipDependents(ctx, rn, nodes)
			})
			continue
		}

		// A node can reach the ready queue and also be skipped by a racing
		// upstream failure; whichever happens first wins.
		if !rn.state.CompareAndSwap(int32(statePending), int32(stateRunning)) {
			continue
		}
		nodeLogger.Debug("Node started.")
		out, err := e.invokeNode(ctx, rn.node, bind)
		if err != nil {
			nodeLogger.Error("Node failed.", "error", err)
			rn.state.Store(int32(stateFailed))
			rn.err = &NodeError{Node: rn.node.Name, Err: err}
			cancel()
			e.skipDependents(ctx, rn, nodes)
			e.wg.Done()
			continue
		}

		e.mu.Lock()
		e.results[rn.node.Name] = out
		e.mu.Unlock()
		e.registerArtifacts(rn.node.Name, out)

		rn.state.Store(int32(stateDone))
		nodeLogger.Debug("Node finished.")

		for _, dep := range rn.dependents {
			if nodes[dep].depCount.Add(-1) == 0 {
				readyChan <- nodes[dep]
			}
		}
		e.wg.Done()
	}
}

// skipDependents marks every downstream node of a failure as failed so the
// wait group drains without invoking them.
func (e *Executor) skipDependents(ctx context.Context, rn *runtimeNode, nodes map[string]*runtimeNode) {
	logger := ctxlog.FromContext(ctx)
	for _, name := range rn.dependents {
		dep := nodes[name]
		dep.skipOnce.Do(func() {
			// A dependent that already started races ahead; its own
			// completion path accounts for it.
			if !dep.state.CompareAndSwap(int32(statePending), int32(stateFailed)) {
				return
			}
			logger.Warn("Skipping node due to upstream failure.", "node", name, "failed_dependency", rn.node.Name)
			dep.err = fmt.Errorf("%w of %q", errSkipped, rn.node.Name)
			e.wg.Done()
			e.skipDependents(ctx, dep, nodes)
		})
	}
}

// invokeNode gathers the node's bound inputs from upstream results and
// bindings, then calls its invoker inside a node-scoped work directory.
func (e *Executor) invokeNode(ctx context.Context, n *Node, bind Bindings) (Values, error) {
	in := make(Values, len(n.Inputs))
	for _, name := range n.Inputs {
		port := Port{Node: n.Name, Name: name}
		if src, ok := e.graph.Producer(port); ok {
			e.mu.Lock()
			upstream, done := e.results[src.Node]
			e.mu.Unlock()
			if !done {
				// Unreachable when the pool respects dependency order.
				return nil, fmt.Errorf("%w: producer %s has not run", ErrUnboundInput, src)
			}
			in[name] = upstream[src.Name]
			continue
		}
		v, ok := bind[port]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnboundInput, port)
		}
		in[name] = v
	}

	dir := filepath.Join(e.RunDir(), n.Name)
	out, err := n.Invoker.Invoke(WithNodeDir(ctx, dir), in)
	if err != nil {
		return nil, err
	}
	for _, name := range n.Outputs {
		if _, ok := out[name]; !ok {
			return nil, fmt.Errorf("%w: %s was not produced", ErrInvalidPort, Port{Node: n.Name, Name: name})
		}
	}
	return out, nil
}
