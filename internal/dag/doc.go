// Package dag models a pipeline as a directed acyclic graph of nodes with
// named input and output ports. Nodes wrap opaque computations (external
// tools or in-process functions) behind a uniform Invoker capability; edges
// connect a specific output port of one node to a specific input port of
// another and carry artifact values (usually file paths) at run time.
//
// A Graph is assembled single-threaded: AddNode and Connect validate every
// insertion eagerly, so a graph that assembles without error is acyclic and
// has at most one producer per input port. The Executor then drives the
// nodes in dependency order, fanning each output out to every port it feeds.
package dag
