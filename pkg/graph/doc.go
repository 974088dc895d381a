// Package graph builds the dataset dependency graph and the per-request
// traversals the engine executes.
//
// A Graph is immutable once built. A Traversal is computed per request from
// a Graph, the identity seed and a set of NodeFilters; it carries each node's
// upstream and downstream neighbours, the field edges feeding it, and its
// generation (longest path from a source node). Nodes sharing a generation
// have no dependency on each other and may run concurrently.
package graph
