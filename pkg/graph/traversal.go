package graph

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/polisai/polis-privacy/pkg/domain"
)

// Node is one collection as it participates in a traversal.
type Node struct {
	Address        domain.CollectionAddress
	Collection     domain.Collection
	ConnectionKey  string
	Upstream       []domain.CollectionAddress
	Downstream     []domain.CollectionAddress
	Inputs         []Edge
	IdentityInputs map[domain.FieldPath]string // field path -> identity key
	IsRoot         bool
	IsTerminator   bool
	Excluded       bool
	ExcludedReason string
	Generation     int
}

func (n Node) clone() Node {
	n.Upstream = slices.Clone(n.Upstream)
	n.Downstream = slices.Clone(n.Downstream)
	n.Inputs = slices.Clone(n.Inputs)
	n.IdentityInputs = maps.Clone(n.IdentityInputs)
	return n
}

// Traversal is the execution plan for one request and one action.
type Traversal struct {
	nodes       map[domain.CollectionAddress]*Node
	order       []domain.CollectionAddress
	generations [][]domain.CollectionAddress
	seed        map[string]string
}

// BuildTraversal computes the access traversal seeded with identity values.
//
// It fails with *domain.GraphCycleError when the dependency edges contain a
// cycle and with *domain.UnreachableNodeError when a non-excluded node has
// no data-edge path from an identity-seeded root. A node is excluded when any filter
// excludes it; excluded nodes keep their edges.
func BuildTraversal(ctx context.Context, g *Graph, seed map[string]string, filters ...NodeFilter) (*Traversal, error) {
	deps := g.dependencies()
	downstream := invert(deps)
	if cycle := findCycle(g.addresses, downstream); cycle != nil {
		return nil, &domain.GraphCycleError{Cycle: cycle}
	}

	inputs := make(map[domain.CollectionAddress][]Edge)
	feeds := make(map[domain.CollectionAddress][]domain.CollectionAddress)
	for _, e := range g.edges {
		inputs[e.To.Collection] = append(inputs[e.To.Collection], e)
		feeds[e.From.Collection] = appendUnique(feeds[e.From.Collection], e.To.Collection)
	}

	t := &Traversal{
		nodes: make(map[domain.CollectionAddress]*Node, len(g.addresses)),
		seed:  maps.Clone(seed),
	}
	var roots []domain.CollectionAddress
	for _, addr := range g.addresses {
		c := g.collections[addr]
		n := &Node{
			Address:        addr,
			Collection:     c,
			ConnectionKey:  g.connections[addr],
			Upstream:       sorted(deps[addr]),
			Downstream:     sorted(downstream[addr]),
			Inputs:         inputs[addr],
			IdentityInputs: make(map[domain.FieldPath]string),
		}
		for _, f := range c.Fields {
			if f.Identity != "" && seed[f.Identity] != "" {
				n.IdentityInputs[f.Path] = f.Identity
			}
		}
		n.IsRoot = len(n.IdentityInputs) > 0
		n.IsTerminator = len(n.Downstream) == 0
		if n.IsRoot {
			roots = append(roots, addr)
		}
		t.nodes[addr] = n
	}

	if err := t.applyFilters(ctx, filters); err != nil {
		return nil, err
	}

	// after hints order nodes but carry no data, so only data edges reach.
	reachable := reach(roots, feeds)
	var unreachable []domain.CollectionAddress
	for _, addr := range g.addresses {
		if !reachable[addr] && !t.nodes[addr].Excluded {
			unreachable = append(unreachable, addr)
		}
	}
	if len(unreachable) > 0 {
		return nil, &domain.UnreachableNodeError{Addresses: unreachable}
	}

	t.assignGenerations(g.addresses, deps)
	return t, nil
}

// BuildConsentTraversal places every collection in generation zero with no
// edges; consent propagation has no data dependencies.
func BuildConsentTraversal(ctx context.Context, g *Graph, filters ...NodeFilter) (*Traversal, error) {
	t := &Traversal{nodes: make(map[domain.CollectionAddress]*Node, len(g.addresses))}
	for _, addr := range g.addresses {
		t.nodes[addr] = &Node{
			Address:       addr,
			Collection:    g.collections[addr],
			ConnectionKey: g.connections[addr],
			IsRoot:        true,
			IsTerminator:  true,
		}
	}
	if err := t.applyFilters(ctx, filters); err != nil {
		return nil, err
	}
	t.assignGenerations(g.addresses, nil)
	return t, nil
}

// BuildErasureTraversal derives the erasure plan from a completed access
// traversal. Ordering comes only from erase_after hints between nodes of the
// access traversal; nodes excluded from access stay excluded.
func BuildErasureTraversal(ctx context.Context, g *Graph, access *Traversal, filters ...NodeFilter) (*Traversal, error) {
	deps := make(map[domain.CollectionAddress][]domain.CollectionAddress)
	for addr, after := range g.eraseAfter {
		if _, ok := access.nodes[addr]; !ok {
			continue
		}
		for _, dep := range after {
			if _, ok := access.nodes[dep]; ok {
				deps[addr] = appendUnique(deps[addr], dep)
			}
		}
	}
	downstream := invert(deps)
	if cycle := findCycle(access.order, downstream); cycle != nil {
		return nil, &domain.GraphCycleError{Cycle: cycle}
	}

	t := &Traversal{
		nodes: make(map[domain.CollectionAddress]*Node, len(access.nodes)),
		seed:  maps.Clone(access.seed),
	}
	addresses := slices.Clone(access.order)
	slices.SortFunc(addresses, compareAddresses)
	for _, addr := range addresses {
		n := access.nodes[addr].clone()
		n.Upstream = sorted(deps[addr])
		n.Downstream = sorted(downstream[addr])
		n.IsTerminator = len(n.Downstream) == 0
		t.nodes[addr] = &n
	}
	if err := t.applyFilters(ctx, filters); err != nil {
		return nil, err
	}
	t.assignGenerations(addresses, deps)
	return t, nil
}

func (t *Traversal) applyFilters(ctx context.Context, filters []NodeFilter) error {
	for _, addr := range sortedKeys(t.nodes) {
		n := t.nodes[addr]
		if n.Excluded {
			continue
		}
		for _, f := range filters {
			excluded, err := f.Excludes(ctx, *n)
			if err != nil {
				return fmt.Errorf("filter %s on %s: %w", f.Name(), addr, err)
			}
			if excluded {
				n.Excluded = true
				n.ExcludedReason = f.Name()
				break
			}
		}
	}
	return nil
}

func (t *Traversal) assignGenerations(addresses []domain.CollectionAddress, deps map[domain.CollectionAddress][]domain.CollectionAddress) {
	memo := make(map[domain.CollectionAddress]int, len(addresses))
	var depth func(domain.CollectionAddress) int
	depth = func(addr domain.CollectionAddress) int {
		if d, ok := memo[addr]; ok {
			return d
		}
		d := 0
		for _, dep := range deps[addr] {
			d = max(d, depth(dep)+1)
		}
		memo[addr] = d
		return d
	}

	maxGen := -1
	for _, addr := range addresses {
		gen := depth(addr)
		t.nodes[addr].Generation = gen
		maxGen = max(maxGen, gen)
	}

	t.generations = make([][]domain.CollectionAddress, maxGen+1)
	for _, addr := range addresses {
		gen := t.nodes[addr].Generation
		t.generations[gen] = append(t.generations[gen], addr)
	}
	t.order = t.order[:0]
	for _, gen := range t.generations {
		slices.SortFunc(gen, compareAddresses)
		t.order = append(t.order, gen...)
	}
}

// Len returns the number of nodes.
func (t *Traversal) Len() int {
	return len(t.nodes)
}

// Node returns a copy of the node at addr.
func (t *Traversal) Node(addr domain.CollectionAddress) (Node, bool) {
	n, ok := t.nodes[addr]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// Nodes returns every node ordered by generation, then address.
func (t *Traversal) Nodes() []Node {
	out := make([]Node, 0, len(t.order))
	for _, addr := range t.order {
		out = append(out, t.nodes[addr].clone())
	}
	return out
}

// Generations groups node addresses by generation.
func (t *Traversal) Generations() [][]domain.CollectionAddress {
	out := make([][]domain.CollectionAddress, len(t.generations))
	for i, gen := range t.generations {
		out[i] = slices.Clone(gen)
	}
	return out
}

// Seed returns the identity seed the traversal was built with.
func (t *Traversal) Seed() map[string]string {
	return maps.Clone(t.seed)
}

// Descendants returns every node strictly downstream of addr.
func (t *Traversal) Descendants(addr domain.CollectionAddress) []domain.CollectionAddress {
	adj := make(map[domain.CollectionAddress][]domain.CollectionAddress, len(t.nodes))
	for a, n := range t.nodes {
		adj[a] = n.Downstream
	}
	seen := reach([]domain.CollectionAddress{addr}, adj)
	delete(seen, addr)
	return sortedKeys(seen)
}

func invert(deps map[domain.CollectionAddress][]domain.CollectionAddress) map[domain.CollectionAddress][]domain.CollectionAddress {
	out := make(map[domain.CollectionAddress][]domain.CollectionAddress, len(deps))
	for addr, list := range deps {
		for _, dep := range list {
			out[dep] = appendUnique(out[dep], addr)
		}
	}
	return out
}

// findCycle returns the first cycle found walking adj in address order, or nil.
func findCycle(addresses []domain.CollectionAddress, adj map[domain.CollectionAddress][]domain.CollectionAddress) []domain.CollectionAddress {
	const (
		white = iota
		grey
		black
	)
	color := make(map[domain.CollectionAddress]int, len(addresses))
	var stack []domain.CollectionAddress
	var cycle []domain.CollectionAddress

	var visit func(domain.CollectionAddress) bool
	visit = func(addr domain.CollectionAddress) bool {
		color[addr] = grey
		stack = append(stack, addr)
		for _, next := range sorted(adj[addr]) {
			switch color[next] {
			case grey:
				start := slices.Index(stack, next)
				cycle = append(slices.Clone(stack[start:]), next)
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[addr] = black
		return false
	}

	for _, addr := range sorted(addresses) {
		if color[addr] == white && visit(addr) {
			return cycle
		}
	}
	return nil
}

func reach(from []domain.CollectionAddress, adj map[domain.CollectionAddress][]domain.CollectionAddress) map[domain.CollectionAddress]bool {
	seen := make(map[domain.CollectionAddress]bool)
	queue := slices.Clone(from)
	for _, a := range from {
		seen[a] = true
	}
	for len(queue) > 0 {
		addr := queue[0]
		queue = queue[1:]
		for _, next := range adj[addr] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

func sorted(list []domain.CollectionAddress) []domain.CollectionAddress {
	out := slices.Clone(list)
	slices.SortFunc(out, compareAddresses)
	return out
}

func sortedKeys[V any](m map[domain.CollectionAddress]V) []domain.CollectionAddress {
	return sorted(slices.Collect(maps.Keys(m)))
}
