package graph

import (
	"fmt"
	"slices"

	"github.com/polisai/polis-privacy/pkg/domain"
)

// Edge is a directed data dependency: values read at From feed queries on To.
type Edge struct {
	From domain.FieldAddress
	To   domain.FieldAddress
}

func (e Edge) String() string {
	return e.From.String() + " -> " + e.To.String()
}

// Graph is the validated, immutable dataset graph.
type Graph struct {
	datasets    []domain.Dataset
	collections map[domain.CollectionAddress]domain.Collection
	connections map[domain.CollectionAddress]string
	addresses   []domain.CollectionAddress
	edges       []Edge
	after       map[domain.CollectionAddress][]domain.CollectionAddress
	eraseAfter  map[domain.CollectionAddress][]domain.CollectionAddress
}

// New validates the datasets and builds a Graph. Unknown reference targets,
// duplicate names and malformed directions are rejected.
func New(datasets []domain.Dataset) (*Graph, error) {
	g := &Graph{
		datasets:    slices.Clone(datasets),
		collections: make(map[domain.CollectionAddress]domain.Collection),
		connections: make(map[domain.CollectionAddress]string),
		after:       make(map[domain.CollectionAddress][]domain.CollectionAddress),
		eraseAfter:  make(map[domain.CollectionAddress][]domain.CollectionAddress),
	}

	seenDatasets := make(map[string]bool, len(datasets))
	for _, ds := range datasets {
		if ds.Name == "" {
			return nil, fmt.Errorf("%w: dataset without name", domain.ErrDatasetInvalid)
		}
		if seenDatasets[ds.Name] {
			return nil, fmt.Errorf("%w: duplicate dataset %q", domain.ErrDatasetInvalid, ds.Name)
		}
		seenDatasets[ds.Name] = true

		for _, c := range ds.Collections {
			addr := domain.NewCollectionAddress(ds.Name, c.Name)
			if c.Name == "" {
				return nil, fmt.Errorf("%w: collection without name in dataset %q", domain.ErrDatasetInvalid, ds.Name)
			}
			if _, dup := g.collections[addr]; dup {
				return nil, fmt.Errorf("%w: duplicate collection %s", domain.ErrDatasetInvalid, addr)
			}
			g.collections[addr] = c
			g.connections[addr] = ds.ConnectionKey
			g.addresses = append(g.addresses, addr)
		}
	}
	slices.SortFunc(g.addresses, compareAddresses)

	for _, addr := range g.addresses {
		c := g.collections[addr]
		for _, f := range c.Fields {
			for _, ref := range f.References {
				edge, err := g.edgeFor(addr, f, ref)
				if err != nil {
					return nil, err
				}
				g.edges = append(g.edges, edge)
			}
		}
		for _, dep := range c.After {
			if _, ok := g.collections[dep]; !ok {
				return nil, fmt.Errorf("%w: %s lists unknown collection %s in after", domain.ErrDatasetInvalid, addr, dep)
			}
			g.after[addr] = appendUnique(g.after[addr], dep)
		}
		for _, dep := range c.EraseAfter {
			if _, ok := g.collections[dep]; !ok {
				return nil, fmt.Errorf("%w: %s lists unknown collection %s in erase_after", domain.ErrDatasetInvalid, addr, dep)
			}
			g.eraseAfter[addr] = appendUnique(g.eraseAfter[addr], dep)
		}
	}

	return g, nil
}

func (g *Graph) edgeFor(addr domain.CollectionAddress, f domain.Field, ref domain.FieldReference) (Edge, error) {
	target, ok := g.collections[ref.Target.Collection]
	if !ok {
		return Edge{}, fmt.Errorf("%w: %s.%s references unknown collection %s",
			domain.ErrDatasetInvalid, addr, f.Path, ref.Target.Collection)
	}
	if _, ok := target.Field(ref.Target.Path); !ok {
		return Edge{}, fmt.Errorf("%w: %s.%s references unknown field %s",
			domain.ErrDatasetInvalid, addr, f.Path, ref.Target)
	}

	self := domain.FieldAddress{Collection: addr, Path: f.Path}
	switch ref.Direction {
	case domain.DirectionFrom:
		return Edge{From: ref.Target, To: self}, nil
	case domain.DirectionTo:
		return Edge{From: self, To: ref.Target}, nil
	default:
		return Edge{}, fmt.Errorf("%w: %s.%s has invalid reference direction %q",
			domain.ErrDatasetInvalid, addr, f.Path, ref.Direction)
	}
}

// Addresses lists every collection address in lexicographic order.
func (g *Graph) Addresses() []domain.CollectionAddress {
	return slices.Clone(g.addresses)
}

// Collection returns the collection at addr.
func (g *Graph) Collection(addr domain.CollectionAddress) (domain.Collection, bool) {
	c, ok := g.collections[addr]
	return c, ok
}

// ConnectionKey returns the connection serving addr.
func (g *Graph) ConnectionKey(addr domain.CollectionAddress) string {
	return g.connections[addr]
}

// Datasets returns the datasets the graph was built from.
func (g *Graph) Datasets() []domain.Dataset {
	return slices.Clone(g.datasets)
}

// Edges returns every field-level data edge.
func (g *Graph) Edges() []Edge {
	return slices.Clone(g.edges)
}

// dependencies returns the collection-level dependency map: for each node,
// the set of nodes that must run before it (data edges plus after hints).
func (g *Graph) dependencies() map[domain.CollectionAddress][]domain.CollectionAddress {
	deps := make(map[domain.CollectionAddress][]domain.CollectionAddress, len(g.addresses))
	for _, e := range g.edges {
		deps[e.To.Collection] = appendUnique(deps[e.To.Collection], e.From.Collection)
	}
	for addr, after := range g.after {
		for _, dep := range after {
			deps[addr] = appendUnique(deps[addr], dep)
		}
	}
	return deps
}

func appendUnique(list []domain.CollectionAddress, addr domain.CollectionAddress) []domain.CollectionAddress {
	if slices.Contains(list, addr) {
		return list
	}
	return append(list, addr)
}

func compareAddresses(a, b domain.CollectionAddress) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	default:
		return 0
	}
}
