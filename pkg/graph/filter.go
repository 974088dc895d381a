package graph

import "context"

// NodeFilter decides whether a node is excluded from a traversal. Filters
// combine with OR semantics: one exclusion is enough.
type NodeFilter interface {
	Name() string
	Excludes(ctx context.Context, node Node) (bool, error)
}

type filterFunc struct {
	name string
	fn   func(context.Context, Node) (bool, error)
}

// NewFilterFunc adapts a function to NodeFilter.
func NewFilterFunc(name string, fn func(ctx context.Context, node Node) (bool, error)) NodeFilter {
	return filterFunc{name: name, fn: fn}
}

func (f filterFunc) Name() string { return f.name }

func (f filterFunc) Excludes(ctx context.Context, node Node) (bool, error) {
	return f.fn(ctx, node)
}

// OutOfBandFilter excludes collections flagged skip_processing; they are
// handled by a manual process outside the engine.
type OutOfBandFilter struct{}

// Name implements NodeFilter.
func (OutOfBandFilter) Name() string { return "skip_processing" }

// Excludes implements NodeFilter.
func (OutOfBandFilter) Excludes(_ context.Context, node Node) (bool, error) {
	return node.Collection.SkipProcessing, nil
}

// AddressFilter excludes an explicit set of collections.
type AddressFilter struct {
	Reason    string
	Addresses map[string]bool // keyed by "dataset:collection"
}

// Name implements NodeFilter.
func (f AddressFilter) Name() string {
	if f.Reason == "" {
		return "excluded"
	}
	return f.Reason
}

// Excludes implements NodeFilter.
func (f AddressFilter) Excludes(_ context.Context, node Node) (bool, error) {
	return f.Addresses[node.Address.String()], nil
}
