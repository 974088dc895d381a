package engine

import (
	"context"

	"github.com/polisai/polis-privacy/pkg/connector"
	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/graph"
)

// CapabilityFilter excludes collections whose connector cannot perform the action.
type CapabilityFilter struct {
	Connectors Connectors
	Action     domain.ActionType
}

// Name implements graph.NodeFilter.
func (f CapabilityFilter) Name() string { return "connector_lacks_" + string(f.Action) }

// Excludes implements graph.NodeFilter. Unknown connections are not
// excluded here; executing them fails loudly instead.
func (f CapabilityFilter) Excludes(_ context.Context, node graph.Node) (bool, error) {
	conn, err := f.Connectors.Get(node.ConnectionKey)
	if err != nil {
		return false, nil //nolint:nilerr // reported at execution time
	}
	return !connector.CapabilitiesOf(conn).Supports(f.Action), nil
}

var _ graph.NodeFilter = CapabilityFilter{}
