package policy

import (
	"context"

	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/graph"
)

// Filter excludes collections the policy has nothing to do with for the
// action. It is applied to erasure traversals; access traversals keep every
// node so downstream collections still receive their inputs.
type Filter struct {
	Policy *Policy
	Action domain.ActionType
}

// NewFilter returns a node filter for the policy and action.
func NewFilter(p *Policy, action domain.ActionType) Filter {
	return Filter{Policy: p, Action: action}
}

// Name implements graph.NodeFilter.
func (Filter) Name() string { return "no_applicable_rule" }

// Excludes implements graph.NodeFilter.
func (f Filter) Excludes(_ context.Context, node graph.Node) (bool, error) {
	if f.Policy == nil {
		return false, nil
	}
	return !f.Policy.AppliesTo(node.Collection, f.Action), nil
}

var _ graph.NodeFilter = Filter{}
