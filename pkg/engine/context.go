package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/graph"
	"github.com/polisai/polis-privacy/pkg/policy"
)

// RequestContext is threaded through the pipeline steps of one invocation.
//
// Population order: Request is loaded before the first step; Policy and
// Graph are set by the initialization step; traversals are built lazily by
// strategies and memoised per action.
type RequestContext struct {
	Request domain.PrivacyRequest
	Policy  *policy.Policy
	Graph   *graph.Graph
	Logger  *slog.Logger

	mu         sync.Mutex
	traversals map[domain.ActionType]*graph.Traversal
}

// NewRequestContext wraps a loaded request.
func NewRequestContext(req domain.PrivacyRequest, logger *slog.Logger) *RequestContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestContext{
		Request:    req,
		Logger:     logger.With("privacy_request_id", req.ID),
		traversals: make(map[domain.ActionType]*graph.Traversal),
	}
}

// traversal returns the memoised traversal for action, building it on first use.
func (rc *RequestContext) traversal(ctx context.Context, action domain.ActionType, build func(context.Context, *RequestContext) (*graph.Traversal, error)) (*graph.Traversal, error) {
	rc.mu.Lock()
	if tr, ok := rc.traversals[action]; ok {
		rc.mu.Unlock()
		return tr, nil
	}
	rc.mu.Unlock()

	tr, err := build(ctx, rc)
	if err != nil {
		return nil, err
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if existing, ok := rc.traversals[action]; ok {
		return existing, nil
	}
	rc.traversals[action] = tr
	return tr, nil
}
