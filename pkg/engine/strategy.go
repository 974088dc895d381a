package engine

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-privacy/internal/governance"
	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/graph"
	"github.com/polisai/polis-privacy/pkg/policy"
	"github.com/polisai/polis-privacy/pkg/storage"
)

// Strategy drives one action phase of a request.
type Strategy interface {
	Action() domain.ActionType
	// NextCheckpoint is the checkpoint the request resumes to once every
	// task of the phase is terminal.
	NextCheckpoint() domain.CurrentStep
	Traversal(ctx context.Context, rc *RequestContext) (*graph.Traversal, error)
	// RunSinglePass executes the whole traversal in process, one generation
	// at a time, and returns one outcome per node.
	RunSinglePass(ctx context.Context, rc *RequestContext) ([]domain.NodeOutcome, error)
	// CreateDistributedTasks persists one RequestTask per node. Idempotent.
	CreateDistributedTasks(ctx context.Context, rc *RequestContext) ([]domain.RequestTask, error)
}

type strategyDeps struct {
	executor          *Executor
	tasks             storage.TaskStore
	requests          storage.RequestStore
	connectors        Connectors
	rego              *policy.Engine
	retry             *governance.RetryPolicy
	workers           int
	excludeIrrelevant bool
}

type actionStrategy struct {
	action     domain.ActionType
	checkpoint domain.CurrentStep
	build      func(context.Context, *RequestContext) (*graph.Traversal, error)
	deps       *strategyDeps
}

func newStrategies(deps *strategyDeps) map[domain.ActionType]Strategy {
	return map[domain.ActionType]Strategy{
		domain.ActionAccess: &actionStrategy{
			action:     domain.ActionAccess,
			checkpoint: domain.StepAccess,
			build:      deps.accessTraversal,
			deps:       deps,
		},
		domain.ActionConsent: &actionStrategy{
			action:     domain.ActionConsent,
			checkpoint: domain.StepConsent,
			build:      deps.consentTraversal,
			deps:       deps,
		},
		domain.ActionErasure: &actionStrategy{
			action:     domain.ActionErasure,
			checkpoint: domain.StepErasure,
			build:      deps.erasureTraversal,
			deps:       deps,
		},
	}
}

func (s *actionStrategy) Action() domain.ActionType { return s.action }

func (s *actionStrategy) NextCheckpoint() domain.CurrentStep { return s.checkpoint }

func (s *actionStrategy) Traversal(ctx context.Context, rc *RequestContext) (*graph.Traversal, error) {
	return rc.traversal(ctx, s.action, s.build)
}

func (s *actionStrategy) CreateDistributedTasks(ctx context.Context, rc *RequestContext) ([]domain.RequestTask, error) {
	tr, err := s.Traversal(ctx, rc)
	if err != nil {
		return nil, err
	}
	tasks, err := s.deps.tasks.CreateTasksForPhase(ctx, rc.Request, s.action, tr)
	if err != nil {
		return nil, fmt.Errorf("create %s tasks: %w", s.action, err)
	}
	return tasks, nil
}

func (s *actionStrategy) RunSinglePass(ctx context.Context, rc *RequestContext) ([]domain.NodeOutcome, error) {
	tr, err := s.Traversal(ctx, rc)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	outcomes := make(map[domain.CollectionAddress]domain.NodeOutcome, tr.Len())
	failed := make(map[domain.CollectionAddress]bool)
	record := func(o domain.NodeOutcome, fail bool) {
		mu.Lock()
		defer mu.Unlock()
		outcomes[o.Address] = o
		if fail {
			failed[o.Address] = true
		}
	}

	for _, generation := range tr.Generations() {
		if err := s.deps.checkCanceled(ctx, rc.Request.ID); err != nil {
			return nil, err
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(s.deps.workers, 1))

		for _, addr := range generation {
			node, _ := tr.Node(addr)
			outcome := domain.NodeOutcome{Address: addr, Action: s.action}

			if node.Excluded {
				outcome.Status = domain.TaskSkipped
				outcome.Reason = node.ExcludedReason
				record(outcome, false)
				continue
			}

			mu.Lock()
			blocker, blocked := firstFailed(node.Upstream, failed)
			if blocked {
				outcome.Status = domain.TaskError
				outcome.Reason = fmt.Sprintf("upstream collection %s failed", blocker)
				outcomes[addr] = outcome
				failed[addr] = true
			}
			mu.Unlock()
			if blocked {
				continue
			}

			run := NodeRun{
				Request: rc.Request,
				Action:  s.action,
				Node:    node,
				Policy:  rc.Policy,
				Mode:    domain.ModeSinglePass,
			}
			if reason := s.deps.executor.SkipReason(run); reason != "" {
				outcome.Status = domain.TaskSkipped
				outcome.Reason = reason
				record(outcome, false)
				continue
			}

			g.Go(func() error {
				var res ExecutionResult
				_, err := s.deps.retry.ExecuteWithRetry(gctx, func(ctx context.Context) error {
					var execErr error
					res, execErr = s.deps.executor.Execute(ctx, run)
					run.Retries++
					return execErr
				})
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}

				if err != nil {
					outcome.Status = domain.TaskError
					outcome.Reason = err.Error()
					record(outcome, true)
					return nil
				}
				record(outcomeFromResult(addr, s.action, res), false)
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	ordered := make([]domain.NodeOutcome, 0, len(outcomes))
	for _, node := range tr.Nodes() {
		ordered = append(ordered, outcomes[node.Address])
	}
	return ordered, nil
}

func (d *strategyDeps) checkCanceled(ctx context.Context, requestID string) error {
	req, err := d.requests.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status == domain.RequestCanceled {
		return fmt.Errorf("%w: %s", domain.ErrRequestCanceled, requestID)
	}
	return nil
}

func firstFailed(upstream []domain.CollectionAddress, failed map[domain.CollectionAddress]bool) (domain.CollectionAddress, bool) {
	for _, up := range upstream {
		if failed[up] {
			return up, true
		}
	}
	return domain.CollectionAddress{}, false
}

func (d *strategyDeps) accessTraversal(ctx context.Context, rc *RequestContext) (*graph.Traversal, error) {
	filters := []graph.NodeFilter{graph.OutOfBandFilter{}}
	if d.excludeIrrelevant {
		filters = append(filters, graph.NewFilterFunc("no_applicable_rule", func(_ context.Context, node graph.Node) (bool, error) {
			p := rc.Policy
			return p != nil && !p.AppliesTo(node.Collection, domain.ActionAccess) && !p.AppliesTo(node.Collection, domain.ActionErasure), nil
		}))
	}
	filters = append(filters, d.regoFilters(rc, domain.ActionAccess)...)
	return graph.BuildTraversal(ctx, rc.Graph, rc.Request.Identity, filters...)
}

func (d *strategyDeps) consentTraversal(ctx context.Context, rc *RequestContext) (*graph.Traversal, error) {
	filters := []graph.NodeFilter{
		graph.OutOfBandFilter{},
		CapabilityFilter{Connectors: d.connectors, Action: domain.ActionConsent},
	}
	filters = append(filters, d.regoFilters(rc, domain.ActionConsent)...)
	return graph.BuildConsentTraversal(ctx, rc.Graph, filters...)
}

func (d *strategyDeps) erasureTraversal(ctx context.Context, rc *RequestContext) (*graph.Traversal, error) {
	access, err := rc.traversal(ctx, domain.ActionAccess, d.accessTraversal)
	if err != nil {
		return nil, err
	}
	filters := []graph.NodeFilter{
		policy.NewFilter(rc.Policy, domain.ActionErasure),
		CapabilityFilter{Connectors: d.connectors, Action: domain.ActionErasure},
	}
	filters = append(filters, d.regoFilters(rc, domain.ActionErasure)...)
	return graph.BuildErasureTraversal(ctx, rc.Graph, access, filters...)
}

func (d *strategyDeps) regoFilters(rc *RequestContext, action domain.ActionType) []graph.NodeFilter {
	if d.rego == nil {
		return nil
	}
	return []graph.NodeFilter{policy.RegoFilter{Engine: d.rego, PolicyKey: rc.Request.PolicyKey, Action: action}}
}

func outcomeFromResult(addr domain.CollectionAddress, action domain.ActionType, res ExecutionResult) domain.NodeOutcome {
	status := domain.TaskComplete
	if res.Skipped {
		status = domain.TaskSkipped
	}
	rows := res.Count()
	if action == domain.ActionConsent && res.ConsentSent {
		rows = 1
	}
	return domain.NodeOutcome{Address: addr, Action: action, Status: status, Rows: rows, Reason: res.Reason}
}

func outcomeFromTask(t domain.RequestTask) domain.NodeOutcome {
	rows := t.RowCount
	switch t.ActionType {
	case domain.ActionErasure:
		rows = t.RowsMasked
	case domain.ActionConsent:
		rows = 0
		if t.ConsentSent {
			rows = 1
		}
	}
	return domain.NodeOutcome{
		Address: t.CollectionAddress,
		Action:  t.ActionType,
		Status:  t.Status,
		Rows:    rows,
		Reason:  t.ErrorMessage,
	}
}
