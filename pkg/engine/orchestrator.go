package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/polisai/polis-privacy/internal/governance"
	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/graph"
	"github.com/polisai/polis-privacy/pkg/policy"
	"github.com/polisai/polis-privacy/pkg/storage"
	"github.com/polisai/polis-privacy/pkg/telemetry"
	"github.com/polisai/polis-privacy/pkg/upload"
)

// StepOutcome tells the orchestrator whether to keep going.
type StepOutcome int

const (
	// Continue moves on to the next step and persists the step's checkpoint.
	Continue StepOutcome = iota
	// Halt stops this invocation without error; a later event re-runs the pipeline.
	Halt
)

func (o StepOutcome) String() string {
	if o == Halt {
		return "halt"
	}
	return "continue"
}

// Step is one stage of the request pipeline.
type Step interface {
	Name() string
	// Checkpoint is the resume point the step completes, or StepNone for
	// setup steps that run on every invocation.
	Checkpoint() domain.CurrentStep
	// RequiredActions lists the policy actions that make the step relevant.
	// An empty list means always relevant.
	RequiredActions() []domain.ActionType
	Execute(ctx context.Context, rc *RequestContext) (StepOutcome, error)
}

// Dispatcher hands work to the scheduler.
type Dispatcher interface {
	Dispatch(ctx context.Context, tasks []domain.RequestTask) error
	// ScheduleRun re-invokes the pipeline for the request at the given time.
	ScheduleRun(ctx context.Context, requestID string, at time.Time) error
}

// GraphSource provides the current dataset graph.
type GraphSource interface {
	Graph() *graph.Graph
}

// StaticGraph is a GraphSource over a fixed graph.
type StaticGraph struct{ G *graph.Graph }

// Graph implements GraphSource.
func (s StaticGraph) Graph() *graph.Graph { return s.G }

// Options configures an Orchestrator.
type Options struct {
	Store      *storage.Store
	Graphs     GraphSource
	Policies   policy.Provider
	Connectors Connectors
	Executor   *Executor
	Dispatcher Dispatcher
	Uploader   upload.Uploader
	Rego       *policy.Engine
	// Mode is the execution mode for requests without existing tasks.
	// Distributed needs a Dispatcher; without one single pass is used.
	Mode              domain.ExecutionMode
	Workers           int
	Retry             governance.RetryConfig
	EmailBatchWindow  time.Duration
	ExcludeIrrelevant bool
	Logger            *slog.Logger
	Now               func() time.Time
}

// Orchestrator drives privacy requests through the pipeline.
type Orchestrator struct {
	store      *storage.Store
	graphs     GraphSource
	policies   policy.Provider
	connectors Connectors
	executor   *Executor
	uploader   upload.Uploader
	mode       domain.ExecutionMode
	window     time.Duration
	strategies map[domain.ActionType]Strategy
	steps      []Step
	locks      *storage.KeyedMutex
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time

	dispatchMu sync.RWMutex
	dispatcher Dispatcher

	runs      singleflight.Group
	runCacheM sync.Mutex
	runCache  map[string]*RequestContext
}

// NewOrchestrator wires the pipeline.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Graphs == nil || opts.Policies == nil || opts.Connectors == nil || opts.Executor == nil {
		return nil, errors.New("orchestrator requires store, graphs, policies, connectors and executor")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	mode := opts.Mode
	if mode == "" {
		mode = domain.ModeDistributed
	}

	o := &Orchestrator{
		store:      opts.Store,
		graphs:     opts.Graphs,
		policies:   opts.Policies,
		connectors: opts.Connectors,
		executor:   opts.Executor,
		uploader:   opts.Uploader,
		mode:       mode,
		window:     opts.EmailBatchWindow,
		locks:      storage.NewKeyedMutex(),
		logger:     logger,
		tracer:     otel.Tracer(telemetry.TracerName),
		now:        now,
		dispatcher: opts.Dispatcher,
		runCache:   make(map[string]*RequestContext),
	}
	o.strategies = newStrategies(&strategyDeps{
		executor:          opts.Executor,
		tasks:             opts.Store.Tasks,
		requests:          opts.Store.Requests,
		connectors:        opts.Connectors,
		rego:              opts.Rego,
		retry:             governance.NewRetryPolicy(opts.Retry, domain.IsRetryable),
		workers:           max(opts.Workers, 1),
		excludeIrrelevant: opts.ExcludeIrrelevant,
	})
	o.steps = []Step{
		initializationStep{o},
		manualWebhooksStep{o},
		phaseStep{o, o.strategies[domain.ActionAccess]},
		phaseStep{o, o.strategies[domain.ActionConsent]},
		finalizePhaseStep{o, domain.ActionConsent, domain.StepFinalizeConsent},
		phaseStep{o, o.strategies[domain.ActionErasure]},
		finalizePhaseStep{o, domain.ActionErasure, domain.StepFinalizeErasure},
		emailBatchStep{o},
		uploadAccessStep{o},
		finalizeStep{o},
	}
	return o, nil
}

// SetDispatcher attaches the scheduler once it exists.
func (o *Orchestrator) SetDispatcher(d Dispatcher) {
	o.dispatchMu.Lock()
	defer o.dispatchMu.Unlock()
	o.dispatcher = d
}

func (o *Orchestrator) getDispatcher() Dispatcher {
	o.dispatchMu.RLock()
	defer o.dispatchMu.RUnlock()
	return o.dispatcher
}

// Steps returns the pipeline in execution order.
func (o *Orchestrator) Steps() []Step {
	return append([]Step(nil), o.steps...)
}

// Strategy returns the strategy of an action.
func (o *Orchestrator) Strategy(action domain.ActionType) (Strategy, bool) {
	s, ok := o.strategies[action]
	return s, ok
}

// Checkpoint is the resume point reached once the action's phase is terminal.
func (o *Orchestrator) Checkpoint(action domain.ActionType) domain.CurrentStep {
	if s, ok := o.strategies[action]; ok {
		return s.NextCheckpoint()
	}
	return domain.StepNone
}

// Start persists a new request and runs the pipeline.
func (o *Orchestrator) Start(ctx context.Context, req domain.PrivacyRequest) (domain.PrivacyRequest, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.PolicyKey == "" {
		return domain.PrivacyRequest{}, fmt.Errorf("%w: policy key is required", domain.ErrConfigInvalid)
	}
	now := o.now()
	req.Status = domain.RequestPending
	req.ResumeStep = domain.StepNone
	req.CreatedAt = now
	req.UpdatedAt = now
	if err := o.store.Requests.Create(ctx, req); err != nil {
		return domain.PrivacyRequest{}, fmt.Errorf("create request: %w", err)
	}
	o.logger.Info("Privacy request received", "privacy_request_id", req.ID, "policy", req.PolicyKey)

	if err := o.Run(ctx, req.ID); err != nil {
		return domain.PrivacyRequest{}, err
	}
	return o.store.Requests.Get(ctx, req.ID)
}

// Resume records a manual webhook input and re-runs the pipeline. Without a
// webhook id a request still waiting for input is rejected with
// ErrWebhookInputRequired.
func (o *Orchestrator) Resume(ctx context.Context, requestID, webhookID string, payload map[string]any) error {
	if err := o.recordWebhookInput(ctx, requestID, webhookID, payload); err != nil {
		return err
	}
	return o.Run(ctx, requestID)
}

// recordWebhookInput writes the input under the request lock, so it never
// interleaves with a pipeline run of the same request in this process.
func (o *Orchestrator) recordWebhookInput(ctx context.Context, requestID, webhookID string, payload map[string]any) error {
	unlock := o.locks.Lock(requestID)
	defer unlock()

	if webhookID == "" {
		req, err := o.store.Requests.Get(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status == domain.RequestPaused {
			p, err := o.policies.Policy(ctx, req.PolicyKey)
			if err != nil {
				return err
			}
			if err := webhookInputRequired(requestID, p, req.WebhookInputs); err != nil {
				return err
			}
		}
	}

	_, err := o.store.Requests.Update(ctx, requestID, func(r *domain.PrivacyRequest) error {
		if r.Status.IsTerminal() {
			return fmt.Errorf("%w: request %s is %s", domain.ErrInvalidState, requestID, r.Status)
		}
		if webhookID != "" {
			if r.WebhookInputs == nil {
				r.WebhookInputs = make(map[string]map[string]any)
			}
			r.WebhookInputs[webhookID] = maps.Clone(payload)
		}
		if r.Status == domain.RequestPaused {
			r.Status = domain.RequestInProcessing
		}
		r.UpdatedAt = o.now()
		return nil
	})
	return err
}

// Run executes the pipeline from the top. Steps whose checkpoint the
// request already passed are skipped, so Run is safe to call repeatedly.
func (o *Orchestrator) Run(ctx context.Context, requestID string) error {
	unlock := o.locks.Lock(requestID)
	defer unlock()

	req, err := o.store.Requests.Get(ctx, requestID)
	if err != nil {
		return err
	}
	rc := NewRequestContext(req, o.logger)

	ctx, span := o.tracer.Start(ctx, "privacy.pipeline", trace.WithAttributes(
		attribute.String("privacy.request_id", requestID),
		attribute.String("privacy.policy_key", req.PolicyKey),
	))
	span.SetAttributes(telemetry.IdentityAttributes(req.Identity)...)
	defer span.End()

	for _, step := range o.steps {
		checkpoint := step.Checkpoint()
		if checkpoint != domain.StepNone && !rc.Request.ShouldRunStep(checkpoint) {
			continue
		}

		if !o.relevant(rc, step) {
			if err := o.advance(ctx, rc, checkpoint); err != nil {
				return o.stop(ctx, rc, err)
			}
			continue
		}

		outcome, err := o.execute(ctx, rc, step)
		if err != nil {
			return o.fail(ctx, rc, step, err)
		}
		if outcome == Halt {
			rc.Logger.Info("Pipeline halted", "step", step.Name(), "status", rc.Request.Status)
			return o.stop(ctx, rc, o.save(ctx, rc))
		}
		if err := o.advance(ctx, rc, checkpoint); err != nil {
			return o.stop(ctx, rc, err)
		}
	}
	o.forget(requestID)
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, rc *RequestContext, step Step) (StepOutcome, error) {
	ctx, span := o.tracer.Start(ctx, "privacy.pipeline.step", trace.WithAttributes(
		attribute.String("pipeline.step", step.Name()),
	))
	defer span.End()

	outcome, err := step.Execute(ctx, rc)
	telemetry.RecordStepResult(span, step.Name(), outcome == Halt, err)
	return outcome, err
}

// relevant reports whether the policy asks for any of the step's actions.
// Setup steps run regardless; the policy is unknown before initialization.
func (o *Orchestrator) relevant(rc *RequestContext, step Step) bool {
	required := step.RequiredActions()
	if len(required) == 0 || rc.Policy == nil {
		return true
	}
	for _, action := range required {
		if rc.Policy.HasAction(action) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) advance(ctx context.Context, rc *RequestContext, checkpoint domain.CurrentStep) error {
	if checkpoint == domain.StepNone {
		return nil
	}
	if rc.Request.ResumeStep.Before(checkpoint) {
		rc.Request.ResumeStep = checkpoint
	}
	return o.save(ctx, rc)
}

// save writes the context's request back. A request canceled meanwhile is
// left untouched and ErrRequestCanceled returned. Checkpoints never move
// backwards, and webhook inputs are kept as stored since only Resume
// writes them.
func (o *Orchestrator) save(ctx context.Context, rc *RequestContext) error {
	updated, err := o.store.Requests.Update(ctx, rc.Request.ID, func(stored *domain.PrivacyRequest) error {
		if stored.Status == domain.RequestCanceled {
			return domain.ErrRequestCanceled
		}
		resume := rc.Request.ResumeStep
		if resume.Before(stored.ResumeStep) {
			resume = stored.ResumeStep
		}
		next := rc.Request.Clone()
		next.ResumeStep = resume
		next.WebhookInputs = stored.WebhookInputs
		next.UpdatedAt = o.now()
		*stored = next
		return nil
	})
	if err != nil {
		return err
	}
	rc.Request = updated
	return nil
}

// stop ends an invocation; cancellation is not an error for the caller.
func (o *Orchestrator) stop(_ context.Context, rc *RequestContext, err error) error {
	if errors.Is(err, domain.ErrRequestCanceled) {
		rc.Logger.Info("Privacy request canceled; stopping pipeline")
		o.forget(rc.Request.ID)
		return nil
	}
	return err
}

func (o *Orchestrator) fail(ctx context.Context, rc *RequestContext, step Step, cause error) error {
	if errors.Is(cause, domain.ErrRequestCanceled) || errors.Is(cause, context.Canceled) {
		return o.stop(ctx, rc, domain.ErrRequestCanceled)
	}
	rc.Logger.Error("Privacy request failed", "step", step.Name(), "code", domain.ErrorCode(cause), "error", cause)

	rc.Request.Status = domain.RequestError
	rc.Request.FailureReason = fmt.Sprintf("%s: %v", domain.ErrorCode(cause), cause)
	rc.Request.FinishedAt = o.now()
	if err := o.save(ctx, rc); err != nil {
		return o.stop(ctx, rc, err)
	}
	o.forget(rc.Request.ID)
	return fmt.Errorf("%s step: %w", step.Name(), cause)
}

// modeFor picks and records the execution mode of an action phase. Existing
// tasks force distributed mode.
func (o *Orchestrator) modeFor(ctx context.Context, rc *RequestContext, action domain.ActionType) (domain.ExecutionMode, error) {
	if mode, ok := rc.Request.Modes[action]; ok {
		return mode, nil
	}
	has, err := o.store.Tasks.HasTasks(ctx, rc.Request.ID, action)
	if err != nil {
		return "", err
	}
	mode := o.mode
	switch {
	case has:
		mode = domain.ModeDistributed
	case mode == domain.ModeDistributed && o.getDispatcher() == nil:
		mode = domain.ModeSinglePass
	}
	if rc.Request.Modes == nil {
		rc.Request.Modes = make(map[domain.ActionType]domain.ExecutionMode)
	}
	rc.Request.Modes[action] = mode
	return mode, nil
}

// phaseOutcomes collects the per-node outcomes of an action phase.
func (o *Orchestrator) phaseOutcomes(ctx context.Context, rc *RequestContext, action domain.ActionType) ([]domain.NodeOutcome, error) {
	if rc.Request.Modes[action] == domain.ModeSinglePass {
		return rc.Request.SinglePassResults[action], nil
	}
	tasks, err := o.store.Tasks.ListTasks(ctx, rc.Request.ID, action)
	if err != nil {
		return nil, err
	}
	outcomes := make([]domain.NodeOutcome, 0, len(tasks))
	for _, t := range tasks {
		outcomes = append(outcomes, outcomeFromTask(t))
	}
	return outcomes, nil
}

// NodeRun rebuilds the execution input of a persisted task. Request
// contexts are cached per request so workers do not rebuild traversals for
// every task; concurrent misses share one build.
func (o *Orchestrator) NodeRun(ctx context.Context, task domain.RequestTask) (NodeRun, error) {
	rc, err := o.workerContext(ctx, task.PrivacyRequestID)
	if err != nil {
		return NodeRun{}, err
	}
	strategy, ok := o.strategies[task.ActionType]
	if !ok {
		return NodeRun{}, fmt.Errorf("no strategy for action %q", task.ActionType)
	}
	tr, err := strategy.Traversal(ctx, rc)
	if err != nil {
		return NodeRun{}, err
	}
	node, ok := tr.Node(task.CollectionAddress)
	if !ok {
		return NodeRun{}, fmt.Errorf("%w: %s not in %s traversal", domain.ErrDatasetInvalid, task.CollectionAddress, task.ActionType)
	}

	req, err := o.store.Requests.Get(ctx, task.PrivacyRequestID)
	if err != nil {
		return NodeRun{}, err
	}
	return NodeRun{
		Request: req,
		Action:  task.ActionType,
		Node:    node,
		Policy:  rc.Policy,
		Mode:    domain.ModeDistributed,
		Retries: task.RetryCount,
	}, nil
}

func (o *Orchestrator) workerContext(ctx context.Context, requestID string) (*RequestContext, error) {
	o.runCacheM.Lock()
	rc, ok := o.runCache[requestID]
	o.runCacheM.Unlock()
	if ok {
		return rc, nil
	}

	v, err, _ := o.runs.Do(requestID, func() (any, error) {
		req, err := o.store.Requests.Get(ctx, requestID)
		if err != nil {
			return nil, err
		}
		rc := NewRequestContext(req, o.logger)
		if err := o.load(ctx, rc); err != nil {
			return nil, err
		}
		o.runCacheM.Lock()
		o.runCache[requestID] = rc
		o.runCacheM.Unlock()
		return rc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*RequestContext), nil
}

func (o *Orchestrator) forget(requestID string) {
	o.runCacheM.Lock()
	delete(o.runCache, requestID)
	o.runCacheM.Unlock()
}

// Forget drops cached worker state of a request, e.g. after cancellation.
func (o *Orchestrator) Forget(requestID string) {
	o.forget(requestID)
}

// load resolves the request's policy and the current graph.
func (o *Orchestrator) load(ctx context.Context, rc *RequestContext) error {
	p, err := o.policies.Policy(ctx, rc.Request.PolicyKey)
	if err != nil {
		return err
	}
	g := o.graphs.Graph()
	if g == nil {
		return fmt.Errorf("%w: no dataset graph loaded", domain.ErrDatasetInvalid)
	}
	rc.Policy = p
	rc.Graph = g
	return nil
}
