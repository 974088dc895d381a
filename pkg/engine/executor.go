package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-privacy/internal/governance"
	"github.com/polisai/polis-privacy/pkg/connector"
	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/graph"
	"github.com/polisai/polis-privacy/pkg/policy"
	"github.com/polisai/polis-privacy/pkg/storage"
	"github.com/polisai/polis-privacy/pkg/telemetry"
)

// Connectors resolves connection keys. *connector.Registry implements it.
type Connectors interface {
	Get(key string) (connector.Connector, error)
	EmailConnectors() []*connector.EmailConnector
}

// NodeRun is everything needed to execute one action on one collection.
type NodeRun struct {
	Request domain.PrivacyRequest
	Action  domain.ActionType
	Node    graph.Node
	Policy  *policy.Policy
	Mode    domain.ExecutionMode
	Retries int
}

// ExecutionResult is what a node execution produced.
type ExecutionResult struct {
	Rows        []domain.Row
	RowCount    int
	RowsMasked  int
	ConsentSent bool
	Skipped     bool
	Reason      string
}

// Count is the row figure relevant to the action.
func (r ExecutionResult) Count() int {
	return r.RowCount + r.RowsMasked
}

// Update converts the result into the task fields it sets on completion.
func (r ExecutionResult) Update(action domain.ActionType) domain.TaskUpdate {
	update := domain.TaskUpdate{ErrorMessage: domain.Ptr(r.Reason)}
	switch action {
	case domain.ActionAccess:
		update.RowCount = domain.Ptr(r.RowCount)
	case domain.ActionErasure:
		update.RowsMasked = domain.Ptr(r.RowsMasked)
	case domain.ActionConsent:
		update.ConsentSent = domain.Ptr(r.ConsentSent)
	}
	return update
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Connectors Connectors
	Results    storage.ResultStore
	// Tasks is consulted to confirm a node's access task finished before
	// its erasure runs. Optional in single-pass only deployments.
	Tasks storage.TaskStore
	// Requests is consulted before and after access rows are stored so a
	// request canceled mid-flight leaves no rows behind.
	Requests        storage.RequestStore
	PollInterval    time.Duration
	MaxPollDuration time.Duration
	Logger          *slog.Logger
}

// Executor runs one node's access, erasure or consent action. It never
// retries; retry policy belongs to the caller.
type Executor struct {
	connectors      Connectors
	results         storage.ResultStore
	tasks           storage.TaskStore
	requests        storage.RequestStore
	pollInterval    time.Duration
	maxPollDuration time.Duration
	logger          *slog.Logger
	tracer          trace.Tracer
}

// NewExecutor creates an Executor.
func NewExecutor(opts ExecutorOptions) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	maxPoll := opts.MaxPollDuration
	if maxPoll <= 0 {
		maxPoll = 24 * time.Hour
	}
	return &Executor{
		connectors:      opts.Connectors,
		results:         opts.Results,
		tasks:           opts.Tasks,
		requests:        opts.Requests,
		pollInterval:    pollInterval,
		maxPollDuration: maxPoll,
		logger:          logger,
		tracer:          otel.Tracer(telemetry.TracerName),
	}
}

// PollInterval is the delay between polls of an async job.
func (e *Executor) PollInterval() time.Duration { return e.pollInterval }

// MaxPollDuration bounds how long an async job may stay pending.
func (e *Executor) MaxPollDuration() time.Duration { return e.maxPollDuration }

// nodeCall is the single connector call a node execution boils down to.
type nodeCall struct {
	query   *connector.QueryRequest
	mutate  *connector.MutateRequest
	consent *connector.ConsentRequest
}

func (c nodeCall) job(action domain.ActionType) connector.AsyncJob {
	return connector.AsyncJob{Action: action, Query: c.query, Mutate: c.mutate, Consent: c.consent}
}

// SkipReason reports why the node should be skipped without running, or ""
// when it should run. Only unsupported consent is skipped up front; an
// erasure the connector cannot perform completes with zero rows.
func (e *Executor) SkipReason(run NodeRun) string {
	if run.Action != domain.ActionConsent {
		return ""
	}
	conn, err := e.connectors.Get(run.Node.ConnectionKey)
	if err != nil {
		return ""
	}
	if !connector.CapabilitiesOf(conn).Consent {
		return domain.ErrConsentNotSupported.Error()
	}
	return ""
}

// AsyncConnector returns the node's connector when it completes out of band.
func (e *Executor) AsyncConnector(run NodeRun) (connector.AsyncConnector, bool) {
	conn, err := e.connectors.Get(run.Node.ConnectionKey)
	if err != nil {
		return nil, false
	}
	ac, ok := conn.(connector.AsyncConnector)
	return ac, ok
}

// Execute runs the node synchronously. Async connectors are started and
// polled inline until the job is ready or MaxPollDuration passes.
func (e *Executor) Execute(ctx context.Context, run NodeRun) (ExecutionResult, error) {
	ctx, span := e.startSpan(ctx, run)
	defer span.End()

	start := time.Now()
	res, err := e.execute(ctx, run)
	e.record(ctx, span, run, res, err, time.Since(start))
	return res, err
}

func (e *Executor) execute(ctx context.Context, run NodeRun) (ExecutionResult, error) {
	conn, err := e.connectors.Get(run.Node.ConnectionKey)
	if err != nil {
		return ExecutionResult{}, &domain.FatalConnectorError{Address: run.Node.Address, Err: err}
	}

	call, done, err := e.plan(ctx, run, conn)
	if err != nil || done != nil {
		return deref(done), err
	}

	if ac, ok := conn.(connector.AsyncConnector); ok {
		result, err := e.runAsyncInline(ctx, run, ac, call)
		if err != nil {
			return e.callFailed(run, err)
		}
		return e.finish(ctx, run, result)
	}

	result, err := invoke(ctx, conn, call)
	if err != nil {
		return e.callFailed(run, err)
	}
	return e.finish(ctx, run, result)
}

// PlanAsync prepares the async job for the node. When no connector call is
// needed the final result is returned instead and job is nil.
func (e *Executor) PlanAsync(ctx context.Context, run NodeRun) (*connector.AsyncJob, *ExecutionResult, error) {
	conn, err := e.connectors.Get(run.Node.ConnectionKey)
	if err != nil {
		return nil, nil, &domain.FatalConnectorError{Address: run.Node.Address, Err: err}
	}
	call, done, err := e.plan(ctx, run, conn)
	if err != nil || done != nil {
		return nil, done, err
	}
	job := call.job(run.Action)
	return &job, nil, nil
}

// FinishAsync records a fetched async result exactly like a synchronous one.
func (e *Executor) FinishAsync(ctx context.Context, run NodeRun, result connector.AsyncResult) (ExecutionResult, error) {
	ctx, span := e.startSpan(ctx, run)
	defer span.End()

	res, err := e.finish(ctx, run, result)
	e.record(ctx, span, run, res, err, 0)
	return res, err
}

// ClassifyAsyncError wraps an async lifecycle error like a connector error.
func (e *Executor) ClassifyAsyncError(run NodeRun, err error) (ExecutionResult, error) {
	return e.callFailed(run, err)
}

func (e *Executor) plan(ctx context.Context, run NodeRun, conn connector.Connector) (nodeCall, *ExecutionResult, error) {
	switch run.Action {
	case domain.ActionAccess:
		return e.planAccess(ctx, run, conn)
	case domain.ActionErasure:
		return e.planErasure(ctx, run, conn)
	case domain.ActionConsent:
		return e.planConsent(run, conn)
	default:
		return nodeCall{}, nil, &domain.FatalConnectorError{
			Address: run.Node.Address,
			Err:     fmt.Errorf("unknown action %q", run.Action),
		}
	}
}

func (e *Executor) planAccess(ctx context.Context, run NodeRun, conn connector.Connector) (nodeCall, *ExecutionResult, error) {
	addr := run.Node.Address
	rows, ok, err := e.results.Rows(ctx, run.Request.ID, addr)
	if err != nil {
		return nodeCall{}, nil, fmt.Errorf("read cached rows for %s: %w", addr, err)
	}
	if ok {
		return nodeCall{}, &ExecutionResult{Rows: rows, RowCount: len(rows)}, nil
	}

	if !connector.CapabilitiesOf(conn).Access {
		return nodeCall{}, &ExecutionResult{Reason: "connector does not support access"}, nil
	}

	inputs, candidates, err := e.consolidateInputs(ctx, run)
	if err != nil {
		return nodeCall{}, nil, err
	}
	if candidates == 0 {
		if err := e.storeRows(ctx, run, nil); err != nil {
			return nodeCall{}, nil, err
		}
		return nodeCall{}, &ExecutionResult{Reason: "no input values"}, nil
	}

	return nodeCall{query: &connector.QueryRequest{
		PrivacyRequestID: run.Request.ID,
		Address:          addr,
		Collection:       run.Node.Collection,
		Inputs:           inputs,
		Identity:         maps.Clone(run.Request.Identity),
	}}, nil, nil
}

// consolidateInputs gathers candidate values per field of the node from the
// identity seed and from upstream access results. Values are deduplicated in
// first-seen order.
func (e *Executor) consolidateInputs(ctx context.Context, run NodeRun) (map[domain.FieldPath][]any, int, error) {
	inputs := make(map[domain.FieldPath][]any)
	seen := make(map[domain.FieldPath]map[string]bool)
	total := 0
	add := func(path domain.FieldPath, v any) {
		if v == nil {
			return
		}
		key := fmt.Sprintf("%T:%v", v, v)
		if seen[path] == nil {
			seen[path] = make(map[string]bool)
		}
		if seen[path][key] {
			return
		}
		seen[path][key] = true
		inputs[path] = append(inputs[path], v)
		total++
	}

	for _, path := range slices.Sorted(maps.Keys(run.Node.IdentityInputs)) {
		if v := run.Request.Identity[run.Node.IdentityInputs[path]]; v != "" {
			add(path, v)
		}
	}

	upstream := make(map[domain.CollectionAddress][]domain.Row)
	for _, edge := range run.Node.Inputs {
		from := edge.From.Collection
		rows, cached := upstream[from]
		if !cached {
			var (
				ok  bool
				err error
			)
			rows, ok, err = e.results.Rows(ctx, run.Request.ID, from)
			if err != nil {
				return nil, 0, fmt.Errorf("read upstream rows %s: %w", from, err)
			}
			if !ok {
				rows = nil
			}
			upstream[from] = rows
		}
		for _, row := range rows {
			for _, v := range edge.From.Path.Values(row) {
				add(edge.To.Path, v)
			}
		}
	}
	return inputs, total, nil
}

func (e *Executor) planErasure(ctx context.Context, run NodeRun, conn connector.Connector) (nodeCall, *ExecutionResult, error) {
	addr := run.Node.Address
	if run.Policy == nil {
		return nodeCall{}, nil, &domain.FatalConnectorError{Address: addr, Err: domain.ErrPolicyNotFound}
	}
	caps := connector.CapabilitiesOf(conn)
	if !caps.Erasure {
		return nodeCall{}, &ExecutionResult{Reason: domain.ErrErasureNotSupported.Error()}, nil
	}

	plan := run.Policy.MaskingPlan(run.Node.Collection)
	if plan.Empty() {
		return nodeCall{}, &ExecutionResult{Reason: "no fields to mask"}, nil
	}

	req := &connector.MutateRequest{
		PrivacyRequestID: run.Request.ID,
		Address:          addr,
		Collection:       run.Node.Collection,
		Plan:             plan,
		Identity:         maps.Clone(run.Request.Identity),
	}
	// Sources that cannot be read are erased by identity alone.
	if !caps.Access {
		return nodeCall{mutate: req}, nil, nil
	}

	rows, ok, err := e.results.Rows(ctx, run.Request.ID, addr)
	if err != nil {
		return nodeCall{}, nil, fmt.Errorf("read access rows for %s: %w", addr, err)
	}
	if !ok {
		if err := e.requireAccessComplete(ctx, run); err != nil {
			return nodeCall{}, nil, err
		}
	}
	if len(rows) == 0 {
		return nodeCall{}, &ExecutionResult{Reason: "no rows to mask"}, nil
	}
	req.Rows = rows
	return nodeCall{mutate: req}, nil, nil
}

func (e *Executor) requireAccessComplete(ctx context.Context, run NodeRun) error {
	if e.tasks == nil {
		return nil
	}
	task, err := e.tasks.GetByAddress(ctx, run.Request.ID, domain.ActionAccess, run.Node.Address)
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("look up access task for %s: %w", run.Node.Address, err)
	case task.Status != domain.TaskComplete:
		return &domain.FatalConnectorError{
			Address: run.Node.Address,
			Err:     fmt.Errorf("%w (status %s)", domain.ErrAccessNotComplete, task.Status),
		}
	default:
		return nil
	}
}

func (e *Executor) planConsent(run NodeRun, conn connector.Connector) (nodeCall, *ExecutionResult, error) {
	if !connector.CapabilitiesOf(conn).Consent {
		return nodeCall{}, &ExecutionResult{Skipped: true, Reason: domain.ErrConsentNotSupported.Error()}, nil
	}
	if run.Request.Consent == "" {
		return nodeCall{}, &ExecutionResult{Skipped: true, Reason: "no consent preference"}, nil
	}
	return nodeCall{consent: &connector.ConsentRequest{
		PrivacyRequestID: run.Request.ID,
		Address:          run.Node.Address,
		Identity:         maps.Clone(run.Request.Identity),
		Preference:       run.Request.Consent,
	}}, nil, nil
}

func invoke(ctx context.Context, conn connector.Connector, call nodeCall) (connector.AsyncResult, error) {
	switch {
	case call.query != nil:
		rows, err := conn.Query(ctx, *call.query)
		return connector.AsyncResult{Rows: rows, Count: len(rows)}, err
	case call.mutate != nil:
		n, err := conn.Mutate(ctx, *call.mutate)
		return connector.AsyncResult{Count: n}, err
	case call.consent != nil:
		return connector.AsyncResult{}, conn.PropagateConsent(ctx, *call.consent)
	default:
		return connector.AsyncResult{}, errors.New("empty node call")
	}
}

func (e *Executor) runAsyncInline(ctx context.Context, run NodeRun, ac connector.AsyncConnector, call nodeCall) (connector.AsyncResult, error) {
	ref, err := ac.Start(ctx, call.job(run.Action))
	if err != nil {
		return connector.AsyncResult{}, err
	}
	started := time.Now()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		status, err := ac.Poll(ctx, ref)
		if err != nil {
			return connector.AsyncResult{}, err
		}
		switch status {
		case connector.PollReady:
			return ac.FetchResult(ctx, ref)
		case connector.PollFailed:
			return connector.AsyncResult{}, &domain.FatalConnectorError{
				Address: run.Node.Address,
				Err:     fmt.Errorf("async job %s failed", ref),
			}
		}
		if elapsed := time.Since(started); elapsed > e.maxPollDuration {
			return connector.AsyncResult{}, &domain.PollTimeoutError{
				Address: run.Node.Address,
				JobRef:  ref,
				Elapsed: elapsed,
				Limit:   e.maxPollDuration,
			}
		}
		select {
		case <-ctx.Done():
			return connector.AsyncResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Executor) callFailed(run NodeRun, err error) (ExecutionResult, error) {
	switch {
	case run.Action == domain.ActionErasure && errors.Is(err, domain.ErrErasureNotSupported):
		return ExecutionResult{Reason: domain.ErrErasureNotSupported.Error()}, nil
	case run.Action == domain.ActionConsent && errors.Is(err, domain.ErrConsentNotSupported):
		return ExecutionResult{Skipped: true, Reason: domain.ErrConsentNotSupported.Error()}, nil
	}
	var timeout *domain.PollTimeoutError
	if errors.As(err, &timeout) {
		return ExecutionResult{}, err
	}
	return ExecutionResult{}, connector.Classify(run.Node.Address, err)
}

func (e *Executor) finish(ctx context.Context, run NodeRun, result connector.AsyncResult) (ExecutionResult, error) {
	switch run.Action {
	case domain.ActionAccess:
		rows := result.Rows
		if rows == nil {
			rows = []domain.Row{}
		}
		if err := e.storeRows(ctx, run, rows); err != nil {
			if !errors.Is(err, domain.ErrResultExists) {
				return ExecutionResult{}, err
			}
			cached, _, readErr := e.results.Rows(ctx, run.Request.ID, run.Node.Address)
			if readErr != nil {
				return ExecutionResult{}, readErr
			}
			rows = cached
		}
		return ExecutionResult{Rows: rows, RowCount: len(rows)}, nil
	case domain.ActionErasure:
		return ExecutionResult{RowsMasked: result.Count}, nil
	default:
		return ExecutionResult{ConsentSent: true}, nil
	}
}

func (e *Executor) storeRows(ctx context.Context, run NodeRun, rows []domain.Row) error {
	if rows == nil {
		rows = []domain.Row{}
	}
	if err := e.checkCanceled(ctx, run.Request.ID); err != nil {
		return err
	}
	if err := e.results.PutRows(ctx, run.Request.ID, run.Node.Address, rows); err != nil {
		return fmt.Errorf("store rows for %s: %w", run.Node.Address, err)
	}
	// A cancel that landed between the check and the write purged too early.
	if err := e.checkCanceled(ctx, run.Request.ID); err != nil {
		if purgeErr := e.results.DeleteRequest(ctx, run.Request.ID); purgeErr != nil {
			return errors.Join(err, fmt.Errorf("purge rows: %w", purgeErr))
		}
		return err
	}
	return nil
}

// checkCanceled returns ErrRequestCanceled when the stored request was canceled.
func (e *Executor) checkCanceled(ctx context.Context, requestID string) error {
	if e.requests == nil {
		return nil
	}
	req, err := e.requests.Get(ctx, requestID)
	if err != nil {
		return fmt.Errorf("read request %s: %w", requestID, err)
	}
	if req.Status == domain.RequestCanceled {
		return fmt.Errorf("%w: %s", domain.ErrRequestCanceled, requestID)
	}
	return nil
}

func (e *Executor) startSpan(ctx context.Context, run NodeRun) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "privacy.node", trace.WithAttributes(
		attribute.String("privacy.request_id", run.Request.ID),
		attribute.String("privacy.action", string(run.Action)),
		attribute.String("privacy.collection", run.Node.Address.String()),
		attribute.String("privacy.connection_key", run.Node.ConnectionKey),
		attribute.Int("privacy.generation", run.Node.Generation),
	))
}

func (e *Executor) record(ctx context.Context, span trace.Span, run NodeRun, res ExecutionResult, err error, elapsed time.Duration) {
	outcome := outcomeOf(res, err)
	telemetry.RecordNodeOutcome(span, outcome, res.Count(), err)
	telemetry.RecordNodeMetrics(ctx, telemetry.NodeMetrics{
		Dataset:       run.Node.Address.Dataset,
		Collection:    run.Node.Address.Collection,
		ConnectionKey: run.Node.ConnectionKey,
		Action:        string(run.Action),
		Mode:          string(run.Mode),
		Outcome:       outcome,
		Rows:          res.Count(),
		Duration:      elapsed,
		Retries:       run.Retries,
	})

	logger := e.logger.With(
		"privacy_request_id", run.Request.ID,
		"collection", run.Node.Address.String(),
		"action", run.Action,
	)
	if err != nil {
		logger.Warn("Node execution failed", "outcome", outcome, "error", err)
		return
	}
	logger.Debug("Node execution finished", "outcome", outcome, "rows", res.Count(), "duration", elapsed)
}

func outcomeOf(res ExecutionResult, err error) telemetry.Outcome {
	var timeout *domain.PollTimeoutError
	switch {
	case err == nil && res.Skipped:
		return telemetry.OutcomeSkipped
	case err == nil:
		return telemetry.OutcomeComplete
	case errors.Is(err, governance.ErrCircuitOpen):
		return telemetry.OutcomeCircuitOpen
	case errors.Is(err, connector.ErrRateLimited):
		return telemetry.OutcomeRateLimited
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return telemetry.OutcomeTimeout
	case domain.IsRetryable(err):
		return telemetry.OutcomeRetrying
	default:
		return telemetry.OutcomeError
	}
}

func deref(r *ExecutionResult) ExecutionResult {
	if r == nil {
		return ExecutionResult{}
	}
	return *r
}
