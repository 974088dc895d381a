package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/policy"
	"github.com/polisai/polis-privacy/pkg/upload"
)

// initializationStep loads policy and graph and rejects requests that must
// not run: terminal ones and duplicates of an older in-flight request.
type initializationStep struct{ o *Orchestrator }

func (initializationStep) Name() string                         { return "initialization" }
func (initializationStep) Checkpoint() domain.CurrentStep       { return domain.StepNone }
func (initializationStep) RequiredActions() []domain.ActionType { return nil }

func (s initializationStep) Execute(ctx context.Context, rc *RequestContext) (StepOutcome, error) {
	if rc.Request.Status.IsTerminal() {
		rc.Logger.Info("Privacy request already finished", "status", rc.Request.Status)
		return Halt, nil
	}
	if err := s.o.load(ctx, rc); err != nil {
		return Continue, err
	}

	if rc.Request.ResumeStep == domain.StepNone {
		dup, err := s.findDuplicate(ctx, rc.Request)
		if err != nil {
			return Continue, err
		}
		if dup != "" {
			rc.Logger.Warn("Duplicate privacy request", "duplicate_of", dup)
			rc.Request.Status = domain.RequestDuplicate
			rc.Request.FailureReason = "duplicate of " + dup
			rc.Request.FinishedAt = s.o.now()
			return Halt, nil
		}
	}

	rc.Request.Status = domain.RequestInProcessing
	return Continue, nil
}

// findDuplicate returns an older unfinished request with the same policy
// and identity.
func (s initializationStep) findDuplicate(ctx context.Context, req domain.PrivacyRequest) (string, error) {
	all, err := s.o.store.Requests.List(ctx)
	if err != nil {
		return "", err
	}
	for _, other := range all {
		switch {
		case other.ID == req.ID,
			other.Status.IsTerminal(),
			other.PolicyKey != req.PolicyKey,
			!other.CreatedAt.Before(req.CreatedAt),
			!maps.Equal(other.Identity, req.Identity):
			continue
		}
		return other.ID, nil
	}
	return "", nil
}

// manualWebhooksStep pauses until every input the policy requires before
// execution has been supplied.
type manualWebhooksStep struct{ o *Orchestrator }

func (manualWebhooksStep) Name() string                         { return "manual_webhooks" }
func (manualWebhooksStep) Checkpoint() domain.CurrentStep       { return domain.StepPreWebhooks }
func (manualWebhooksStep) RequiredActions() []domain.ActionType { return nil }

func (s manualWebhooksStep) Execute(_ context.Context, rc *RequestContext) (StepOutcome, error) {
	if err := webhookInputRequired(rc.Request.ID, rc.Policy, rc.Request.WebhookInputs); err != nil {
		rc.Logger.Info("Waiting for manual webhook input", "error", err)
		rc.Request.Status = domain.RequestPaused
		return Halt, nil
	}
	return Continue, nil
}

// webhookInputRequired returns a WEBHOOK_INPUT_REQUIRED error naming the
// missing inputs, or nil when every required webhook has one.
func webhookInputRequired(requestID string, p *policy.Policy, inputs map[string]map[string]any) error {
	missing := p.MissingWebhooks(inputs)
	if len(missing) == 0 {
		return nil
	}
	return &domain.DomainError{
		Err:     domain.ErrWebhookInputRequired,
		Code:    "WEBHOOK_INPUT_REQUIRED",
		Message: fmt.Sprintf("privacy request %s is waiting for webhook input: %s", requestID, strings.Join(missing, ", ")),
		Details: map[string]any{"webhooks": missing},
	}
}

// phaseStep runs one action phase through its strategy.
type phaseStep struct {
	o        *Orchestrator
	strategy Strategy
}

func (s phaseStep) Name() string                   { return string(s.strategy.Action()) }
func (s phaseStep) Checkpoint() domain.CurrentStep { return s.strategy.NextCheckpoint() }

// RequiredActions includes erasure for the access phase: erasure reads the
// rows access collects.
func (s phaseStep) RequiredActions() []domain.ActionType {
	if s.strategy.Action() == domain.ActionAccess {
		return []domain.ActionType{domain.ActionAccess, domain.ActionErasure}
	}
	return []domain.ActionType{s.strategy.Action()}
}

func (s phaseStep) Execute(ctx context.Context, rc *RequestContext) (StepOutcome, error) {
	action := s.strategy.Action()
	if action == domain.ActionConsent && rc.Request.Consent == "" {
		rc.Logger.Debug("No consent preference on request")
		return Continue, nil
	}

	mode, err := s.o.modeFor(ctx, rc, action)
	if err != nil {
		return Continue, err
	}

	if mode == domain.ModeSinglePass {
		outcomes, err := s.strategy.RunSinglePass(ctx, rc)
		if err != nil {
			return Continue, err
		}
		if rc.Request.SinglePassResults == nil {
			rc.Request.SinglePassResults = make(map[domain.ActionType][]domain.NodeOutcome)
		}
		rc.Request.SinglePassResults[action] = outcomes
		rc.Logger.Info("Action phase finished", "action", action, "mode", mode, "nodes", len(outcomes))
		return Continue, nil
	}

	requestID := rc.Request.ID
	state, err := s.o.store.Tasks.PhaseState(ctx, requestID, action)
	if err != nil {
		return Continue, err
	}
	if state == domain.PhaseEmpty {
		tasks, err := s.strategy.CreateDistributedTasks(ctx, rc)
		if err != nil {
			return Continue, err
		}
		rc.Logger.Info("Created request tasks", "action", action, "tasks", len(tasks))
		if state, err = s.o.store.Tasks.PhaseState(ctx, requestID, action); err != nil {
			return Continue, err
		}
	}
	if state == domain.PhaseEmpty || state.Done() {
		return Continue, nil
	}

	ready, err := s.o.store.Tasks.GetReadyTasks(ctx, requestID, action)
	if err != nil {
		return Continue, err
	}
	dispatcher := s.o.getDispatcher()
	if dispatcher == nil {
		return Continue, errors.New("distributed execution requires a dispatcher")
	}
	if len(ready) > 0 {
		// Save first so workers never observe an older checkpoint.
		if err := s.o.save(ctx, rc); err != nil {
			return Continue, err
		}
		if err := dispatcher.Dispatch(ctx, ready); err != nil {
			return Continue, fmt.Errorf("dispatch %s tasks: %w", action, err)
		}
	}
	return Halt, nil
}

// finalizePhaseStep files an action's node outcomes into the report.
type finalizePhaseStep struct {
	o          *Orchestrator
	action     domain.ActionType
	checkpoint domain.CurrentStep
}

func (s finalizePhaseStep) Name() string                   { return "finalize_" + string(s.action) }
func (s finalizePhaseStep) Checkpoint() domain.CurrentStep { return s.checkpoint }
func (s finalizePhaseStep) RequiredActions() []domain.ActionType {
	return []domain.ActionType{s.action}
}

func (s finalizePhaseStep) Execute(ctx context.Context, rc *RequestContext) (StepOutcome, error) {
	return Continue, s.o.recordOutcomes(ctx, rc, s.action)
}

// recordOutcomes replaces the action's entries in the report, so running it
// again after a crash yields the same report.
func (o *Orchestrator) recordOutcomes(ctx context.Context, rc *RequestContext, action domain.ActionType) error {
	outcomes, err := o.phaseOutcomes(ctx, rc, action)
	if err != nil {
		return err
	}
	report := domain.Report{}
	if rc.Request.Report != nil {
		report = rc.Request.Report.Clone()
	}
	other := func(out domain.NodeOutcome) bool { return out.Action == action }
	report.Succeeded = slices.DeleteFunc(report.Succeeded, other)
	report.Failed = slices.DeleteFunc(report.Failed, other)
	report.Skipped = slices.DeleteFunc(report.Skipped, other)
	for _, out := range outcomes {
		report.Add(out)
	}
	rc.Request.Report = &report
	return nil
}

// emailBatchStep sends the queued email instructions of a request once the
// batch window has closed.
type emailBatchStep struct{ o *Orchestrator }

func (emailBatchStep) Name() string                   { return "email_batch_send" }
func (emailBatchStep) Checkpoint() domain.CurrentStep { return domain.StepEmailPostSend }
func (emailBatchStep) RequiredActions() []domain.ActionType {
	return []domain.ActionType{domain.ActionErasure, domain.ActionConsent}
}

func (s emailBatchStep) Execute(ctx context.Context, rc *RequestContext) (StepOutcome, error) {
	var pending int
	emails := s.o.connectors.EmailConnectors()
	for _, ec := range emails {
		pending += len(ec.Pending(rc.Request.ID))
	}
	if pending == 0 {
		return Continue, nil
	}

	now := s.o.now()
	if s.o.window > 0 {
		if rc.Request.EmailBatchDueAt.IsZero() {
			rc.Request.EmailBatchDueAt = now.Add(s.o.window)
		}
		if now.Before(rc.Request.EmailBatchDueAt) {
			dispatcher := s.o.getDispatcher()
			if dispatcher == nil {
				return Continue, errors.New("email batch window requires a dispatcher")
			}
			if err := s.o.save(ctx, rc); err != nil {
				return Continue, err
			}
			if err := dispatcher.ScheduleRun(ctx, rc.Request.ID, rc.Request.EmailBatchDueAt); err != nil {
				return Continue, err
			}
			rc.Logger.Info("Waiting for email batch window", "due_at", rc.Request.EmailBatchDueAt, "instructions", pending)
			return Halt, nil
		}
	}

	for _, ec := range emails {
		if _, err := ec.Flush(ctx, rc.Request.ID); err != nil {
			return Continue, fmt.Errorf("send email batch: %w", err)
		}
	}
	return Continue, nil
}

// uploadAccessStep packages the access results and hands them to the uploader.
type uploadAccessStep struct{ o *Orchestrator }

func (uploadAccessStep) Name() string                   { return "upload_access" }
func (uploadAccessStep) Checkpoint() domain.CurrentStep { return domain.StepUploadAccess }
func (uploadAccessStep) RequiredActions() []domain.ActionType {
	return []domain.ActionType{domain.ActionAccess}
}

func (s uploadAccessStep) Execute(ctx context.Context, rc *RequestContext) (StepOutcome, error) {
	if err := s.o.recordOutcomes(ctx, rc, domain.ActionAccess); err != nil {
		return Continue, err
	}
	if s.o.uploader == nil {
		return Continue, nil
	}

	all, err := s.o.store.Results.AllRows(ctx, rc.Request.ID)
	if err != nil {
		return Continue, err
	}
	pkg := upload.Package{
		PrivacyRequestID: rc.Request.ID,
		PolicyKey:        rc.Request.PolicyKey,
		GeneratedAt:      s.o.now(),
		Collections:      make(map[string][]domain.Row, len(all)),
		ManualWebhooks:   rc.Request.WebhookInputs,
	}
	for addr, rows := range all {
		collection, ok := rc.Graph.Collection(addr)
		if !ok {
			continue
		}
		pkg.Collections[addr.String()] = rc.Policy.FilterRows(collection, rows)
	}

	location, err := s.o.uploader.Upload(ctx, pkg)
	if err != nil {
		return Continue, fmt.Errorf("upload access results: %w", err)
	}
	rc.Request.UploadLocation = location
	rc.Logger.Info("Uploaded access results", "location", location, "collections", len(pkg.Collections))
	return Continue, nil
}

// finalizeStep sets the terminal status from the report.
type finalizeStep struct{ o *Orchestrator }

func (finalizeStep) Name() string                         { return "finalize" }
func (finalizeStep) Checkpoint() domain.CurrentStep       { return domain.StepFinalize }
func (finalizeStep) RequiredActions() []domain.ActionType { return nil }

func (s finalizeStep) Execute(_ context.Context, rc *RequestContext) (StepOutcome, error) {
	if rc.Request.Report == nil {
		rc.Request.Report = &domain.Report{}
	}
	rc.Request.Status = domain.RequestComplete
	if rc.Request.Report.HasFailures() {
		rc.Request.Status = domain.RequestError
		rc.Request.FailureReason = fmt.Sprintf("%d collection(s) failed", len(rc.Request.Report.Failed))
	}
	rc.Request.FinishedAt = s.o.now()
	rc.Logger.Info("Privacy request finished",
		"status", rc.Request.Status,
		"succeeded", len(rc.Request.Report.Succeeded),
		"failed", len(rc.Request.Report.Failed),
		"skipped", len(rc.Request.Report.Skipped))
	return Continue, nil
}
