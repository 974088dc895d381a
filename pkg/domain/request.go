package domain

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// RequestStatus is the overall status of a privacy request.
type RequestStatus string

const (
	RequestPending      RequestStatus = "pending"
	RequestInProcessing RequestStatus = "in_processing"
	RequestPaused       RequestStatus = "paused"
	RequestComplete     RequestStatus = "complete"
	RequestError        RequestStatus = "error"
	RequestCanceled     RequestStatus = "canceled"
	RequestDenied       RequestStatus = "denied"
	RequestDuplicate    RequestStatus = "duplicate"
)

// IsTerminal reports whether the request will not be processed further.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestComplete, RequestError, RequestCanceled, RequestDenied, RequestDuplicate:
		return true
	default:
		return false
	}
}

// CurrentStep names a pipeline checkpoint. Steps are totally ordered.
type CurrentStep string

const (
	StepNone            CurrentStep = ""
	StepPreWebhooks     CurrentStep = "pre_webhooks"
	StepAccess          CurrentStep = "access"
	StepConsent         CurrentStep = "consent"
	StepFinalizeConsent CurrentStep = "finalize_consent"
	StepErasure         CurrentStep = "erasure"
	StepFinalizeErasure CurrentStep = "finalize_erasure"
	StepEmailPostSend   CurrentStep = "email_post_send"
	StepUploadAccess    CurrentStep = "upload_access"
	StepFinalize        CurrentStep = "finalize"
)

var stepOrder = []CurrentStep{
	StepPreWebhooks,
	StepAccess,
	StepConsent,
	StepFinalizeConsent,
	StepErasure,
	StepFinalizeErasure,
	StepEmailPostSend,
	StepUploadAccess,
	StepFinalize,
}

// Steps returns every checkpoint in execution order.
func Steps() []CurrentStep {
	return slices.Clone(stepOrder)
}

// ParseCurrentStep validates a persisted checkpoint name.
func ParseCurrentStep(s string) (CurrentStep, error) {
	if s == "" {
		return StepNone, nil
	}
	step := CurrentStep(s)
	if !slices.Contains(stepOrder, step) {
		return StepNone, fmt.Errorf("unknown step %q", s)
	}
	return step, nil
}

// Rank is the position of the step in execution order; StepNone ranks lowest.
func (s CurrentStep) Rank() int {
	return slices.Index(stepOrder, s)
}

// Before reports whether s precedes other. StepNone precedes every step.
func (s CurrentStep) Before(other CurrentStep) bool {
	return s.Rank() < other.Rank()
}

// ExecutionMode selects how an action phase is driven.
type ExecutionMode string

const (
	ModeDistributed ExecutionMode = "distributed"
	ModeSinglePass  ExecutionMode = "single_pass"
)

// ConsentPreference is the data subject's consent choice.
type ConsentPreference string

const (
	ConsentOptIn  ConsentPreference = "opt_in"
	ConsentOptOut ConsentPreference = "opt_out"
)

// PrivacyRequest is the top-level aggregate driven through the pipeline.
type PrivacyRequest struct {
	ID                string                       `json:"id"`
	PolicyKey         string                       `json:"policy_key"`
	Identity          map[string]string            `json:"identity"`
	Consent           ConsentPreference            `json:"consent,omitempty"`
	Status            RequestStatus                `json:"status"`
	ResumeStep        CurrentStep                  `json:"resume_step,omitempty"`
	Modes             map[ActionType]ExecutionMode `json:"modes,omitempty"`
	WebhookInputs     map[string]map[string]any    `json:"webhook_inputs,omitempty"`
	EmailBatchDueAt   time.Time                    `json:"email_batch_due_at,omitempty"`
	SinglePassResults map[ActionType][]NodeOutcome `json:"single_pass_results,omitempty"`
	Report            *Report                      `json:"report,omitempty"`
	FailureReason     string                       `json:"failure_reason,omitempty"`
	UploadLocation    string                       `json:"upload_location,omitempty"`
	CreatedAt         time.Time                    `json:"created_at"`
	UpdatedAt         time.Time                    `json:"updated_at"`
	FinishedAt        time.Time                    `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of the request's mutable collections.
func (r PrivacyRequest) Clone() PrivacyRequest {
	r.Identity = maps.Clone(r.Identity)
	r.Modes = maps.Clone(r.Modes)
	if r.WebhookInputs != nil {
		inputs := make(map[string]map[string]any, len(r.WebhookInputs))
		for k, v := range r.WebhookInputs {
			inputs[k] = maps.Clone(v)
		}
		r.WebhookInputs = inputs
	}
	if r.SinglePassResults != nil {
		results := make(map[ActionType][]NodeOutcome, len(r.SinglePassResults))
		for k, v := range r.SinglePassResults {
			results[k] = slices.Clone(v)
		}
		r.SinglePassResults = results
	}
	if r.Report != nil {
		report := r.Report.Clone()
		r.Report = &report
	}
	return r
}

// ShouldRunStep reports whether a step with the given checkpoint still has to run.
func (r PrivacyRequest) ShouldRunStep(checkpoint CurrentStep) bool {
	return r.ResumeStep == StepNone || r.ResumeStep.Before(checkpoint)
}

// NodeOutcome records how one collection fared for one action.
type NodeOutcome struct {
	Address CollectionAddress `json:"address"`
	Action  ActionType        `json:"action"`
	Status  TaskStatus        `json:"status"`
	Rows    int               `json:"rows"`
	Reason  string            `json:"reason,omitempty"`
}

// Report is the user-visible summary of a finished request.
type Report struct {
	Succeeded []NodeOutcome `json:"succeeded"`
	Failed    []NodeOutcome `json:"failed"`
	Skipped   []NodeOutcome `json:"skipped"`
}

// Clone returns a deep copy.
func (r Report) Clone() Report {
	return Report{
		Succeeded: slices.Clone(r.Succeeded),
		Failed:    slices.Clone(r.Failed),
		Skipped:   slices.Clone(r.Skipped),
	}
}

// Add files an outcome under the matching section.
func (r *Report) Add(o NodeOutcome) {
	switch o.Status {
	case TaskComplete:
		r.Succeeded = append(r.Succeeded, o)
	case TaskSkipped:
		r.Skipped = append(r.Skipped, o)
	default:
		r.Failed = append(r.Failed, o)
	}
}

// HasFailures reports whether any collection failed.
func (r *Report) HasFailures() bool {
	return r != nil && len(r.Failed) > 0
}
