package domain

import (
	"slices"
	"time"
)

// ActionType is the kind of work a privacy request performs against a collection.
type ActionType string

const (
	ActionAccess  ActionType = "access"
	ActionErasure ActionType = "erasure"
	ActionConsent ActionType = "consent"
)

// Valid reports whether the action type is known.
func (a ActionType) Valid() bool {
	switch a {
	case ActionAccess, ActionErasure, ActionConsent:
		return true
	default:
		return false
	}
}

// TaskStatus is the lifecycle state of a RequestTask.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskInProcessing TaskStatus = "in_processing"
	TaskComplete     TaskStatus = "complete"
	TaskError        TaskStatus = "error"
	TaskRetrying     TaskStatus = "retrying"
	TaskPaused       TaskStatus = "paused"
	TaskSkipped      TaskStatus = "skipped"
)

// IsTerminal reports whether no further work happens for a task in this state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskComplete || s == TaskError || s == TaskSkipped
}

// SatisfiesUpstream reports whether a task in this state unblocks its downstream tasks.
func (s TaskStatus) SatisfiesUpstream() bool {
	return s == TaskComplete || s == TaskSkipped
}

// PollPhase tracks where an async-poll task is in its start/poll/fetch lifecycle.
type PollPhase string

const (
	PollNone        PollPhase = ""
	PollStart       PollPhase = "start"
	PollPolling     PollPhase = "polling"
	PollFetchResult PollPhase = "fetch_result"
)

// allowedTransitions lists the state machine edges. error → retrying is
// additionally gated by the retry budget in ValidateTransition.
var allowedTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:      {TaskInProcessing, TaskSkipped, TaskError, TaskPaused},
	TaskInProcessing: {TaskComplete, TaskSkipped, TaskError, TaskRetrying, TaskPaused},
	TaskRetrying:     {TaskInProcessing, TaskError},
	TaskPaused:       {TaskInProcessing, TaskError, TaskPending},
	TaskError:        {TaskRetrying},
	TaskComplete:     nil,
	TaskSkipped:      nil,
}

// RequestTask is the durable record of one node's execution for one action.
type RequestTask struct {
	ID                  string              `json:"id"`
	PrivacyRequestID    string              `json:"privacy_request_id"`
	CollectionAddress   CollectionAddress   `json:"collection_address"`
	ActionType          ActionType          `json:"action_type"`
	Status              TaskStatus          `json:"status"`
	UpstreamAddresses   []CollectionAddress `json:"upstream_addresses"`
	DownstreamAddresses []CollectionAddress `json:"downstream_addresses"`
	Generation          int                 `json:"generation"`
	IsRoot              bool                `json:"is_root,omitempty"`
	RowCount            int                 `json:"row_count"`
	RowsMasked          int                 `json:"rows_masked"`
	ConsentSent         bool                `json:"consent_sent,omitempty"`
	RetryCount          int                 `json:"retry_count"`
	ErrorMessage        string              `json:"error_message,omitempty"`
	PollPhase           PollPhase           `json:"poll_phase,omitempty"`
	ExternalJobRef      string              `json:"external_job_ref,omitempty"`
	PollStartedAt       time.Time           `json:"poll_started_at,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// Clone returns a deep copy so callers never share slices with a store.
func (t RequestTask) Clone() RequestTask {
	t.UpstreamAddresses = slices.Clone(t.UpstreamAddresses)
	t.DownstreamAddresses = slices.Clone(t.DownstreamAddresses)
	return t
}

// ValidateTransition checks a status change against the state machine.
func ValidateTransition(task RequestTask, to TaskStatus, maxRetries int) error {
	if task.Status == TaskError && to == TaskRetrying && task.RetryCount >= maxRetries {
		return &InvalidTransitionError{TaskID: task.ID, From: task.Status, To: to, Reason: "retry budget exhausted"}
	}
	if slices.Contains(allowedTransitions[task.Status], to) {
		return nil
	}
	reason := "edge not allowed"
	if task.Status.IsTerminal() {
		reason = "task is terminal"
	}
	return &InvalidTransitionError{TaskID: task.ID, From: task.Status, To: to, Reason: reason}
}

// TaskUpdate carries the optional payload applied alongside a transition.
type TaskUpdate struct {
	RowCount       *int
	RowsMasked     *int
	ConsentSent    *bool
	ErrorMessage   *string
	PollPhase      *PollPhase
	ExternalJobRef *string
	PollStartedAt  *time.Time
	IncrementRetry bool
}

// Apply writes the payload onto task.
func (u TaskUpdate) Apply(task *RequestTask) {
	if u.RowCount != nil {
		task.RowCount = *u.RowCount
	}
	if u.RowsMasked != nil {
		task.RowsMasked = *u.RowsMasked
	}
	if u.ConsentSent != nil {
		task.ConsentSent = *u.ConsentSent
	}
	if u.ErrorMessage != nil {
		task.ErrorMessage = *u.ErrorMessage
	}
	if u.PollPhase != nil {
		task.PollPhase = *u.PollPhase
	}
	if u.ExternalJobRef != nil {
		task.ExternalJobRef = *u.ExternalJobRef
	}
	if u.PollStartedAt != nil {
		task.PollStartedAt = *u.PollStartedAt
	}
	if u.IncrementRetry {
		task.RetryCount++
	}
}

// Ptr returns a pointer to v; handy for building TaskUpdate literals.
func Ptr[T any](v T) *T {
	return &v
}

// PhaseState summarises the tasks of one action for one request.
type PhaseState string

const (
	PhaseEmpty    PhaseState = "empty"
	PhaseRunning  PhaseState = "running"
	PhaseComplete PhaseState = "complete"
	PhaseFailed   PhaseState = "failed"
)

// Done reports whether every task of the phase is terminal.
func (p PhaseState) Done() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// ComputePhaseState derives the phase state from task statuses.
func ComputePhaseState(tasks []RequestTask) PhaseState {
	if len(tasks) == 0 {
		return PhaseEmpty
	}
	failed := false
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			return PhaseRunning
		}
		if t.Status == TaskError {
			failed = true
		}
	}
	if failed {
		return PhaseFailed
	}
	return PhaseComplete
}

// ReadyTasks returns pending tasks whose every upstream task is complete or
// skipped. An upstream address without a task for the same action does not
// block readiness. Results are ordered by generation, then address.
func ReadyTasks(tasks []RequestTask) []RequestTask {
	byAddr := make(map[CollectionAddress]TaskStatus, len(tasks))
	for _, t := range tasks {
		byAddr[t.CollectionAddress] = t.Status
	}

	var ready []RequestTask
	for _, t := range tasks {
		if t.Status != TaskPending {
			continue
		}
		blocked := false
		for _, up := range t.UpstreamAddresses {
			if status, ok := byAddr[up]; ok && !status.SatisfiesUpstream() {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, t.Clone())
		}
	}
	SortTasks(ready)
	return ready
}

// SortTasks orders tasks by generation, then collection address.
func SortTasks(tasks []RequestTask) {
	slices.SortFunc(tasks, func(a, b RequestTask) int {
		if a.Generation != b.Generation {
			return a.Generation - b.Generation
		}
		switch {
		case a.CollectionAddress.Less(b.CollectionAddress):
			return -1
		case b.CollectionAddress.Less(a.CollectionAddress):
			return 1
		default:
			return 0
		}
	})
}
