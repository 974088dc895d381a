package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common domain errors
var (
	ErrTaskNotFound         = errors.New("request task not found")
	ErrRequestNotFound      = errors.New("privacy request not found")
	ErrStaleTask            = errors.New("request task status changed concurrently")
	ErrResultExists         = errors.New("access result already recorded")
	ErrErasureNotSupported  = errors.New("connector does not support erasure")
	ErrConsentNotSupported  = errors.New("connector does not support consent propagation")
	ErrConnectionNotFound   = errors.New("connection not found")
	ErrPolicyNotFound       = errors.New("policy not found")
	ErrAccessNotComplete    = errors.New("access task for collection is not complete")
	ErrRequestCanceled      = errors.New("privacy request canceled")
	ErrConfigInvalid        = errors.New("invalid configuration")
	ErrDatasetInvalid       = errors.New("invalid dataset")
	ErrWebhookInputRequired = errors.New("manual webhook input required")
	ErrInvalidState         = errors.New("operation not allowed in current state")
)

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// ErrorResponse defines the JSON error model returned by the trigger API.
type ErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	TraceID string         `json:"trace_id,omitempty"`
}

// GraphCycleError is returned when the dataset graph contains a dependency cycle.
type GraphCycleError struct {
	Cycle []CollectionAddress
}

func (e *GraphCycleError) Error() string {
	parts := make([]string, len(e.Cycle))
	for i, a := range e.Cycle {
		parts[i] = a.String()
	}
	return "dataset graph contains a cycle: " + strings.Join(parts, " -> ")
}

// UnreachableNodeError is returned when collections cannot be reached from any
// identity-seeded root.
type UnreachableNodeError struct {
	Addresses []CollectionAddress
}

func (e *UnreachableNodeError) Error() string {
	parts := make([]string, len(e.Addresses))
	for i, a := range e.Addresses {
		parts[i] = a.String()
	}
	return "collections unreachable from identity data: " + strings.Join(parts, ", ")
}

// RetryableConnectorError marks a transient connector failure. The work queue
// owns retry policy; executors only surface it.
type RetryableConnectorError struct {
	Address CollectionAddress
	Err     error
}

func (e *RetryableConnectorError) Error() string {
	return fmt.Sprintf("retryable connector error on %s: %v", e.Address, e.Err)
}

func (e *RetryableConnectorError) Unwrap() error {
	return e.Err
}

// FatalConnectorError marks a connector failure that must not be retried.
type FatalConnectorError struct {
	Address CollectionAddress
	Err     error
}

func (e *FatalConnectorError) Error() string {
	return fmt.Sprintf("fatal connector error on %s: %v", e.Address, e.Err)
}

func (e *FatalConnectorError) Unwrap() error {
	return e.Err
}

// InvalidTransitionError signals a violation of the task state machine.
type InvalidTransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for task %s: %s -> %s (%s)", e.TaskID, e.From, e.To, e.Reason)
}

// PollTimeoutError is returned when an async job exceeds its maximum poll duration.
type PollTimeoutError struct {
	Address CollectionAddress
	JobRef  string
	Elapsed time.Duration
	Limit   time.Duration
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("async job %s for %s still pending after %s (limit %s)", e.JobRef, e.Address, e.Elapsed.Round(time.Second), e.Limit)
}

// IsRetryable reports whether err carries a RetryableConnectorError.
func IsRetryable(err error) bool {
	var retryable *RetryableConnectorError
	return errors.As(err, &retryable)
}

// ErrorCode maps an error to the machine-readable code used in reports and API responses.
func ErrorCode(err error) string {
	var (
		cycle       *GraphCycleError
		unreachable *UnreachableNodeError
		retryable   *RetryableConnectorError
		fatal       *FatalConnectorError
		transition  *InvalidTransitionError
		pollTimeout *PollTimeoutError
		domainErr   *DomainError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &domainErr) && domainErr.Code != "":
		return domainErr.Code
	case errors.As(err, &cycle):
		return "GRAPH_CYCLE"
	case errors.As(err, &unreachable):
		return "UNREACHABLE_NODE"
	case errors.As(err, &pollTimeout):
		return "POLL_TIMEOUT"
	case errors.As(err, &retryable):
		return "CONNECTOR_RETRYABLE"
	case errors.As(err, &fatal):
		return "CONNECTOR_FATAL"
	case errors.As(err, &transition):
		return "INVALID_TRANSITION"
	case errors.Is(err, ErrRequestNotFound), errors.Is(err, ErrTaskNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrRequestCanceled):
		return "CANCELED"
	case errors.Is(err, ErrInvalidState):
		return "CONFLICT"
	case errors.Is(err, ErrPolicyNotFound):
		return "POLICY_NOT_FOUND"
	case errors.Is(err, ErrConfigInvalid), errors.Is(err, ErrDatasetInvalid):
		return "INVALID"
	default:
		return "INTERNAL"
	}
}
