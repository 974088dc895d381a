// Package connector defines the capability interface the engine uses to talk
// to data sources, a closed registry of connector kinds, and the governance
// wrapper (rate limiting and circuit breaking) applied to every call.
package connector

import (
	"context"

	"github.com/polisai/polis-privacy/pkg/domain"
)

// QueryRequest asks a connector for rows of one collection matching any of
// the candidate input values.
type QueryRequest struct {
	PrivacyRequestID string
	Address          domain.CollectionAddress
	Collection       domain.Collection
	// Inputs maps a field of the collection to the values it must match.
	Inputs   map[domain.FieldPath][]any
	Identity map[string]string
}

// MutateRequest asks a connector to mask previously retrieved rows.
type MutateRequest struct {
	PrivacyRequestID string
	Address          domain.CollectionAddress
	Collection       domain.Collection
	Rows             []domain.Row
	Plan             domain.MaskingPlan
	Identity         map[string]string
}

// ConsentRequest asks a connector to record a consent preference.
type ConsentRequest struct {
	PrivacyRequestID string
	Address          domain.CollectionAddress
	Identity         map[string]string
	Preference       domain.ConsentPreference
}

// Connector is the capability interface every data source implements.
type Connector interface {
	Query(ctx context.Context, req QueryRequest) ([]domain.Row, error)
	Mutate(ctx context.Context, req MutateRequest) (int, error)
	PropagateConsent(ctx context.Context, req ConsentRequest) error
}

// Capabilities lists which actions a connector supports.
type Capabilities struct {
	Access  bool
	Erasure bool
	Consent bool
}

// Supports reports whether the action is supported.
func (c Capabilities) Supports(action domain.ActionType) bool {
	switch action {
	case domain.ActionAccess:
		return c.Access
	case domain.ActionErasure:
		return c.Erasure
	case domain.ActionConsent:
		return c.Consent
	default:
		return false
	}
}

// CapabilityReporter is implemented by connectors that do not support every action.
type CapabilityReporter interface {
	Capabilities() Capabilities
}

// CapabilitiesOf returns the connector's capabilities; connectors that do not
// report any support everything.
func CapabilitiesOf(c Connector) Capabilities {
	if r, ok := c.(CapabilityReporter); ok {
		return r.Capabilities()
	}
	return Capabilities{Access: true, Erasure: true, Consent: true}
}

// PollStatus is the state of an asynchronous external job.
type PollStatus string

const (
	PollPending PollStatus = "pending"
	PollReady   PollStatus = "ready"
	PollFailed  PollStatus = "failed"
)

// AsyncJob describes the work an async connector is asked to start.
type AsyncJob struct {
	Action  domain.ActionType
	Query   *QueryRequest
	Mutate  *MutateRequest
	Consent *ConsentRequest
}

// AsyncResult is what FetchResult returns: rows for access, a count for erasure.
type AsyncResult struct {
	Rows  []domain.Row
	Count int
}

// AsyncConnector is implemented by sources whose requests complete out of band.
type AsyncConnector interface {
	Connector
	Start(ctx context.Context, job AsyncJob) (string, error)
	Poll(ctx context.Context, jobRef string) (PollStatus, error)
	FetchResult(ctx context.Context, jobRef string) (AsyncResult, error)
}
