package connector

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/polisai/polis-privacy/pkg/domain"
)

// OutboxMessage is one erasure or consent instruction waiting to be mailed.
type OutboxMessage struct {
	PrivacyRequestID string                   `json:"privacy_request_id"`
	Address          domain.CollectionAddress `json:"address"`
	Action           domain.ActionType        `json:"action"`
	Identity         map[string]string        `json:"identity"`
	Fields           []domain.FieldPath       `json:"fields,omitempty"`
	Preference       domain.ConsentPreference `json:"preference,omitempty"`
	QueuedAt         time.Time                `json:"queued_at"`
}

// EmailConnector handles sources that can only be reached by asking a
// third party over email. Instructions are queued in an outbox and sent in
// one batch per request by the email step of the pipeline.
type EmailConnector struct {
	mu        sync.Mutex
	key       string
	recipient string
	outbox    []OutboxMessage
	sent      []OutboxMessage
	logger    *slog.Logger
}

// NewEmailConnector creates an email connector addressed to recipient.
func NewEmailConnector(key, recipient string, logger *slog.Logger) *EmailConnector {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailConnector{key: key, recipient: recipient, logger: logger}
}

// Capabilities implements CapabilityReporter: email sources cannot be read.
func (e *EmailConnector) Capabilities() Capabilities {
	return Capabilities{Erasure: true, Consent: true}
}

// Query implements Connector; email sources return no data.
func (e *EmailConnector) Query(context.Context, QueryRequest) ([]domain.Row, error) {
	return nil, nil
}

// Mutate implements Connector by queueing an erasure instruction. The
// affected row count is unknown until the recipient acts, so it reports zero.
func (e *EmailConnector) Mutate(_ context.Context, req MutateRequest) (int, error) {
	fields := make([]domain.FieldPath, 0, len(req.Plan))
	for path := range req.Plan {
		fields = append(fields, path)
	}
	slices.Sort(fields)
	e.enqueue(OutboxMessage{
		PrivacyRequestID: req.PrivacyRequestID,
		Address:          req.Address,
		Action:           domain.ActionErasure,
		Identity:         req.Identity,
		Fields:           fields,
	})
	return 0, nil
}

// PropagateConsent implements Connector by queueing a consent instruction.
func (e *EmailConnector) PropagateConsent(_ context.Context, req ConsentRequest) error {
	e.enqueue(OutboxMessage{
		PrivacyRequestID: req.PrivacyRequestID,
		Address:          req.Address,
		Action:           domain.ActionConsent,
		Identity:         req.Identity,
		Preference:       req.Preference,
	})
	return nil
}

func (e *EmailConnector) enqueue(msg OutboxMessage) {
	msg.QueuedAt = time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	// Re-running a task must not queue a second copy.
	for _, existing := range e.outbox {
		if existing.PrivacyRequestID == msg.PrivacyRequestID && existing.Address == msg.Address && existing.Action == msg.Action {
			return
		}
	}
	e.outbox = append(e.outbox, msg)
}

// Pending returns the queued messages for a request.
func (e *EmailConnector) Pending(requestID string) []OutboxMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []OutboxMessage
	for _, m := range e.outbox {
		if m.PrivacyRequestID == requestID {
			out = append(out, m)
		}
	}
	return out
}

// Sent returns every message already flushed.
func (e *EmailConnector) Sent() []OutboxMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.sent)
}

// Flush sends every queued message of a request as one batch and returns how
// many instructions it contained.
func (e *EmailConnector) Flush(ctx context.Context, requestID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var batch, keep []OutboxMessage
	for _, m := range e.outbox {
		if m.PrivacyRequestID == requestID {
			batch = append(batch, m)
		} else {
			keep = append(keep, m)
		}
	}
	if len(batch) == 0 {
		return 0, nil
	}
	e.outbox = keep
	e.sent = append(e.sent, batch...)
	e.logger.Info("Sent privacy request email batch",
		"connection", e.key,
		"recipient", e.recipient,
		"privacy_request_id", requestID,
		"instructions", len(batch))
	return len(batch), nil
}
