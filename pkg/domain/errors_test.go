package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCode(t *testing.T) {
	webhook := &DomainError{Err: ErrWebhookInputRequired, Code: "WEBHOOK_INPUT_REQUIRED", Message: "waiting for id_check"}
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"domain error code wins", fmt.Errorf("resume: %w", webhook), "WEBHOOK_INPUT_REQUIRED"},
		{"domain error without code", &DomainError{Err: ErrRequestNotFound}, "NOT_FOUND"},
		{"cycle", &GraphCycleError{Cycle: []CollectionAddress{NewCollectionAddress("a", "b")}}, "GRAPH_CYCLE"},
		{"fatal", &FatalConnectorError{Err: errors.New("boom")}, "CONNECTOR_FATAL"},
		{"canceled", fmt.Errorf("%w: pr", ErrRequestCanceled), "CANCELED"},
		{"unknown", errors.New("boom"), "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCode(tt.err))
		})
	}
}

func TestDomainErrorMessage(t *testing.T) {
	withMessage := &DomainError{Err: ErrWebhookInputRequired, Message: "waiting for id_check"}
	assert.Equal(t, "waiting for id_check", withMessage.Error())
	assert.ErrorIs(t, withMessage, ErrWebhookInputRequired)

	bare := &DomainError{Err: ErrWebhookInputRequired}
	assert.Equal(t, ErrWebhookInputRequired.Error(), bare.Error())
}
