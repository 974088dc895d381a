package connector

import (
	"context"
	"errors"

	"github.com/polisai/polis-privacy/internal/governance"
	"github.com/polisai/polis-privacy/pkg/domain"
)

var (
	// ErrTransient marks an error a connector knows to be temporary.
	ErrTransient = errors.New("transient connector failure")
	// ErrRateLimited is returned when the connection's rate limit is exhausted.
	ErrRateLimited = errors.New("connection rate limit exceeded")
	// ErrInvalidSecrets is returned when connection credentials are malformed.
	ErrInvalidSecrets = errors.New("invalid connection secrets")
	// ErrUnsupportedMasking is returned for a masking strategy the connector cannot apply.
	ErrUnsupportedMasking = errors.New("unsupported masking strategy")
)

// Classify wraps err in the typed connector error matching its nature.
// Errors that are already typed, and capability errors, pass through.
func Classify(addr domain.CollectionAddress, err error) error {
	if err == nil {
		return nil
	}
	var (
		retryable *domain.RetryableConnectorError
		fatal     *domain.FatalConnectorError
	)
	switch {
	case errors.As(err, &retryable), errors.As(err, &fatal):
		return err
	case errors.Is(err, domain.ErrErasureNotSupported), errors.Is(err, domain.ErrConsentNotSupported):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, ErrTransient),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, governance.ErrCircuitOpen),
		errors.Is(err, context.DeadlineExceeded),
		governance.IsRetryableError(err):
		return &domain.RetryableConnectorError{Address: addr, Err: err}
	default:
		return &domain.FatalConnectorError{Address: addr, Err: err}
	}
}
