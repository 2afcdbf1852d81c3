package nats

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/table-ai-assistant/internal/core/domain"
	"github.com/kirillkom/table-ai-assistant/internal/infrastructure/resilience"
)

// transportErrors are connectivity failures the client may recover
// from on a later attempt.
var transportErrors = []error{
	nats.ErrNoServers,
	nats.ErrTimeout,
	nats.ErrConnectionClosed,
	nats.ErrDisconnected,
}

func isTransportError(err error) bool {
	for _, known := range transportErrors {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}

// classifyNATSError feeds the retry executor: caller cancellation stops
// the attempt loop without charging the breaker, transport failures and
// an open circuit retry and count against it, and anything else fails
// fast but still counts.
func classifyNATSError(err error) resilience.ErrorClassification {
	switch {
	case err == nil:
		return resilience.ErrorClassification{}
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return resilience.ErrorClassification{}
	case resilience.IsCircuitOpen(err) || isTransportError(err):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	default:
		return resilience.ErrorClassification{RecordFailure: true}
	}
}

// wrapTemporaryIfNeeded marks retryable publish failures as temporary
// so callers can tell them apart from permanent ones.
func wrapTemporaryIfNeeded(err error) error {
	switch {
	case err == nil:
		return nil
	case domain.IsKind(err, domain.ErrTemporary):
		return err
	case classifyNATSError(err).Retryable:
		return domain.WrapError(domain.ErrTemporary, "nats publish", err)
	}
	return err
}
