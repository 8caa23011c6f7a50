package engine

import (
	"context"
	"errors"
	"fmt"
)

// Send failure kinds. Throttled and ProviderError are retryable,
// InvalidRecipient is terminal for the step.
const (
	SendThrottled        = "throttled"
	SendInvalidRecipient = "invalid_recipient"
	SendProviderError    = "provider_error"
)

// SendError classifies a provider failure so the dispatcher can pick between
// backoff retry and terminal halt.
type SendError struct {
	Kind string
	Err  error
}

func (e *SendError) Error() string {
	if e.Err == nil {
		return e.Kind
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Throttled wraps err as a retryable rate-limit failure.
func Throttled(err error) error { return &SendError{Kind: SendThrottled, Err: err} }

// InvalidRecipient wraps err as a terminal bad-recipient failure.
func InvalidRecipient(err error) error { return &SendError{Kind: SendInvalidRecipient, Err: err} }

// ProviderError wraps err as a retryable provider-side failure.
func ProviderError(err error) error { return &SendError{Kind: SendProviderError, Err: err} }

// IsRetryable reports whether a send failure should be retried. Unclassified
// errors count as provider errors and are retried.
func IsRetryable(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind != SendInvalidRecipient
	}
	return true
}

// Sender is the external send capability for one channel. Implementations
// must respect ctx cancellation; the dispatcher runs each attempt under a
// bounded timeout.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, to, subject, body string) error

func (f SenderFunc) Send(ctx context.Context, to, subject, body string) error {
	return f(ctx, to, subject, body)
}
