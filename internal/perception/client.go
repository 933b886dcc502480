// Package perception is the gateway to the external model capability. It
// exposes a uniform request/response interface, classifies transport-level
// failures, and retries them with exponential backoff. Malformed response
// bodies are not its problem: a successfully returned text is handed to the
// caller verbatim, and recovery belongs to the repair package.
package perception

import (
	"context"
	"fmt"
)

// Client defines the interface for LLM providers.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// TransportKind classifies a transport-level failure.
type TransportKind string

const (
	TransportUnavailable TransportKind = "unavailable"
	TransportRateLimited TransportKind = "rate_limited"
	TransportAuthFailure TransportKind = "auth_failure"
)

// TransportError is a gateway-level failure: the request never produced a
// usable text body. Unavailable and RateLimited are retried internally;
// AuthFailure is not.
type TransportError struct {
	Kind    TransportKind
	Status  int
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("llm transport %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("llm transport %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("llm transport %s: %s", e.Kind, e.Message)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether the gateway may retry the request.
func (e *TransportError) Retryable() bool {
	return e.Kind == TransportUnavailable || e.Kind == TransportRateLimited
}
