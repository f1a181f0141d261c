// Package adapter defines the contract provider clients must implement for
// the execution engine. Concrete HTTP clients live outside the core; the
// engine only depends on this interface and on the classified error shape.
package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/jordanhubbard/cognihub/internal/core"
)

// Request is the provider-agnostic generation request. Adapters translate it
// into provider-specific API calls.
type Request struct {
	Prompt    string
	System    string
	History   []core.Message
	Model     string
	MaxTokens int
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is a completed generation.
type Result struct {
	Content   string
	Usage     Usage
	LatencyMs int64
}

// Adapter is implemented by provider clients. Generate blocks until the full
// response is available; Stream invokes onChunk for each token fragment in
// provider order and then returns the aggregate result. Both must honor
// context cancellation at their next suspension point.
type Adapter interface {
	ID() string
	Generate(ctx context.Context, req Request) (Result, error)
	Stream(ctx context.Context, req Request, onChunk func(string)) (Result, error)
}

// ErrorKind classifies provider failures for retry and health decisions.
type ErrorKind string

const (
	ErrNetwork     ErrorKind = "network"
	ErrRateLimited ErrorKind = "rate_limited"
	ErrAuth        ErrorKind = "auth"
	ErrServer      ErrorKind = "server"
	ErrBadInput    ErrorKind = "bad_input"
)

// Error wraps a provider failure with routing classification.
type Error struct {
	Kind       ErrorKind
	Retriable  bool
	RetryAfter int // seconds, from a Retry-After header when present
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify extracts the adapter.Error from err, wrapping unclassified errors
// as non-retriable server failures. Context cancellation is never retriable.
func Classify(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrNetwork, Retriable: false, Err: err}
	}
	return &Error{Kind: ErrServer, Retriable: false, Err: err}
}

// IsRetriable reports whether the engine should retry the call locally.
func IsRetriable(err error) bool {
	return Classify(err).Retriable
}
