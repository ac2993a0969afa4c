// Package requestgen produces chat-completion request payloads for the load
// runner, either synthesized to a token budget or replayed from files.
package requestgen

import (
	"context"
	"errors"
)

// Payload is a chat-completion request body. Payloads handed out by a
// Builder may be shared between workers and must not be mutated.
type Payload map[string]any

// Record is one generated request and the number of prompt tokens it was
// built to carry.
type Record struct {
	Payload       Payload
	ContextTokens int
}

// Builder yields request records. Implementations must be safe for
// concurrent use.
type Builder interface {
	// Next returns the next request to send.
	Next(ctx context.Context) (Record, error)
}

// ErrNoRequests is returned when a request directory holds no usable files.
var ErrNoRequests = errors.New("no usable request files found")
