package chatclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// HTTPError is a non-2xx response from the chat-completion endpoint.
type HTTPError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration // server-requested delay, 0 when absent
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// StreamError is an error event received inside an otherwise successful
// event stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return "stream error: " + e.Message
}

// ErrorLabel groups stream errors in the run's error breakdown.
func (e *StreamError) ErrorLabel() string {
	return "Stream error"
}

// retryable reports whether a failed attempt is worth repeating: throttling,
// server errors and transport failures are, cancellation and client errors
// are not.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		return httpErr.StatusCode >= 500
	}

	return true
}
