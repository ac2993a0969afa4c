package metrics

import (
	"errors"
	"time"
)

// ErrMalformedResult is returned by AggregateRequest for results whose
// timestamps are missing or out of order.
var ErrMalformedResult = errors.New("malformed call result")

// CallResult is the outcome of one chat-completion call, including any
// retries performed by the caller.
type CallResult struct {
	Start           time.Time
	FirstByte       time.Time // zero when no body byte was received
	End             time.Time
	GeneratedTokens int
	ContextTokens   int
	Err             error
	StatusCode      int     // 0 when no response was received
	Attempts        int     // number of HTTP attempts made
	Utilization     float64 // deployment utilization percent, -1 when absent
}

// Failed reports whether the call is counted as an error: either a
// transport error or a non-2xx status.
func (r CallResult) Failed() bool {
	if r.Err != nil {
		return true
	}
	return r.StatusCode != 0 && (r.StatusCode < 200 || r.StatusCode > 299)
}

// Throttled reports whether the far end rejected the call with 429.
func (r CallResult) Throttled() bool {
	return r.StatusCode == 429
}

// Latency is the end-to-end duration of the call.
func (r CallResult) Latency() time.Duration {
	return r.End.Sub(r.Start)
}

// TimeToFirstByte returns the delay until the first body byte, or false when
// it was not observed.
func (r CallResult) TimeToFirstByte() (time.Duration, bool) {
	if r.FirstByte.IsZero() {
		return 0, false
	}
	return r.FirstByte.Sub(r.Start), true
}

// TimeBetweenTokens averages the streaming gap between generated tokens.
func (r CallResult) TimeBetweenTokens() (time.Duration, bool) {
	if r.FirstByte.IsZero() || r.GeneratedTokens <= 0 {
		return 0, false
	}
	return r.End.Sub(r.FirstByte) / time.Duration(r.GeneratedTokens), true
}

// TokensPerSecond is the generation rate of the call over its full latency.
func (r CallResult) TokensPerSecond() float64 {
	secs := r.Latency().Seconds()
	if secs <= 0 || r.GeneratedTokens <= 0 {
		return 0
	}
	return float64(r.GeneratedTokens) / secs
}

func (r CallResult) validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return ErrMalformedResult
	}
	if r.End.Before(r.Start) {
		return ErrMalformedResult
	}
	if !r.FirstByte.IsZero() && (r.FirstByte.Before(r.Start) || r.FirstByte.After(r.End)) {
		return ErrMalformedResult
	}
	if r.GeneratedTokens < 0 || r.ContextTokens < 0 {
		return ErrMalformedResult
	}
	return nil
}
