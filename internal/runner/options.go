package runner

import (
	"context"
	"log/slog"
	"time"

	"github.com/torosent/chatload/internal/clock"
	"github.com/torosent/chatload/internal/logging"
	"github.com/torosent/chatload/internal/metrics"
	"github.com/torosent/chatload/internal/ratelimit"
	"github.com/torosent/chatload/internal/requestgen"
)

// Caller performs a single chat-completion call. Failures are reported in
// the returned result rather than as an error.
type Caller interface {
	Call(ctx context.Context, payload requestgen.Payload) metrics.CallResult
}

// Recorder receives the lifecycle of every issued call. Each
// RecordNewRequest is followed by exactly one AggregateRequest or, for calls
// cut short by cancelling the run, one CancelRequest.
type Recorder interface {
	RecordNewRequest()
	AggregateRequest(res metrics.CallResult) error
	CancelRequest()
}

// Options configure the Runner.
type Options struct {
	Concurrency   int                // number of worker goroutines
	TotalRequests int                // total requests to issue (0 means unlimited until duration/end)
	Duration      time.Duration      // stop issuing after this long (0 means no duration cap)
	Limiter       ratelimit.Limiter  // request pacing (nil means unlimited)
	Builder       requestgen.Builder // request source (required)
	Caller        Caller             // request executor (required)
	Recorder      Recorder           // stats sink (nil discards)
	Clock         clock.Clock
	Logger        *slog.Logger
	LogFailures   bool // log failed calls at warn instead of debug
}

func (o *Options) normalize() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.TotalRequests < 0 {
		o.TotalRequests = 0
	}
	if o.Duration < 0 {
		o.Duration = 0
	}
	if o.Limiter == nil {
		o.Limiter = ratelimit.Unlimited{}
	}
	if o.Recorder == nil {
		o.Recorder = discardRecorder{}
	}
	o.Clock = clock.OrReal(o.Clock)
	o.Logger = logging.OrDiscard(o.Logger)
}

type discardRecorder struct{}

func (discardRecorder) RecordNewRequest()                          {}
func (discardRecorder) AggregateRequest(metrics.CallResult) error { return nil }
func (discardRecorder) CancelRequest()                             {}
