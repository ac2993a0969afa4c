package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/torosent/chatload/internal/metrics"
)

// Result captures execution summary.
type Result struct {
	Total    int64         // calls issued
	Errors   int64         // calls whose result was a failure
	Canceled int64         // calls abandoned because ctx was cancelled
	Duration time.Duration // wall time of the run
	Err      error         // fatal error that stopped the run early
}

// Runner drives a fixed pool of workers that each pull a request, wait for
// the limiter and issue the call until a stop condition is reached.
type Runner struct {
	opt Options
}

func New(opt Options) *Runner {
	opt.normalize()
	return &Runner{opt: opt}
}

// Run blocks until the request count or duration is exhausted, ctx is done
// or the builder fails. Calls already in flight when the duration expires
// are allowed to finish. Calls that fail because ctx was cancelled are not
// aggregated and are reported in Result.Canceled.
func (r *Runner) Run(ctx context.Context) Result {
	clk := r.opt.Clock
	start := clk.Now()

	if r.opt.Builder == nil || r.opt.Caller == nil {
		return Result{Err: errors.New("runner requires a builder and a caller")}
	}

	// issue gates new work; the calls themselves run on ctx.
	issue, stopIssuing := context.WithCancel(ctx)
	defer stopIssuing()

	if r.opt.Duration > 0 {
		expired := clk.After(r.opt.Duration)
		go func() {
			select {
			case <-expired:
				stopIssuing()
			case <-issue.Done():
			}
		}()
	}

	var (
		claimed  int64
		total    int64
		errs     int64
		canceled int64
		fatal    error
		fatalMux sync.Once
	)

	worker := func() {
		for {
			if issue.Err() != nil {
				return
			}
			if r.opt.Duration > 0 && clk.Since(start) >= r.opt.Duration {
				return
			}
			// Claims past the target exit without issuing, so exactly
			// TotalRequests calls are made.
			if r.opt.TotalRequests > 0 && atomic.AddInt64(&claimed, 1) > int64(r.opt.TotalRequests) {
				return
			}
			if err := r.opt.Limiter.Wait(issue); err != nil {
				return
			}

			rec, err := r.opt.Builder.Next(issue)
			if err != nil {
				if issue.Err() != nil {
					return
				}
				fatalMux.Do(func() {
					fatal = err
					r.opt.Logger.Error("request builder failed, stopping run", "error", err)
				})
				stopIssuing()
				return
			}

			r.opt.Recorder.RecordNewRequest()
			atomic.AddInt64(&total, 1)

			res := r.opt.Caller.Call(ctx, rec.Payload)
			res.ContextTokens = rec.ContextTokens
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(res.Err, ctxErr) {
				atomic.AddInt64(&canceled, 1)
				r.opt.Recorder.CancelRequest()
				return
			}
			if res.Failed() {
				atomic.AddInt64(&errs, 1)
				r.logFailure(res)
			}
			if err := r.opt.Recorder.AggregateRequest(res); err != nil {
				r.opt.Logger.Warn("discarding call result", "error", err)
			}
		}
	}

	var wg sync.WaitGroup
	wg.Add(r.opt.Concurrency)
	for i := 0; i < r.opt.Concurrency; i++ {
		go func() {
			defer wg.Done()
			worker()
		}()
	}
	wg.Wait()

	return Result{
		Total:    atomic.LoadInt64(&total),
		Errors:   atomic.LoadInt64(&errs),
		Canceled: atomic.LoadInt64(&canceled),
		Duration: clk.Since(start),
		Err:      fatal,
	}
}

func (r *Runner) logFailure(res metrics.CallResult) {
	level := slog.LevelDebug
	if r.opt.LogFailures {
		level = slog.LevelWarn
	}
	r.opt.Logger.Log(context.Background(), level, "request failed",
		"status", res.StatusCode,
		"attempts", res.Attempts,
		"error", res.Err,
	)
}
