// Package runner provides the load execution engine for chatload.
//
// A [Runner] starts a fixed pool of workers. Each worker repeatedly:
//   - checks the stop conditions (context, duration, request count)
//   - waits on the [ratelimit.Limiter]
//   - pulls a record from the [requestgen.Builder]
//   - reports the call to the [Recorder], issues it through the [Caller]
//     and hands the result back to the Recorder
//
// # Basic Usage
//
//	r := runner.New(runner.Options{
//		Concurrency:   20,
//		TotalRequests: 1000,
//		Limiter:       limiter,
//		Builder:       builder,
//		Caller:        client,
//		Recorder:      aggregator,
//	})
//	result := r.Run(ctx)
//
// # Stop Conditions
//
// TotalRequests is enforced with an atomic claim so exactly that many calls
// are issued regardless of concurrency. Duration only stops new calls;
// calls already in flight complete and are recorded. A builder error is
// fatal and is returned in [Result.Err].
//
// Retries and per-call timeouts belong to the Caller.
package runner
