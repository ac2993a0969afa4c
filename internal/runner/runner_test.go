package runner_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/torosent/chatload/internal/clock"
	"github.com/torosent/chatload/internal/metrics"
	"github.com/torosent/chatload/internal/requestgen"
	"github.com/torosent/chatload/internal/runner"
)

// fakeBuilder yields records carrying a fixed token count and can fail
// after a number of successful calls.
type fakeBuilder struct {
	calls     int64
	tokens    int
	failAfter int64
	err       error
}

func (b *fakeBuilder) Next(ctx context.Context) (requestgen.Record, error) {
	n := atomic.AddInt64(&b.calls, 1)
	if b.failAfter > 0 && n > b.failAfter {
		return requestgen.Record{}, b.err
	}
	return requestgen.Record{
		Payload:       requestgen.Payload{"n": n},
		ContextTokens: b.tokens,
	}, nil
}

// fakeCaller simulates a call, optionally advancing a fake clock to model
// latency. With failOnCancel it reports a cancelled ctx the way an HTTP
// client does, as a wrapped context error.
type fakeCaller struct {
	calls        int64
	clk          *clock.Fake
	advance      time.Duration
	latency      time.Duration
	status       int
	generated    int
	failOnCancel bool
	onCall       func(ctx context.Context)
}

func (c *fakeCaller) Call(ctx context.Context, _ requestgen.Payload) metrics.CallResult {
	atomic.AddInt64(&c.calls, 1)
	start := time.Now()
	if c.clk != nil {
		start = c.clk.Now()
		c.clk.Advance(c.advance)
	} else if c.latency > 0 {
		time.Sleep(c.latency)
	}
	if c.onCall != nil {
		c.onCall(ctx)
	}
	end := start.Add(c.advance)
	status := c.status
	if status == 0 {
		status = 200
	}
	res := metrics.CallResult{Start: start, End: end, StatusCode: status, GeneratedTokens: c.generated, Utilization: -1}
	if c.failOnCancel && ctx.Err() != nil {
		res.StatusCode = 0
		res.Err = fmt.Errorf("send request: %w", ctx.Err())
	}
	return res
}

// fakeRecorder checks that every aggregation follows its RecordNewRequest.
type fakeRecorder struct {
	mu         sync.Mutex
	started    int
	aggregated int
	inFlight   int
	violations int
	cancelled  int
	tokens     []int
	err        error
}

func (r *fakeRecorder) RecordNewRequest() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
	r.inFlight++
}

func (r *fakeRecorder) AggregateRequest(res metrics.CallResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight--
	if r.inFlight < 0 {
		r.violations++
	}
	r.aggregated++
	r.tokens = append(r.tokens, res.ContextTokens)
	return r.err
}

func (r *fakeRecorder) CancelRequest() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight--
	if r.inFlight < 0 {
		r.violations++
	}
	r.cancelled++
}

type countingLimiter struct {
	waits int64
}

func (l *countingLimiter) Wait(ctx context.Context) error {
	atomic.AddInt64(&l.waits, 1)
	return ctx.Err()
}

func TestRunnerRespectsTotalRequests(t *testing.T) {
	caller := &fakeCaller{latency: time.Millisecond}
	rec := &fakeRecorder{}
	r := runner.New(runner.Options{
		Concurrency:   8,
		TotalRequests: 100,
		Builder:       &fakeBuilder{},
		Caller:        caller,
		Recorder:      rec,
	})
	res := r.Run(context.Background())

	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Total != 100 {
		t.Fatalf("expected total 100, got %d", res.Total)
	}
	if caller.calls != 100 {
		t.Fatalf("expected caller invoked 100 times, got %d", caller.calls)
	}
	if rec.started != 100 || rec.aggregated != 100 {
		t.Fatalf("recorder saw %d starts and %d results", rec.started, rec.aggregated)
	}
	if rec.violations != 0 || rec.inFlight != 0 {
		t.Fatalf("results aggregated before being recorded: violations=%d in-flight=%d", rec.violations, rec.inFlight)
	}
}

func TestRunnerHonorsDurationWithFakeClock(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	caller := &fakeCaller{clk: clk, advance: time.Second}
	r := runner.New(runner.Options{
		Concurrency: 1,
		Duration:    30 * time.Second,
		Builder:     &fakeBuilder{},
		Caller:      caller,
		Clock:       clk,
	})
	res := r.Run(context.Background())

	if res.Total != 30 {
		t.Fatalf("expected 30 one-second calls in 30s, got %d", res.Total)
	}
	if res.Duration != 30*time.Second {
		t.Fatalf("expected 30s run, got %s", res.Duration)
	}
}

func TestRunnerDurationDoesNotCancelInFlightCalls(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	var cancelled int64
	caller := &fakeCaller{
		clk:     clk,
		advance: 45 * time.Second,
		onCall: func(ctx context.Context) {
			if ctx.Err() != nil {
				atomic.AddInt64(&cancelled, 1)
			}
		},
	}
	rec := &fakeRecorder{}
	r := runner.New(runner.Options{
		Concurrency: 1,
		Duration:    30 * time.Second,
		Builder:     &fakeBuilder{},
		Caller:      caller,
		Recorder:    rec,
		Clock:       clk,
	})
	res := r.Run(context.Background())

	if res.Total != 1 {
		t.Fatalf("expected a single call, got %d", res.Total)
	}
	if cancelled != 0 {
		t.Fatal("in-flight call saw a cancelled context after duration expiry")
	}
	if rec.aggregated != 1 {
		t.Fatalf("in-flight call result was not aggregated")
	}
}

func TestRunnerBuilderErrorIsFatal(t *testing.T) {
	boom := errors.New("template exhausted")
	caller := &fakeCaller{}
	r := runner.New(runner.Options{
		Concurrency:   4,
		TotalRequests: 100,
		Builder:       &fakeBuilder{failAfter: 5, err: boom},
		Caller:        caller,
	})
	res := r.Run(context.Background())

	if !errors.Is(res.Err, boom) {
		t.Fatalf("expected builder error, got %v", res.Err)
	}
	if res.Total != 5 {
		t.Fatalf("expected 5 calls before the failure, got %d", res.Total)
	}
}

func TestRunnerSwallowsRecorderErrors(t *testing.T) {
	rec := &fakeRecorder{err: metrics.ErrMalformedResult}
	r := runner.New(runner.Options{
		Concurrency:   3,
		TotalRequests: 20,
		Builder:       &fakeBuilder{},
		Caller:        &fakeCaller{},
		Recorder:      rec,
	})
	res := r.Run(context.Background())

	if res.Err != nil {
		t.Fatalf("recorder errors must not be fatal: %v", res.Err)
	}
	if res.Total != 20 || rec.aggregated != 20 {
		t.Fatalf("expected 20 calls, got total=%d aggregated=%d", res.Total, rec.aggregated)
	}
}

func TestRunnerCountsFailures(t *testing.T) {
	r := runner.New(runner.Options{
		Concurrency:   2,
		TotalRequests: 10,
		Builder:       &fakeBuilder{},
		Caller:        &fakeCaller{status: 500},
	})
	res := r.Run(context.Background())

	if res.Total != 10 || res.Errors != 10 {
		t.Fatalf("expected 10 failed calls, got total=%d errors=%d", res.Total, res.Errors)
	}
}

func TestRunnerBackfillsContextTokens(t *testing.T) {
	rec := &fakeRecorder{}
	r := runner.New(runner.Options{
		Concurrency:   2,
		TotalRequests: 6,
		Builder:       &fakeBuilder{tokens: 512},
		Caller:        &fakeCaller{},
		Recorder:      rec,
	})
	r.Run(context.Background())

	if len(rec.tokens) != 6 {
		t.Fatalf("expected 6 results, got %d", len(rec.tokens))
	}
	for i, n := range rec.tokens {
		if n != 512 {
			t.Fatalf("result %d has %d context tokens, want 512", i, n)
		}
	}
}

func TestRunnerWaitsOnLimiter(t *testing.T) {
	lim := &countingLimiter{}
	r := runner.New(runner.Options{
		Concurrency:   4,
		TotalRequests: 40,
		Limiter:       lim,
		Builder:       &fakeBuilder{},
		Caller:        &fakeCaller{},
	})
	res := r.Run(context.Background())

	if lim.waits != res.Total {
		t.Fatalf("expected one limiter wait per call, got %d waits for %d calls", lim.waits, res.Total)
	}
}

func TestRunnerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	caller := &fakeCaller{latency: time.Millisecond}
	time.AfterFunc(20*time.Millisecond, cancel)

	r := runner.New(runner.Options{
		Concurrency: 4,
		Builder:     &fakeBuilder{},
		Caller:      caller,
	})
	done := make(chan runner.Result, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case res := <-done:
		if res.Total == 0 {
			t.Fatal("expected some calls before cancellation")
		}
		if res.Err != nil {
			t.Fatalf("cancellation is not a run error: %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
}

func TestRunnerRequiresCollaborators(t *testing.T) {
	res := runner.New(runner.Options{TotalRequests: 1}).Run(context.Background())
	if res.Err == nil {
		t.Fatal("expected error without builder and caller")
	}
}

// The full loop with the real aggregator: every call fails, and the stats
// still account for all of them.
func TestRunnerWithAggregatorAllFailures(t *testing.T) {
	agg := metrics.NewAggregator(metrics.AggregatorOptions{Clients: 2})
	agg.Start()
	r := runner.New(runner.Options{
		Concurrency:   2,
		TotalRequests: 12,
		Builder:       &fakeBuilder{tokens: 10},
		Caller:        &fakeCaller{status: 429},
		Recorder:      agg,
	})
	res := r.Run(context.Background())
	sum := agg.Stop()

	if res.Total != 12 || res.Errors != 12 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if sum.Requests != 12 || sum.Failures != 12 || sum.Throttled != 12 {
		t.Fatalf("unexpected summary: requests=%d failures=%d throttled=%d", sum.Requests, sum.Failures, sum.Throttled)
	}
	if sum.E2EAvgMs != 0 || sum.ContextTokens != 0 {
		t.Fatalf("failed calls must not contribute latency or tokens: %+v", sum)
	}
}

func TestRunnerDropsCallsCancelledWithTheRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls int64
	caller := &fakeCaller{
		failOnCancel: true,
		onCall: func(context.Context) {
			if atomic.AddInt64(&calls, 1) == 3 {
				cancel()
			}
		},
	}
	rec := &fakeRecorder{}
	r := runner.New(runner.Options{
		Concurrency: 1,
		Builder:     &fakeBuilder{},
		Caller:      caller,
		Recorder:    rec,
	})
	res := r.Run(ctx)

	if res.Total != 3 || res.Canceled != 1 || res.Errors != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if rec.aggregated != 2 || rec.cancelled != 1 {
		t.Fatalf("expected 2 aggregated and 1 cancelled, got %d and %d", rec.aggregated, rec.cancelled)
	}
	if rec.inFlight != 0 || rec.violations != 0 {
		t.Fatalf("in-flight accounting broken: in-flight=%d violations=%d", rec.inFlight, rec.violations)
	}
}

func TestRunnerKeepsTimeoutFailuresWhileRunning(t *testing.T) {
	rec := &fakeRecorder{}
	r := runner.New(runner.Options{
		Concurrency:   1,
		TotalRequests: 2,
		Builder:       &fakeBuilder{},
		Caller:        &timeoutCaller{},
		Recorder:      rec,
	})
	res := r.Run(context.Background())

	if res.Canceled != 0 || res.Errors != 2 || rec.aggregated != 2 {
		t.Fatalf("per-call timeouts must count as failures: %+v aggregated=%d", res, rec.aggregated)
	}
}

type timeoutCaller struct{}

func (timeoutCaller) Call(context.Context, requestgen.Payload) metrics.CallResult {
	now := time.Now()
	return metrics.CallResult{
		Start:       now.Add(-time.Second),
		End:         now,
		Err:         fmt.Errorf("send request: %w", context.DeadlineExceeded),
		Utilization: -1,
	}
}

// Three sequential calls returning 10 tokens each at a fixed latency.
func TestRunnerWithAggregatorTokensPerSecond(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	const latency = 200 * time.Millisecond
	agg := metrics.NewAggregator(metrics.AggregatorOptions{
		WindowDuration: time.Minute,
		DumpInterval:   time.Hour,
		Clients:        1,
		Clock:          clk,
	})
	agg.Start()
	r := runner.New(runner.Options{
		Concurrency:   1,
		TotalRequests: 3,
		Builder:       &fakeBuilder{tokens: 100},
		Caller:        &fakeCaller{clk: clk, advance: latency, generated: 10},
		Recorder:      agg,
		Clock:         clk,
	})
	res := r.Run(context.Background())
	sum := agg.Stop()

	if res.Total != 3 || res.Err != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if sum.Requests != 3 || sum.Failures != 0 {
		t.Fatalf("expected 3 requests and no failures, got %d and %d", sum.Requests, sum.Failures)
	}
	want := 10 / latency.Seconds()
	if math.Abs(sum.TokensPerSecAvg-want) > 1e-6 {
		t.Fatalf("expected %.3f tokens/sec, got %f", want, sum.TokensPerSecAvg)
	}
	if sum.GeneratedTokens != 30 || sum.ContextTokens != 300 {
		t.Fatalf("unexpected token totals: generated=%d context=%d", sum.GeneratedTokens, sum.ContextTokens)
	}
}
