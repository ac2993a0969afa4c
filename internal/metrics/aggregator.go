package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/torosent/chatload/internal/clock"
	"github.com/torosent/chatload/internal/logging"
)

const (
	defaultWindowDuration = 60 * time.Second
	defaultDumpInterval   = time.Second
)

// SummarySink receives every window and run summary, in emission order.
// Sinks are called outside the aggregator lock, one summary at a time.
type SummarySink interface {
	WriteSummary(Summary) error
}

// ResultObserver is notified of each aggregated result, outside the
// aggregator lock.
type ResultObserver interface {
	ObserveResult(CallResult)
}

// AggregatorOptions configure NewAggregator.
type AggregatorOptions struct {
	WindowDuration time.Duration
	DumpInterval   time.Duration
	Clients        int
	Clock          clock.Clock
	Sinks          []SummarySink
	Observers      []ResultObserver
	Logger         *slog.Logger
	RunID          string
}

func (o *AggregatorOptions) normalize() {
	if o.WindowDuration <= 0 {
		o.WindowDuration = defaultWindowDuration
	}
	if o.DumpInterval <= 0 {
		o.DumpInterval = defaultDumpInterval
	}
	if o.Clients < 1 {
		o.Clients = 1
	}
	o.Clock = clock.OrReal(o.Clock)
	o.Logger = logging.OrDiscard(o.Logger)
}

// Aggregator computes windowed and run-level statistics from results
// reported concurrently by the runner's workers.
type Aggregator struct {
	opts AggregatorOptions

	// emitMu serializes sink writes; pending is guarded by mu.
	emitMu  sync.Mutex
	pending []Summary

	mu           sync.Mutex
	started      bool
	stopped      bool
	runStart     time.Time
	windowStart  time.Time
	windowIndex  int
	emitted      int
	inFlight     int64
	peakInFlight int64
	window       *windowStats
	total        *windowStats
	final        Summary

	tickerStop chan struct{}
	tickerDone chan struct{}
}

// NewAggregator returns an aggregator that is idle until Start.
func NewAggregator(opts AggregatorOptions) *Aggregator {
	opts.normalize()
	return &Aggregator{
		opts:   opts,
		window: newWindowStats(),
		total:  newWindowStats(),
	}
}

// Start resets all counters, opens the first window and begins checking
// for window rollover every DumpInterval.
func (a *Aggregator) Start() {
	a.mu.Lock()
	if a.started && !a.stopped {
		a.mu.Unlock()
		return
	}
	now := a.opts.Clock.Now()
	a.started = true
	a.stopped = false
	a.runStart = now
	a.windowStart = now
	a.windowIndex = 0
	a.emitted = 0
	a.inFlight = 0
	a.peakInFlight = 0
	a.window = newWindowStats()
	a.total = newWindowStats()
	a.final = Summary{}
	a.pending = nil
	a.tickerStop = make(chan struct{})
	a.tickerDone = make(chan struct{})
	ticker := a.opts.Clock.NewTicker(a.opts.DumpInterval)
	a.mu.Unlock()

	go a.loop(ticker, a.tickerStop, a.tickerDone)
}

func (a *Aggregator) loop(ticker clock.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			a.mu.Lock()
			if !a.stopped {
				a.rolloverLocked(a.opts.Clock.Now())
			}
			ready := len(a.pending) > 0
			a.mu.Unlock()
			if ready {
				a.flush()
			}
		}
	}
}

// RecordNewRequest marks a call as in flight.
func (a *Aggregator) RecordNewRequest() {
	a.mu.Lock()
	a.inFlight++
	if a.inFlight > a.peakInFlight {
		a.peakInFlight = a.inFlight
	}
	a.mu.Unlock()
}

// CancelRequest removes a call from the in-flight set without recording a
// result, for calls abandoned because the run was interrupted.
func (a *Aggregator) CancelRequest() {
	a.mu.Lock()
	a.leaveInFlightLocked()
	a.mu.Unlock()
}

// AggregateRequest folds one completed call into the window containing its
// end time. Windows that closed before res.End are emitted first; a result
// ending inside an already emitted window counts toward the open one.
// Malformed results are rejected with ErrMalformedResult but still leave
// the in-flight set.
func (a *Aggregator) AggregateRequest(res CallResult) error {
	if err := res.validate(); err != nil {
		a.CancelRequest()
		return err
	}

	a.mu.Lock()
	if a.started && !a.stopped {
		a.rolloverLocked(res.End)
	}
	a.window.record(res)
	a.leaveInFlightLocked()
	ready := len(a.pending) > 0
	a.mu.Unlock()

	if ready {
		a.flush()
	}
	for _, obs := range a.opts.Observers {
		obs.ObserveResult(res)
	}
	return nil
}

func (a *Aggregator) leaveInFlightLocked() {
	if a.inFlight > 0 {
		a.inFlight--
	}
}

// Snapshot returns a live view of the open window.
func (a *Aggregator) Snapshot() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.windowSummaryLocked(a.opts.Clock.Now())
}

// Stop flushes the open window, emits the run summary and returns it.
// Calling Stop again returns the same summary.
func (a *Aggregator) Stop() Summary {
	a.mu.Lock()
	if a.stopped || !a.started {
		final := a.final
		a.mu.Unlock()
		return final
	}
	a.stopped = true
	stop, done := a.tickerStop, a.tickerDone
	a.mu.Unlock()

	close(stop)
	<-done

	a.mu.Lock()
	now := a.opts.Clock.Now()
	a.rolloverLocked(now)
	if a.window.requests > 0 || a.emitted == 0 {
		s := a.windowSummaryLocked(now)
		a.total.merge(a.window)
		a.window = newWindowStats()
		a.emitLocked(s)
	}

	final := Summary{
		Kind:  KindRun,
		RunID: a.opts.RunID,
		Start: a.runStart,
		End:   now,
	}
	a.total.summarize(&final)
	final.InFlight = a.peakInFlight
	final.UtilizationPct = utilization(a.peakInFlight, a.opts.Clients)
	a.final = final
	a.emitLocked(final)
	a.mu.Unlock()

	a.flush()
	return final
}

// rolloverLocked closes every window that has fully elapsed by now. Windows
// with no results still emit a zero summary.
func (a *Aggregator) rolloverLocked(now time.Time) {
	for {
		end := a.windowStart.Add(a.opts.WindowDuration)
		if now.Before(end) {
			return
		}
		s := a.windowSummaryLocked(end)
		a.total.merge(a.window)
		a.window = newWindowStats()
		a.emitLocked(s)
		a.windowStart = end
		a.windowIndex++
	}
}

func (a *Aggregator) windowSummaryLocked(end time.Time) Summary {
	s := Summary{
		Kind:   KindWindow,
		RunID:  a.opts.RunID,
		Window: a.windowIndex + 1,
		Start:  a.windowStart,
		End:    end,
	}
	a.window.summarize(&s)
	s.InFlight = a.inFlight
	s.UtilizationPct = utilization(a.inFlight, a.opts.Clients)
	return s
}

// emitLocked queues s for the sinks. Callers flush after releasing mu.
func (a *Aggregator) emitLocked(s Summary) {
	a.emitted++
	a.pending = append(a.pending, s)
}

// flush hands every queued summary to the sinks. Holding emitMu while
// draining keeps sink order equal to emission order across goroutines.
func (a *Aggregator) flush() {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	for _, s := range batch {
		for _, sink := range a.opts.Sinks {
			if err := sink.WriteSummary(s); err != nil {
				a.opts.Logger.Warn("summary sink failed", "kind", s.Kind, "error", err)
			}
		}
	}
}

func utilization(inFlight int64, clients int) float64 {
	if clients <= 0 {
		return 0
	}
	return float64(inFlight) / float64(clients) * 100
}
