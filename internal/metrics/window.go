package metrics

import (
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	// Latencies are tracked from 1µs up to 10 minutes with 3 significant figures.
	histLowest  = 1
	histHighest = 600_000_000
	histSigFigs = 3

	// Utilization percent is stored in hundredths.
	utilScale   = 100
	utilHighest = 100 * utilScale
)

// windowStats accumulates results for one aggregation window. The same type
// holds the run totals, which only grow through merge.
type windowStats struct {
	requests  int64
	failures  int64
	throttled int64

	contextTokens   int64
	generatedTokens int64
	tpsSum          float64
	tpsCount        int64

	e2e     *hdrhistogram.Histogram
	e2eSum  time.Duration
	ttft    *hdrhistogram.Histogram
	ttftSum time.Duration
	tbt     *hdrhistogram.Histogram
	tbtSum  time.Duration

	util    *hdrhistogram.Histogram
	utilSum float64

	errors map[string]int64
}

func newWindowStats() *windowStats {
	return &windowStats{
		e2e:    hdrhistogram.New(histLowest, histHighest, histSigFigs),
		ttft:   hdrhistogram.New(histLowest, histHighest, histSigFigs),
		tbt:    hdrhistogram.New(histLowest, histHighest, histSigFigs),
		util:   hdrhistogram.New(histLowest, utilHighest, histSigFigs),
		errors: make(map[string]int64),
	}
}

func (w *windowStats) record(res CallResult) {
	w.requests++
	if res.Failed() {
		w.failures++
		if res.Throttled() {
			w.throttled++
		}
		w.errors[ErrorLabel(res)]++
		return
	}

	latency := res.Latency()
	recordDuration(w.e2e, latency)
	w.e2eSum += latency

	if ttft, ok := res.TimeToFirstByte(); ok {
		recordDuration(w.ttft, ttft)
		w.ttftSum += ttft
	}
	if tbt, ok := res.TimeBetweenTokens(); ok {
		recordDuration(w.tbt, tbt)
		w.tbtSum += tbt
	}

	w.contextTokens += int64(res.ContextTokens)
	w.generatedTokens += int64(res.GeneratedTokens)
	if latency > 0 {
		w.tpsSum += res.TokensPerSecond()
		w.tpsCount++
	}

	if res.Utilization >= 0 {
		recordClamped(w.util, int64(res.Utilization*utilScale))
		w.utilSum += res.Utilization
	}
}

func (w *windowStats) merge(from *windowStats) {
	w.requests += from.requests
	w.failures += from.failures
	w.throttled += from.throttled
	w.contextTokens += from.contextTokens
	w.generatedTokens += from.generatedTokens
	w.tpsSum += from.tpsSum
	w.tpsCount += from.tpsCount
	w.e2e.Merge(from.e2e)
	w.e2eSum += from.e2eSum
	w.ttft.Merge(from.ttft)
	w.ttftSum += from.ttftSum
	w.tbt.Merge(from.tbt)
	w.tbtSum += from.tbtSum
	w.util.Merge(from.util)
	w.utilSum += from.utilSum
	for k, v := range from.errors {
		w.errors[k] += v
	}
}

// summarize fills the counters of s from w over the span [s.Start, s.End].
func (w *windowStats) summarize(s *Summary) {
	s.Requests = w.requests
	s.Failures = w.failures
	s.Throttled = w.throttled
	s.ContextTokens = w.contextTokens
	s.GeneratedTokens = w.generatedTokens

	elapsed := s.End.Sub(s.Start)
	s.DurationMs = durationMs(elapsed)
	if minutes := elapsed.Minutes(); minutes > 0 {
		s.RPM = float64(w.requests) / minutes
		s.ContextTPM = float64(w.contextTokens) / minutes
		s.GenTPM = float64(w.generatedTokens) / minutes
		s.RequestsPerSec = float64(w.requests) / elapsed.Seconds()
	}
	if w.requests > 0 {
		s.ErrorRate = float64(w.failures) / float64(w.requests)
	}
	if w.tpsCount > 0 {
		s.TokensPerSecAvg = w.tpsSum / float64(w.tpsCount)
	}

	if n := w.e2e.TotalCount(); n > 0 {
		s.E2EAvgMs = durationMs(w.e2eSum / time.Duration(n))
		s.E2EP50Ms = quantileMs(w.e2e, 50)
		s.E2EP95Ms = quantileMs(w.e2e, 95)
		s.E2EP99Ms = quantileMs(w.e2e, 99)
	}
	if n := w.ttft.TotalCount(); n > 0 {
		s.TTFTAvgMs = durationMs(w.ttftSum / time.Duration(n))
		s.TTFTP95Ms = quantileMs(w.ttft, 95)
	}
	if n := w.tbt.TotalCount(); n > 0 {
		s.TBTAvgMs = durationMs(w.tbtSum / time.Duration(n))
		s.TBTP95Ms = quantileMs(w.tbt, 95)
	}
	if n := w.util.TotalCount(); n > 0 {
		avg := w.utilSum / float64(n)
		p95 := float64(w.util.ValueAtQuantile(95)) / utilScale
		s.DeploymentUtilAvg = &avg
		s.DeploymentUtilP95 = &p95
	}

	if len(w.errors) > 0 {
		s.Errors = make(map[string]int64, len(w.errors))
		for k, v := range w.errors {
			s.Errors[k] = v
		}
	}
}

func recordDuration(h *hdrhistogram.Histogram, d time.Duration) {
	recordClamped(h, d.Microseconds())
}

func recordClamped(h *hdrhistogram.Histogram, v int64) {
	if v < h.LowestTrackableValue() {
		v = h.LowestTrackableValue()
	}
	if v > h.HighestTrackableValue() {
		v = h.HighestTrackableValue()
	}
	_ = h.RecordValue(v)
}

func quantileMs(h *hdrhistogram.Histogram, q float64) float64 {
	return durationMs(time.Duration(h.ValueAtQuantile(q)) * time.Microsecond)
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
