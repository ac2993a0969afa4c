// Package promexport exposes live load-test metrics on a Prometheus
// /metrics endpoint.
package promexport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/torosent/chatload/internal/logging"
	"github.com/torosent/chatload/internal/metrics"
)

const namespace = "chatload"

// Exporter records every call result and every window summary into its own
// registry. It is both a metrics.ResultObserver and a metrics.SummarySink.
type Exporter struct {
	registry *prometheus.Registry
	logger   *slog.Logger

	calls           *prometheus.CounterVec
	generatedTokens prometheus.Counter
	contextTokens   prometheus.Counter
	latency         *prometheus.HistogramVec
	ttft            prometheus.Histogram
	utilization     prometheus.Gauge

	windowRPM       prometheus.Gauge
	windowInFlight  prometheus.Gauge
	windowE2EP95    prometheus.Gauge
	windowGenTPM    prometheus.Gauge
	windowErrorRate prometheus.Gauge
	windows         prometheus.Counter
}

// New builds an exporter whose series carry the given run id as a const label.
func New(runID string, logger *slog.Logger) *Exporter {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"run_id": runID}
	latencyBuckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120}

	return &Exporter{
		registry: reg,
		logger:   logging.OrDiscard(logger),
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "calls_total",
			Help:        "Chat-completion calls by outcome.",
			ConstLabels: labels,
		}, []string{"outcome", "code"}),
		generatedTokens: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "generated_tokens_total",
			Help:        "Completion tokens reported by successful calls.",
			ConstLabels: labels,
		}),
		contextTokens: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "context_tokens_total",
			Help:        "Estimated prompt tokens sent by successful calls.",
			ConstLabels: labels,
		}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "call_duration_seconds",
			Help:        "End-to-end call latency.",
			Buckets:     latencyBuckets,
			ConstLabels: labels,
		}, []string{"outcome"}),
		ttft: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "time_to_first_token_seconds",
			Help:        "Delay until the first streamed byte of successful calls.",
			Buckets:     latencyBuckets,
			ConstLabels: labels,
		}),
		utilization: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "deployment_utilization_percent",
			Help:        "Last deployment utilization reported by the service.",
			ConstLabels: labels,
		}),
		windowRPM: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "window_requests_per_minute",
			Help:        "Completed calls per minute in the last window.",
			ConstLabels: labels,
		}),
		windowInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "window_in_flight",
			Help:        "Calls in flight when the last window closed.",
			ConstLabels: labels,
		}),
		windowE2EP95: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "window_e2e_p95_seconds",
			Help:        "95th percentile end-to-end latency of the last window.",
			ConstLabels: labels,
		}),
		windowGenTPM: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "window_generated_tokens_per_minute",
			Help:        "Generated tokens per minute in the last window.",
			ConstLabels: labels,
		}),
		windowErrorRate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "window_error_ratio",
			Help:        "Failed calls over all calls in the last window.",
			ConstLabels: labels,
		}),
		windows: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "windows_total",
			Help:        "Aggregation windows emitted.",
			ConstLabels: labels,
		}),
	}
}

// ObserveResult records one finished call.
func (e *Exporter) ObserveResult(res metrics.CallResult) {
	outcome := "success"
	switch {
	case res.Throttled():
		outcome = "throttled"
	case res.Failed():
		outcome = "failure"
	}
	code := "none"
	if res.StatusCode != 0 {
		code = strconv.Itoa(res.StatusCode)
	}
	e.calls.WithLabelValues(outcome, code).Inc()
	e.latency.WithLabelValues(outcome).Observe(res.Latency().Seconds())

	if outcome != "success" {
		return
	}
	e.generatedTokens.Add(float64(res.GeneratedTokens))
	e.contextTokens.Add(float64(res.ContextTokens))
	if ttfb, ok := res.TimeToFirstByte(); ok {
		e.ttft.Observe(ttfb.Seconds())
	}
	if res.Utilization >= 0 {
		e.utilization.Set(res.Utilization)
	}
}

// WriteSummary publishes window level gauges. Run summaries are ignored.
func (e *Exporter) WriteSummary(s metrics.Summary) error {
	if s.Kind != metrics.KindWindow {
		return nil
	}
	e.windows.Inc()
	e.windowRPM.Set(s.RPM)
	e.windowInFlight.Set(float64(s.InFlight))
	e.windowE2EP95.Set(s.E2EP95Ms / 1000)
	e.windowGenTPM.Set(s.GenTPM)
	e.windowErrorRate.Set(s.ErrorRate)
	return nil
}

// Handler serves the exporter's registry in the Prometheus text format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry})
}

// Serve listens on addr and serves /metrics until ctx is cancelled. It
// returns once the listener is bound; serving continues in the background.
// The returned function shuts the server down.
func (e *Exporter) Serve(ctx context.Context, addr string) (string, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Warn("metrics server stopped", "error", err)
		}
	}()
	e.logger.Info("serving metrics", "addr", ln.Addr().String())

	stopped := make(chan struct{})
	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			close(stopped)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			shutdown()
		case <-stopped:
		}
	}()
	return ln.Addr().String(), shutdown, nil
}
