package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/guptarohit/asciigraph"

	"github.com/torosent/chatload/internal/metrics"
	"github.com/torosent/chatload/internal/threshold"
)

const chartHeight = 8

// WindowLog keeps every window summary for the final report. It is a
// metrics.SummarySink.
type WindowLog struct {
	mu      sync.Mutex
	windows []metrics.Summary
}

func (l *WindowLog) WriteSummary(s metrics.Summary) error {
	if s.Kind != metrics.KindWindow {
		return nil
	}
	l.mu.Lock()
	l.windows = append(l.windows, s)
	l.mu.Unlock()
	return nil
}

// Windows returns the recorded windows in emission order.
func (l *WindowLog) Windows() []metrics.Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]metrics.Summary(nil), l.windows...)
}

// PrintReport outputs a human-readable summary of the run, with latency and
// throughput charts over the windows when there are at least two.
func PrintReport(w io.Writer, run metrics.Summary, windows []metrics.Summary) {
	fmt.Fprintln(w, "\n--- Load Test Results ---")
	if run.RunID != "" {
		fmt.Fprintf(w, "Run ID:            %s\n", run.RunID)
	}
	fmt.Fprintf(w, "Total Requests:    %d\n", run.Requests)
	fmt.Fprintf(w, "Successful:        %d\n", run.Successes())
	fmt.Fprintf(w, "Failed:            %d\n", run.Failures)
	fmt.Fprintf(w, "Throttled (429):   %d\n", run.Throttled)
	fmt.Fprintf(w, "Duration:          %s\n", run.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "Requests/min:      %.2f\n", run.RPM)
	fmt.Fprintf(w, "Peak Utilization:  %.1f%%\n", run.UtilizationPct)

	fmt.Fprintln(w, "\nLatency:")
	fmt.Fprintf(w, "  E2E Avg:         %s\n", ms(run.E2EAvgMs))
	fmt.Fprintf(w, "  E2E P50:         %s\n", ms(run.E2EP50Ms))
	fmt.Fprintf(w, "  E2E P95:         %s\n", ms(run.E2EP95Ms))
	fmt.Fprintf(w, "  E2E P99:         %s\n", ms(run.E2EP99Ms))
	fmt.Fprintf(w, "  TTFT Avg:        %s\n", ms(run.TTFTAvgMs))
	fmt.Fprintf(w, "  TTFT P95:        %s\n", ms(run.TTFTP95Ms))
	fmt.Fprintf(w, "  TBT Avg:         %s\n", ms(run.TBTAvgMs))
	fmt.Fprintf(w, "  TBT P95:         %s\n", ms(run.TBTP95Ms))

	fmt.Fprintln(w, "\nTokens:")
	fmt.Fprintf(w, "  Context:         %d (%.0f/min)\n", run.ContextTokens, run.ContextTPM)
	fmt.Fprintf(w, "  Generated:       %d (%.0f/min)\n", run.GeneratedTokens, run.GenTPM)
	fmt.Fprintf(w, "  Tokens/sec Avg:  %.1f\n", run.TokensPerSecAvg)
	if run.DeploymentUtilAvg != nil {
		fmt.Fprintf(w, "  Deployment Util: avg %s, p95 %s\n", pct(run.DeploymentUtilAvg), pct(run.DeploymentUtilP95))
	}

	if len(run.Errors) > 0 {
		fmt.Fprintln(w, "\nErrors:")
		keys := make([]string, 0, len(run.Errors))
		for k := range run.Errors {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if run.Errors[keys[i]] != run.Errors[keys[j]] {
				return run.Errors[keys[i]] > run.Errors[keys[j]]
			}
			return keys[i] < keys[j]
		})
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %d\n", k, run.Errors[k])
		}
	}

	if len(windows) >= 2 {
		latency := make([]float64, len(windows))
		tpm := make([]float64, len(windows))
		for i, s := range windows {
			latency[i] = s.E2EP95Ms
			tpm[i] = s.GenTPM
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, asciigraph.Plot(latency,
			asciigraph.Height(chartHeight),
			asciigraph.Caption("e2e p95 latency per window (ms)"),
		))
		fmt.Fprintln(w)
		fmt.Fprintln(w, asciigraph.Plot(tpm,
			asciigraph.Height(chartHeight),
			asciigraph.Caption("generated tokens per minute per window"),
		))
	}
}

// PrintThresholds writes one line per threshold result.
func PrintThresholds(w io.Writer, results []threshold.Result) {
	if len(results) == 0 {
		return
	}
	fmt.Fprintln(w, "\nThresholds:")
	for _, r := range results {
		fmt.Fprintf(w, "  %s\n", r.Message)
	}
}

type jsonThreshold struct {
	Threshold string  `json:"threshold"`
	Actual    float64 `json:"actual"`
	Pass      bool    `json:"pass"`
	Error     string  `json:"error,omitempty"`
}

type jsonThresholds struct {
	Kind    string          `json:"kind"`
	RunID   string          `json:"run_id,omitempty"`
	Passed  bool            `json:"passed"`
	Results []jsonThreshold `json:"results"`
}

// PrintJSONThresholds writes the threshold results as a single JSON line.
func PrintJSONThresholds(w io.Writer, runID string, results []threshold.Result) error {
	if len(results) == 0 {
		return nil
	}
	out := jsonThresholds{
		Kind:    "thresholds",
		RunID:   runID,
		Passed:  threshold.AllPassed(results),
		Results: make([]jsonThreshold, len(results)),
	}
	for i, r := range results {
		jt := jsonThreshold{Threshold: r.Threshold.Raw, Actual: r.Actual, Pass: r.Pass}
		if strings.HasPrefix(r.Message, "error:") {
			jt.Error = r.Message
		}
		out.Results[i] = jt
	}
	return json.NewEncoder(w).Encode(out)
}
