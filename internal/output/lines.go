package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/torosent/chatload/internal/metrics"
)

// Formats accepted by NewLineSink.
const (
	FormatHuman = "human"
	FormatJSONL = "jsonl"
)

// LineSink writes one line per summary, either as JSON or as key: value
// pairs. It is a metrics.SummarySink.
type LineSink struct {
	mu     sync.Mutex
	w      io.Writer
	format string
}

// NewLineSink returns a sink writing to w. Unknown formats fall back to human.
func NewLineSink(w io.Writer, format string) *LineSink {
	if w == nil {
		w = io.Discard
	}
	if format != FormatJSONL {
		format = FormatHuman
	}
	return &LineSink{w: w, format: format}
}

func (l *LineSink) WriteSummary(s metrics.Summary) error {
	line, err := FormatLine(s, l.format)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = io.WriteString(l.w, line)
	return err
}

// FormatLine renders s as a single newline-terminated line.
func FormatLine(s metrics.Summary, format string) (string, error) {
	if format == FormatJSONL {
		b, err := json.Marshal(s)
		if err != nil {
			return "", fmt.Errorf("encode summary: %w", err)
		}
		return string(b) + "\n", nil
	}
	return FormatHumanLine(s), nil
}

// FormatHumanLine renders the summary as "key: value" pairs, led by the end
// time of the window or run.
func FormatHumanLine(s metrics.Summary) string {
	var b strings.Builder
	b.WriteString(s.End.Format(time.RFC3339))
	if s.Kind == metrics.KindRun {
		b.WriteString(" run")
	} else {
		fmt.Fprintf(&b, " window: %-4d", s.Window)
	}
	fmt.Fprintf(&b, " start: %s", s.Start.Format(time.RFC3339))
	fmt.Fprintf(&b, " rpm: %-7.1f", s.RPM)
	fmt.Fprintf(&b, " requests: %-6d", s.Requests)
	fmt.Fprintf(&b, " failures: %-5d", s.Failures)
	fmt.Fprintf(&b, " throttled: %-5d", s.Throttled)
	fmt.Fprintf(&b, " in_flight: %-4d", s.InFlight)
	fmt.Fprintf(&b, " util: %5.1f%%", s.UtilizationPct)
	fmt.Fprintf(&b, " ctx_tpm: %-8.0f", s.ContextTPM)
	fmt.Fprintf(&b, " gen_tpm: %-8.0f", s.GenTPM)
	fmt.Fprintf(&b, " ttft_avg: %s", ms(s.TTFTAvgMs))
	fmt.Fprintf(&b, " ttft_95th: %s", ms(s.TTFTP95Ms))
	fmt.Fprintf(&b, " tbt_avg: %s", ms(s.TBTAvgMs))
	fmt.Fprintf(&b, " tbt_95th: %s", ms(s.TBTP95Ms))
	fmt.Fprintf(&b, " e2e_avg: %s", ms(s.E2EAvgMs))
	fmt.Fprintf(&b, " e2e_95th: %s", ms(s.E2EP95Ms))
	fmt.Fprintf(&b, " tps_avg: %.1f", s.TokensPerSecAvg)
	fmt.Fprintf(&b, " util_avg: %s", pct(s.DeploymentUtilAvg))
	fmt.Fprintf(&b, " util_95th: %s", pct(s.DeploymentUtilP95))
	if len(s.Errors) > 0 {
		fmt.Fprintf(&b, " errors: %s", formatErrors(s.Errors))
	}
	b.WriteByte('\n')
	return b.String()
}

func ms(v float64) string {
	if v == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.0fms", v)
}

func pct(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", *v)
}

func formatErrors(errs map[string]int64) string {
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, errs[k])
	}
	return strings.Join(parts, ",")
}
