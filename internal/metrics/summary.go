package metrics

import "time"

// Summary kinds.
const (
	KindWindow = "window"
	KindRun    = "run"
)

// Summary is the report emitted for one aggregation window or for the
// whole run.
type Summary struct {
	Kind   string    `json:"kind"`
	RunID  string    `json:"run_id,omitempty"`
	Window int       `json:"window,omitempty"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`

	Requests  int64 `json:"requests"`
	Failures  int64 `json:"failures"`
	Throttled int64 `json:"throttled"`
	InFlight  int64 `json:"in_flight"`

	RPM            float64 `json:"rpm"`
	RequestsPerSec float64 `json:"requests_per_sec"`
	ErrorRate      float64 `json:"error_rate"`

	E2EAvgMs  float64 `json:"e2e_avg_ms"`
	E2EP50Ms  float64 `json:"e2e_p50_ms"`
	E2EP95Ms  float64 `json:"e2e_p95_ms"`
	E2EP99Ms  float64 `json:"e2e_p99_ms"`
	TTFTAvgMs float64 `json:"ttft_avg_ms"`
	TTFTP95Ms float64 `json:"ttft_p95_ms"`
	TBTAvgMs  float64 `json:"tbt_avg_ms"`
	TBTP95Ms  float64 `json:"tbt_p95_ms"`

	ContextTokens   int64   `json:"context_tokens"`
	GeneratedTokens int64   `json:"generated_tokens"`
	ContextTPM      float64 `json:"context_tpm"`
	GenTPM          float64 `json:"gen_tpm"`
	TokensPerSecAvg float64 `json:"tokens_per_sec_avg"`

	UtilizationPct    float64  `json:"utilization_pct"`
	DeploymentUtilAvg *float64 `json:"deployment_util_avg,omitempty"`
	DeploymentUtilP95 *float64 `json:"deployment_util_p95,omitempty"`

	DurationMs float64          `json:"duration_ms"`
	Errors     map[string]int64 `json:"errors,omitempty"`
}

// Duration is the span covered by the summary.
func (s Summary) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Successes is the number of completed calls that did not fail.
func (s Summary) Successes() int64 {
	return s.Requests - s.Failures
}
