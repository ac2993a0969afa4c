// Package threshold evaluates pass/fail assertions such as "e2e:p95 < 2000"
// against a run summary.
package threshold

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/torosent/chatload/internal/metrics"
)

// Threshold represents a performance assertion that can pass or fail.
type Threshold struct {
	Metric    string  // e.g., "e2e", "ttft", "failures"
	Aggregate string  // e.g., "p95", "avg", "rate", "count"
	Operator  string  // e.g., "<", "<=", ">", ">=", "=="
	Value     float64 // The threshold value to compare against
	Raw       string  // Original threshold string for display
}

// Result represents the outcome of evaluating a threshold.
type Result struct {
	Threshold Threshold
	Actual    float64
	Pass      bool
	Message   string
}

type extractor func(metrics.Summary) float64

// Latencies are in milliseconds, rates per minute unless named otherwise.
var catalog = map[string]map[string]extractor{
	"e2e": {
		"avg": func(s metrics.Summary) float64 { return s.E2EAvgMs },
		"p50": func(s metrics.Summary) float64 { return s.E2EP50Ms },
		"p95": func(s metrics.Summary) float64 { return s.E2EP95Ms },
		"p99": func(s metrics.Summary) float64 { return s.E2EP99Ms },
	},
	"ttft": {
		"avg": func(s metrics.Summary) float64 { return s.TTFTAvgMs },
		"p95": func(s metrics.Summary) float64 { return s.TTFTP95Ms },
	},
	"tbt": {
		"avg": func(s metrics.Summary) float64 { return s.TBTAvgMs },
		"p95": func(s metrics.Summary) float64 { return s.TBTP95Ms },
	},
	"failures": {
		"count": func(s metrics.Summary) float64 { return float64(s.Failures) },
		"rate":  func(s metrics.Summary) float64 { return s.ErrorRate },
	},
	"throttled": {
		"count": func(s metrics.Summary) float64 { return float64(s.Throttled) },
		"rate": func(s metrics.Summary) float64 {
			if s.Requests == 0 {
				return 0
			}
			return float64(s.Throttled) / float64(s.Requests)
		},
	},
	"requests": {
		"count": func(s metrics.Summary) float64 { return float64(s.Requests) },
		"rpm":   func(s metrics.Summary) float64 { return s.RPM },
	},
	"tokens_per_sec": {
		"avg": func(s metrics.Summary) float64 { return s.TokensPerSecAvg },
	},
	"gen_tpm": {
		"rate": func(s metrics.Summary) float64 { return s.GenTPM },
	},
	"context_tpm": {
		"rate": func(s metrics.Summary) float64 { return s.ContextTPM },
	},
}

var thresholdPattern = regexp.MustCompile(`^([a-z_0-9]+):([a-z0-9]+)\s*([<>=!]+)\s*([0-9]*\.?[0-9]+)$`)

// Evaluator evaluates thresholds against a run summary.
type Evaluator struct {
	thresholds []Threshold
}

// NewEvaluator creates a new threshold evaluator.
func NewEvaluator(thresholds []Threshold) *Evaluator {
	return &Evaluator{
		thresholds: thresholds,
	}
}

// Evaluate checks all thresholds against the provided summary.
func (e *Evaluator) Evaluate(summary metrics.Summary) []Result {
	if len(e.thresholds) == 0 {
		return nil
	}

	results := make([]Result, 0, len(e.thresholds))
	for _, t := range e.thresholds {
		results = append(results, evaluateOne(t, summary))
	}
	return results
}

// AllPassed reports whether every result passed.
func AllPassed(results []Result) bool {
	for _, r := range results {
		if !r.Pass {
			return false
		}
	}
	return true
}

func evaluateOne(t Threshold, summary metrics.Summary) Result {
	actual, err := extractMetricValue(t, summary)
	if err != nil {
		return Result{
			Threshold: t,
			Pass:      false,
			Message:   fmt.Sprintf("error: %v", err),
		}
	}

	pass := compareValues(actual, t.Operator, t.Value)
	status := "✓"
	if !pass {
		status = "✗"
	}

	return Result{
		Threshold: t,
		Actual:    actual,
		Pass:      pass,
		Message:   fmt.Sprintf("%s %s: %.2f %s %.2f", status, t.Raw, actual, t.Operator, t.Value),
	}
}

// Parse parses a threshold string into a Threshold struct.
// Supported formats:
// - "e2e:p95 < 2000"            (end-to-end latency percentile in ms)
// - "ttft:avg < 500"            (time to first token in ms)
// - "tbt:p95 < 50"              (time between tokens in ms)
// - "failures:rate < 0.01"      (failure rate as decimal)
// - "throttled:count == 0"      (HTTP 429 responses)
// - "requests:rpm >= 60"        (requests per minute)
// - "tokens_per_sec:avg > 20"   (generated tokens per second per call)
// - "gen_tpm:rate > 10000"      (generated tokens per minute)
func Parse(s string) (Threshold, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Threshold{}, fmt.Errorf("empty threshold string")
	}

	matches := thresholdPattern.FindStringSubmatch(s)
	if matches == nil {
		return Threshold{}, fmt.Errorf("invalid threshold format: %q (expected format: metric:aggregate operator value, e.g., 'e2e:p95 < 2000')", s)
	}

	metric, aggregate, operator, valueStr := matches[1], matches[2], matches[3], matches[4]

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid threshold value %q: %v", valueStr, err)
	}

	aggregates, ok := catalog[metric]
	if !ok {
		return Threshold{}, fmt.Errorf("unsupported metric: %q (supported: %s)", metric, strings.Join(sortedKeys(catalog), ", "))
	}
	if _, ok := aggregates[aggregate]; !ok {
		return Threshold{}, fmt.Errorf("unsupported aggregate %q for %s (supported: %s)", aggregate, metric, strings.Join(sortedKeys(aggregates), ", "))
	}
	if !isValidOperator(operator) {
		return Threshold{}, fmt.Errorf("unsupported operator: %q (supported: <, <=, >, >=, ==)", operator)
	}

	return Threshold{
		Metric:    metric,
		Aggregate: aggregate,
		Operator:  operator,
		Value:     value,
		Raw:       s,
	}, nil
}

// ParseMultiple parses multiple threshold strings.
func ParseMultiple(thresholds []string) ([]Threshold, error) {
	if len(thresholds) == 0 {
		return nil, nil
	}

	result := make([]Threshold, 0, len(thresholds))
	var errs []string

	for i, s := range thresholds {
		t, err := Parse(s)
		if err != nil {
			errs = append(errs, fmt.Sprintf("threshold[%d]: %v", i, err))
			continue
		}
		result = append(result, t)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("threshold parsing errors: %s", strings.Join(errs, "; "))
	}

	return result, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isValidOperator(operator string) bool {
	switch operator {
	case "<", "<=", ">", ">=", "==":
		return true
	}
	return false
}

func extractMetricValue(t Threshold, summary metrics.Summary) (float64, error) {
	aggregates, ok := catalog[t.Metric]
	if !ok {
		return 0, fmt.Errorf("unknown metric: %s", t.Metric)
	}
	fn, ok := aggregates[t.Aggregate]
	if !ok {
		return 0, fmt.Errorf("unsupported aggregate %q for %s", t.Aggregate, t.Metric)
	}
	return fn(summary), nil
}

func compareValues(actual float64, operator string, expected float64) bool {
	// Handle floating point comparison with small epsilon
	epsilon := 1e-9

	switch operator {
	case "<":
		return actual < expected
	case "<=":
		return actual <= expected || math.Abs(actual-expected) < epsilon
	case ">":
		return actual > expected
	case ">=":
		return actual >= expected || math.Abs(actual-expected) < epsilon
	case "==":
		return math.Abs(actual-expected) < epsilon
	default:
		return false
	}
}
