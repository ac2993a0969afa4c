package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// API styles understood by the chat client.
const (
	APIStyleAzure  = "azure"
	APIStyleOpenAI = "openai"
)

// Shape profiles select the context and max token budget of generated
// requests.
const (
	ShapeBalanced   = "balanced"
	ShapeContext    = "context"
	ShapeGeneration = "generation"
	ShapeCustom     = "custom"
)

// Rate limiter modes.
const (
	RateModeWindow = "window"
	RateModePaced  = "paced"
)

// Retry strategies.
const (
	RetryNone        = "none"
	RetryExponential = "exponential"
)

// Output formats for window and run summaries.
const (
	OutputHuman = "human"
	OutputJSONL = "jsonl"
)

// MinDuration is the shortest non-zero run duration accepted.
const MinDuration = 30 * time.Second

// ShapeTokens holds the token budget of a shape profile.
type ShapeTokens struct {
	Context int
	Max     int
}

var shapeProfiles = map[string]ShapeTokens{
	ShapeBalanced:   {Context: 500, Max: 500},
	ShapeContext:    {Context: 2000, Max: 200},
	ShapeGeneration: {Context: 500, Max: 1000},
}

type Config struct {
	Endpoint          string        `mapstructure:"endpoint"`
	Deployment        string        `mapstructure:"deployment"`
	APIVersion        string        `mapstructure:"api_version"`
	APIStyle          string        `mapstructure:"api_style"`
	APIKeyEnv         string        `mapstructure:"api_key_env"`
	EnvFile           string        `mapstructure:"env_file"`
	Clients           int           `mapstructure:"clients"`
	Requests          int           `mapstructure:"requests"`
	Duration          time.Duration `mapstructure:"duration"`
	Rate              int           `mapstructure:"rate"`
	RateMode          string        `mapstructure:"rate_mode"`
	AggregationWindow time.Duration `mapstructure:"aggregation_window"`
	ShapeProfile      string        `mapstructure:"shape_profile"`
	ContextTokens     int           `mapstructure:"context_tokens"`
	MaxTokens         *int          `mapstructure:"max_tokens"`
	Completions       int           `mapstructure:"completions"`
	FrequencyPenalty  *float64      `mapstructure:"frequency_penalty"`
	PresencePenalty   *float64      `mapstructure:"presence_penalty"`
	Temperature       *float64      `mapstructure:"temperature"`
	TopP              *float64      `mapstructure:"top_p"`
	Retry             string        `mapstructure:"retry"`
	Timeout           time.Duration `mapstructure:"timeout"`
	OutputFormat      string        `mapstructure:"output_format"`
	OutputFile        string        `mapstructure:"output_file"`
	NonStream         bool          `mapstructure:"non_stream"`
	RequestPath       string        `mapstructure:"request_path"`
	TokenizerModel    string        `mapstructure:"tokenizer_model"`
	Seed              int64         `mapstructure:"seed"`
	Progress          bool          `mapstructure:"progress"`
	LogLevel          string        `mapstructure:"log_level"`
	LogFormat         string        `mapstructure:"log_format"`
	LogErrors         bool          `mapstructure:"log_errors"`
	Thresholds        []string      `mapstructure:"thresholds"`
	HistoryDB         string        `mapstructure:"history_db"`
	MetricsAddr       string        `mapstructure:"metrics_addr"`
	Tracing           TracingConfig `mapstructure:"tracing"`
	ConfigFile        string        `mapstructure:"-"`

	// APIKey is resolved from APIKeyEnv after the env file is loaded.
	APIKey string `mapstructure:"-"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	ServiceName string  `mapstructure:"service_name"`
	Propagate   *bool   `mapstructure:"propagate"`
}

// Enabled reports whether an exporter endpoint is configured, either
// directly or through OTEL_EXPORTER_OTLP_ENDPOINT.
func (t TracingConfig) Enabled() bool {
	return strings.TrimSpace(t.Endpoint) != "" || os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
}

// ShouldPropagate defaults to Enabled unless set explicitly.
func (t TracingConfig) ShouldPropagate() bool {
	if t.Propagate != nil {
		return *t.Propagate
	}
	return t.Enabled()
}

// Shape returns the effective context and max token budget. Named
// profiles override ContextTokens and MaxTokens; custom uses them as given.
func (c Config) Shape() (contextTokens int, maxTokens *int) {
	if p, ok := shapeProfiles[c.ShapeProfile]; ok {
		m := p.Max
		return p.Context, &m
	}
	return c.ContextTokens, c.MaxTokens
}

// Streaming reports whether calls request a streamed response.
func (c Config) Streaming() bool {
	return !c.NonStream
}

type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

func (c Config) Validate() error {
	var issues []string
	var warnings []string

	if strings.TrimSpace(c.Endpoint) == "" {
		issues = append(issues, "endpoint is required (use --help for usage information)")
	}
	switch c.APIStyle {
	case APIStyleAzure:
		if strings.TrimSpace(c.Deployment) == "" {
			issues = append(issues, "deployment is required for api-style azure")
		}
		if strings.TrimSpace(c.APIVersion) == "" {
			issues = append(issues, "api-version is required")
		}
	case APIStyleOpenAI:
		if strings.TrimSpace(c.Deployment) == "" {
			issues = append(issues, "deployment (model name) is required for api-style openai")
		}
	default:
		issues = append(issues, fmt.Sprintf("api-style must be 'azure' or 'openai', got %q", c.APIStyle))
	}

	if strings.TrimSpace(c.APIKeyEnv) == "" {
		issues = append(issues, "api-key-env is required")
	} else if c.APIKey == "" {
		issues = append(issues, fmt.Sprintf("api-key-env %s not set", c.APIKeyEnv))
	}

	if c.Rate > 60000 {
		warnings = append(warnings, fmt.Sprintf("WARNING: High rate limit configured (%d RPM). Ensure you have quota and authorization for the target deployment.", c.Rate))
	}
	if c.Clients > 500 {
		warnings = append(warnings, fmt.Sprintf("WARNING: High client count configured (%d). Ensure you have quota and authorization for the target deployment.", c.Clients))
	}
	for _, w := range warnings {
		fmt.Fprintln(os.Stderr, w)
	}

	if c.Clients < 1 {
		issues = append(issues, "clients must be > 0")
	}
	if c.Requests < 0 {
		issues = append(issues, "requests must be >= 0")
	}
	if c.Duration < 0 || (c.Duration > 0 && c.Duration < MinDuration) {
		issues = append(issues, fmt.Sprintf("duration must be 0 or >= %s", MinDuration))
	}
	if c.Rate < 0 {
		issues = append(issues, "rate must be >= 0")
	}
	switch c.RateMode {
	case RateModeWindow, RateModePaced:
	default:
		issues = append(issues, fmt.Sprintf("rate-mode must be 'window' or 'paced', got %q", c.RateMode))
	}
	if c.AggregationWindow <= 0 {
		issues = append(issues, "aggregation-window must be > 0")
	}

	issues = append(issues, c.validateShape()...)

	switch c.Retry {
	case RetryNone, RetryExponential:
	default:
		issues = append(issues, fmt.Sprintf("retry must be 'none' or 'exponential', got %q", c.Retry))
	}
	if c.Timeout < 0 {
		issues = append(issues, "timeout must be >= 0")
	}
	switch c.OutputFormat {
	case OutputHuman, OutputJSONL:
	default:
		issues = append(issues, fmt.Sprintf("output-format must be 'human' or 'jsonl', got %q", c.OutputFormat))
	}
	if c.Progress && c.OutputFormat == OutputJSONL && c.OutputFile == "" {
		issues = append(issues, "progress and jsonl output to stdout are mutually exclusive")
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		issues = append(issues, "otel-sample-rate must be between 0.0 and 1.0")
	}
	if c.Tracing.Insecure && c.Tracing.Enabled() {
		fmt.Fprintln(os.Stderr, "WARNING: OTLP export without TLS (otel-insecure). Use only with a local collector.")
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

func (c Config) validateShape() []string {
	var issues []string
	switch c.ShapeProfile {
	case ShapeBalanced, ShapeContext, ShapeGeneration:
	case ShapeCustom:
		if c.RequestPath == "" && c.ContextTokens < 1 {
			issues = append(issues, "context-tokens must be specified with shape-profile=custom")
		}
	default:
		issues = append(issues, fmt.Sprintf("shape-profile %q is not supported", c.ShapeProfile))
	}
	if c.ContextTokens < 0 {
		issues = append(issues, "context-tokens must be >= 0")
	}
	if c.MaxTokens != nil && *c.MaxTokens < 0 {
		issues = append(issues, "max-tokens must be > 0")
	}
	if c.Completions < 1 {
		issues = append(issues, "completions must be > 0")
	}
	if v := c.FrequencyPenalty; v != nil && (*v < -2 || *v > 2) {
		issues = append(issues, "frequency-penalty must be between -2.0 and 2.0")
	}
	if v := c.PresencePenalty; v != nil && (*v < -2 || *v > 2) {
		issues = append(issues, "presence-penalty must be between -2.0 and 2.0")
	}
	if v := c.Temperature; v != nil && (*v < 0 || *v > 2) {
		issues = append(issues, "temperature must be between 0 and 2.0")
	}
	if v := c.TopP; v != nil && (*v < 0 || *v > 1) {
		issues = append(issues, "top-p must be between 0 and 1.0")
	}
	return issues
}
