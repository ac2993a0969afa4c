package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	defaultAPIVersion = "2023-05-15"
	defaultAPIKeyEnv  = "OPENAI_API_KEY"
	defaultEnvFile    = ".env"
	defaultClients    = 20
	defaultWindow     = 60 * time.Second
	defaultTimeout    = 60 * time.Second
	defaultSampleRate = 1.0
)

// RegisterFlags registers all CLI flags to a cobra command.
func RegisterFlags(cmd *cobra.Command) {
	configureFlags(cmd.Flags())
}

// newFlagCommand creates a cobra command with all flags configured.
func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chatload [flags] <endpoint>",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

// configureFlags sets up all CLI flags on the provided flag set.
func configureFlags(flags *pflag.FlagSet) {
	// Target flags
	flags.String("endpoint", "", "Base endpoint URL (may also be given as the positional argument)")
	flags.String("deployment", "", "Deployment name (azure) or model name (openai)")
	flags.String("api-version", defaultAPIVersion, "API version query parameter for azure endpoints")
	flags.String("api-style", APIStyleAzure, "Endpoint style: 'azure' or 'openai'")
	flags.String("api-key-env", defaultAPIKeyEnv, "Environment variable holding the API key")
	flags.String("env-file", "", "Path to a .env file loaded before the API key lookup (default .env if present)")

	// Load control flags
	flags.IntP("clients", "c", defaultClients, "Number of concurrent clients")
	flags.IntP("requests", "n", 0, "Number of requests to send (0 means unlimited)")
	flags.DurationP("duration", "d", 0, "How long to run the test (0 means unlimited, otherwise >= 30s)")
	flags.IntP("rate", "r", 0, "Requests per minute limit (0 means as fast as possible)")
	flags.String("rate-mode", RateModeWindow, "Rate limiter: 'window' (fixed minute budget) or 'paced' (evenly spread)")
	flags.Duration("aggregation-window", defaultWindow, "Statistics aggregation window")

	// Request shape flags
	flags.String("shape-profile", ShapeBalanced, "Request shape: 'balanced', 'context', 'generation' or 'custom'")
	flags.Int("context-tokens", 0, "Context tokens per request (shape-profile=custom)")
	flags.Int("max-tokens", 0, "max_tokens per request (shape-profile=custom)")
	flags.Int("completions", 1, "Completions (n) per request")
	flags.Float64("frequency-penalty", 0, "frequency_penalty request parameter")
	flags.Float64("presence-penalty", 0, "presence_penalty request parameter")
	flags.Float64("temperature", 0, "temperature request parameter")
	flags.Float64("top-p", 0, "top_p request parameter")
	flags.String("request-path", "", "Directory of JSON or YAML request bodies to replay instead of generated prompts")
	flags.String("tokenizer-model", "", "Tokenizer model used to size generated prompts")
	flags.Int64("seed", 0, "Seed for prompt word selection (0 means random)")

	// Call flags
	flags.String("retry", RetryNone, "Retry strategy: 'none' or 'exponential'")
	flags.Duration("timeout", defaultTimeout, "Per-request timeout")
	flags.Bool("non-stream", false, "Request non-streamed responses")

	// Output flags
	flags.String("output-format", OutputHuman, "Summary format: 'human' or 'jsonl'")
	flags.String("output-file", "", "Append summaries to this file")
	flags.Bool("progress", false, "Show a progress bar on stderr")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.String("log-format", "text", "Log format: 'text' or 'json'")
	flags.Bool("log-errors", false, "Log each failed request at warn level")
	flags.StringSlice("threshold", nil, "Run thresholds (repeatable, e.g., 'e2e:p95 < 2000')")
	flags.String("history-db", "", "Record run summaries in this sqlite database")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	flags.String("config", "", "Path to configuration file (JSON or YAML)")

	// Tracing flags
	flags.String("otel-endpoint", "", "OTLP collector endpoint (enables tracing)")
	flags.String("otel-protocol", "grpc", "OTLP protocol: 'grpc' or 'http'")
	flags.Bool("otel-insecure", false, "Disable TLS for the OTLP exporter")
	flags.Float64("otel-sample-rate", defaultSampleRate, "Trace sample rate between 0.0 and 1.0")
	flags.String("otel-service-name", "", "Service name reported on spans")
	flags.Bool("otel-propagate", false, "Inject W3C trace headers into requests")
}

// displayHelp prints the help message for a command.
func displayHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage: %s\n\nFlags:\n", cmd.UseLine())
	fs := cmd.Flags()
	fs.SetOutput(out)
	fs.PrintDefaults()
}

// applyFlagOverrides applies command-line flag values to the config, overriding
// values from the config file.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	plain := []struct {
		name string
		dst  *string
	}{
		{"endpoint", &cfg.Endpoint},
		{"deployment", &cfg.Deployment},
		{"api-version", &cfg.APIVersion},
		{"api-key-env", &cfg.APIKeyEnv},
		{"env-file", &cfg.EnvFile},
		{"request-path", &cfg.RequestPath},
		{"tokenizer-model", &cfg.TokenizerModel},
		{"output-file", &cfg.OutputFile},
		{"history-db", &cfg.HistoryDB},
		{"metrics-addr", &cfg.MetricsAddr},
		{"otel-endpoint", &cfg.Tracing.Endpoint},
		{"otel-service-name", &cfg.Tracing.ServiceName},
	}
	for _, f := range plain {
		if !fs.Changed(f.name) {
			continue
		}
		val, err := fs.GetString(f.name)
		if err != nil {
			return err
		}
		*f.dst = strings.TrimSpace(val)
	}

	lowered := []struct {
		name string
		dst  *string
	}{
		{"api-style", &cfg.APIStyle},
		{"rate-mode", &cfg.RateMode},
		{"shape-profile", &cfg.ShapeProfile},
		{"retry", &cfg.Retry},
		{"output-format", &cfg.OutputFormat},
		{"log-level", &cfg.LogLevel},
		{"log-format", &cfg.LogFormat},
		{"otel-protocol", &cfg.Tracing.Protocol},
	}
	for _, f := range lowered {
		if !fs.Changed(f.name) {
			continue
		}
		val, err := fs.GetString(f.name)
		if err != nil {
			return err
		}
		*f.dst = strings.ToLower(strings.TrimSpace(val))
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"clients", &cfg.Clients},
		{"requests", &cfg.Requests},
		{"rate", &cfg.Rate},
		{"context-tokens", &cfg.ContextTokens},
		{"completions", &cfg.Completions},
	}
	for _, f := range ints {
		if !fs.Changed(f.name) {
			continue
		}
		val, err := fs.GetInt(f.name)
		if err != nil {
			return err
		}
		*f.dst = val
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"duration", &cfg.Duration},
		{"aggregation-window", &cfg.AggregationWindow},
		{"timeout", &cfg.Timeout},
	}
	for _, f := range durations {
		if !fs.Changed(f.name) {
			continue
		}
		val, err := fs.GetDuration(f.name)
		if err != nil {
			return err
		}
		*f.dst = val
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"non-stream", &cfg.NonStream},
		{"progress", &cfg.Progress},
		{"log-errors", &cfg.LogErrors},
		{"otel-insecure", &cfg.Tracing.Insecure},
	}
	for _, f := range bools {
		if !fs.Changed(f.name) {
			continue
		}
		val, err := fs.GetBool(f.name)
		if err != nil {
			return err
		}
		*f.dst = val
	}

	// Request parameters stay unset unless given, so they are left out of
	// the payload.
	optionalFloats := []struct {
		name string
		dst  **float64
	}{
		{"frequency-penalty", &cfg.FrequencyPenalty},
		{"presence-penalty", &cfg.PresencePenalty},
		{"temperature", &cfg.Temperature},
		{"top-p", &cfg.TopP},
	}
	for _, f := range optionalFloats {
		if !fs.Changed(f.name) {
			continue
		}
		val, err := fs.GetFloat64(f.name)
		if err != nil {
			return err
		}
		*f.dst = &val
	}

	if fs.Changed("max-tokens") {
		val, err := fs.GetInt("max-tokens")
		if err != nil {
			return err
		}
		cfg.MaxTokens = &val
	}
	if fs.Changed("seed") {
		val, err := fs.GetInt64("seed")
		if err != nil {
			return err
		}
		cfg.Seed = val
	}
	if fs.Changed("otel-sample-rate") {
		val, err := fs.GetFloat64("otel-sample-rate")
		if err != nil {
			return err
		}
		cfg.Tracing.SampleRate = val
	}
	if fs.Changed("otel-propagate") {
		val, err := fs.GetBool("otel-propagate")
		if err != nil {
			return err
		}
		cfg.Tracing.Propagate = &val
	}
	if fs.Changed("threshold") {
		val, err := fs.GetStringSlice("threshold")
		if err != nil {
			return err
		}
		cfg.Thresholds = val
	}

	return nil
}
