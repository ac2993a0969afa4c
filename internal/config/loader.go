package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader handles loading configuration from files and command-line arguments.
type Loader struct{}

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses command-line arguments and configuration files to produce a
// Config. The API key is resolved from the environment, falling back to the
// env file.
func (Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}

	flagSet := cmd.Flags()
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
	}

	// If no arguments provided and no config file, show help/usage
	configPath := flagSet.Lookup("config").Value.String()
	if len(args) == 0 && configPath == "" {
		displayHelp(cmd)
		return nil, ErrHelpRequested
	}
	cfgViper := viper.New()
	if configPath != "" {
		cfgViper.SetConfigFile(configPath)
		if err := cfgViper.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	settings := cfgViper.AllSettings()

	cfg := &Config{
		APIVersion:        defaultAPIVersion,
		APIStyle:          APIStyleAzure,
		APIKeyEnv:         defaultAPIKeyEnv,
		Clients:           defaultClients,
		RateMode:          RateModeWindow,
		AggregationWindow: defaultWindow,
		ShapeProfile:      ShapeBalanced,
		Completions:       1,
		Retry:             RetryNone,
		Timeout:           defaultTimeout,
		OutputFormat:      OutputHuman,
		LogLevel:          "info",
		LogFormat:         "text",
		ConfigFile:        configPath,
		Tracing: TracingConfig{
			Protocol:   "grpc",
			SampleRate: defaultSampleRate,
		},
	}

	if err := applyConfigSettings(cfg, settings); err != nil {
		return nil, err
	}

	if err := applyFlagOverrides(cfg, flagSet); err != nil {
		return nil, err
	}

	switch positional := flagSet.Args(); len(positional) {
	case 0:
	case 1:
		if flagSet.Changed("endpoint") {
			return nil, fmt.Errorf("endpoint given both as --endpoint and as argument")
		}
		cfg.Endpoint = strings.TrimSpace(positional[0])
	default:
		return nil, fmt.Errorf("expected a single endpoint argument, got %d", len(positional))
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")

	key, err := resolveAPIKey(cfg.APIKeyEnv, cfg.EnvFile)
	if err != nil {
		return nil, err
	}
	cfg.APIKey = key

	return cfg, nil
}

// resolveAPIKey looks the key up in the process environment first and then
// in the env file. An explicit env file must exist; the default .env is
// optional. The process environment is not modified.
func resolveAPIKey(name, envFile string) (string, error) {
	if name == "" {
		return "", nil
	}
	if v, ok := os.LookupEnv(name); ok {
		return v, nil
	}

	path := envFile
	if path == "" {
		path = defaultEnvFile
		if _, err := os.Stat(path); err != nil {
			return "", nil
		}
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return "", fmt.Errorf("env file %s: %w", path, err)
	}
	return values[name], nil
}

// applyConfigSettings applies settings from a config file to the Config struct.
func applyConfigSettings(cfg *Config, settings map[string]interface{}) error {
	if len(settings) == 0 {
		return nil
	}

	plain := []struct {
		keys []string
		dst  *string
	}{
		{[]string{"endpoint"}, &cfg.Endpoint},
		{[]string{"deployment"}, &cfg.Deployment},
		{[]string{"api_version", "apiversion", "api-version"}, &cfg.APIVersion},
		{[]string{"api_key_env", "apikeyenv", "api-key-env"}, &cfg.APIKeyEnv},
		{[]string{"env_file", "envfile", "env-file"}, &cfg.EnvFile},
		{[]string{"request_path", "requestpath", "request-path"}, &cfg.RequestPath},
		{[]string{"tokenizer_model", "tokenizermodel", "tokenizer-model"}, &cfg.TokenizerModel},
		{[]string{"output_file", "outputfile", "output-file"}, &cfg.OutputFile},
		{[]string{"history_db", "historydb", "history-db"}, &cfg.HistoryDB},
		{[]string{"metrics_addr", "metricsaddr", "metrics-addr"}, &cfg.MetricsAddr},
	}
	for _, s := range plain {
		raw, ok := lookupSetting(settings, s.keys...)
		if !ok {
			continue
		}
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", s.keys[0], err)
		}
		*s.dst = strings.TrimSpace(val)
	}

	lowered := []struct {
		keys []string
		dst  *string
	}{
		{[]string{"api_style", "apistyle", "api-style"}, &cfg.APIStyle},
		{[]string{"rate_mode", "ratemode", "rate-mode"}, &cfg.RateMode},
		{[]string{"shape_profile", "shapeprofile", "shape-profile"}, &cfg.ShapeProfile},
		{[]string{"retry"}, &cfg.Retry},
		{[]string{"output_format", "outputformat", "output-format"}, &cfg.OutputFormat},
		{[]string{"log_level", "loglevel", "log-level"}, &cfg.LogLevel},
		{[]string{"log_format", "logformat", "log-format"}, &cfg.LogFormat},
	}
	for _, s := range lowered {
		raw, ok := lookupSetting(settings, s.keys...)
		if !ok {
			continue
		}
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", s.keys[0], err)
		}
		if val = strings.ToLower(strings.TrimSpace(val)); val != "" {
			*s.dst = val
		}
	}

	ints := []struct {
		keys []string
		dst  *int
	}{
		{[]string{"clients"}, &cfg.Clients},
		{[]string{"requests"}, &cfg.Requests},
		{[]string{"rate"}, &cfg.Rate},
		{[]string{"context_tokens", "contexttokens", "context-tokens"}, &cfg.ContextTokens},
		{[]string{"completions"}, &cfg.Completions},
	}
	for _, s := range ints {
		raw, ok := lookupSetting(settings, s.keys...)
		if !ok {
			continue
		}
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", s.keys[0], err)
		}
		*s.dst = val
	}

	durations := []struct {
		keys []string
		dst  *time.Duration
	}{
		{[]string{"duration"}, &cfg.Duration},
		{[]string{"aggregation_window", "aggregationwindow", "aggregation-window"}, &cfg.AggregationWindow},
		{[]string{"timeout"}, &cfg.Timeout},
	}
	for _, s := range durations {
		raw, ok := lookupSetting(settings, s.keys...)
		if !ok {
			continue
		}
		val, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", s.keys[0], err)
		}
		*s.dst = val
	}

	bools := []struct {
		keys []string
		dst  *bool
	}{
		{[]string{"non_stream", "nonstream", "non-stream"}, &cfg.NonStream},
		{[]string{"progress"}, &cfg.Progress},
		{[]string{"log_errors", "logerrors", "log-errors"}, &cfg.LogErrors},
	}
	for _, s := range bools {
		raw, ok := lookupSetting(settings, s.keys...)
		if !ok {
			continue
		}
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", s.keys[0], err)
		}
		*s.dst = val
	}

	optionalFloats := []struct {
		keys []string
		dst  **float64
	}{
		{[]string{"frequency_penalty", "frequencypenalty", "frequency-penalty"}, &cfg.FrequencyPenalty},
		{[]string{"presence_penalty", "presencepenalty", "presence-penalty"}, &cfg.PresencePenalty},
		{[]string{"temperature"}, &cfg.Temperature},
		{[]string{"top_p", "topp", "top-p"}, &cfg.TopP},
	}
	for _, s := range optionalFloats {
		raw, ok := lookupSetting(settings, s.keys...)
		if !ok || raw == nil {
			continue
		}
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", s.keys[0], err)
		}
		*s.dst = &val
	}

	if raw, ok := lookupSetting(settings, "max_tokens", "maxtokens", "max-tokens"); ok && raw != nil {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("max_tokens: %w", err)
		}
		cfg.MaxTokens = &val
	}

	if raw, ok := lookupSetting(settings, "seed"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		cfg.Seed = int64(val)
	}

	if raw, ok := lookupSetting(settings, "thresholds"); ok {
		val, err := asStringSlice(raw)
		if err != nil {
			return fmt.Errorf("thresholds: %w", err)
		}
		cfg.Thresholds = val
	}

	if raw, ok := lookupSetting(settings, "tracing"); ok {
		if err := applyTracingSettings(&cfg.Tracing, raw); err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
	}

	return nil
}

func applyTracingSettings(t *TracingConfig, value interface{}) error {
	settings, err := toStringKeyMap(value)
	if err != nil {
		return err
	}

	if raw, ok := lookupSetting(settings, "endpoint"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("endpoint: %w", err)
		}
		t.Endpoint = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "protocol"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("protocol: %w", err)
		}
		t.Protocol = strings.ToLower(strings.TrimSpace(val))
	}
	if raw, ok := lookupSetting(settings, "insecure"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("insecure: %w", err)
		}
		t.Insecure = val
	}
	if raw, ok := lookupSetting(settings, "sample_rate", "samplerate", "sample-rate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("sample_rate: %w", err)
		}
		t.SampleRate = val
	}
	if raw, ok := lookupSetting(settings, "service_name", "servicename", "service-name"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("service_name: %w", err)
		}
		t.ServiceName = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "propagate"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("propagate: %w", err)
		}
		t.Propagate = &val
	}
	return nil
}
