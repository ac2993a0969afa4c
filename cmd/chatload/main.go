package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/torosent/chatload/internal/chatclient"
	"github.com/torosent/chatload/internal/config"
	"github.com/torosent/chatload/internal/history"
	"github.com/torosent/chatload/internal/logging"
	"github.com/torosent/chatload/internal/metrics"
	"github.com/torosent/chatload/internal/output"
	"github.com/torosent/chatload/internal/promexport"
	"github.com/torosent/chatload/internal/ratelimit"
	"github.com/torosent/chatload/internal/requestgen"
	"github.com/torosent/chatload/internal/runner"
	"github.com/torosent/chatload/internal/threshold"
	"github.com/torosent/chatload/internal/tracing"
)

const (
	progressInterval = time.Second
	shutdownTimeout  = 5 * time.Second
)

// environment carries the process level dependencies of a run so tests can
// swap them.
type environment struct {
	stdout     io.Writer
	stderr     io.Writer
	tokenizer  requestgen.Tokenizer
	httpClient *http.Client
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return execute(ctx, args, environment{
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		tokenizer: requestgen.NewTiktokenCounter(),
	})
}

func execute(ctx context.Context, args []string, env environment) error {
	loader := config.NewLoader()
	cfg, err := loader.Load(args)
	if err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	thresholds, err := threshold.ParseMultiple(cfg.Thresholds)
	if err != nil {
		return fmt.Errorf("invalid thresholds: %w", err)
	}

	runID := ulid.Make().String()
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, env.stderr)
	if err != nil {
		return err
	}
	logger = logger.With("run_id", runID)

	tp, err := tracing.Init(ctx, cfg.Tracing, attribute.String("chatload.run_id", runID))
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	builder, err := newBuilder(cfg, env.tokenizer, logger)
	if err != nil {
		return err
	}

	limiter, err := ratelimit.New(cfg.Rate, time.Minute, cfg.RateMode, nil)
	if err != nil {
		return err
	}

	client, err := chatclient.New(chatclient.Options{
		Endpoint:   cfg.Endpoint,
		Deployment: cfg.Deployment,
		APIVersion: cfg.APIVersion,
		APIStyle:   cfg.APIStyle,
		APIKey:     cfg.APIKey,
		Stream:     cfg.Streaming(),
		Retry:      cfg.Retry,
		Timeout:    cfg.Timeout,
		MaxConns:   cfg.Clients,
		HTTPClient: env.httpClient,
		Tracer:     tp.Tracer(),
		Propagate:  tp.ShouldPropagate(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	windows := &output.WindowLog{}
	sinks := []metrics.SummarySink{output.NewLineSink(env.stdout, cfg.OutputFormat), windows}
	var observers []metrics.ResultObserver

	if cfg.OutputFile != "" {
		fileSink, err := output.OpenFileSink(cfg.OutputFile, cfg.OutputFormat)
		if err != nil {
			return err
		}
		defer fileSink.Close()
		sinks = append(sinks, fileSink)
	}

	if cfg.HistoryDB != "" {
		store, err := history.Open(cfg.HistoryDB)
		if err != nil {
			return err
		}
		defer store.Close()
		sinks = append(sinks, store)
	}

	if cfg.MetricsAddr != "" {
		exporter := promexport.New(runID, logger)
		_, stopMetrics, err := exporter.Serve(ctx, cfg.MetricsAddr)
		if err != nil {
			return err
		}
		defer stopMetrics()
		sinks = append(sinks, exporter)
		observers = append(observers, exporter)
	}

	var (
		aggregator *metrics.Aggregator
		progress   *output.ProgressReporter
	)
	if cfg.Progress {
		progress = output.NewProgressReporter(env.stderr, cfg.Requests, progressInterval, func() metrics.Summary {
			return aggregator.Snapshot()
		})
		observers = append(observers, progress)
	}

	aggregator = metrics.NewAggregator(metrics.AggregatorOptions{
		WindowDuration: cfg.AggregationWindow,
		Clients:        cfg.Clients,
		Sinks:          sinks,
		Observers:      observers,
		Logger:         logger,
		RunID:          runID,
	})
	r := runner.New(runner.Options{
		Concurrency:   cfg.Clients,
		TotalRequests: cfg.Requests,
		Duration:      cfg.Duration,
		Limiter:       limiter,
		Builder:       builder,
		Caller:        client,
		Recorder:      aggregator,
		Logger:        logger,
		LogFailures:   cfg.LogErrors,
	})

	logger.Info("starting load test",
		"endpoint", client.URL(),
		"clients", cfg.Clients,
		"requests", cfg.Requests,
		"duration", cfg.Duration,
		"rate_per_minute", cfg.Rate,
		"stream", cfg.Streaming(),
	)

	aggregator.Start()
	if progress != nil {
		progress.Start()
	}
	result := r.Run(ctx)
	if progress != nil {
		progress.Stop()
		fmt.Fprintln(env.stderr)
	}
	summary := aggregator.Stop()
	if result.Canceled > 0 {
		logger.Info("interrupted calls were not counted", "calls", result.Canceled)
	}

	results := threshold.NewEvaluator(thresholds).Evaluate(summary)
	if cfg.OutputFormat == output.FormatJSONL {
		if err := output.PrintJSONThresholds(env.stdout, runID, results); err != nil {
			return err
		}
	} else {
		output.PrintReport(env.stdout, summary, windows.Windows())
		output.PrintThresholds(env.stdout, results)
	}

	if result.Err != nil {
		return fmt.Errorf("run stopped early: %w", result.Err)
	}
	if !threshold.AllPassed(results) {
		return errors.New("one or more thresholds failed")
	}
	return nil
}

func newBuilder(cfg *config.Config, tokenizer requestgen.Tokenizer, logger *slog.Logger) (requestgen.Builder, error) {
	if cfg.RequestPath != "" {
		return requestgen.NewFileBuilder(cfg.RequestPath, logger)
	}
	contextTokens, maxTokens := cfg.Shape()
	completions := cfg.Completions
	return requestgen.NewRandomBuilder(requestgen.RandomOptions{
		Model:            cfg.TokenizerModel,
		ContextTokens:    contextTokens,
		MaxTokens:        maxTokens,
		Completions:      &completions,
		FrequencyPenalty: cfg.FrequencyPenalty,
		PresencePenalty:  cfg.PresencePenalty,
		Temperature:      cfg.Temperature,
		TopP:             cfg.TopP,
		Tokenizer:        tokenizer,
		Seed:             cfg.Seed,
		Logger:           logger,
	})
}
