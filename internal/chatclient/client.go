// Package chatclient issues single chat-completion calls and measures them.
package chatclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/torosent/chatload/internal/clock"
	"github.com/torosent/chatload/internal/logging"
	"github.com/torosent/chatload/internal/metrics"
	"github.com/torosent/chatload/internal/requestgen"
	"github.com/torosent/chatload/internal/tracing"
)

// API styles.
const (
	StyleAzure  = "azure"
	StyleOpenAI = "openai"
)

// Retry modes.
const (
	RetryNone        = "none"
	RetryExponential = "exponential"
)

const (
	defaultTimeout         = 60 * time.Second
	defaultRetryInterval   = 500 * time.Millisecond
	defaultMaxRetryElapsed = 60 * time.Second
	defaultAPIVersion      = "2023-05-15"
	maxErrorBody           = 4 << 10

	utilizationHeader = "azure-openai-deployment-utilization"
)

// Options configure a Client.
type Options struct {
	Endpoint   string
	Deployment string
	APIVersion string
	APIStyle   string
	APIKey     string
	Stream     bool

	Retry           string
	RetryInterval   time.Duration // first backoff delay
	MaxRetryElapsed time.Duration
	Timeout         time.Duration
	MaxConns        int

	HTTPClient *http.Client
	Tracer     trace.Tracer
	Propagate  bool
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Client calls one deployment. It is safe for concurrent use and shares a
// single connection pool between callers.
type Client struct {
	opts Options
	url  string
	http *http.Client
}

// New validates opts and builds the target URL.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, errors.New("endpoint is required")
	}
	if strings.TrimSpace(opts.Deployment) == "" {
		return nil, errors.New("deployment is required")
	}
	switch opts.APIStyle {
	case "":
		opts.APIStyle = StyleAzure
	case StyleAzure, StyleOpenAI:
	default:
		return nil, fmt.Errorf("unsupported API style %q", opts.APIStyle)
	}
	switch opts.Retry {
	case "":
		opts.Retry = RetryNone
	case RetryNone, RetryExponential:
	default:
		return nil, fmt.Errorf("unsupported retry mode %q", opts.Retry)
	}
	if opts.APIVersion == "" {
		opts.APIVersion = defaultAPIVersion
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.MaxRetryElapsed <= 0 {
		opts.MaxRetryElapsed = defaultMaxRetryElapsed
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("chatload")
	}
	opts.Clock = clock.OrReal(opts.Clock)
	opts.Logger = logging.OrDiscard(opts.Logger)

	target, err := buildURL(opts)
	if err != nil {
		return nil, err
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.MaxConns > 0 {
			transport.MaxIdleConns = opts.MaxConns
			transport.MaxIdleConnsPerHost = opts.MaxConns
		}
		httpClient = &http.Client{Timeout: opts.Timeout, Transport: transport}
	}

	return &Client{opts: opts, url: target, http: httpClient}, nil
}

// URL returns the chat-completions URL the client posts to.
func (c *Client) URL() string {
	return c.url
}

func buildURL(opts Options) (string, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/"))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return "", fmt.Errorf("endpoint must be an http(s) URL, got %q", opts.Endpoint)
	}

	switch opts.APIStyle {
	case StyleOpenAI:
		if !strings.HasSuffix(base.Path, "/v1") {
			base.Path += "/v1"
		}
		base.Path += "/chat/completions"
	default:
		base.Path += "/openai/deployments/" + url.PathEscape(opts.Deployment) + "/chat/completions"
		q := base.Query()
		q.Set("api-version", opts.APIVersion)
		base.RawQuery = q.Encode()
	}
	return base.String(), nil
}

// Call sends payload, retrying per the configured policy, and returns the
// measured outcome. Failures are reported in the result, never as a panic
// or a separate error.
func (c *Client) Call(ctx context.Context, payload requestgen.Payload) metrics.CallResult {
	start := c.opts.Clock.Now()
	res := metrics.CallResult{Start: start, Utilization: -1}

	body, err := json.Marshal(c.prepare(payload))
	if err != nil {
		res.Err = fmt.Errorf("encode request: %w", err)
		res.End = c.opts.Clock.Now()
		return res
	}

	ctx, span := tracing.StartChatSpan(ctx, c.opts.Tracer, tracing.ChatTarget{
		Deployment: c.opts.Deployment,
		APIStyle:   c.opts.APIStyle,
		URL:        c.url,
		Stream:     c.opts.Stream,
	}, trace.WithTimestamp(start))

	if c.opts.Retry == RetryExponential {
		res = c.callWithBackoff(ctx, body)
	} else {
		res = c.attempt(ctx, body)
		res.Attempts = 1
	}
	res.Start = start

	tracing.FinishChatSpan(span, res)
	return res
}

func (c *Client) callWithBackoff(ctx context.Context, body []byte) metrics.CallResult {
	var last metrics.CallResult
	attempts := 0

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.RetryInterval
	policy.MaxInterval = 10 * time.Second

	op := func() (metrics.CallResult, error) {
		attempts++
		last = c.attempt(ctx, body)
		if !last.Failed() {
			return last, nil
		}
		err := last.Err
		if !retryable(err) {
			return last, backoff.Permanent(err)
		}
		var httpErr *HTTPError
		// Sub-second hints are left to the exponential policy.
		if errors.As(err, &httpErr) && httpErr.RetryAfter >= time.Second {
			return last, backoff.RetryAfter(int(math.Ceil(httpErr.RetryAfter.Seconds())))
		}
		return last, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(c.opts.MaxRetryElapsed),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.opts.Logger.Debug("retrying chat completion", "attempt", attempts, "wait", wait, "error", err)
		}),
	)
	last.Attempts = attempts
	if err != nil && last.Err == nil {
		last.Err = err
	}
	if last.End.IsZero() {
		last.End = c.opts.Clock.Now()
	}
	return last
}

// prepare copies the top level of payload so shared file payloads are never
// mutated, then applies the per-style fields.
func (c *Client) prepare(payload requestgen.Payload) map[string]any {
	body := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		body[k] = v
	}
	if c.opts.APIStyle == StyleOpenAI {
		if _, ok := body["model"]; !ok {
			body["model"] = c.opts.Deployment
		}
	}
	if c.opts.Stream {
		body["stream"] = true
		if _, ok := body["stream_options"]; !ok && c.opts.APIStyle == StyleOpenAI {
			body["stream_options"] = openai.StreamOptions{IncludeUsage: true}
		}
	} else {
		delete(body, "stream")
	}
	return body
}

// attempt performs one HTTP exchange. Start is reset by the caller so that
// retries are included in the reported latency.
func (c *Client) attempt(ctx context.Context, body []byte) metrics.CallResult {
	res := metrics.CallResult{Start: c.opts.Clock.Now(), Utilization: -1}
	finish := func(err error) metrics.CallResult {
		res.Err = err
		res.End = c.opts.Clock.Now()
		if !res.FirstByte.IsZero() && res.FirstByte.After(res.End) {
			res.FirstByte = res.End
		}
		return res
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return finish(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.APIKey != "" {
		if c.opts.APIStyle == StyleOpenAI {
			req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
		} else {
			req.Header.Set("api-key", c.opts.APIKey)
		}
	}
	if c.opts.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	if c.opts.Propagate {
		tracing.InjectHTTPHeaders(ctx, req.Header)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return finish(err)
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	res.Utilization = parseUtilization(resp.Header.Get(utilizationHeader))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return finish(&HTTPError{
			StatusCode: resp.StatusCode,
			Body:       errorMessage(data),
			RetryAfter: parseRetryAfter(resp.Header),
		})
	}

	if c.opts.Stream && strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		tokens, err := c.readStream(resp.Body, &res)
		res.GeneratedTokens = tokens
		return finish(err)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return finish(fmt.Errorf("read response: %w", err))
	}
	res.GeneratedTokens = int(gjson.GetBytes(data, "usage.completion_tokens").Int())
	return finish(nil)
}

// readStream consumes a server-sent event stream. FirstByte is the arrival
// of the first data line. Generated tokens come from the usage chunk when
// the server sends one, otherwise from the number of content chunks.
func (c *Client) readStream(body io.Reader, res *metrics.CallResult) (int, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)

	chunks := 0
	usage := -1
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		if res.FirstByte.IsZero() {
			res.FirstByte = c.opts.Clock.Now()
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		if msg := gjson.Get(data, "error.message"); msg.Exists() {
			return chunks, &StreamError{Message: msg.String()}
		}
		var chunk openai.ChatCompletionStreamResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				chunks++
			}
		}
		if chunk.Usage != nil {
			usage = chunk.Usage.CompletionTokens
		}
	}
	if err := scanner.Err(); err != nil {
		return chunks, fmt.Errorf("read stream: %w", err)
	}
	if usage >= 0 {
		return usage, nil
	}
	return chunks, nil
}

// errorMessage extracts error.message from an OpenAI-style error body and
// falls back to the raw text.
func errorMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		return msg.String()
	}
	return strings.TrimSpace(string(body))
}

// parseUtilization reads a percentage such as "42.5%". It returns -1 when
// the header is absent or malformed.
func parseUtilization(v string) float64 {
	v = strings.TrimSuffix(strings.TrimSpace(v), "%")
	if v == "" {
		return -1
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return -1
	}
	return f
}

// parseRetryAfter prefers the millisecond header sent by Azure and falls
// back to the standard seconds form.
func parseRetryAfter(h http.Header) time.Duration {
	if ms, err := strconv.Atoi(strings.TrimSpace(h.Get("retry-after-ms"))); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h.Get("Retry-After"))); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
