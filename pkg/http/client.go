// Package http is the REST transport under every venue adapter: retries with
// backoff, a circuit breaker, per-venue rate limits, and request signing.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"basis_arb/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// APIError carries a non-2xx venue response. Adapters parse Body to map the
// venue's error code onto an apperrors sentinel.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Signer signs a request in place: it may append query parameters or set
// headers. body is the already-encoded request body, nil when absent.
type Signer interface {
	SignRequest(req *http.Request, body []byte) error
}

// RequestOptions are per-call overrides of the client defaults.
type RequestOptions struct {
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	Unsigned     bool
}

// Option mutates RequestOptions.
type Option func(*RequestOptions)

// WithTimeout overrides the request deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *RequestOptions) { o.Timeout = d }
}

// WithMaxRetries overrides the retry count for this call.
func WithMaxRetries(n int) Option {
	return func(o *RequestOptions) { o.MaxRetries = n }
}

// WithRetryBackoff overrides the initial retry backoff for this call.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *RequestOptions) { o.RetryBackoff = d }
}

// Unsigned skips the signer for this call on an otherwise signed client.
func Unsigned() Option {
	return func(o *RequestOptions) { o.Unsigned = true }
}

// Client wraps http.Client with the failsafe pipeline. One Client per venue
// per traffic category, so the breaker and limiter isolate venues from each
// other.
type Client struct {
	client   *http.Client
	baseURL  string
	signer   Signer
	limiter  *rate.Limiter
	breaker  circuitbreaker.CircuitBreaker[*http.Response]
	pipeline failsafe.Executor[*http.Response]

	tracer  trace.Tracer
	metrics clientMetrics
}

// clientMetrics groups the per-request instruments.
type clientMetrics struct {
	requests metric.Int64Counter
	errors   metric.Int64Counter
	latency  metric.Float64Histogram
}

func newClientMetrics() clientMetrics {
	meter := telemetry.GetMeter("http-client")
	requests, _ := meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests"))
	errors, _ := meter.Int64Counter("http_errors_total",
		metric.WithDescription("Total number of HTTP errors"))
	latency, _ := meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"))
	return clientMetrics{requests: requests, errors: errors, latency: latency}
}

// requestAttrs labels instruments by method and path, never by query string,
// so signed parameters stay out of metric labels.
func requestAttrs(req *http.Request, extra ...attribute.KeyValue) metric.MeasurementOption {
	attrs := append([]attribute.KeyValue{
		attribute.String("method", req.Method),
		attribute.String("path", req.URL.Path),
	}, extra...)
	return metric.WithAttributes(attrs...)
}

func retryableStatus(code int) bool {
	return code >= 500 || code == 429 || code == 418
}

// signError marks a failed SignRequest. Signing is deterministic, so the
// retry policy lets these through immediately.
type signError struct {
	err error
}

func (e *signError) Error() string { return e.err.Error() }
func (e *signError) Unwrap() error { return e.err }

func newRetryPolicy(backoff time.Duration, maxRetries int) retrypolicy.RetryPolicy[*http.Response] {
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			// Retry on network errors, 5xx, and rate-limit responses.
			// 4xx business rejections are deterministic and surface as-is.
			if err != nil {
				var se *signError
				return !errors.As(err, &se)
			}
			return retryableStatus(resp.StatusCode)
		}).
		WithBackoff(backoff, 2*time.Second).
		WithMaxRetries(maxRetries).
		Build()
}

// newBreaker opens after 5 failures in a 10-request window and probes again
// after 10 seconds. Transport errors and 5xx count as failures; 4xx do not,
// a venue rejecting bad requests is still healthy.
func newBreaker() circuitbreaker.CircuitBreaker[*http.Response] {
	return circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()
}

// NewClient creates a venue REST client with default resilience policies.
// limiter may be nil for venues without a request budget on this category.
func NewClient(baseURL string, timeout time.Duration, signer Signer, limiter *rate.Limiter) *Client {
	breaker := newBreaker()
	return &Client{
		client:   &http.Client{Timeout: timeout},
		baseURL:  baseURL,
		signer:   signer,
		limiter:  limiter,
		breaker:  breaker,
		pipeline: failsafe.With[*http.Response](newRetryPolicy(0, 0), breaker),
		tracer:   telemetry.GetTracer("http-client"),
		metrics:  newClientMetrics(),
	}
}

// Get sends a GET request
func (c *Client) Get(ctx context.Context, path string, params url.Values, opts ...Option) ([]byte, error) {
	return c.request(ctx, http.MethodGet, path, params, nil, opts...)
}

// Post sends a POST request. body, when non-nil, is JSON-encoded.
func (c *Client) Post(ctx context.Context, path string, params url.Values, body interface{}, opts ...Option) ([]byte, error) {
	return c.request(ctx, http.MethodPost, path, params, body, opts...)
}

// Put sends a PUT request
func (c *Client) Put(ctx context.Context, path string, params url.Values, body interface{}, opts ...Option) ([]byte, error) {
	return c.request(ctx, http.MethodPut, path, params, body, opts...)
}

// Delete sends a DELETE request
func (c *Client) Delete(ctx context.Context, path string, params url.Values, opts ...Option) ([]byte, error) {
	return c.request(ctx, http.MethodDelete, path, params, nil, opts...)
}

func (c *Client) request(ctx context.Context, method, path string, params url.Values, body interface{}, opts ...Option) ([]byte, error) {
	var o RequestOptions
	for _, opt := range opts {
		opt(&o)
	}

	var bodyBytes []byte
	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		bodyBytes = encoded
		bodyReader = bytes.NewReader(encoded)
	}

	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if len(params) > 0 {
		req.URL.RawQuery = params.Encode()
	}
	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.do(req, bodyBytes, o)
}

func (c *Client) do(req *http.Request, body []byte, o RequestOptions) ([]byte, error) {
	start := time.Now()
	ctx := req.Context()

	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("%s %s", req.Method, req.URL.Path),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL.String()),
		),
	)
	defer span.End()
	req = req.WithContext(ctx)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	pipeline := c.pipeline
	if o.MaxRetries > 0 || o.RetryBackoff > 0 {
		pipeline = failsafe.With[*http.Response](newRetryPolicy(o.RetryBackoff, o.MaxRetries), c.breaker)
	}

	// req stays unsigned; every attempt is cloned, given a fresh body, and
	// signed on its own. Signers embed a timestamp and venues bound its age
	// via recvWindow, so a signature from before the backoff wait can expire.
	resp, err := pipeline.GetWithExecution(func(_ failsafe.Execution[*http.Response]) (*http.Response, error) {
		attempt := req.Clone(ctx)
		if body != nil {
			attempt.Body = io.NopCloser(bytes.NewReader(body))
		}
		if c.signer != nil && !o.Unsigned {
			if err := c.signer.SignRequest(attempt, body); err != nil {
				return nil, &signError{err: fmt.Errorf("sign request: %w", err)}
			}
		}
		resp, err := c.client.Do(attempt)
		if err == nil && retryableStatus(resp.StatusCode) {
			// This response may be discarded by a retry; buffer it so the
			// connection is released either way.
			drained, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			resp.Body = io.NopCloser(bytes.NewReader(drained))
		}
		return resp, err
	})

	c.metrics.requests.Add(ctx, 1, requestAttrs(req))
	c.metrics.latency.Record(ctx, time.Since(start).Seconds(), requestAttrs(req))

	if err != nil {
		span.RecordError(err)
		c.metrics.errors.Add(ctx, 1, requestAttrs(req, attribute.String("error", "pipeline_failed")))
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.metrics.errors.Add(ctx, 1, requestAttrs(req, attribute.Int("status", resp.StatusCode)))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: respBody}
	}

	return respBody, nil
}
