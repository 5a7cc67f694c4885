package robusthttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/synapsis-social/synapsis/util/ssrf"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type LeveledSlog struct {
	inner *slog.Logger
}

// re-writes HTTP client ERROR to WARN level (because of retries)
func (l LeveledSlog) Error(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Warn(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Info(msg string, keysAndValues ...any) {
	l.inner.Info(msg, keysAndValues...)
}

func (l LeveledSlog) Debug(msg string, keysAndValues ...any) {
	l.inner.Debug(msg, keysAndValues...)
}

type Option func(*retryablehttp.Client, *http.Client)

func WithMaxRetries(maxRetries int) Option {
	return func(rc *retryablehttp.Client, _ *http.Client) {
		rc.RetryMax = maxRetries
	}
}

// Sets the minimum and maximum wait between retries.
func WithRetryWait(waitMin, waitMax time.Duration) Option {
	return func(rc *retryablehttp.Client, _ *http.Client) {
		rc.RetryWaitMin = waitMin
		rc.RetryWaitMax = waitMax
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(rc *retryablehttp.Client, _ *http.Client) {
		rc.Logger = retryablehttp.LeveledLogger(LeveledSlog{inner: logger})
	}
}

// Overall timeout for a request, including all retries.
func WithTimeout(timeout time.Duration) Option {
	return func(_ *retryablehttp.Client, c *http.Client) {
		c.Timeout = timeout
	}
}

// Only dial public IP addresses on ports 80 and 443. Use for every request to a peer-supplied URL.
func WithSSRFProtection() Option {
	return func(rc *retryablehttp.Client, _ *http.Client) {
		rc.HTTPClient.Transport = otelhttp.NewTransport(ssrf.PublicOnlyTransport())
	}
}

func WithRetryPolicy(policy retryablehttp.CheckRetry) Option {
	return func(rc *retryablehttp.Client, _ *http.Client) {
		rc.CheckRetry = policy
	}
}

// Generates an HTTP client with decent defaults around timeouts and retries, for node-to-node traffic. The returned client has the stdlib http.Client interface, but has Hashicorp retryablehttp logic internally.
//
// This client will retry on connection errors and 5xx status (except 501). It will log intermediate failures with WARN level. Retries make outbound interaction delivery at-least-once; receivers de-duplicate by action identity.
func NewClient(options ...Option) *http.Client {
	logger := LeveledSlog{inner: slog.Default().With("subsystem", "RobustHTTPClient")}
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Transport = otelhttp.NewTransport(cleanhttp.DefaultPooledTransport())
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = retryablehttp.LeveledLogger(logger)
	retryClient.CheckRetry = DefaultRetryPolicy

	client := retryClient.StandardClient()
	client.Timeout = 30 * time.Second
	for _, option := range options {
		option(retryClient, client)
	}
	return client
}

// Short per-call timeout and no retries: for fan-out reads where a slow peer is recorded as failed rather than waited on.
func NewFanoutClient(timeout time.Duration, options ...Option) *http.Client {
	opts := append([]Option{WithMaxRetries(0), WithTimeout(timeout)}, options...)
	return NewClient(opts...)
}

// DefaultRetryPolicy is a wrapper around retryablehttp.DefaultRetryPolicy.
// It treats `429 Too Many Requests` as non-retryable, so the application can decide
// how to deal with rate-limiting.
func DefaultRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}
