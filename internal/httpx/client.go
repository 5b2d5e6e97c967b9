// Package httpx builds HTTP clients with retry and timeout defaults suited
// to scraping unreliable upstreams. The returned clients expose the stdlib
// http.Client interface with hashicorp retryablehttp logic inside.
package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"zpravobot/internal/logging"
)

type printfLogger struct{}

// retryablehttp retries internally, so its errors are warnings here.
func (printfLogger) Error(msg string, kv ...interface{}) { logging.Warn("%s %v", msg, kv) }
func (printfLogger) Warn(msg string, kv ...interface{})  { logging.Warn("%s %v", msg, kv) }
func (printfLogger) Info(msg string, kv ...interface{})  { logging.Debug("%s %v", msg, kv) }
func (printfLogger) Debug(msg string, kv ...interface{}) { logging.Debug("%s %v", msg, kv) }

// Option customizes the retrying client.
type Option func(*retryablehttp.Client)

// WithMaxRetries sets the maximum number of transport-level retries.
func WithMaxRetries(maxRetries int) Option {
	return func(client *retryablehttp.Client) {
		client.RetryMax = maxRetries
	}
}

// WithTimeout sets the overall request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(client *retryablehttp.Client) {
		client.HTTPClient.Timeout = timeout
	}
}

// NewClient returns an HTTP client that retries connection errors and 5xx
// responses. Definitive statuses (404, 410) and rate limiting (429) are
// never retried; the fetch cascade decides what to do with those.
func NewClient(options ...Option) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Transport = cleanhttp.DefaultPooledTransport()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 4 * time.Second
	retryClient.Logger = retryablehttp.LeveledLogger(printfLogger{})
	retryClient.CheckRetry = RetryPolicy

	for _, option := range options {
		option(retryClient)
	}

	client := retryClient.StandardClient()
	if client.Timeout == 0 {
		client.Timeout = 30 * time.Second
	}
	return client
}

// RetryPolicy wraps retryablehttp.DefaultRetryPolicy, refusing to retry
// definitive not-found responses and rate limits.
func RetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp != nil {
		switch resp.StatusCode {
		case http.StatusNotFound, http.StatusGone, http.StatusTooManyRequests:
			return false, nil
		}
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}
