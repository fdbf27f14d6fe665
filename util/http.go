package util

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

type LeveledSlog struct {
	inner *slog.Logger
}

// re-writes HTTP client ERROR to WARN level (because of retries)
func (l LeveledSlog) Error(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Warn(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Info(msg string, keysAndValues ...interface{}) {
	l.inner.Info(msg, keysAndValues...)
}

// re-writes HTTP client DEBUG to INFO level (this is where retry is logged)
func (l LeveledSlog) Debug(msg string, keysAndValues ...interface{}) {
	l.inner.Info(msg, keysAndValues...)
}

// Retry behavior for outbound provider calls.
type RetryOptions struct {
	// total attempts is RetryMax+1
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
	Logger       *slog.Logger
}

func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		RetryMax:     3,
		RetryWaitMin: 1 * time.Second,
		RetryWaitMax: 10 * time.Second,
		Timeout:      20 * time.Second,
	}
}

// Generates an HTTP client with decent general-purpose defaults around
// timeouts and retries. The returned client has the stdlib http.Client
// interface, but has Hashicorp retryablehttp logic internally.
//
// This client will retry on connection errors, 5xx status (except 501), and
// 429 Backoff requests (respecting 'Retry-After' header), with exponential
// backoff between attempts. Other 4xx responses are returned without retry.
// It will log intermediate failures with WARN level.
func RobustHTTPClient() *http.Client {
	return RetryingHTTPClient(DefaultRetryOptions())
}

func RetryingHTTPClient(opts RetryOptions) *http.Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("system", "http")
	}
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.RetryMax
	retryClient.RetryWaitMin = opts.RetryWaitMin
	retryClient.RetryWaitMax = opts.RetryWaitMax
	retryClient.Backoff = retryablehttp.DefaultBackoff
	retryClient.Logger = retryablehttp.LeveledLogger(LeveledSlog{logger})
	// hand the final response back to the caller instead of a generic "giving up" error, so status codes can be classified
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client := retryClient.StandardClient()
	client.Timeout = opts.Timeout
	return client
}
