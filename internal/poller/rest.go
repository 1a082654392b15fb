package poller

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hyperengineering/lakesync/internal/adapter"
)

// RESTClient wraps an http.Client with the retry discipline connector
// fetchers share: 429 responses honour Retry-After up to maxRetries
// attempts before surfacing RATE_LIMITED, and 5xx responses retry with
// exponential backoff.
type RESTClient struct {
	client     *http.Client
	maxRetries uint64
	baseDelay  time.Duration
}

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = time.Second
)

// RESTOption configures a RESTClient.
type RESTOption func(*RESTClient)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) RESTOption {
	return func(r *RESTClient) { r.client = c }
}

// WithMaxRetries bounds retry attempts.
func WithMaxRetries(n uint64) RESTOption {
	return func(r *RESTClient) { r.maxRetries = n }
}

// WithBaseDelay sets the initial backoff delay.
func WithBaseDelay(d time.Duration) RESTOption {
	return func(r *RESTClient) { r.baseDelay = d }
}

// NewRESTClient builds a client with the default retry policy.
func NewRESTClient(opts ...RESTOption) *RESTClient {
	r := &RESTClient{
		client:     http.DefaultClient,
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do executes the request, retrying rate limits and server errors. The
// request must be rebuildable (GET or a body-less POST); callers pass a
// factory so each attempt gets a fresh request.
func (r *RESTClient) Do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	var lastRetryAfter time.Duration

	backoff := retry.WithMaxRetries(r.maxRetries, retry.NewExponential(r.baseDelay))
	var body []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := build(ctx)
		if err != nil {
			return err // not retryable: the request itself is broken
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := retryAfter(resp)
			lastRetryAfter = wait
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			return retry.RetryableError(fmt.Errorf("rate limited (retry after %s)", wait))
		case resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("server error %d", resp.StatusCode))
		case resp.StatusCode >= 400:
			return fmt.Errorf("request failed with status %d", resp.StatusCode)
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		if lastRetryAfter > 0 {
			return nil, adapter.RateLimited("rest fetch", lastRetryAfter, err)
		}
		return nil, err
	}
	return body, nil
}

// retryAfter reads the Retry-After header (seconds form), defaulting to
// one second when absent or malformed.
func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return time.Second
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return time.Second
	}
	return time.Duration(seconds) * time.Second
}
