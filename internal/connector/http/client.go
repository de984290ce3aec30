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
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig configures the HTTP client behavior.
type ClientConfig struct {
	// BaseURL is the CRM instance URL all request paths are joined to.
	BaseURL string

	// Auth configures authentication.
	Auth AuthConfig

	// Timeout for individual requests (default: 60s).
	Timeout time.Duration

	// MaxRetries for 429/5xx responses (default: 3).
	MaxRetries int

	// RetryInitialInterval is the first backoff delay (default: 200ms).
	RetryInitialInterval time.Duration

	// RateLimit requests per second (default: 10).
	RateLimit float64

	// RateBurst maximum burst size (default: 5).
	RateBurst int

	// Headers to add to all requests.
	Headers map[string]string

	// UserAgent string (default: "sync-core/1.0").
	UserAgent string

	// Transport allows injecting a custom HTTP transport (for tests/stubs).
	Transport http.RoundTripper

	// Logger receives retry notifications.
	Logger *zap.Logger
}

// DefaultClientConfig returns a client config with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Auth:                 NoAuth{},
		Timeout:              60 * time.Second,
		MaxRetries:           3,
		RetryInitialInterval: 200 * time.Millisecond,
		RateLimit:            10.0,
		RateBurst:            5,
		UserAgent:            "sync-core/1.0",
		Headers:              make(map[string]string),
	}
}

// =============================================================================
// HTTP CLIENT
// =============================================================================

// Client is a rate-limited, retry-capable HTTP client.
type Client struct {
	config      *ClientConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	logger      *zap.Logger
}

// NewClient creates a new HTTP client with the given configuration.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.Auth == nil {
		config.Auth = NoAuth{}
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RetryInitialInterval == 0 {
		config.RetryInitialInterval = 200 * time.Millisecond
	}
	if config.RateLimit == 0 {
		config.RateLimit = 10.0
	}
	if config.RateBurst == 0 {
		config.RateBurst = 5
	}
	if config.UserAgent == "" {
		config.UserAgent = "sync-core/1.0"
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: config.Transport,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		logger:      logger,
	}
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// Request represents an HTTP request to be made. Body is held as bytes so a
// retried attempt can resend it.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Headers map[string]string
	Body    []byte
}

// Response wraps an HTTP response with convenience methods.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// JSON unmarshals the response body into the given target.
func (r *Response) JSON(target any) error {
	return json.Unmarshal(r.Body, target)
}

// JSONNumber unmarshals the body like JSON but keeps numbers as
// json.Number so wide integers and decimals survive unrounded.
func (r *Response) JSONNumber(target any) error {
	dec := json.NewDecoder(bytes.NewReader(r.Body))
	dec.UseNumber()
	return dec.Decode(target)
}

// IsSuccess returns true if the status code is 2xx.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Header returns the first value of a response header.
func (r *Response) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}

// =============================================================================
// CLIENT METHODS
// =============================================================================

// Do executes a request with rate limiting and retry. Rate-limited and server
// errors are retried with exponential backoff; everything else fails fast.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.config.RetryInitialInterval),
		backoff.WithMaxElapsedTime(0),
	)
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.config.MaxRetries)), ctx)

	attempt := 0
	resp, err := backoff.RetryNotifyWithData(func() (*Response, error) {
		attempt++
		resp, err := c.doOnce(ctx, req)
		if err != nil && !isRetryable(err) {
			return resp, backoff.Permanent(err)
		}
		return resp, err
	}, b, func(err error, wait time.Duration) {
		c.logger.Debug("retrying request",
			zap.String("method", req.Method),
			zap.String("path", req.Path),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		if isRetryable(err) {
			return resp, fmt.Errorf("max retries exceeded: %w", err)
		}
		return resp, err
	}
	return resp, nil
}

// doOnce executes a single request attempt.
func (c *Client) doOnce(ctx context.Context, req *Request) (*Response, error) {
	fullURL := c.resolve(req.Path)
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(fullURL, "?") {
			sep = "&"
		}
		fullURL += sep + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range c.config.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	c.config.Auth.Apply(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportFailure(ctx, fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportFailure(ctx, fmt.Errorf("read body: %w", err))
	}

	response := &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       data,
	}

	if resp.StatusCode >= 400 {
		return response, &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(data)),
		}
	}

	return response, nil
}

// resolve joins a path onto the base URL. Absolute URLs pass through.
func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if path == "" {
		return c.config.BaseURL
	}
	return strings.TrimSuffix(c.config.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/")
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, &Request{
		Method: http.MethodGet,
		Path:   path,
		Query:  query,
	})
}

// Post performs a POST request with JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.sendJSON(ctx, http.MethodPost, path, body)
}

// Put performs a PUT request with JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) (*Response, error) {
	return c.sendJSON(ctx, http.MethodPut, path, body)
}

// Patch performs a PATCH request with JSON body.
func (c *Client) Patch(ctx context.Context, path string, body any) (*Response, error) {
	return c.sendJSON(ctx, http.MethodPatch, path, body)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, &Request{
		Method: http.MethodDelete,
		Path:   path,
	})
}

// PutRaw uploads a raw payload with an explicit content type.
func (c *Client) PutRaw(ctx context.Context, path, contentType string, payload []byte) (*Response, error) {
	return c.Do(ctx, &Request{
		Method: http.MethodPut,
		Path:   path,
		Body:   payload,
		Headers: map[string]string{
			"Content-Type": contentType,
		},
	})
}

func (c *Client) sendJSON(ctx context.Context, method, path string, body any) (*Response, error) {
	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
	}

	return c.Do(ctx, &Request{
		Method: method,
		Path:   path,
		Body:   data,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	})
}

// =============================================================================
// ERRORS
// =============================================================================

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited returns true if this is a rate limit error.
func (e *HTTPError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsServerError returns true if this is a server error.
func (e *HTTPError) IsServerError() bool {
	return e.StatusCode >= 500
}

// IsNotFound returns true for 404 responses.
func (e *HTTPError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// AsHTTPError extracts an HTTPError from an error chain.
func AsHTTPError(err error) (*HTTPError, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr, true
	}
	return nil, false
}

// transportError marks a failure below HTTP: a refused or reset
// connection, a timeout, or a truncated body.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// transportFailure tags err as a transport failure unless the caller's
// context ended, which is never retried.
func transportFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	return &transportError{err: err}
}

// isRetryable determines if an error should be retried: 429, 5xx and
// transport failures.
func isRetryable(err error) bool {
	if httpErr, ok := AsHTTPError(err); ok {
		return httpErr.IsRateLimited() || httpErr.IsServerError()
	}
	var te *transportError
	return errors.As(err, &te)
}
