// Package client is the HTTP client for the storefront REST backend. Every
// response is a JSON envelope {success, data, message}; session credentials
// travel as cookies.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/storefront-cache/pkg/logging"
)

// Prometheus metrics for backend client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_backend_requests_total",
		Help: "Total backend requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storefront_backend_request_duration_seconds",
		Help:    "Backend request duration in seconds by endpoint",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_backend_errors_total",
		Help: "Total backend errors by class",
	}, []string{"class"})
)

// RequestIDHeader carries a per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// maxBodyBytes bounds a response body read.
const maxBodyBytes = 8 << 20

// Envelope is the backend response wrapper.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Response is a decoded backend response.
type Response struct {
	StatusCode int

	// Data is the envelope payload. Empty when NotModified.
	Data json.RawMessage

	Message string

	// ETag is the validator sent by the backend, if any.
	ETag string

	// NotModified is set for 304 answers to a conditional request.
	NotModified bool

	RequestID string
}

// Decode unmarshals Data into v.
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("response has no data")
	}
	return json.Unmarshal(r.Data, v)
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the backend, e.g. https://api.example.com/api.
	BaseURL string

	// UserAgent header sent with every request.
	UserAgent string

	// Timeout for a single attempt.
	Timeout time.Duration

	// RetryPolicy overrides the per-class retry configuration.
	RetryPolicy RetryPolicy

	// HTTPClient replaces the default transport. Its Jar is replaced by the
	// client's cookie jar.
	HTTPClient *http.Client
}

// DefaultConfig returns a default configuration for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:     baseURL,
		UserAgent:   "storefront-cache/1.0",
		Timeout:     15 * time.Second,
		RetryPolicy: RetryConfigForErrorClass,
	}
}

// RequestOption mutates an outgoing request.
type RequestOption func(*http.Request)

// IfNoneMatch makes the request conditional on etag.
func IfNoneMatch(etag string) RequestOption {
	return func(r *http.Request) {
		if etag != "" {
			r.Header.Set("If-None-Match", etag)
		}
	}
}

// WithHeader sets a request header.
func WithHeader(key, value string) RequestOption {
	return func(r *http.Request) { r.Header.Set(key, value) }
}

// Client is the storefront backend client. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	jar        *sessionJar
	config     Config
	logger     zerolog.Logger
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https (got %q)", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = RetryConfigForErrorClass
	}

	jar, err := newSessionJar()
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{}
	if cfg.HTTPClient != nil {
		clone := *cfg.HTTPClient
		httpClient = &clone
	}
	httpClient.Jar = jar
	httpClient.Timeout = cfg.Timeout

	return &Client{
		httpClient: httpClient,
		baseURL:    base,
		jar:        jar,
		config:     cfg,
		logger:     logging.NewLogger("storefront-client"),
	}, nil
}

// SetLogger replaces the client logger.
func (c *Client) SetLogger(l zerolog.Logger) {
	c.logger = l
}

// BaseURL returns the configured backend URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Get performs a GET request against path.
func (c *Client) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil, opts...)
}

// Post sends body as JSON to path.
func (c *Client) Post(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, http.MethodPost, path, body, opts...)
}

// Do performs a request with retries and decodes the envelope.
// Client errors and envelopes with success=false are returned as *APIError
// without retrying.
func (c *Client) Do(ctx context.Context, method, path string, body any, opts ...RequestOption) (*Response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	endpoint := endpointLabel(path)
	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	requestID := uuid.NewString()
	var resp *Response
	err := retryWithBackoff(ctx, c.config.RetryPolicy, c.logger, func() error {
		var attemptErr error
		resp, attemptErr = c.attempt(ctx, method, path, endpoint, requestID, payload, opts)
		return attemptErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, method, path, endpoint, requestID string, payload []byte, opts []RequestOption) (*Response, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, requestID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", method).
		Str("request_id", requestID).
		Msg("Executing backend request")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Backend request failed")
		return nil, &APIError{Class: ErrorClassNetwork, Message: "request failed", Err: err}
	}
	defer httpResp.Body.Close()

	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(httpResp.StatusCode)).Inc()
	resp := &Response{
		StatusCode: httpResp.StatusCode,
		ETag:       httpResp.Header.Get("ETag"),
		RequestID:  requestID,
	}

	if httpResp.StatusCode == http.StatusNotModified {
		resp.NotModified = true
		c.logger.Debug().Str("endpoint", endpoint).Msg("304 Not Modified")
		return resp, nil
	}

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &APIError{StatusCode: httpResp.StatusCode, Class: ErrorClassNetwork, Message: "read body", Err: err}
	}

	var env Envelope
	envErr := json.Unmarshal(raw, &env)

	if httpResp.StatusCode >= 400 {
		class := classifyStatus(httpResp.StatusCode)
		errorsTotal.WithLabelValues(string(class)).Inc()
		msg := httpResp.Status
		if envErr == nil && env.Message != "" {
			msg = env.Message
		}
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", httpResp.StatusCode).
			Str("error_class", string(class)).
			Msg("Backend request error")
		return nil, &APIError{StatusCode: httpResp.StatusCode, Class: class, Message: msg}
	}

	if envErr != nil {
		errorsTotal.WithLabelValues(string(ErrorClassEnvelope)).Inc()
		return nil, &APIError{StatusCode: httpResp.StatusCode, Class: ErrorClassEnvelope, Message: "invalid envelope", Err: envErr}
	}
	if !env.Success {
		errorsTotal.WithLabelValues(string(ErrorClassEnvelope)).Inc()
		msg := env.Message
		if msg == "" {
			msg = "request unsuccessful"
		}
		return nil, &APIError{StatusCode: httpResp.StatusCode, Class: ErrorClassEnvelope, Message: msg}
	}

	resp.Data = env.Data
	resp.Message = env.Message
	return resp, nil
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL.String() + "/" + strings.TrimLeft(path, "/")
}

// SetCookies seeds session cookies for the backend host.
func (c *Client) SetCookies(cookies []*http.Cookie) {
	c.jar.SetCookies(c.baseURL, cookies)
}

// Cookies returns the cookies sent to the backend.
func (c *Client) Cookies() []*http.Cookie {
	return c.jar.Cookies(c.baseURL)
}

// ClearCookies drops all session cookies.
func (c *Client) ClearCookies() {
	c.jar.reset()
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

var idSegment = regexp.MustCompile(`^([0-9]+|[0-9a-fA-F-]{32,36})$`)

// endpointLabel replaces query strings and id-like path segments to keep
// metric cardinality bounded.
func endpointLabel(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if idSegment.MatchString(p) {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

// sessionJar is a cookie jar that can be reset on logout.
type sessionJar struct {
	mu  sync.RWMutex
	jar *cookiejar.Jar
}

func newSessionJar() (*sessionJar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &sessionJar{jar: jar}, nil
}

func (j *sessionJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	j.jar.SetCookies(u, cookies)
}

func (j *sessionJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.jar.Cookies(u)
}

func (j *sessionJar) reset() {
	jar, _ := cookiejar.New(nil)
	j.mu.Lock()
	j.jar = jar
	j.mu.Unlock()
}
