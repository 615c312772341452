// Package testutil provides testing utilities for the storefront backend client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock backend endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockBackend is a configurable mock storefront backend for testing.
// /health answers 200 unless the backend is marked down.
type MockBackend struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
	down     bool

	// Tracking
	RequestCount      int
	ConditionalCount  int
	LastRequestHeader http.Header
	pathCounts        map[string]int
}

// NewMockBackend creates a new mock backend server.
func NewMockBackend() *MockBackend {
	mock := &MockBackend{
		handlers:   make(map[string]func(w http.ResponseWriter, r *http.Request)),
		pathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.pathCounts[r.URL.Path]++
		mock.LastRequestHeader = r.Header.Clone()
		if r.Header.Get("If-None-Match") != "" {
			mock.ConditionalCount++
		}
		down := mock.down
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if down {
			writeEnvelope(w, http.StatusServiceUnavailable, false, nil, "service unavailable")
			return
		}
		if exists {
			handler(w, r)
			return
		}
		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockBackend) URL() string {
	return m.server.URL
}

// Client returns an HTTP client wired to the mock server.
func (m *MockBackend) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockBackend) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.ConditionalCount = 0
	m.LastRequestHeader = nil
	m.pathCounts = make(map[string]int)
}

// SetDown makes every endpoint, /health included, answer 503.
func (m *MockBackend) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// SetHandler sets a custom handler for a specific path.
func (m *MockBackend) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockBackend) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetData serves data in a success envelope at path.
func (m *MockBackend) SetData(path string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(fmt.Sprintf("testutil: marshal data for %s: %v", path, err))
	}
	m.SetResponse(path, NewEnvelopeResponse(string(raw)))
}

// SetSequence serves the responses in order, repeating the last one.
func (m *MockBackend) SetSequence(path string, responses ...MockResponse) {
	var (
		mu sync.Mutex
		i  int
	)
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := responses[i]
		if i < len(responses)-1 {
			i++
		}
		mu.Unlock()

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockBackend) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetPathCount returns the number of requests made to path.
func (m *MockBackend) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCounts[path]
}

// GetConditionalCount returns the number of conditional requests.
func (m *MockBackend) GetConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ConditionalCount
}

// GetLastRequestHeader returns a copy of the last request's headers.
func (m *MockBackend) GetLastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastRequestHeader.Clone()
}

func (m *MockBackend) defaultHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" {
		writeEnvelope(w, http.StatusOK, true, json.RawMessage(`{"status":"ok"}`), "")
		return
	}
	writeEnvelope(w, http.StatusNotFound, false, nil, "not found")
}

func writeEnvelope(w http.ResponseWriter, status int, success bool, data json.RawMessage, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": success,
		"data":    data,
		"message": message,
	})
}

// NewEnvelopeResponse creates a 200 OK success envelope around data.
func NewEnvelopeResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"success":true,"data":` + data + `}`,
		Headers: map[string]string{
			"ETag":         `"test-etag-123"`,
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewFailureResponse creates an envelope with success=false.
func NewFailureResponse(status int, message string) MockResponse {
	return MockResponse{
		StatusCode: status,
		Body:       fmt.Sprintf(`{"success":false,"message":%q}`, message),
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewNotModifiedResponse creates a 304 Not Modified response.
func NewNotModifiedResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusNotModified}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return NewFailureResponse(http.StatusTooManyRequests, "rate limit exceeded")
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return NewFailureResponse(http.StatusInternalServerError, "internal server error")
}

// NewConditionalHandler creates a handler that responds with 304 when
// If-None-Match equals etag.
func NewConditionalHandler(etag string, data string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":true,"data":` + data + `}`))
	}
}
