package client

import (
	"errors"
	"fmt"
	"testing"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name       string
		errorClass ErrorClass
		expected   bool
	}{
		{"client error should not retry", ErrorClassClient, false},
		{"server error should retry", ErrorClassServer, true},
		{"rate limit should retry", ErrorClassRateLimit, true},
		{"network error should retry", ErrorClassNetwork, true},
		{"envelope error should not retry", ErrorClassEnvelope, false},
		{"empty error class should not retry", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := shouldRetry(tt.errorClass); result != tt.expected {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.errorClass, result, tt.expected)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want ErrorClass
	}{
		{200, ""},
		{304, ""},
		{400, ErrorClassClient},
		{401, ErrorClassClient},
		{404, ErrorClassClient},
		{429, ErrorClassRateLimit},
		{500, ErrorClassServer},
		{503, ErrorClassServer},
	}
	for _, tt := range tests {
		if got := classifyStatus(tt.code); got != tt.want {
			t.Errorf("classifyStatus(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		apiError *APIError
		expected string
	}{
		{
			name: "error with wrapped error",
			apiError: &APIError{
				StatusCode: 500,
				Class:      ErrorClassServer,
				Message:    "Internal Server Error",
				Err:        errors.New("database connection failed"),
			},
			expected: "storefront server error (status 500): Internal Server Error: database connection failed",
		},
		{
			name: "error without wrapped error",
			apiError: &APIError{
				StatusCode: 404,
				Class:      ErrorClassClient,
				Message:    "product not found",
			},
			expected: "storefront client error (status 404): product not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := tt.apiError.Error(); result != tt.expected {
				t.Errorf("Error() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestAPIError_Unwrap(t *testing.T) {
	innerErr := errors.New("inner error")
	apiErr := &APIError{Class: ErrorClassNetwork, Err: innerErr}

	if !errors.Is(apiErr, innerErr) {
		t.Error("errors.Is should find the wrapped error")
	}
	if (&APIError{}).Unwrap() != nil {
		t.Error("Unwrap() without inner error should be nil")
	}
}

func TestIsUnauthorized(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"401", &APIError{StatusCode: 401, Class: ErrorClassClient}, true},
		{"403 wrapped", fmt.Errorf("load: %w", &APIError{StatusCode: 403, Class: ErrorClassClient}), true},
		{"404", &APIError{StatusCode: 404, Class: ErrorClassClient}, false},
		{"plain error", errors.New("x"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUnauthorized(tt.err); got != tt.want {
				t.Errorf("IsUnauthorized() = %v, want %v", got, tt.want)
			}
		})
	}
}
