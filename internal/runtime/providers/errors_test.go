package providers

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestFailReason_IsRetryable(t *testing.T) {
	tests := []struct {
		reason FailReason
		want   bool
	}{
		{FailRateLimit, true},
		{FailTimeout, true},
		{FailServerError, true},
		{FailBilling, false},
		{FailAuth, false},
		{FailInvalidRequest, false},
		{FailModelUnavailable, false},
		{FailUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if got := tt.reason.IsRetryable(); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailReason
	}{
		{"nil", nil, FailUnknown},
		{"timeout", errors.New("request timeout"), FailTimeout},
		{"deadline", errors.New("context deadline exceeded"), FailTimeout},
		{"rate limit", errors.New("rate limit exceeded"), FailRateLimit},
		{"429", errors.New("HTTP 429 Too Many Requests"), FailRateLimit},
		{"auth", errors.New("invalid api key"), FailAuth},
		{"forbidden", errors.New("403 forbidden"), FailAuth},
		{"billing", errors.New("insufficient quota"), FailBilling},
		{"model", errors.New("model not found"), FailModelUnavailable},
		{"server", errors.New("internal server error"), FailServerError},
		{"bad gateway", errors.New("HTTP 502 Bad Gateway"), FailServerError},
		{"unknown", errors.New("something else entirely"), FailUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyStatusCode(t *testing.T) {
	tests := []struct {
		status int
		want   FailReason
	}{
		{400, FailInvalidRequest},
		{401, FailAuth},
		{402, FailBilling},
		{403, FailAuth},
		{404, FailModelUnavailable},
		{429, FailRateLimit},
		{500, FailServerError},
		{503, FailServerError},
		{200, FailUnknown},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.status), func(t *testing.T) {
			if got := classifyStatusCode(tt.status); got != tt.want {
				t.Errorf("classifyStatusCode(%d) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestProviderError_Builders(t *testing.T) {
	err := NewProviderError("openai", "gpt-4o", errors.New("boom")).
		WithStatus(429).
		WithCode("rate_limit_error").
		WithRequestID("req_123").
		WithMessage("slow down")

	if err.Reason != FailRateLimit {
		t.Errorf("Reason = %v, want %v", err.Reason, FailRateLimit)
	}
	if err.Status != 429 || err.Code != "rate_limit_error" || err.RequestID != "req_123" {
		t.Errorf("builder fields not applied: %+v", err)
	}
	if err.Message != "slow down" {
		t.Errorf("Message = %q, want slow down", err.Message)
	}

	// Unrecognized codes keep the status-derived reason.
	err = NewProviderError("openai", "gpt-4o", errors.New("nope")).
		WithStatus(400).
		WithCode("something_custom")
	if err.Reason != FailInvalidRequest {
		t.Errorf("Reason = %v, want %v", err.Reason, FailInvalidRequest)
	}
}

func TestProviderError_ErrorString(t *testing.T) {
	err := NewProviderError("anthropic", "claude-sonnet-4-20250514", errors.New("overloaded")).
		WithStatus(529).
		WithCode("overloaded_error")

	s := err.Error()
	for _, want := range []string{"anthropic", "model=claude-sonnet-4-20250514", "status=529", "code=overloaded_error"} {
		if !strings.Contains(s, want) {
			t.Errorf("Error() = %q, missing %q", s, want)
		}
	}
}

func TestProviderError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	wrapped := fmt.Errorf("attempt failed: %w", NewProviderError("openai", "gpt-4o", cause))

	providerErr, ok := GetProviderError(wrapped)
	if !ok {
		t.Fatal("GetProviderError should find the error through wrapping")
	}
	if !errors.Is(providerErr, cause) {
		t.Error("ProviderError should unwrap to its cause")
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := NewProviderError("openai", "gpt-4o", errors.New("x")).WithStatus(503)
	if !IsRetryable(retryable) {
		t.Error("server errors should be retryable")
	}

	fatal := NewProviderError("openai", "gpt-4o", errors.New("x")).WithStatus(401)
	if IsRetryable(fatal) {
		t.Error("auth errors should not be retryable")
	}

	// Falls back to message classification for plain errors.
	if !IsRetryable(errors.New("rate limit exceeded")) {
		t.Error("plain rate limit errors should be retryable")
	}
	if IsRetryable(errors.New("invalid api key")) {
		t.Error("plain auth errors should not be retryable")
	}
}
