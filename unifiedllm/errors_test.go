package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
)

func TestErrorFromStatusCode(t *testing.T) {
	tests := []struct {
		status    int
		code      string
		retryable bool
		check     func(error) bool
	}{
		{400, "", false, func(e error) bool { var x *InvalidRequestError; return errors.As(e, &x) }},
		{400, "RESOURCE_EXHAUSTED", false, func(e error) bool { var x *QuotaExceededError; return errors.As(e, &x) }},
		{401, "", false, func(e error) bool { var x *AuthenticationError; return errors.As(e, &x) }},
		{403, "", false, func(e error) bool { var x *AccessDeniedError; return errors.As(e, &x) }},
		{404, "", false, func(e error) bool { var x *NotFoundError; return errors.As(e, &x) }},
		{408, "", true, func(e error) bool { var x *RequestTimeoutError; return errors.As(e, &x) }},
		{413, "", false, func(e error) bool { var x *ContextLengthError; return errors.As(e, &x) }},
		{429, "", true, func(e error) bool { var x *RateLimitError; return errors.As(e, &x) }},
		{500, "", true, func(e error) bool { var x *ServerError; return errors.As(e, &x) }},
		{503, "", true, func(e error) bool { var x *ServerError; return errors.As(e, &x) }},
		{599, "", true, func(e error) bool { var x *ProviderError; return errors.As(e, &x) }},
	}

	for _, tt := range tests {
		err := ErrorFromStatusCode(tt.status, "test error", "gemini", tt.code, nil)
		if !tt.check(err) {
			t.Errorf("status %d: unexpected error type %T", tt.status, err)
		}
		if got := IsRetryable(err); got != tt.retryable {
			t.Errorf("status %d: IsRetryable = %v, want %v", tt.status, got, tt.retryable)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"auth error", &AuthenticationError{}, false},
		{"invalid request", &InvalidRequestError{}, false},
		{"quota exceeded", &QuotaExceededError{}, false},
		{"content filter", &ContentFilterError{}, false},
		{"config error", &ConfigurationError{}, false},
		{"abort", &AbortError{}, false},
		{"context canceled", fmt.Errorf("stream: %w", context.Canceled), false},
		{"wrapped auth", fmt.Errorf("turn 3: %w", &AuthenticationError{}), false},
		{"rate limit", &RateLimitError{ProviderError: ProviderError{Retryable: true}}, true},
		{"server error", &ServerError{ProviderError: ProviderError{Retryable: true}}, true},
		{"network error", &NetworkError{}, true},
		{"timeout error", &RequestTimeoutError{}, true},
		{"plain provider not retryable", &ProviderError{Retryable: false}, false},
		{"unknown error", errors.New("unknown"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable(%T) = %v, want %v", tt.err, got, tt.retryable)
			}
		})
	}
}

func TestClassifyTransportError(t *testing.T) {
	var abort *AbortError
	if !errors.As(classifyTransportError(context.Canceled), &abort) {
		t.Error("expected AbortError for context.Canceled")
	}
	var timeout *RequestTimeoutError
	if !errors.As(classifyTransportError(context.DeadlineExceeded), &timeout) {
		t.Error("expected RequestTimeoutError for deadline")
	}
	var netErr *NetworkError
	opErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	if !errors.As(classifyTransportError(opErr), &netErr) {
		t.Error("expected NetworkError for net.OpError")
	}
	if classifyTransportError(errors.New("other")) != nil {
		t.Error("expected nil for unrelated error")
	}
}

func TestSDKErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &SDKError{Message: "wrapper", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("expected SDKError to unwrap to its cause")
	}
}

func TestProviderErrorMessage(t *testing.T) {
	err := &ProviderError{
		SDKError:   SDKError{Message: "rate limit exceeded"},
		Provider:   "gemini",
		StatusCode: 429,
		Retryable:  true,
	}
	msg := err.Error()
	if !strings.Contains(msg, "gemini") || !strings.Contains(msg, "rate limit") {
		t.Errorf("error message missing expected content: %q", msg)
	}
}
