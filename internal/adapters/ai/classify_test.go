package ai

import (
	"context"
	"net/http"
	"testing"

	"github.com/municipio-digital/actas-engine/pkg/errors"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   errors.ErrorType
	}{
		{name: "Unauthorized", status: http.StatusUnauthorized, want: errors.ErrorTypeAuth},
		{name: "Forbidden", status: http.StatusForbidden, want: errors.ErrorTypeAuth},
		{name: "Throttled", status: http.StatusTooManyRequests, want: errors.ErrorTypeRateLimited},
		{name: "Bad request", status: http.StatusBadRequest, want: errors.ErrorTypeBadRequest},
		{name: "Unknown model", status: http.StatusNotFound, want: errors.ErrorTypeBadRequest},
		{name: "Backend down", status: http.StatusBadGateway, want: errors.ErrorTypeServer},
		{name: "Internal", status: http.StatusInternalServerError, want: errors.ErrorTypeServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyStatus("openai", tt.status, "")
			if err.Type != tt.want {
				t.Errorf("classifyStatus(%d) = %s, want %s", tt.status, err.Type, tt.want)
			}
		})
	}
}

func TestClassifyTransport(t *testing.T) {
	if got := classifyTransport("openai", context.DeadlineExceeded); got.Type != errors.ErrorTypeTimeout {
		t.Errorf("deadline exceeded classified as %s", got.Type)
	}
	if got := classifyTransport("openai", context.Canceled); got.Type != errors.ErrorTypeCancelled {
		t.Errorf("cancellation classified as %s", got.Type)
	}
}

func TestRetryableClassification(t *testing.T) {
	if errors.Retryable(classifyStatus("openai", http.StatusUnauthorized, "")) {
		t.Error("auth errors must not be retryable")
	}
	if !errors.Retryable(classifyStatus("openai", http.StatusTooManyRequests, "")) {
		t.Error("rate limit errors must be retryable")
	}
	if !errors.Retryable(classifyStatus("openai", http.StatusServiceUnavailable, "")) {
		t.Error("server errors must be retryable")
	}
}
