package shared

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient service error", NewTransientError(ErrorCategoryNetwork, "X", "svc", "op", nil), true},
		{"wrapped transient", fmt.Errorf("outer: %w", NewTransientError(ErrorCategoryRateLimit, "X", "svc", "op", nil)), true},
		{"store error", NewStoreError("op", errors.New("disk full")), false},
		{"deadline", context.DeadlineExceeded, true},
		{"connection refused text", errors.New("dial tcp: connection refused"), true},
		{"plain", errors.New("bad input"), false},
	}
	for _, tt := range tests {
		if got := IsTransientError(tt.err); got != tt.want {
			t.Errorf("%s: IsTransientError = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIsStoreError(t *testing.T) {
	if !IsStoreError(fmt.Errorf("wrapped: %w", NewStoreError("GetMany", errors.New("closed")))) {
		t.Error("Expected wrapped store error to be detected")
	}
	if IsStoreError(NewTransientError(ErrorCategoryNetwork, "X", "svc", "op", nil)) {
		t.Error("Network error is not a store error")
	}
}

func TestWrapErrorKeepsServiceError(t *testing.T) {
	original := NewTransientError(ErrorCategoryNetwork, "NETWORK_ERROR", "a", "b", nil)
	wrapped := WrapError(original, ErrorCategoryProcessing, "OTHER", "Resolver", "Resolve", false)
	if wrapped != original || wrapped.ServiceName != "Resolver" || !wrapped.IsRetryable() {
		t.Errorf("Unexpected wrap result: %+v", wrapped)
	}
	if WrapError(nil, ErrorCategoryProcessing, "X", "s", "o", false) != nil {
		t.Error("Wrapping nil should return nil")
	}
}

func TestBuildBatchProcessingErrorSummary(t *testing.T) {
	samples := []error{errors.New("a"), errors.New("b"), errors.New("c"), errors.New("d")}
	summary := BuildBatchProcessingErrorSummary(2, 6, samples)
	for _, want := range []string{"2 successes and 6 failures", "; a; b; c", "and 2 additional errors"} {
		if !strings.Contains(summary, want) {
			t.Errorf("Summary %q missing %q", summary, want)
		}
	}
	if strings.Contains(summary, "; d") {
		t.Error("Only three sample errors should be included")
	}
}
