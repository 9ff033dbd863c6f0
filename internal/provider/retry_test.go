package provider

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/ollama/ollama/api"
)

func TestIsRetryable(t *testing.T) {
	retryable := []int{429, 500, 502, 503, 504}
	for _, code := range retryable {
		if !isRetryable(api.StatusError{StatusCode: code}) {
			t.Fatalf("isRetryable(%d) = false, want true", code)
		}
	}
	deterministic := []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound}
	for _, code := range deterministic {
		if isRetryable(api.StatusError{StatusCode: code}) {
			t.Fatalf("isRetryable(%d) = true, want false", code)
		}
	}
	if isRetryable(context.Canceled) {
		t.Fatalf("cancellation must not be retryable")
	}
	if isRetryable(errors.New("plain failure")) {
		t.Fatalf("unclassified errors must not be retryable")
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 100 * time.Millisecond
	cap := time.Second

	if got := backoffDelay(0, base, cap); got != base {
		t.Fatalf("backoffDelay(0) = %v, want %v", got, base)
	}
	if got := backoffDelay(1, base, cap); got != 200*time.Millisecond {
		t.Fatalf("backoffDelay(1) = %v, want 200ms", got)
	}
	if got := backoffDelay(10, base, cap); got != cap {
		t.Fatalf("backoffDelay(10) = %v, want cap %v", got, cap)
	}
}

func TestWithRetryRecoversTransientFailure(t *testing.T) {
	calls := 0
	resp, err := withRetry(context.Background(), func() (Response, error) {
		calls++
		if calls < 2 {
			return Response{}, api.StatusError{StatusCode: http.StatusServiceUnavailable}
		}
		return Response{Text: "ok"}, nil
	})
	if err != nil {
		t.Fatalf("withRetry() error = %v", err)
	}
	if resp.Text != "ok" || calls != 2 {
		t.Fatalf("withRetry() = %q after %d calls, want ok after 2", resp.Text, calls)
	}
}

func TestWithRetryStopsOnDeterministicFailure(t *testing.T) {
	calls := 0
	_, err := withRetry(context.Background(), func() (Response, error) {
		calls++
		return Response{}, api.StatusError{StatusCode: http.StatusUnauthorized}
	})
	if err == nil || calls != 1 {
		t.Fatalf("withRetry() err=%v calls=%d, want one failed attempt", err, calls)
	}
}

func TestWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	_, err := withRetry(context.Background(), func() (Response, error) {
		calls++
		return Response{}, api.StatusError{StatusCode: http.StatusTooManyRequests}
	})
	if err == nil {
		t.Fatalf("withRetry() returned nil after persistent failures")
	}
	if calls != maxInvokeAttempts {
		t.Fatalf("attempts = %d, want %d", calls, maxInvokeAttempts)
	}
}
