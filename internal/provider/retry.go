package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ollama/ollama/api"
)

const (
	maxInvokeAttempts = 3
	retryBaseDelay    = 200 * time.Millisecond
	retryMaxDelay     = 2 * time.Second
)

// isRetryableStatus classifies daemon HTTP status codes that are worth a
// second attempt. Auth and model errors are deterministic and never retried.
func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return isRetryableStatus(statusErr.StatusCode)
	}
	return false
}

// backoffDelay computes a deterministic capped exponential delay.
func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// withRetry runs fn for blocking invocations, backing off on transient daemon
// failures. Streaming calls must not go through here: retrying after the
// first delta would replay text the caller already forwarded.
func withRetry(ctx context.Context, fn func() (Response, error)) (Response, error) {
	var resp Response
	var err error
	for attempt := 0; attempt < maxInvokeAttempts; attempt++ {
		resp, err = fn()
		if err == nil || !isRetryable(err) {
			return resp, err
		}
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case <-time.After(backoffDelay(attempt, retryBaseDelay, retryMaxDelay)):
		}
	}
	return resp, err
}
