package providers

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net/http"
	"slices"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/entrepeneur4lyf/chatgate/internal/llm"
)

const defaultMaxRetryDelay = 10 * time.Second

// RetryPolicy controls resubmission of jobs the backend refused with a
// transient error. The zero value never retries.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// JitterFactor spreads delays by +/- this fraction
	JitterFactor float64
}

// DefaultRetryPolicy retries twice starting at half a second
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   2,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     defaultMaxRetryDelay,
		JitterFactor: 0.1,
	}
}

var retryableStatusCodes = []int{
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// isRetryable reports whether err is a refusal that is safe to resubmit.
// Timeouts are not: the backend may already have accepted the job.
func isRetryable(err error) bool {
	var genErr *llm.GenerationError
	if !errors.As(err, &genErr) {
		return false
	}
	if genErr.StatusCode != 0 {
		return slices.Contains(retryableStatusCodes, genErr.StatusCode)
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

// backoff returns the delay before retry number attempt+1
func (rp RetryPolicy) backoff(attempt int, err error) time.Duration {
	maxDelay := rp.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxRetryDelay
	}

	var genErr *llm.GenerationError
	if errors.As(err, &genErr) && genErr.RetryAfter > 0 {
		return min(genErr.RetryAfter, maxDelay)
	}

	delay := float64(rp.BaseDelay) * math.Pow(2, float64(attempt))
	delay += delay * rp.JitterFactor * (2*rand.Float64() - 1)
	delay = math.Min(delay, float64(maxDelay))
	return max(time.Duration(delay), rp.BaseDelay)
}

// withRetry runs op until it succeeds, fails permanently or the policy is exhausted
func withRetry[T any](ctx context.Context, policy RetryPolicy, logger *log.Logger, op func(context.Context) (T, error)) (T, error) {
	for attempt := 0; ; attempt++ {
		result, err := op(ctx)
		if err == nil || attempt >= policy.MaxRetries || !isRetryable(err) {
			return result, err
		}

		delay := policy.backoff(attempt, err)
		logger.Debug("Retrying", "attempt", attempt+1, "max", policy.MaxRetries, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
}
