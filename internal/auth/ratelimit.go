package auth

import (
	"sync"
	"time"
)

// DefaultWindow is the fixed rate-limit window length
const DefaultWindow = time.Minute

// RateResult is the outcome of one rate-limit check
type RateResult struct {
	Allowed bool      `json:"allowed"`
	Limit   int       `json:"limit"`
	Current int       `json:"current"`
	ResetAt time.Time `json:"resetAt"`
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

// RateLimiter counts requests per key in fixed windows. A window is reset
// lazily by the first check after it expires.
type RateLimiter struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*rateWindow
}

// RateLimiterOption configures a RateLimiter
type RateLimiterOption func(*RateLimiter)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) { rl.now = now }
}

// NewRateLimiter creates a limiter with the given window length
func NewRateLimiter(window time.Duration, opts ...RateLimiterOption) *RateLimiter {
	if window <= 0 {
		window = DefaultWindow
	}
	rl := &RateLimiter{
		window:  window,
		now:     time.Now,
		windows: make(map[string]*rateWindow),
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Check counts one request for key against limit. Rejected requests are
// not counted.
func (rl *RateLimiter) Check(key string, limit int) RateResult {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &rateWindow{resetAt: now.Add(rl.window)}
		rl.windows[key] = w
	}

	result := RateResult{Limit: limit, ResetAt: w.resetAt}
	if w.count >= limit {
		result.Current = w.count
		return result
	}

	w.count++
	result.Allowed = true
	result.Current = w.count
	return result
}

// Window returns the configured window length
func (rl *RateLimiter) Window() time.Duration {
	return rl.window
}
