package telemetry_transport

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// defaultRateLimit is applied when a throttling response carries no usable
// hint.
const defaultRateLimit = 60 * time.Second

// RateLimiter remembers for how long the destination asked us to back off.
// While it is active the transport fails attempts locally instead of sending
// them.
type RateLimiter struct {
	mu            sync.RWMutex
	disabledUntil time.Time
	logger        *zap.Logger
	now           func() time.Time
}

// NewRateLimiter creates a new rate limiter instance
func NewRateLimiter(logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		logger: logger,
		now:    time.Now,
	}
}

// IsRateLimited reports whether sending is currently disabled
func (rl *RateLimiter) IsRateLimited() bool {
	return rl.Remaining() > 0
}

// Remaining returns how long sending stays disabled, zero if it is not
func (rl *RateLimiter) Remaining() time.Duration {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if d := rl.disabledUntil.Sub(rl.now()); d > 0 {
		return d
	}
	return 0
}

// GetDisabledUntil returns the time until which sending is disabled, the zero
// time if it is not
func (rl *RateLimiter) GetDisabledUntil() time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if rl.disabledUntil.After(rl.now()) {
		return rl.disabledUntil
	}
	return time.Time{}
}

// HandleRateLimitHeaders processes the headers of a throttling response and
// returns how long sending is disabled. A later limit never shortens an
// earlier one.
func (rl *RateLimiter) HandleRateLimitHeaders(headers http.Header) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	wait := retryAfter(headers, now)
	if wait <= 0 {
		wait = defaultRateLimit
		rl.logger.Warn("rate limited without a usable hint, using default",
			zap.String("retry_after", headers.Get("Retry-After")),
			zap.Duration("wait", wait))
	}

	if until := now.Add(wait); until.After(rl.disabledUntil) {
		rl.disabledUntil = until
		rl.logger.Warn("rate limit applied",
			zap.Time("disabled_until", until),
			zap.Duration("wait", wait))
	}
	return rl.disabledUntil.Sub(now)
}

// CleanupExpired forgets an expired limit
func (rl *RateLimiter) CleanupExpired() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if !rl.disabledUntil.After(rl.now()) {
		rl.disabledUntil = time.Time{}
	}
}

// retryAfter reads the delay requested by a response: Retry-After as seconds
// or as an HTTP date, then X-RateLimit-Reset as seconds. It returns zero when
// neither is usable.
func retryAfter(headers http.Header, now time.Time) time.Duration {
	if header := strings.TrimSpace(headers.Get("Retry-After")); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		if at, err := http.ParseTime(header); err == nil && at.After(now) {
			return at.Sub(now)
		}
	}
	if header := strings.TrimSpace(headers.Get("X-RateLimit-Reset")); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}
