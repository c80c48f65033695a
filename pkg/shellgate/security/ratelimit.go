// Package security – ratelimit.go implements a per-subject sliding-window
// rate limiter. Pure in-memory state: a bucket per subject key, replaced with
// a fresh window once its reset time passes.
package security

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig configures the limiter.
type RateLimitConfig struct {
	// WindowMS is the window length in milliseconds.
	WindowMS int `json:"window_ms" yaml:"window_ms"`

	// MaxRequests is the number of requests allowed per window.
	MaxRequests int `json:"max_requests" yaml:"max_requests"`

	// PerChannel keys buckets by user_id:channel_id instead of user_id alone.
	PerChannel bool `json:"per_channel" yaml:"per_channel"`
}

// DefaultRateLimitConfig allows 30 requests per minute per user.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{WindowMS: 60_000, MaxRequests: 30}
}

// RateResult is the outcome of one rate-limit check.
type RateResult struct {
	Allowed      bool      `json:"allowed"`
	Remaining    int       `json:"remaining"`
	ResetAt      time.Time `json:"reset_at"`
	RetryAfterMS int64     `json:"retry_after_ms,omitempty"`
}

type rateBucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter tracks one bucket per subject key.
type RateLimiter struct {
	cfg     RateLimitConfig
	buckets map[string]*rateBucket
	mu      sync.Mutex
	logger  *slog.Logger

	// now is replaceable for tests.
	now func() time.Time
}

// NewRateLimiter creates a limiter with the given config.
func NewRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WindowMS <= 0 {
		cfg.WindowMS = 60_000
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 30
	}
	return &RateLimiter{
		cfg:     cfg,
		buckets: make(map[string]*rateBucket),
		logger:  logger.With("component", "rate_limiter"),
		now:     time.Now,
	}
}

// Check counts the current request against the subject's bucket. If the
// bucket's window has passed it is replaced with a fresh one before counting.
func (l *RateLimiter) Check(userID, channelID string) RateResult {
	key := l.key(userID, channelID)
	window := time.Duration(l.cfg.WindowMS) * time.Millisecond
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		b = &rateBucket{resetAt: now.Add(window)}
		l.buckets[key] = b
	}

	if b.count >= l.cfg.MaxRequests {
		return RateResult{
			Allowed:      false,
			Remaining:    0,
			ResetAt:      b.resetAt,
			RetryAfterMS: b.resetAt.Sub(now).Milliseconds(),
		}
	}

	b.count++
	return RateResult{
		Allowed:   true,
		Remaining: l.cfg.MaxRequests - b.count,
		ResetAt:   b.resetAt,
	}
}

// Status returns the subject's bucket state without counting a request.
func (l *RateLimiter) Status(userID, channelID string) RateResult {
	key := l.key(userID, channelID)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		return RateResult{
			Allowed:   true,
			Remaining: l.cfg.MaxRequests,
			ResetAt:   now.Add(time.Duration(l.cfg.WindowMS) * time.Millisecond),
		}
	}

	remaining := l.cfg.MaxRequests - b.count
	if remaining < 0 {
		remaining = 0
	}
	res := RateResult{
		Allowed:   remaining > 0,
		Remaining: remaining,
		ResetAt:   b.resetAt,
	}
	if remaining == 0 {
		res.RetryAfterMS = b.resetAt.Sub(now).Milliseconds()
	}
	return res
}

// Reset discards every bucket whose key starts with the user id, covering
// both plain and per-channel keys.
func (l *RateLimiter) Reset(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key := range l.buckets {
		if key == userID || strings.HasPrefix(key, userID+":") {
			delete(l.buckets, key)
		}
	}
	l.logger.Info("rate limit reset", "user", userID)
}

func (l *RateLimiter) key(userID, channelID string) string {
	if l.cfg.PerChannel && channelID != "" {
		return userID + ":" + channelID
	}
	return userID
}
