package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/ehr/clinic/internal/platform/auth"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL is how long a caller may stay quiet before its limiter is
	// dropped. Zero means ten minutes.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 20,
		BurstSize:         40,
		IdleTTL:           10 * time.Minute,
	}
}

type caller struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// CallerLimiter keeps one token bucket per caller key.
type CallerLimiter struct {
	cfg RateLimitConfig
	now func() time.Time

	mu        sync.Mutex
	callers   map[string]*caller
	lastSweep time.Time
}

func NewCallerLimiter(cfg RateLimitConfig) *CallerLimiter {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &CallerLimiter{
		cfg:     cfg,
		now:     time.Now,
		callers: make(map[string]*caller),
	}
}

// Allow spends one token for key. When the bucket is empty it reports how
// long until the next token.
func (l *CallerLimiter) Allow(key string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	if now.Sub(l.lastSweep) >= l.cfg.IdleTTL {
		l.sweepLocked(now)
	}
	c, ok := l.callers[key]
	if !ok {
		c = &caller{lim: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.BurstSize)}
		l.callers[key] = c
	}
	c.lastSeen = now
	l.mu.Unlock()

	if c.lim.AllowN(now, 1) {
		return true, 0
	}
	return false, l.wait(c.lim, now)
}

func (l *CallerLimiter) wait(lim *rate.Limiter, now time.Time) time.Duration {
	if l.cfg.RequestsPerSecond <= 0 {
		return time.Second
	}
	deficit := 1 - lim.TokensAt(now)
	return time.Duration(deficit / l.cfg.RequestsPerSecond * float64(time.Second))
}

// Len reports how many callers are tracked.
func (l *CallerLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.callers)
}

func (l *CallerLimiter) sweepLocked(now time.Time) {
	for key, c := range l.callers {
		if now.Sub(c.lastSeen) >= l.cfg.IdleTTL {
			delete(l.callers, key)
		}
	}
	l.lastSweep = now
}

// Middleware keys authenticated callers by user id and everyone else by IP.
func (l *CallerLimiter) Middleware() echo.MiddlewareFunc {
	limit := strconv.FormatFloat(l.cfg.RequestsPerSecond, 'f', -1, 64)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := "ip:" + c.RealIP()
			if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
				key = "user:" + uid
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			ok, wait := l.Allow(key)
			if !ok {
				h.Set("X-RateLimit-Remaining", "0")
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

// RateLimit is shorthand for NewCallerLimiter(cfg).Middleware().
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	return NewCallerLimiter(cfg).Middleware()
}
