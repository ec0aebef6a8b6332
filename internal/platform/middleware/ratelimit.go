package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/healconnect/healconnect/internal/platform/auth"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// MaxKeys bounds the number of tracked callers; idle callers are
	// forgotten after IdleTTL.
	MaxKeys int
	IdleTTL time.Duration
	// KeyFunc identifies the caller. Defaults to UserOrIPKey.
	KeyFunc func(c echo.Context) string
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 20,
		BurstSize:         40,
		MaxKeys:           10000,
		IdleTTL:           10 * time.Minute,
	}
}

// UserOrIPKey keys by authenticated user, falling back to client IP.
func UserOrIPKey(c echo.Context) string {
	if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
		return "user:" + uid
	}
	return "ip:" + c.RealIP()
}

type limiterStore struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

func (s *limiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.limiters.Get(key); ok {
		return l
	}
	l := rate.NewLimiter(s.limit, s.burst)
	s.limiters.Add(key, l)
	return l
}

// RateLimit returns a per-caller token bucket middleware.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	def := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = def.MaxKeys
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = UserOrIPKey
	}

	store := &limiterStore{
		limiters: expirable.NewLRU[string, *rate.Limiter](cfg.MaxKeys, nil, cfg.IdleTTL),
		limit:    rate.Limit(cfg.RequestsPerSecond),
		burst:    cfg.BurstSize,
	}
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limitHeader)

			limiter := store.get(cfg.KeyFunc(c))
			if !limiter.Allow() {
				h.Set("Retry-After", strconv.Itoa(retryAfter(limiter)))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

// retryAfter is the whole number of seconds until one token is available.
func retryAfter(l *rate.Limiter) int {
	r := l.Reserve()
	defer r.Cancel()
	if !r.OK() {
		return 1
	}
	secs := int(math.Ceil(r.Delay().Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
