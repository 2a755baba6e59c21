package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"invoice-export/internal/config"
	"invoice-export/internal/infra/logging"
)

// RateLimitConfig selects which limiters run and their window.
type RateLimitConfig struct {
	RateInterval           time.Duration
	EnableTokenRateLimiter bool
	EnableUserLimiter      bool
	UserLimit              int
}

// RateLimitConfigFromConfig derives the limiter settings. The token limiter is
// always on; a token with limit 0 is simply not limited.
func RateLimitConfigFromConfig(cfg config.Config) RateLimitConfig {
	return RateLimitConfig{
		RateInterval:           cfg.RateLimiter.Interval,
		EnableTokenRateLimiter: true,
		EnableUserLimiter:      cfg.RateLimiter.EnableUserLimiter || cfg.RateLimiter.UserLimit > 0,
		UserLimit:              cfg.RateLimiter.UserLimit,
	}
}

// TokenRater resolves the per-interval request limit of an API key.
type TokenRater interface {
	RateLimit(token string) int
}

// LimiterCache keeps one limiter handler per distinct limit value so tokens
// sharing a limit share the handler but not their counters.
type LimiterCache struct {
	mu       sync.RWMutex
	handlers map[int]fiber.Handler
}

// NewLimiterCache returns an empty cache.
func NewLimiterCache() *LimiterCache {
	return &LimiterCache{handlers: make(map[int]fiber.Handler)}
}

func (lc *LimiterCache) get(limit int, build func() fiber.Handler) fiber.Handler {
	lc.mu.RLock()
	h, ok := lc.handlers[limit]
	lc.mu.RUnlock()
	if ok {
		return h
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()
	if h, ok := lc.handlers[limit]; ok {
		return h
	}
	h = build()
	lc.handlers[limit] = h
	return h
}

func tooManyRequests(c *fiber.Ctx) error {
	return c.Status(fiber.StatusTooManyRequests).JSON(
		ErrorBody(fiber.StatusTooManyRequests, "Too many requests", "rate limit exceeded, retry later"))
}

// TokenRateLimit applies the per-token sliding window to authenticated requests.
func TokenRateLimit(cfg RateLimitConfig, rater TokenRater, store fiber.Storage, cache *LimiterCache) fiber.Handler {
	if !cfg.EnableTokenRateLimiter {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	build := func(limit int) func() fiber.Handler {
		return func() fiber.Handler {
			return limiter.New(limiter.Config{
				Max:               limit,
				Expiration:        cfg.RateInterval,
				LimiterMiddleware: limiter.SlidingWindow{},
				Storage:           store,
				KeyGenerator: func(c *fiber.Ctx) string {
					return "token:" + APIKey(c)
				},
				LimitReached: func(c *fiber.Ctx) error {
					logging.Warn("Rate limit exceeded", "token", APIKey(c), "path", c.Path())
					return tooManyRequests(c)
				},
			})
		}
	}
	return func(c *fiber.Ctx) error {
		token := APIKey(c)
		if token == "" {
			return c.Next()
		}
		limit := rater.RateLimit(token)
		if limit <= 0 {
			return c.Next()
		}
		return cache.get(limit, build(limit))(c)
	}
}

// UserRateLimit limits anonymous callers by a hash of IP and User-Agent.
// Requests carrying an API key are skipped; the token limiter covers them.
func UserRateLimit(cfg RateLimitConfig, store fiber.Storage) fiber.Handler {
	if !cfg.EnableUserLimiter || cfg.UserLimit <= 0 {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	userKey := func(c *fiber.Ctx) string {
		sum := sha256.Sum256([]byte(c.IP() + c.Get(fiber.HeaderUserAgent)))
		return hex.EncodeToString(sum[:])
	}
	userLimiter := limiter.New(limiter.Config{
		Max:               cfg.UserLimit,
		Expiration:        cfg.RateInterval,
		LimiterMiddleware: limiter.SlidingWindow{},
		Storage:           store,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "user:" + userKey(c)
		},
		LimitReached: func(c *fiber.Ctx) error {
			logging.Warn("Rate limit exceeded", "user", userKey(c), "path", c.Path())
			return tooManyRequests(c)
		},
	})
	return func(c *fiber.Ctx) error {
		if APIKey(c) != "" {
			return c.Next()
		}
		return userLimiter(c)
	}
}
