package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"

	"github.com/p-blackswan/storefront-guard/lru"
)

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	RPS   int // requests per second
	Burst int // burst size
}

const (
	maxRateLimitClients = 10000
	clientIdleTTL       = 10 * time.Minute
)

// NewRateLimitMiddleware returns a per-client token-bucket rate limiter.
// Clients idle longer than clientIdleTTL are forgotten.
func NewRateLimitMiddleware(cfg RateLimitConfig) fiber.Handler {
	burst := cfg.Burst
	if burst < 1 {
		burst = cfg.RPS
	}
	clients := lru.New[string, *rate.Limiter](maxRateLimitClients,
		lru.WithTTL[string, *rate.Limiter](clientIdleTTL))

	return func(c *fiber.Ctx) error {
		// Skip rate limiting for probe endpoints
		if isProbe(c.Path()) {
			return c.Next()
		}

		clientIP := c.IP()
		limiter, ok := clients.Get(clientIP)
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
		}
		// Put refreshes the idle TTL on every request.
		clients.Put(clientIP, limiter)

		if !limiter.Allow() {
			c.Set(fiber.HeaderRetryAfter, "1")
			return problemResponse(c, fiber.StatusTooManyRequests,
				"rate_limit_exceeded", "Too Many Requests",
				"Rate limit exceeded. Please try again later.")
		}

		return c.Next()
	}
}
