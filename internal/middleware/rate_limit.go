package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/noah-isme/gema-assessment/internal/observability"
	"github.com/noah-isme/gema-assessment/internal/utils"
)

// RateLimit throttles a route per authenticated user, falling back to the
// client IP for anonymous callers. Any route params named in scope are
// folded into the key, so "id" and "item" give each session item its own
// bucket.
func RateLimit(identifier string, max int, window time.Duration, scope ...string) fiber.Handler {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Second
	}

	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		KeyGenerator: func(c *fiber.Ctx) string {
			return rateLimitKey(c, identifier, scope)
		},
		LimitReached: func(c *fiber.Ctx) error {
			observability.RateLimited().WithLabelValues(identifier).Inc()
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(window.Seconds())))
			return utils.SendErrorWithCode(c, fiber.StatusTooManyRequests, "rate_limited", "too many requests, slow down", nil)
		},
	})
}

func rateLimitKey(c *fiber.Ctx, identifier string, scope []string) string {
	var b strings.Builder
	b.WriteString(identifier)
	if userID, ok := c.Locals("user_id").(uint); ok && userID != 0 {
		b.WriteString(":user:")
		b.WriteString(strconv.FormatUint(uint64(userID), 10))
	} else {
		b.WriteString(":ip:")
		b.WriteString(c.IP())
	}
	for _, param := range scope {
		b.WriteByte(':')
		b.WriteString(c.Params(param))
	}
	return b.String()
}
