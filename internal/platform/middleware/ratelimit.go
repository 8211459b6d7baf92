package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/radreport/radreport/internal/platform/auth"
)

// RateLimitConfig sizes the per-caller token bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// DefaultRateLimitConfig is used when RATE_LIMIT_RPS is unset.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 100, BurstSize: 200}
}

const limiterIdleTTL = 10 * time.Minute

type keyedLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// limiterSet hands out one rate.Limiter per caller key and forgets keys idle
// for longer than limiterIdleTTL.
type limiterSet struct {
	mu        sync.Mutex
	cfg       RateLimitConfig
	limiters  map[string]*keyedLimiter
	lastSweep time.Time
}

func newLimiterSet(cfg RateLimitConfig) *limiterSet {
	return &limiterSet{cfg: cfg, limiters: make(map[string]*keyedLimiter), lastSweep: time.Now()}
}

func (s *limiterSet) get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) > limiterIdleTTL {
		for k, kl := range s.limiters {
			if now.Sub(kl.lastSeen) > limiterIdleTTL {
				delete(s.limiters, k)
			}
		}
		s.lastSweep = now
	}

	kl, ok := s.limiters[key]
	if !ok {
		kl = &keyedLimiter{lim: rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.BurstSize)}
		s.limiters[key] = kl
	}
	kl.lastSeen = now
	return kl.lim
}

// retryAfter returns whole seconds until lim can admit one more request.
func retryAfter(lim *rate.Limiter, now time.Time) int {
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return 1
	}
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	secs := int(math.Ceil(delay.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// rateLimitKey is the caller identity when authenticated, otherwise the client
// IP, prefixed by tenant when the token carries one. Share redemption is
// anonymous and always lands on the IP key.
func rateLimitKey(c echo.Context) string {
	key := "ip:" + c.RealIP()
	if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
		key = "user:" + uid
	}
	if tenantID, ok := c.Get("jwt_tenant_id").(string); ok && tenantID != "" {
		key = tenantID + ":" + key
	}
	return key
}

// RateLimit rejects callers that exceed cfg with 429 and a Retry-After header.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	set := newLimiterSet(cfg)
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			now := time.Now()
			lim := set.get(rateLimitKey(c), now)
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			if !lim.AllowN(now, 1) {
				h.Set("Retry-After", strconv.Itoa(retryAfter(lim, now)))
				h.Set("X-RateLimit-Remaining", "0")
				return writeError(c, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
			}
			return next(c)
		}
	}
}
