package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sirosfoundation/go-strudel-bridge/pkg/config"
)

const limiterIdle = 10 * time.Minute

// RateLimiter keeps one token bucket per client key
type RateLimiter struct {
	config config.RateLimit
	logger *zap.Logger

	mu          sync.Mutex
	limiters    map[string]*clientLimiter
	lastCleanup time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter from cfg
func NewRateLimiter(cfg config.RateLimit, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		config:      cfg,
		logger:      logger.Named("ratelimit"),
		limiters:    make(map[string]*clientLimiter),
		lastCleanup: time.Now(),
	}
}

func (r *RateLimiter) get(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.lastCleanup) > limiterIdle {
		for k, l := range r.limiters {
			if now.Sub(l.lastSeen) > limiterIdle {
				delete(r.limiters, k)
			}
		}
		r.lastCleanup = now
	}

	l, ok := r.limiters[key]
	if !ok {
		l = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(r.config.PerSecond), r.config.Burst)}
		r.limiters[key] = l
	}
	l.lastSeen = now
	return l.limiter
}

// Allow reports whether key may proceed now
func (r *RateLimiter) Allow(key string) bool {
	if !r.config.Enabled {
		return true
	}
	return r.get(key).Allow()
}

// retryAfter is the whole number of seconds until one token is available
func (r *RateLimiter) retryAfter() int {
	if r.config.PerSecond <= 0 {
		return 1
	}
	return max(1, int(math.Ceil(1/r.config.PerSecond)))
}

// RateLimitMiddleware rejects requests over the limit with 429, keyed by
// client IP.
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if rl.Allow(key) {
			c.Next()
			return
		}

		rl.logger.Warn("Rate limit exceeded",
			zap.String("client", key),
			zap.String("path", c.Request.URL.Path))
		c.Header("Retry-After", strconv.Itoa(rl.retryAfter()))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":   "rate_limit_exceeded",
			"message": "Too many connection attempts. Please try again later.",
		})
	}
}
