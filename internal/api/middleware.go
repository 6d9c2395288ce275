package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"agentcoord/internal/auth"
	"agentcoord/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	headerRequestID = "X-Request-ID"
	headerHookToken = "X-Hook-Token"

	agentKey = "agent"
)

// RequestID propagates or assigns a correlation id for every request.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		c.Writer.Header().Set(headerRequestID, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// RequireHookToken rejects requests without the shared hook secret.
func RequireHookToken(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !auth.CheckHookToken(c.GetHeader(headerHookToken), expected) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid hook token", "code": CodeUnauthorized})
			return
		}
		c.Next()
	}
}

// AgentAuth requires "Authorization: Bearer <token>". The token is an
// agent JWT, or the shared hook secret: a bearer that does not verify as
// a JWT (including when issuer is nil) is compared against hookToken.
func AgentAuth(issuer *auth.Issuer, hookToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearer(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token", "code": CodeUnauthorized})
			return
		}

		if issuer != nil {
			claims, err := issuer.Parse(token)
			if err == nil {
				c.Set(agentKey, claims.Agent)
				c.Next()
				return
			}
		}
		if auth.CheckHookToken(token, hookToken) {
			c.Set(agentKey, "")
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid bearer token", "code": CodeUnauthorized})
	}
}

func bearer(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

// RateLimit applies a token bucket per client IP. rps <= 0 disables it.
func RateLimit(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = 1
	}
	limiters := sync.Map{} // client IP -> *cachedLimiter

	return func(c *gin.Context) {
		limiter := getOrCreateLimiter(&limiters, c.ClientIP(), rps, burst, 5*time.Minute)
		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests", "code": CodeRateLimited})
			return
		}
		c.Next()
	}
}

func getOrCreateLimiter(limiters *sync.Map, key string, rps float64, burst int, ttl time.Duration) *rate.Limiter {
	if v, ok := limiters.Load(key); ok {
		cached := v.(*cachedLimiter)
		if time.Now().Before(cached.expiresAt) {
			return cached.limiter
		}
	}

	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	limiters.Store(key, &cachedLimiter{
		limiter:   limiter,
		expiresAt: time.Now().Add(ttl),
	})
	return limiter
}
