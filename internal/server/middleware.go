package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agenthub/agenthub/internal/apierror"
	"github.com/agenthub/agenthub/internal/auth"
	"github.com/agenthub/agenthub/internal/crypto"
)

const principalKey = "agenthub.principal"

// maxBodyBytes bounds request bodies. Task specs are small JSON; anything
// larger is abuse.
const maxBodyBytes = 1 << 20

// RequestID assigns a request ID and echoes it back. An incoming
// X-Request-ID is trusted so callers can correlate retries.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// Logging writes one structured line per request.
func Logging(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		logger.Info("request",
			zap.String("request_id", c.GetString("request_id")),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// SecurityHeaders sets the standard hardening headers on every response.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// BodyLimit rejects oversized request bodies before handlers read them.
func BodyLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		}
		c.Next()
	}
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces per-IP token-bucket rate limiting. Stale entries
// are cleaned every 5 minutes.
func RateLimiter(rps int) gin.HandlerFunc {
	if rps <= 0 {
		rps = 20
	}
	var mu sync.Mutex
	limiters := make(map[string]*ipLimiter)

	go func() {
		for {
			time.Sleep(5 * time.Minute)
			mu.Lock()
			for ip, l := range limiters {
				if time.Since(l.lastSeen) > 10*time.Minute {
					delete(limiters, ip)
				}
			}
			mu.Unlock()
		}
	}()

	return func(c *gin.Context) {
		ip := c.ClientIP()

		mu.Lock()
		l, ok := limiters[ip]
		if !ok {
			l = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(rps), rps*2)}
			limiters[ip] = l
		}
		l.lastSeen = time.Now()
		mu.Unlock()

		if !l.limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"detail": gin.H{"code": "rate_limited", "message": "rate limit exceeded"},
			})
			return
		}
		c.Next()
	}
}

// RequestTimeout bounds each request with a deadline. Handlers propagate
// the request context to services, so a blown deadline surfaces as a 504
// through the error mapping.
func RequestTimeout(d time.Duration) gin.HandlerFunc {
	if d <= 0 {
		d = 30 * time.Second
	}
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// Authenticate resolves the request credentials to a Principal and
// stores it in the context. Unresolvable requests fail closed unless
// the resolver runs in warn mode.
func (s *Server) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := s.resolver.Resolve(c.Request.Context(), auth.Header{
			APIKey:          c.GetHeader("X-API-Key"),
			Authorization:   c.GetHeader("Authorization"),
			DelegationToken: c.GetHeader("X-Delegation-Token"),
		})
		if err != nil {
			apierror.WriteJSON(c, err)
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// principal returns the resolved caller. The auth middleware always runs
// first on /v1 routes, so a missing principal is a programming error and
// fails closed.
func principal(c *gin.Context) *auth.Principal {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil
	}
	p, _ := v.(*auth.Principal)
	return p
}

// RequireAdmin gates operator-only routes on the configured admin secret.
func (s *Server) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := c.GetHeader("X-Admin-Secret")
		if s.adminSecret == "" || !crypto.ConstantTimeEq(secret, s.adminSecret) {
			apierror.WriteJSON(c, apierror.Policy(apierror.CodeAdminOnly, "admin secret required"))
			return
		}
		c.Next()
	}
}

// isAdmin reports whether the request carries the operator secret.
func (s *Server) isAdmin(c *gin.Context) bool {
	return s.adminSecret != "" && crypto.ConstantTimeEq(c.GetHeader("X-Admin-Secret"), s.adminSecret)
}
