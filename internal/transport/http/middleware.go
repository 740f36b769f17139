package http

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/marcusvh/wallet-ledger/internal/model"
	"github.com/marcusvh/wallet-ledger/internal/service"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LoggingMiddleware prints request/response metrics.
func LoggingMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infof("%s %s %d %s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// RateLimitMiddleware simple token bucket per IP.
func RateLimitMiddleware(rps, burst int) gin.HandlerFunc {
	var mu sync.Mutex
	buckets := make(map[string]*rate.Limiter)
	newLimiter := func() *rate.Limiter { return rate.NewLimiter(rate.Limit(rps), burst) }
	return func(c *gin.Context) {
		ip, _, _ := net.SplitHostPort(c.Request.RemoteAddr)
		mu.Lock()
		lim, ok := buckets[ip]
		if !ok {
			lim = newLimiter()
			buckets[ip] = lim
		}
		mu.Unlock()
		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

const authContextKey = "authContext"

// RequireAuth resolves a bearer token or x-api-key header into an auth
// context and checks the permission the route needs. Missing credentials are
// an authentication failure; a valid key without the permission is an
// authorization failure.
func (h *Handler) RequireAuth(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if header := c.GetHeader("Authorization"); header != "" {
			token, ok := bearerToken(header)
			if !ok {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
				return
			}
			user, err := h.auth.ResolveToken(c.Request.Context(), token)
			if err != nil {
				h.writeError(c, err)
				c.Abort()
				return
			}
			c.Set(authContextKey, &service.AuthContext{User: user})
			c.Next()
			return
		}

		if rawKey := c.GetHeader("x-api-key"); rawKey != "" {
			key, err := h.keys.Authenticate(c.Request.Context(), rawKey, "")
			if err != nil {
				h.writeError(c, err)
				c.Abort()
				return
			}
			authCtx := &service.AuthContext{Key: key}
			if !authCtx.HasPermission(permission) {
				h.writeError(c, service.ErrPermissionDenied)
				c.Abort()
				return
			}
			user, err := h.users.GetUserByID(c.Request.Context(), key.OwnerID)
			if err != nil {
				h.writeError(c, err)
				c.Abort()
				return
			}
			authCtx.User = user
			c.Set(authContextKey, authCtx)
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	}
}

// RequireBearer admits only identity-token callers; API keys cannot manage keys.
func (h *Handler) RequireBearer() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		user, err := h.auth.ResolveToken(c.Request.Context(), token)
		if err != nil {
			h.writeError(c, err)
			c.Abort()
			return
		}
		c.Set(authContextKey, &service.AuthContext{User: user})
		c.Next()
	}
}

func authFrom(c *gin.Context) *service.AuthContext {
	v, _ := c.Get(authContextKey)
	ctx, _ := v.(*service.AuthContext)
	return ctx
}

func currentUser(c *gin.Context) *model.User {
	if ctx := authFrom(c); ctx != nil {
		return ctx.User
	}
	return nil
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}
