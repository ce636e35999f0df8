package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKey is used for gin context keys to avoid collisions.
type ContextKey string

// ClaimsKey is the context key under which verified claims are stored.
const ClaimsKey ContextKey = "auth_claims"

// Middleware gates routes on bearer tokens. With enabled false it passes
// every request through untouched, so the server wiring is identical whether
// or not auth is configured.
type Middleware struct {
	service *Service
	enabled bool
}

func NewMiddleware(service *Service, enabled bool) *Middleware {
	return &Middleware{service: service, enabled: enabled}
}

// Authenticate extracts and verifies the bearer token, aborting with 401 on
// failure. It must run before RequireScope.
func (m *Middleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.enabled {
			c.Next()
			return
		}
		token := bearerToken(c.Request)
		claims, err := m.service.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Valid bearer token required",
			})
			return
		}
		c.Set(string(ClaimsKey), claims)
		c.Next()
	}
}

// RequireScope rejects requests whose token lacks the scope with 403. The
// check happens entirely before any run manager call executes.
func (m *Middleware) RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.enabled {
			c.Next()
			return
		}
		v, ok := c.Get(string(ClaimsKey))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_required",
				"message": "Authentication required",
			})
			return
		}
		claims, ok := v.(*Claims)
		if !ok || !HasScope(claims, scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "permission_denied",
				"message": "Insufficient scope",
			})
			return
		}
		c.Next()
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}
