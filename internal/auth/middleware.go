package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"rollcall/internal/session"
)

const claimsKey = "claims"

// OperatorAuth enforces bearer JWT tokens signed with HS256.
func OperatorAuth(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// ActorFrom extracts the authenticated actor from the request context.
func ActorFrom(c *gin.Context) session.Actor {
	claimsAny, ok := c.Get(claimsKey)
	if !ok {
		return session.Actor{}
	}
	claims, ok := claimsAny.(Claims)
	if !ok {
		return session.Actor{}
	}
	return session.Actor{UserID: claims.Subject, Admin: claims.Role == RoleAdmin}
}
