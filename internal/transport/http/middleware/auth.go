package middleware

import (
	"log/slog"
	"strings"

	"github.com/gin-gonic/gin"

	"botgpt/internal/app"
	"botgpt/internal/pkg/jwtutil"
	"botgpt/internal/transport/http/response"
)

const (
	ContextUserIDKey   = "user_id"
	ContextUsernameKey = "username"
)

// AuthJWT requires a valid bearer token.
func AuthJWT(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
		if authHeader == "" {
			response.Error(c, 401, response.CodeUnauthorized, "missing authorization header")
			c.Abort()
			return
		}
		if !authenticate(c, secret, authHeader) {
			c.Abort()
			return
		}
		c.Next()
	}
}

// ResolveUser accepts a bearer token when one is sent. Without one the
// request runs as the shared default user, unless anonymous access is off.
func ResolveUser(secret string, allowAnonymous bool, auth *app.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
		if authHeader != "" {
			if !authenticate(c, secret, authHeader) {
				c.Abort()
				return
			}
			c.Next()
			return
		}
		if !allowAnonymous {
			response.Error(c, 401, response.CodeUnauthorized, "missing authorization header")
			c.Abort()
			return
		}

		user, err := auth.DefaultUser(c.Request.Context())
		if err != nil {
			slog.Default().Error("resolve default user failed", "request_id", RequestIDFrom(c), "error", err)
			response.Error(c, 500, response.CodeInternalServer, "resolve user failed")
			c.Abort()
			return
		}
		c.Set(ContextUserIDKey, user.ID)
		c.Set(ContextUsernameKey, user.Username)
		c.Next()
	}
}

func authenticate(c *gin.Context, secret, authHeader string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		response.Error(c, 401, response.CodeUnauthorized, "invalid authorization scheme")
		return false
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
	claims, err := jwtutil.ParseToken(secret, token)
	if err != nil {
		response.Error(c, 401, response.CodeUnauthorized, "invalid or expired token")
		return false
	}

	c.Set(ContextUserIDKey, claims.UserID)
	c.Set(ContextUsernameKey, claims.Username)
	return true
}
