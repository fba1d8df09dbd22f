package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"aichat/internal/pkg/jwtutil"
	"aichat/internal/transport/http/response"
)

const (
	ContextUserIDKey = "user_id"
	ContextEmailKey  = "email"
	ContextTokenKey  = "access_token"
)

// TokenVerifier is implemented by *backend.AuthService. It rejects revoked
// tokens as well as malformed or expired ones.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*jwtutil.Claims, error)
}

func AuthJWT(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
		if authHeader == "" {
			response.Abort(c, 401, response.CodeUnauthorized, "missing authorization header")
			return
		}

		const prefix = "Bearer "
		if !strings.HasPrefix(authHeader, prefix) {
			response.Abort(c, 401, response.CodeUnauthorized, "invalid authorization scheme")
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
		claims, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			response.Abort(c, 401, response.CodeUnauthorized, "invalid or expired token")
			return
		}

		c.Set(ContextUserIDKey, claims.UserID)
		c.Set(ContextEmailKey, claims.Email)
		c.Set(ContextTokenKey, token)
		c.Next()
	}
}

func UserID(c *gin.Context) (string, bool) {
	userID := c.GetString(ContextUserIDKey)
	return userID, userID != ""
}
