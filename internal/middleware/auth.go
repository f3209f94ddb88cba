package middleware

import (
	"net/http"
	"strings"

	"tutorbook/internal/pkg/jwt"
	"tutorbook/internal/pkg/response"

	"github.com/gin-gonic/gin"
)

// Context keys set by JWTAuth.
const (
	ContextUserID = "user_id"
	ContextRole   = "role"
)

type TokenValidator interface {
	ValidateToken(token string) (*jwt.Claims, error)
}

// JWTAuth requires a bearer token and puts the caller's id and role on the context.
func JWTAuth(tokens TokenValidator) gin.HandlerFunc {
	return bearerAuth(tokens, func(code string) string { return code })
}

// CallableAuth is JWTAuth for the payment callables, whose clients expect
// every 401 to carry the "unauthenticated" code.
func CallableAuth(tokens TokenValidator) gin.HandlerFunc {
	return bearerAuth(tokens, func(string) string { return "unauthenticated" })
}

func bearerAuth(tokens TokenValidator, code func(string) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if h == "" {
			response.Abort(c, http.StatusUnauthorized, code("AUTH_HEADER_MISSING"), "Missing Authorization header")
			return
		}

		if !strings.HasPrefix(h, "Bearer ") {
			response.Abort(c, http.StatusUnauthorized, code("INVALID_AUTH_FORMAT"), "Authorization header must be a bearer token")
			return
		}

		tokenStr := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		if tokenStr == "" {
			response.Abort(c, http.StatusUnauthorized, code("INVALID_AUTH_FORMAT"), "Empty token")
			return
		}

		claims, err := tokens.ValidateToken(tokenStr)
		if err != nil {
			response.Abort(c, http.StatusUnauthorized, code("INVALID_TOKEN"), "Invalid token")
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextRole, claims.Role)

		c.Next()
	}
}
