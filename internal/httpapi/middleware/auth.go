package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/beantrade/syncgw/internal/auth"
	"github.com/beantrade/syncgw/internal/common"
)

const UserIDKey = "user_id"

// AuthRequired accepts "Authorization: Bearer <jwt>" or, for EventSource
// clients that cannot set headers, an access_token query parameter.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
		if token == "" {
			token = c.Query("access_token")
		}
		if token == "" {
			common.Abort(c, http.StatusUnauthorized, 40100, "missing token")
			return
		}

		uid, err := auth.ParseJWT(token, secret)
		if err != nil {
			common.Abort(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		c.Set(UserIDKey, uid)
		c.Next()
	}
}
