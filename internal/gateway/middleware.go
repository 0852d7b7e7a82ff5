package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// bearerAuth rejects requests without the configured token. An empty token
// disables authentication.
func bearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		presented := c.Query("token")
		if header := c.GetHeader("Authorization"); header != "" {
			presented = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error: ErrorDetail{Code: "UNAUTHORIZED", Message: "missing or invalid token"},
			})
			return
		}
		c.Next()
	}
}
