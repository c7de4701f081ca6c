package routers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agrisense-io/agrisense/internal/models"
	"github.com/agrisense-io/agrisense/internal/token"
)

// ValidateAccessToken gates protected routes on a Bearer access token.
// Missing, malformed, invalid, and expired tokens all produce the same 401.
func ValidateAccessToken(tokens *token.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.Request.Header.Get("Authorization")
		if authz == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.NewAuthError())
			return
		}

		parts := strings.Split(authz, " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.NewAuthError())
			return
		}

		subject, err := tokens.VerifyAccessToken(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.NewAuthError())
			return
		}
		c.Set(gin.AuthUserKey, subject)
		c.Next()
	}
}
