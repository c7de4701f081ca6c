package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/agrisense-io/agrisense/internal/models"
)

// Login verifies a viewer's password and returns an access token plus a
// rotating refresh jti in an httponly cookie.  Every failure is the same
// 401 so callers cannot probe which accounts exist.
func (api *API) Login(c *gin.Context) {
	ctx := c.Request.Context()

	var request models.LoginRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusUnprocessableEntity, models.NewBadPayloadError())
		return
	}

	var user models.User
	res := api.db.WithContext(ctx).
		Where("LOWER(email) = LOWER(?) OR LOWER(name) = LOWER(?)", request.Username, request.Username).
		First(&user)
	if res.Error != nil {
		c.JSON(http.StatusUnauthorized, models.NewAuthError())
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(request.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, models.NewAuthError())
		return
	}
	if user.Status != models.UserStatusActive {
		c.JSON(http.StatusUnauthorized, models.NewAuthError())
		return
	}

	now := time.Now().UTC()
	user.LastLogin = &now
	if err := api.db.WithContext(ctx).Model(&user).Update("last_login", now).Error; err != nil {
		api.logger.Warnw("failed to update last_login", "user_id", user.ID, "error", err)
	}

	subject := user.ID.String()
	accessToken, err := api.tokens.IssueAccessToken(subject)
	if err != nil {
		api.SendInternalServerError(c, err)
		return
	}
	jti, err := api.tokens.IssueRefreshToken(ctx, subject)
	if err != nil {
		api.SendInternalServerError(c, err)
		return
	}
	api.setRefreshCookie(c, jti)

	c.JSON(http.StatusOK, models.LoginResponse{
		AccessToken: accessToken,
		TokenType:   "bearer",
		User: models.UserInfo{
			ID:    user.ID,
			Name:  user.Name,
			Email: user.Email,
			Role:  user.Role,
		},
	})
}

// Refresh rotates the refresh jti presented in the cookie and mints a new
// access token.  The old jti is invalid as soon as the rotation commits.
func (api *API) Refresh(c *gin.Context) {
	ctx := c.Request.Context()

	jti, err := c.Cookie(api.cookie.Name)
	if err != nil || jti == "" {
		c.JSON(http.StatusUnauthorized, models.NewAuthError())
		return
	}
	subject, err := api.tokens.ResolveRefreshToken(ctx, jti)
	if err != nil {
		c.JSON(http.StatusUnauthorized, models.NewAuthError())
		return
	}

	newJti, err := api.tokens.RotateRefreshToken(ctx, jti, subject)
	if err != nil {
		api.SendInternalServerError(c, err)
		return
	}
	accessToken, err := api.tokens.IssueAccessToken(subject)
	if err != nil {
		api.SendInternalServerError(c, err)
		return
	}
	api.setRefreshCookie(c, newJti)

	c.JSON(http.StatusOK, models.RefreshResponse{
		AccessToken: accessToken,
		TokenType:   "bearer",
	})
}

// Logout revokes the refresh jti and clears the cookie.  Logging out
// without a cookie succeeds; there is nothing to revoke.
func (api *API) Logout(c *gin.Context) {
	ctx := c.Request.Context()

	if jti, err := c.Cookie(api.cookie.Name); err == nil && jti != "" {
		if err := api.tokens.RevokeRefreshToken(ctx, jti); err != nil {
			api.logger.Warnw("failed to revoke refresh token", "error", err)
		}
	}
	api.clearRefreshCookie(c)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (api *API) setRefreshCookie(c *gin.Context, jti string) {
	c.SetSameSite(api.cookie.SameSite)
	c.SetCookie(api.cookie.Name, jti, api.cookie.MaxAge, api.cookie.Path, api.cookie.Domain, api.cookie.Secure, true)
}

func (api *API) clearRefreshCookie(c *gin.Context) {
	c.SetSameSite(api.cookie.SameSite)
	c.SetCookie(api.cookie.Name, "", -1, api.cookie.Path, api.cookie.Domain, api.cookie.Secure, true)
}
