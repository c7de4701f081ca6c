package models

// LoginRequest authenticates a viewer by email or display name.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse carries the short-lived access token.  The rotating refresh
// token travels separately in an httponly cookie.
type LoginResponse struct {
	AccessToken string   `json:"access_token"`
	TokenType   string   `json:"token_type" example:"bearer"`
	User        UserInfo `json:"user"`
}

// RefreshResponse carries the access token minted by a refresh rotation.
type RefreshResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type" example:"bearer"`
}
