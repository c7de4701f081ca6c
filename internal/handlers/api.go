package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agrisense-io/agrisense/internal/models"
	"github.com/agrisense-io/agrisense/internal/queue"
	"github.com/agrisense-io/agrisense/internal/registry"
	"github.com/agrisense-io/agrisense/internal/token"
)

// DeviceAuthConfig controls the ingest credential check.  The global token
// is a development convenience and is only honored when explicitly enabled.
type DeviceAuthConfig struct {
	GlobalToken      string
	AllowGlobalToken bool
}

// CookieConfig shapes the httponly refresh cookie.
type CookieConfig struct {
	Name     string
	Path     string
	Domain   string
	MaxAge   int
	Secure   bool
	SameSite http.SameSite
}

func DefaultCookieConfig(refreshMaxAge int) CookieConfig {
	return CookieConfig{
		Name:     "refresh_token",
		Path:     "/api/auth",
		MaxAge:   refreshMaxAge,
		Secure:   false,
		SameSite: http.SameSiteLaxMode,
	}
}

type API struct {
	logger     *zap.SugaredLogger
	db         *gorm.DB
	queue      queue.Enqueuer
	registry   *registry.Registry
	tokens     *token.Service
	deviceAuth DeviceAuthConfig
	cookie     CookieConfig
	upgrader   websocket.Upgrader
}

func NewAPI(
	logger *zap.SugaredLogger,
	db *gorm.DB,
	q queue.Enqueuer,
	reg *registry.Registry,
	tokens *token.Service,
	deviceAuth DeviceAuthConfig,
	cookie CookieConfig,
) *API {
	return &API{
		logger:     logger,
		db:         db,
		queue:      q,
		registry:   reg,
		tokens:     tokens,
		deviceAuth: deviceAuth,
		cookie:     cookie,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// viewers authenticate with an access token, not an origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Tokens exposes the token service for the router's auth middleware.
func (api *API) Tokens() *token.Service {
	return api.tokens
}

func (api *API) SendInternalServerError(c *gin.Context, err error) {
	api.logger.Errorw("internal server error", "error", err)
	c.JSON(http.StatusInternalServerError, models.NewInternalServerError())
}
