package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"qvault/internal/auth"
	"qvault/internal/config"
	"qvault/internal/logging"
)

// AuthHandler exchanges the configured admin token for a JWT.
type AuthHandler struct {
	cfg        config.AuthConfig
	jwtManager *auth.JWTManager
	log        *logging.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(cfg config.AuthConfig, jwtManager *auth.JWTManager, log *logging.Logger) *AuthHandler {
	return &AuthHandler{
		cfg:        cfg,
		jwtManager: jwtManager,
		log:        log,
	}
}

// Login validates the admin token and issues an access token.
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: err.Error()})
		return
	}

	if !auth.VerifyAdminToken(h.cfg.AdminToken, req.AdminToken) {
		h.log.Warn("admin login rejected")
		c.JSON(http.StatusUnauthorized, Response{Success: false, Error: "invalid admin token"})
		return
	}

	token, expiresAt, err := h.jwtManager.GenerateToken("admin", "admin")
	if err != nil {
		c.JSON(http.StatusInternalServerError, Response{Success: false, Error: "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data: LoginResponse{
			AccessToken: token,
			ExpiresAt:   expiresAt.Format(time.RFC3339),
		},
	})
}
