package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/poll-signaling/internal/auth"
	"github.com/mossy-p/poll-signaling/internal/models"
)

const tokenTTL = 24 * time.Hour

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	NumericID int64  `json:"uid"`
	Name      string `json:"name"`
}

// Login issues a signaling token.
// For demo purposes, accepts any username/password combination
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	ctx := c.Request.Context()
	uid, err := h.store.NumericID(ctx, req.Username)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", req.Username).Msg("failed to allocate user id")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	profile := models.UserProfile{
		UserID:    req.Username,
		NumericID: uid,
		Name:      req.Name,
		Role:      req.Role,
	}
	if profile.Name == "" {
		profile.Name = req.Username
	}
	if profile.Role == "" {
		profile.Role = "user"
	}
	if err := h.store.SaveProfile(ctx, profile); err != nil {
		h.log.Error().Err(err).Str("user_id", req.Username).Msg("failed to store profile")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	tokenString, err := auth.Issue(h.cfg.JWTSecret, profile, tokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to generate token",
		})
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		Token:     tokenString,
		UserID:    profile.UserID,
		NumericID: profile.NumericID,
		Name:      profile.Name,
	})
}
