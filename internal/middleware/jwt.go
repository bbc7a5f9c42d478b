package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/poll-signaling/internal/auth"
	"github.com/mossy-p/poll-signaling/internal/models"
)

const (
	// ContextUserID holds the authenticated user id (string).
	ContextUserID = "user_id"
	// ContextProfile holds the authenticated models.UserProfile.
	ContextProfile = "profile"
)

// JWTAuth creates middleware that validates signaling tokens. Browsers
// cannot set headers on websocket upgrades, so a token query parameter is
// accepted as well.
func JWTAuth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.Query("token")

		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			// Extract token from "Bearer <token>"
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "Invalid authorization header format",
				})
				return
			}
			tokenString = parts[1]
		}

		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header required",
			})
			return
		}

		claims, err := auth.Parse(jwtSecret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid token",
			})
			return
		}

		// Store user in context for handlers
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextProfile, claims.Profile())
		c.Next()
	}
}

// Profile returns the user set by JWTAuth.
func Profile(c *gin.Context) (models.UserProfile, bool) {
	v, ok := c.Get(ContextProfile)
	if !ok {
		return models.UserProfile{}, false
	}
	p, ok := v.(models.UserProfile)
	return p, ok
}
