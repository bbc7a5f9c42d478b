// Package handlers implements the HTTP and websocket surface of the
// signaling server.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mossy-p/poll-signaling/config"
	"github.com/mossy-p/poll-signaling/internal/middleware"
	"github.com/mossy-p/poll-signaling/internal/redis"
)

// Handler carries the dependencies shared by all endpoints.
type Handler struct {
	store    *redis.Store
	cfg      *config.Config
	log      zerolog.Logger
	limiters *limiterSet
	hub      *Hub
	now      func() time.Time
}

func New(store *redis.Store, cfg *config.Config, logger zerolog.Logger) *Handler {
	log := logger.With().Str("component", "handlers").Logger()
	return &Handler{
		store:    store,
		cfg:      cfg,
		log:      log,
		limiters: newLimiterSet(cfg.Presence.Rate, cfg.Presence.Burst),
		hub:      newHub(store, log),
		now:      time.Now,
	}
}

// Routes registers every endpoint on router.
func (h *Handler) Routes(router *gin.Engine) {
	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(h.cfg.AllowedOrigins))

	router.GET("/health", h.Health)

	jwt := middleware.JWTAuth(h.cfg.JWTSecret)

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", h.Login)

		calls := apiGroup.Group("/calls", jwt)
		calls.POST("", h.CreateCall)
		calls.POST("/status", h.CallStatus)
		calls.POST("/cancel", h.CancelCall)
		calls.GET("/incoming", h.CheckIncoming)
		calls.POST("/answer", h.AnswerCall)

		presence := apiGroup.Group("/presence", jwt)
		presence.POST("/heartbeat", h.Heartbeat)
		presence.GET("/available", h.Available)

		rooms := apiGroup.Group("/rooms", jwt)
		rooms.GET("/:room/participants", h.Participants)
		rooms.GET("/:room/messages", h.Messages)
		rooms.POST("/:room/messages", h.PostMessage)
	}

	// Media relay for rooms of active calls
	router.GET("/ws/signal/:room", jwt, h.HandleSignaling)
}

// Health reports whether Redis answers.
func (h *Handler) Health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "redis unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func currentUser(c *gin.Context) (string, bool) {
	userID := c.GetString(middleware.ContextUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return "", false
	}
	return userID, true
}
